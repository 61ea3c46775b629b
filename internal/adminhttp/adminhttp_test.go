package adminhttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/streamstore/internal/daemon"
)

type fakeSource struct {
	snap daemon.Snapshot
}

func (f *fakeSource) RequestSnapshot(ctx context.Context) (daemon.Snapshot, error) {
	return f.snap, nil
}

func TestHandleStatusReturnsSnapshotJSON(t *testing.T) {
	src := &fakeSource{snap: daemon.Snapshot{
		Bytestreams: []daemon.BytestreamStatus{{Name: "/tmp/stream", SizeBytes: 4096}},
	}}
	s := New(src)
	s.refresh(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/tmp/stream")
}

func TestHandleBytestreamMissingReturns404(t *testing.T) {
	s := New(&fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/status/nope", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleBytestreamFound(t *testing.T) {
	src := &fakeSource{snap: daemon.Snapshot{
		Bytestreams: []daemon.BytestreamStatus{{Name: "streamA"}, {Name: "streamB", ClientCount: 3}},
	}}
	s := New(src)
	s.refresh(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/status/streamB", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
