package bytestream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/streamstore/internal/segment"
	"github.com/javi11/streamstore/internal/wire"
)

func TestAllocClientAssignsLowestFreeID(t *testing.T) {
	tbl := NewTable()
	c0, ok := tbl.AllocClient()
	require.True(t, ok)
	c1, ok := tbl.AllocClient()
	require.True(t, ok)
	assert.EqualValues(t, 0, c0.ID)
	assert.EqualValues(t, 1, c1.ID)

	tbl.FreeClient(c0.ID)
	c2, ok := tbl.AllocClient()
	require.True(t, ok)
	assert.EqualValues(t, 0, c2.ID, "freed low id should be reused before allocating a fresh one")
}

func TestAllocClientFailsAtCap(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < MaxClients; i++ {
		_, ok := tbl.AllocClient()
		require.True(t, ok)
	}
	_, ok := tbl.AllocClient()
	assert.False(t, ok)
}

func TestFreeClientInvalidatesStaleID(t *testing.T) {
	tbl := NewTable()
	c, _ := tbl.AllocClient()
	tbl.FreeClient(c.ID)
	_, ok := tbl.Client(c.ID)
	assert.False(t, ok)
}

func TestBlockedFIFOOrderPreserved(t *testing.T) {
	b := &Bytestream{Name: "s"}
	c1 := &Client{ID: 1}
	c2 := &Client{ID: 2}
	b.Enqueue(c1, wire.Message{Offset: 10})
	b.Enqueue(c2, wire.Message{Offset: 20})

	drained := b.DrainBlocked()
	require.Len(t, drained, 2)
	assert.Equal(t, c1, drained[0].Client)
	assert.Equal(t, c2, drained[1].Client)
	assert.Empty(t, b.Blocked)
}

func TestSegmentReaderSublist(t *testing.T) {
	b := &Bytestream{Name: "s"}
	seg := &segment.Segment{Offset: 0}
	c := &Client{ID: 1}
	b.AttachReader(seg, c)
	assert.Len(t, b.ReadersOf(seg), 1)
	b.DetachReader(seg, c)
	assert.Empty(t, b.ReadersOf(seg))
}

func TestClientCountReflectsAttachDetach(t *testing.T) {
	b := &Bytestream{Name: "s"}
	c := &Client{ID: 1}
	b.AttachClient(c)
	assert.Equal(t, 1, b.ClientCount())
	b.DetachClient(c)
	assert.Equal(t, 0, b.ClientCount())
}
