package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Message{
		Tag:    TagRegion,
		ID:     42,
		Arg:    int32(SeekNextSegment),
		Offset: 1 << 40,
		Size:   65536,
		Name:   "stream-a",
	}

	var buf bytes.Buffer
	require.NoError(t, in.Encode(&buf))
	require.Equal(t, EncodedLen(), buf.Len())

	out, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeRejectsOverlongName(t *testing.T) {
	in := Message{Tag: TagOpen, Name: strings.Repeat("x", FilenameMax)}
	var buf bytes.Buffer
	require.Error(t, in.Encode(&buf))
}

func TestDecodeTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (Message{Tag: TagAck}).Encode(&buf))
	truncated := buf.Bytes()[:buf.Len()-1]
	_, err := Decode(bytes.NewReader(truncated))
	require.Error(t, err)
}

func TestTagString(t *testing.T) {
	require.Equal(t, "REGION", TagRegion.String())
	require.Contains(t, Tag(999).String(), "999")
}
