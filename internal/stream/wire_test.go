package stream

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrame_HeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("not-actually-a-png")
	require.NoError(t, WriteFrame(&buf, Frame{Payload: payload, Timestamp: 42.5}))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), HeaderSize)

	length := binary.BigEndian.Uint64(raw[0:8])
	assert.Equal(t, uint64(len(payload)), length, "length prefix must equal payload size")

	ts := math.Float64frombits(binary.BigEndian.Uint64(raw[8:16]))
	assert.Equal(t, 42.5, ts)

	assert.Equal(t, payload, raw[HeaderSize:])
	assert.Len(t, raw, HeaderSize+len(payload), "no trailing delimiter")
}

func TestReadFrame_Roundtrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Payload: []byte{0x89, 'P', 'N', 'G'}, Timestamp: 0},
		{Payload: bytes.Repeat([]byte{0xAB}, 4096), Timestamp: 1817.25},
		{Payload: []byte{}, Timestamp: -3.5},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		payload, ts, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Payload, payload)
		assert.Equal(t, want.Timestamp, ts)
	}
}

func TestReadFrame_RejectsAbsurdLength(t *testing.T) {
	var raw [HeaderSize]byte
	binary.BigEndian.PutUint64(raw[0:8], 1<<40)
	_, _, err := ReadFrame(bytes.NewReader(raw[:]))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadFrame_ShortRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Payload: []byte("abcdef"), Timestamp: 1}))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
}
