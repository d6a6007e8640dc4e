package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Wire format, per frame:
//
//	[8 bytes] payload length, unsigned 64-bit big-endian
//	[8 bytes] playhead timestamp, IEEE-754 double big-endian
//	[N bytes] encoded image payload
//
// There is no delimiter between frames beyond the length prefix, and no
// other framing metadata. Sequence numbers never go on the wire.

const HeaderSize = 16

// maxWirePayload guards ReadFrame against a corrupt or hostile length
// prefix. A lossless 1280x720 frame stays well under this.
const maxWirePayload = 64 << 20

var ErrPayloadTooLarge = errors.New("frame payload exceeds wire limit")

// Frame is one captured, encoded image plus the playhead at capture time.
// Sequence is strictly increasing per broadcast stream and internal only.
type Frame struct {
	Sequence  uint64
	Payload   []byte
	Timestamp float64
}

// WriteFrame encodes f onto w. Header and payload are written as a single
// buffer so a frame is never interleaved with another writer's bytes.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(f.Timestamp))
	copy(buf[HeaderSize:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame decodes one frame from r. Used by the verification client and
// by tests; the sensor itself only writes.
func ReadFrame(r io.Reader) (payload []byte, timestamp float64, err error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	length := binary.BigEndian.Uint64(hdr[0:8])
	timestamp = math.Float64frombits(binary.BigEndian.Uint64(hdr[8:16]))
	if length > maxWirePayload {
		return nil, 0, ErrPayloadTooLarge
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, err
	}
	return payload, timestamp, nil
}
