// Package ipc is the local channel injected modules use to authenticate
// back to the loader and forward their log records.
//
// A frame is an 8 byte little-endian length followed by that many bytes of
// JSON. The server serves one connection at a time.
package ipc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	headerSize = 8
	// MaxFrameSize bounds what a peer may announce.
	MaxFrameSize = 16 << 20
)

// ErrFrameTooLarge is returned for a length prefix above the limit.
var ErrFrameTooLarge = errors.New("ipc frame exceeds size limit")

// Encode frames payload.
func Encode(payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(out, uint64(len(payload)))
	copy(out[headerSize:], payload)
	return out
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	_, err := w.Write(Encode(payload))
	return err
}

// Decoder reassembles frames from arbitrarily split reads.
type Decoder struct {
	// Max overrides MaxFrameSize when positive.
	Max int
	buf []byte
}

// Feed appends chunk and returns every frame completed by it. Bytes of an
// incomplete frame stay buffered for the next call. After ErrFrameTooLarge
// the stream is unusable.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	limit := uint64(MaxFrameSize)
	if d.Max > 0 {
		limit = uint64(d.Max)
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	off := 0
	for len(d.buf)-off >= headerSize {
		n := binary.LittleEndian.Uint64(d.buf[off:])
		if n > limit {
			d.buf = nil
			return frames, errors.Wrapf(ErrFrameTooLarge, "announced %d bytes", n)
		}
		if uint64(len(d.buf)-off-headerSize) < n {
			break
		}
		start := off + headerSize
		frame := make([]byte, n)
		copy(frame, d.buf[start:start+int(n)])
		frames = append(frames, frame)
		off = start + int(n)
	}
	if off > 0 {
		d.buf = append(d.buf[:0], d.buf[off:]...)
	}
	return frames, nil
}

// Buffered is the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int { return len(d.buf) }
