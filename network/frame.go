package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length prefix size of a frame.
const HeaderSize = 4

// MaxPayloadSize is the largest payload a frame may carry (64 KiB).
const MaxPayloadSize = 64 * 1024

// ErrMessageTooLarge is returned when a frame announces a payload above MaxPayloadSize.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// AppendFrame appends the framed payload to dst.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(payload), MaxPayloadSize)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload))) // #nosec G115 - bounded above
	return append(dst, payload...), nil
}

// ReadMessage reads one frame from a blocking reader.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, MaxPayloadSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return buf, nil
}

// WriteMessage writes one frame to a blocking writer.
func WriteMessage(w io.Writer, data []byte) error {
	frame, err := AppendFrame(make([]byte, 0, HeaderSize+len(data)), data)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// FrameDecoder extracts frames from bytes arriving in arbitrary chunks.
type FrameDecoder struct {
	buf []byte
	off int
	max uint32
}

// NewFrameDecoder creates a decoder that rejects payloads above max.
// A non-positive max selects MaxPayloadSize.
func NewFrameDecoder(max int) *FrameDecoder {
	if max <= 0 || max > MaxPayloadSize {
		max = MaxPayloadSize
	}
	return &FrameDecoder{max: uint32(max)} // #nosec G115 - bounded above
}

// Write appends received bytes. It never fails.
func (d *FrameDecoder) Write(p []byte) (int, error) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete payload. ok is false when more bytes are
// needed. The returned slice is owned by the caller. Once Next fails the
// decoder should be discarded together with its connection.
func (d *FrameDecoder) Next() (payload []byte, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < HeaderSize {
		return nil, false, nil
	}

	length := binary.BigEndian.Uint32(avail)
	if length > d.max {
		return nil, false, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, d.max)
	}
	if uint32(len(avail)-HeaderSize) < length { // #nosec G115 - len is non-negative
		return nil, false, nil
	}

	end := HeaderSize + int(length)
	payload = make([]byte, length)
	copy(payload, avail[HeaderSize:end])
	d.off += end
	return payload, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.off
}
