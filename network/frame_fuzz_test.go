package network

import (
	"bytes"
	"testing"
)

// FuzzFrameDecoder feeds arbitrary byte streams to the decoder.
// Run with: go test -fuzz=FuzzFrameDecoder -fuzztime=30s ./network/
func FuzzFrameDecoder(f *testing.F) {
	valid, _ := AppendFrame(nil, []byte("hello"))
	f.Add(valid, uint8(3))
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF}, uint8(1))
	f.Add([]byte{0, 0, 0, 0}, uint8(0))
	f.Add([]byte{0, 1, 0, 0, 1, 2}, uint8(2))
	f.Add([]byte{}, uint8(7))

	f.Fuzz(func(t *testing.T, data []byte, chunk uint8) {
		step := int(chunk)%16 + 1

		// Should not panic regardless of input, and chunking must not
		// change the decoded result.
		whole := decodeAll(data, len(data)+1)
		split := decodeAll(data, step)

		if len(whole) != len(split) {
			t.Fatalf("Chunked decode yielded %d frames, whole decode %d", len(split), len(whole))
		}
		for i := range whole {
			if !bytes.Equal(whole[i], split[i]) {
				t.Fatalf("Frame %d differs between whole and chunked decode", i)
			}
			if len(whole[i]) > MaxPayloadSize {
				t.Fatalf("Frame %d exceeds MaxPayloadSize", i)
			}
		}
	})
}

// FuzzFrameRoundTrip checks that every accepted payload decodes unchanged.
// Run with: go test -fuzz=FuzzFrameRoundTrip -fuzztime=30s ./network/
func FuzzFrameRoundTrip(f *testing.F) {
	f.Add([]byte("payload"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, payload []byte) {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, payload); err != nil {
			return
		}
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatal("Round trip changed the payload")
		}
	})
}

func decodeAll(data []byte, step int) [][]byte {
	d := NewFrameDecoder(0)
	var frames [][]byte
	for off := 0; off < len(data); off += step {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		_, _ = d.Write(data[off:end])
		for {
			payload, ok, err := d.Next()
			if err != nil {
				return frames
			}
			if !ok {
				break
			}
			frames = append(frames, payload)
		}
	}
	return frames
}
