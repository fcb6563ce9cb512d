package protocol

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// usernameGen draws names that fit the padded field: up to 17 bytes, no spaces.
func usernameGen(allowEmpty bool) *rapid.Generator[string] {
	minLen := 1
	if allowEmpty {
		minLen = 0
	}
	return rapid.StringMatching(fmt.Sprintf(`[a-zA-Z0-9_.\-@]{%d,17}`, minLen))
}

func frameGen() *rapid.Generator[*Frame] {
	return rapid.Custom(func(t *rapid.T) *Frame {
		ts := time.Unix(rapid.Int64Range(0, 4102444800).Draw(t, "unix"), 0).UTC()
		return &Frame{
			Type:      Type(rapid.IntRange(1, 4).Draw(t, "type")),
			Date:      ts.Format(DateLayout),
			Time:      ts.Format(TimeLayout),
			Sender:    usernameGen(false).Draw(t, "sender"),
			Recipient: usernameGen(true).Draw(t, "recipient"),
			Payload:   rapid.StringN(0, 512, -1).Draw(t, "payload"),
		}
	})
}

// TestFrameRoundTrip checks that decode(encode(f)) == f for any well-formed frame
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := frameGen().Draw(t, "frame")

		data, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(data) != HeaderSize+len(original.Payload) {
			t.Fatalf("encoded length %d, want %d", len(data), HeaderSize+len(original.Payload))
		}

		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", decoded, original)
		}
	})
}

// TestWireStreamRoundTrip writes a random sequence of frames to one stream and
// checks they come back one per read, in order.
func TestWireStreamRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frames := rapid.SliceOfN(frameGen(), 1, 16).Draw(t, "frames")

		var buf bytes.Buffer
		for _, f := range frames {
			if err := WriteFrame(&buf, f); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}

		for i, want := range frames {
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("read %d failed: %v", i, err)
			}
			if *got != *want {
				t.Fatalf("frame %d mismatch: got %+v want %+v", i, got, want)
			}
		}
		if buf.Len() != 0 {
			t.Fatalf("%d bytes left over", buf.Len())
		}
	})
}

// TestDecodeNeverPanics feeds arbitrary bytes to the decoder
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 128).Draw(t, "data")

		f, err := Decode(data)
		if err != nil {
			return
		}
		if !f.Type.Valid() {
			t.Fatalf("decoded invalid type %d", f.Type)
		}
		if len(data) < HeaderSize {
			t.Fatalf("decoded %d bytes, shorter than header", len(data))
		}
	})
}

// TestEncodeNeverTruncates checks over-long names are always rejected
func TestEncodeNeverTruncates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := frameGen().Draw(t, "frame")
		f.Sender = rapid.StringMatching(`[a-z]{18,40}`).Draw(t, "long")

		if _, err := f.Encode(); err == nil {
			t.Fatalf("encoded sender of %d bytes", len(f.Sender))
		}
	})
}
