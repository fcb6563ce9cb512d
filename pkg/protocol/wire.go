package protocol

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

const (
	// MaxFrameSize is the largest encoded frame a single wire unit can carry.
	// The length prefix is a big-endian uint16.
	MaxFrameSize = 1<<16 - 1

	// MaxPayloadSize is what is left for the payload once the header is in.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	lengthPrefixSize = 2
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum wire size (65535 bytes)")

// Marshal encodes f and prepends the length prefix, ready to be written
// to a connection in one call. Broadcasts marshal once and reuse the bytes
// for every recipient.
func Marshal(f *Frame) ([]byte, error) {
	if f.Size() > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame is %d bytes", f.Size())
	}
	body, err := f.Encode()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	copy(buf[lengthPrefixSize:], body)
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one length-prefixed unit from r and decodes it.
// io.EOF is returned unwrapped when the stream ends cleanly between units.
func ReadFrame(r io.Reader) (*Frame, error) {
	body, err := ReadUnit(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// ReadUnit reads one length-prefixed unit without decoding it.
func ReadUnit(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(prefix[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "read %d byte frame", length)
	}
	return body, nil
}
