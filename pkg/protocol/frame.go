package protocol

import (
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
)

const (
	// HeaderSize is the fixed part of every encoded frame:
	// type (1) + date (8) + time (6) + sender (17) + recipient (17).
	HeaderSize = 1 + dateWidth + timeWidth + UsernameWidth + UsernameWidth

	// UsernameWidth is the padded width of the sender and recipient fields.
	UsernameWidth = 17

	// DateLayout and TimeLayout are the Go layouts for ddMMyyyy and HHmmss.
	DateLayout = "02012006"
	TimeLayout = "150405"

	dateWidth = 8
	timeWidth = 6

	offDate      = 1
	offTime      = offDate + dateWidth
	offSender    = offTime + timeWidth
	offRecipient = offSender + UsernameWidth

	padding = ' '
)

// Type identifies what a frame is for.
type Type uint8

const (
	TypeLogin     Type = 1 // login request, or the server's login confirmation
	TypeBroadcast Type = 2
	TypeDirect    Type = 3
	TypeSystem    Type = 4 // server info and errors
)

// Valid reports whether t is one of the four known frame types.
func (t Type) Valid() bool {
	return t >= TypeLogin && t <= TypeSystem
}

func (t Type) String() string {
	switch t {
	case TypeLogin:
		return "LOGIN"
	case TypeBroadcast:
		return "BROADCAST"
	case TypeDirect:
		return "DIRECT"
	case TypeSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrInvalidType      = errors.New("invalid frame type")
	ErrUsernameTooLong  = errors.New("username exceeds 17 bytes")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrInvalidTimestamp = errors.New("invalid frame timestamp")
)

// Frame is one chat protocol message.
// Wire layout: [type][ddMMyyyy][HHmmss][sender x17][recipient x17][payload...]
type Frame struct {
	Type      Type
	Date      string // ddMMyyyy
	Time      string // HHmmss
	Sender    string
	Recipient string // empty for LOGIN and BROADCAST
	Payload   string
}

// NewFrame builds a frame stamped with now.
func NewFrame(t Type, sender, recipient, payload string, now time.Time) *Frame {
	f := &Frame{
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
	}
	f.Stamp(now)
	return f
}

// Stamp overwrites the date and time fields with now.
func (f *Frame) Stamp(now time.Time) {
	f.Date = now.Format(DateLayout)
	f.Time = now.Format(TimeLayout)
}

// Timestamp parses the date and time fields in loc.
func (f *Frame) Timestamp(loc *time.Location) (time.Time, error) {
	ts, err := time.ParseInLocation(DateLayout+TimeLayout, f.Date+f.Time, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "%q %q", f.Date, f.Time)
	}
	return ts, nil
}

// Size returns the encoded length of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Encode serializes the frame. Names are never truncated: a sender or
// recipient that does not fit its field is an error.
func (f *Frame) Encode() ([]byte, error) {
	if !f.Type.Valid() {
		return nil, errors.Wrapf(ErrInvalidType, "type %d", f.Type)
	}
	if !isDigits(f.Date, dateWidth) || !isDigits(f.Time, timeWidth) {
		return nil, errors.Wrapf(ErrInvalidTimestamp, "%q %q", f.Date, f.Time)
	}
	if err := checkField("sender", f.Sender); err != nil {
		return nil, err
	}
	if err := checkField("recipient", f.Recipient); err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize, f.Size())
	buf[0] = '0' + byte(f.Type)
	copy(buf[offDate:], f.Date)
	copy(buf[offTime:], f.Time)
	putPadded(buf[offSender:offRecipient], f.Sender)
	putPadded(buf[offRecipient:HeaderSize], f.Recipient)
	return append(buf, f.Payload...), nil
}

// Decode parses exactly one encoded frame. The payload is everything
// after the header; padding is trimmed from both name fields.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformedFrame, "frame is %d bytes, header needs %d", len(data), HeaderSize)
	}
	if data[0] < '1' || data[0] > '4' {
		return nil, errors.Wrapf(ErrMalformedFrame, "unknown type byte 0x%02X", data[0])
	}

	return &Frame{
		Type:      Type(data[0] - '0'),
		Date:      string(data[offDate:offTime]),
		Time:      string(data[offTime:offSender]),
		Sender:    trimPadding(data[offSender:offRecipient]),
		Recipient: trimPadding(data[offRecipient:HeaderSize]),
		Payload:   string(data[HeaderSize:]),
	}, nil
}

// ValidUsername reports whether name can be bound to a session:
// 1 to 17 bytes and no whitespace anywhere.
func ValidUsername(name string) bool {
	if len(name) == 0 || len(name) > UsernameWidth {
		return false
	}
	return strings.IndexFunc(name, unicode.IsSpace) < 0
}

func checkField(field, name string) error {
	if len(name) > UsernameWidth {
		return errors.Wrapf(ErrUsernameTooLong, "%s %q is %d bytes", field, name, len(name))
	}
	if strings.IndexByte(name, padding) >= 0 {
		return errors.Wrapf(ErrInvalidUsername, "%s %q contains a space", field, name)
	}
	return nil
}

func putPadded(dst []byte, name string) {
	n := copy(dst, name)
	for i := n; i < len(dst); i++ {
		dst[i] = padding
	}
}

func trimPadding(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == padding {
		end--
	}
	return string(b[:end])
}

func isDigits(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
