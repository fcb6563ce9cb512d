// Package client is the client side of the RKchat protocol: dialing the
// server, turning typed lines into frames and rendering what comes back.
package client

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/protocol"
)

// SystemSender is the sender name the server uses for its own frames.
const SystemSender = "system"

// LoginPayload is the payload of a LOGIN request.
const LoginPayload = "LOGIN"

var (
	ErrInvalidUsername = errors.New("username must be 1-17 characters without spaces")
	ErrLoginPending    = errors.New("waiting for the server to confirm the username")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMissingMessage  = errors.New("direct message needs text after the recipient")
	ErrMessageTooLong  = errors.Newf("message exceeds %d bytes", protocol.MaxPayloadSize)
)

// Composer turns lines typed by a user into frames, following the login
// state the server reports back through Observe.
type Composer struct {
	mu       sync.Mutex
	username string // confirmed by the server
	pending  string // requested, not yet confirmed
}

func NewComposer() *Composer {
	return &Composer{}
}

// Compose builds the frame for one input line. Before login the line is
// the requested username; afterwards "@name text" is a direct message and
// anything else a broadcast.
func (c *Composer) Compose(line string, now time.Time) (*protocol.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.username == "" {
		if c.pending != "" {
			return nil, ErrLoginPending
		}
		name := strings.TrimSpace(line)
		if !protocol.ValidUsername(name) {
			return nil, errors.Wrapf(ErrInvalidUsername, "%q", name)
		}
		c.pending = name
		return protocol.NewFrame(protocol.TypeLogin, name, "", LoginPayload, now), nil
	}

	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyMessage
	}

	if strings.HasPrefix(line, "@") {
		recipient, text, found := strings.Cut(line[1:], " ")
		if !found || text == "" {
			return nil, errors.Wrapf(ErrMissingMessage, "@%s", recipient)
		}
		if !protocol.ValidUsername(recipient) {
			return nil, errors.Wrapf(ErrInvalidUsername, "%q", recipient)
		}
		return checkSize(protocol.NewFrame(protocol.TypeDirect, c.username, recipient, text, now))
	}

	return checkSize(protocol.NewFrame(protocol.TypeBroadcast, c.username, "", line, now))
}

func checkSize(frame *protocol.Frame) (*protocol.Frame, error) {
	if frame.Size() > protocol.MaxFrameSize {
		return nil, errors.Wrapf(ErrMessageTooLong, "%d bytes", len(frame.Payload))
	}
	return frame, nil
}

// Observe updates the login state from a frame the server sent. A LOGIN
// confirmation binds the name, also when the transport chose it; a
// rejected name returns the composer to asking for one.
func (c *Composer) Observe(frame *protocol.Frame) {
	if frame.Sender != SystemSender {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.Type {
	case protocol.TypeLogin:
		c.username = frame.Recipient
		c.pending = ""
	case protocol.TypeSystem:
		if c.username != "" {
			return
		}
		switch SystemReason(frame.Payload) {
		case "USER_EXISTS", "INVALID_USERNAME":
			c.pending = ""
		}
	}
}

// Username returns the confirmed username, or "".
func (c *Composer) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Prompt describes what the next line will be used for.
func (c *Composer) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.username != "":
		return "message"
	case c.pending != "":
		return "waiting"
	default:
		return "username"
	}
}

// SystemReason extracts the bracketed reason code that ends a SYSTEM
// payload, e.g. "USER_EXISTS" from "Username already exists! [USER_EXISTS]".
func SystemReason(payload string) string {
	if !strings.HasSuffix(payload, "]") {
		return ""
	}
	open := strings.LastIndex(payload, "[")
	if open < 0 {
		return ""
	}
	return payload[open+1 : len(payload)-1]
}
