package client

import (
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, time.March, 5, 14, 7, 9, 0, time.Local)

func ack(name string) *protocol.Frame {
	return protocol.NewFrame(protocol.TypeLogin, SystemSender, name, "You are now logged in as @ "+name, now)
}

func loggedInComposer(t *testing.T, name string) *Composer {
	t.Helper()
	c := NewComposer()
	_, err := c.Compose(name, now)
	require.NoError(t, err)
	c.Observe(ack(name))
	require.Equal(t, name, c.Username())
	return c
}

func TestComposeLogin(t *testing.T) {
	c := NewComposer()
	assert.Equal(t, "username", c.Prompt())

	_, err := c.Compose("has space", now)
	assert.True(t, errors.Is(err, ErrInvalidUsername))
	_, err = c.Compose("abcdefghijklmnopqr", now)
	assert.True(t, errors.Is(err, ErrInvalidUsername), "18 bytes is too long")

	frame, err := c.Compose("  alice ", now)
	require.NoError(t, err)
	assert.Equal(t, &protocol.Frame{
		Type:    protocol.TypeLogin,
		Date:    "05032024",
		Time:    "140709",
		Sender:  "alice",
		Payload: LoginPayload,
	}, frame)
	assert.Equal(t, "waiting", c.Prompt())

	_, err = c.Compose("bob", now)
	assert.True(t, errors.Is(err, ErrLoginPending))

	c.Observe(ack("alice"))
	assert.Equal(t, "alice", c.Username())
	assert.Equal(t, "message", c.Prompt())
}

func TestComposeRetryAfterRejection(t *testing.T) {
	for _, reason := range []string{"Username already exists! [USER_EXISTS]", "Invalid username! [INVALID_USERNAME]"} {
		c := NewComposer()
		_, err := c.Compose("alice", now)
		require.NoError(t, err)

		c.Observe(protocol.NewFrame(protocol.TypeSystem, SystemSender, "alice", reason, now))
		assert.Equal(t, "username", c.Prompt())

		frame, err := c.Compose("bob", now)
		require.NoError(t, err)
		assert.Equal(t, "bob", frame.Sender)
	}
}

func TestComposeMessages(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantType  protocol.Type
		recipient string
		payload   string
		wantErr   error
	}{
		{name: "broadcast", line: "hi everyone", wantType: protocol.TypeBroadcast, payload: "hi everyone"},
		{name: "broadcast keeps spacing", line: "  spaced  out ", wantType: protocol.TypeBroadcast, payload: "  spaced  out "},
		{name: "direct", line: "@bob hello", wantType: protocol.TypeDirect, recipient: "bob", payload: "hello"},
		{name: "direct splits on first space", line: "@bob hello there  bob", wantType: protocol.TypeDirect, recipient: "bob", payload: "hello there  bob"},
		{name: "at sign mid line", line: "mail me at x@y", wantType: protocol.TypeBroadcast, payload: "mail me at x@y"},
		{name: "recipient only", line: "@bob", wantErr: ErrMissingMessage},
		{name: "recipient and space", line: "@bob ", wantErr: ErrMissingMessage},
		{name: "bare at", line: "@ hello", wantErr: ErrInvalidUsername},
		{name: "recipient too long", line: "@abcdefghijklmnopqr hi", wantErr: ErrInvalidUsername},
		{name: "empty", line: "   ", wantErr: ErrEmptyMessage},
		{name: "largest broadcast", line: strings.Repeat("x", protocol.MaxPayloadSize), wantType: protocol.TypeBroadcast, payload: strings.Repeat("x", protocol.MaxPayloadSize)},
		{name: "broadcast too long", line: strings.Repeat("x", protocol.MaxPayloadSize+1), wantErr: ErrMessageTooLong},
		{name: "direct too long", line: "@bob " + strings.Repeat("x", protocol.MaxPayloadSize+1), wantErr: ErrMessageTooLong},
	}

	c := loggedInComposer(t, "alice")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := c.Compose(tt.line, now)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, frame.Type)
			assert.Equal(t, "alice", frame.Sender)
			assert.Equal(t, tt.recipient, frame.Recipient)
			assert.Equal(t, tt.payload, frame.Payload)

			_, err = frame.Encode()
			assert.NoError(t, err)
		})
	}
}

func TestObserveIgnoresOtherSenders(t *testing.T) {
	c := NewComposer()
	c.Observe(protocol.NewFrame(protocol.TypeLogin, "mallory", "mallory", "You are now logged in as @ mallory", now))
	assert.Empty(t, c.Username())

	// Identity chosen by the transport arrives without a request
	c.Observe(ack("carol"))
	assert.Equal(t, "carol", c.Username())

	// Later rejections do not log the user out
	c.Observe(protocol.NewFrame(protocol.TypeSystem, SystemSender, "carol", "Username already exists! [USER_EXISTS]", now))
	assert.Equal(t, "carol", c.Username())
}

func TestSystemReason(t *testing.T) {
	assert.Equal(t, "USER_NOT_FOUND", SystemReason("User @zed does not exist! [USER_NOT_FOUND]"))
	assert.Equal(t, "", SystemReason("no reason here"))
	assert.Equal(t, "", SystemReason("trailing bracket]"))
}

func TestRender(t *testing.T) {
	tests := []struct {
		frame *protocol.Frame
		want  string
	}{
		{protocol.NewFrame(protocol.TypeBroadcast, "alice", "", "hi everyone", now), "[RKchat] [alice] [14:07] hi everyone"},
		{protocol.NewFrame(protocol.TypeDirect, "alice", "bob", "hello", now), "[direct message] [alice] [14:07] hello"},
		{ack("bob"), "[system] [14:07] You are now logged in as @ bob"},
		{protocol.NewFrame(protocol.TypeSystem, SystemSender, "alice", "User @zed does not exist! [USER_NOT_FOUND]", now), "[system] [14:07] User @zed does not exist! [USER_NOT_FOUND]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.frame))
	}
}
