package botlib

import (
	"context"
	"testing"
	"time"

	"github.com/rkchat/rkchat/pkg/client"
	"github.com/rkchat/rkchat/pkg/protocol"
	"github.com/rkchat/rkchat/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	config := server.DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.TCPPort = 0
	config.MetricsPort = 0

	srv, err := server.NewServer(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func startBot(t *testing.T, srv *server.Server, bot *Bot) chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-bot.Ready():
	case err := <-done:
		t.Fatalf("bot exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not log in")
	}
	return done
}

func echoBot(t *testing.T, srv *server.Server) *Bot {
	bot := New(Config{
		Server:   srv.Addr().String(),
		Username: "echo",
		Logger:   zaptest.NewLogger(t),
	})
	bot.OnDirect(func(ctx *Context, msg *Message) {
		ctx.Reply("echo: " + msg.Content)
	})
	bot.OnMention(func(ctx *Context, msg *Message) {
		ctx.Reply(ctx.Author() + " said " + msg.MentionedContent())
	})
	return bot
}

type user struct {
	conn     *client.Connection
	composer *client.Composer
}

func loginUser(t *testing.T, srv *server.Server, name string) *user {
	t.Helper()
	conn, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	u := &user{conn: conn, composer: client.NewComposer()}
	u.say(t, name)
	u.composer.Observe(u.next(t))
	require.Equal(t, name, u.composer.Username())
	return u
}

func (u *user) say(t *testing.T, line string) {
	t.Helper()
	frame, err := u.composer.Compose(line, time.Now())
	require.NoError(t, err)
	require.NoError(t, u.conn.Send(frame))
}

func (u *user) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case frame, ok := <-u.conn.Frames():
		require.True(t, ok, "connection ended")
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestBotAnswersDirectMessages(t *testing.T) {
	srv := startServer(t)
	bot := echoBot(t, srv)
	startBot(t, srv, bot)
	assert.Equal(t, "echo", bot.Username())

	alice := loginUser(t, srv, "alice")
	alice.say(t, "@echo ping")

	reply := alice.next(t)
	assert.Equal(t, protocol.TypeDirect, reply.Type)
	assert.Equal(t, "echo", reply.Sender)
	assert.Equal(t, "alice", reply.Recipient)
	assert.Equal(t, "echo: ping", reply.Payload)
}

func TestBotAnswersMentions(t *testing.T) {
	srv := startServer(t)
	startBot(t, srv, echoBot(t, srv))

	alice := loginUser(t, srv, "alice")
	alice.say(t, "hey @echo what's up")

	own := alice.next(t)
	require.Equal(t, "alice", own.Sender)

	reply := alice.next(t)
	assert.Equal(t, protocol.TypeBroadcast, reply.Type)
	assert.Equal(t, "echo", reply.Sender)
	assert.Equal(t, "alice said hey  what's up", reply.Payload)

	// Case folding that changes byte length must not throw the bot off
	alice.say(t, "ȺȺȺȺȺȺ@ECHO hi")
	require.Equal(t, "alice", alice.next(t).Sender)
	reply = alice.next(t)
	assert.Equal(t, "echo", reply.Sender)
	assert.Equal(t, "alice said ȺȺȺȺȺȺ hi", reply.Payload)
}

func TestBotRejectedUsername(t *testing.T) {
	srv := startServer(t)
	loginUser(t, srv, "echo")

	bot := echoBot(t, srv)
	err := bot.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USER_EXISTS")
}

func TestBotStopsWithServer(t *testing.T) {
	srv := startServer(t)
	done := startBot(t, srv, echoBot(t, srv))

	require.NoError(t, srv.Stop())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
		done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("bot kept running after shutdown")
	}
}

func TestMessageMentions(t *testing.T) {
	tests := []struct {
		content  string
		mentions bool
		stripped string
	}{
		{"@echo hi", true, "hi"},
		{"hey @ECHO there", true, "hey  there"},
		{"echo: status", true, "status"},
		{"Echo, status", true, "status"},
		{"echoes everywhere", false, "echoes everywhere"},
		{"nothing here", false, "nothing here"},
		{"ȺȺȺȺȺȺ@echo", true, "ȺȺȺȺȺȺ"},
		{"İİİİ@echo", true, "İİİİ"},
		{"ȺȺ @ȺCHO", false, "ȺȺ @ȺCHO"},
		{"ECHO:", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			msg := &Message{Content: tt.content, botName: "echo"}
			assert.Equal(t, tt.mentions, msg.MentionsMe())
			assert.Equal(t, tt.stripped, msg.MentionedContent())
		})
	}
}

func TestNewMessage(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.Local)
	frame := protocol.NewFrame(protocol.TypeDirect, "alice", "echo", "hi", now)

	msg := newMessage(frame, "echo")
	assert.True(t, msg.Direct)
	assert.Equal(t, "alice", msg.Author)
	assert.Equal(t, "hi", msg.Content)
	assert.True(t, now.Equal(msg.SentAt))
}
