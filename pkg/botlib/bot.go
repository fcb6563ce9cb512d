package botlib

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/client"
	"github.com/rkchat/rkchat/pkg/protocol"
	"go.uber.org/zap"
)

// ErrDisconnected is returned by Run when the server ends the connection.
var ErrDisconnected = errors.New("disconnected from server")

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address, in any form client.Dial accepts
	Server string

	// Username to log in with. Ignored when IdentityLogin is set.
	Username string

	// IdentityLogin waits for the server to bind the name the transport
	// proved (a TLS client certificate) instead of sending LOGIN.
	IdentityLogin bool

	// Dial options: TLS config and how long to keep retrying
	Dial client.Options

	// ResponseTimeout bounds the wait for the login answer (default: 10s)
	ResponseTimeout time.Duration

	Logger *zap.Logger
}

// Bot represents an RKchat bot instance.
type Bot struct {
	config Config
	logger *zap.Logger

	conn     *client.Connection
	composer *client.Composer

	onMessage MessageHandler
	onDirect  MessageHandler
	onMention MessageHandler

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.Dial.Logger == nil {
		config.Dial.Logger = config.Logger
	}

	return &Bot{
		config:   config,
		logger:   config.Logger,
		composer: client.NewComposer(),
		ready:    make(chan struct{}),
	}
}

// OnMessage registers a handler for broadcasts that do not mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnDirect registers a handler for direct messages to the bot.
func (b *Bot) OnDirect(handler MessageHandler) {
	b.onDirect = handler
}

// OnMention registers a handler for broadcasts that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Username returns the name the server confirmed, or "" before login.
func (b *Bot) Username() string {
	return b.composer.Username()
}

// Ready is closed once the bot is logged in and dispatching.
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

// Run connects, logs in and dispatches messages to the handlers until ctx
// is done or the server goes away. Handlers run one at a time, in arrival
// order.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("connecting", zap.String("server", b.config.Server))
	conn, err := client.Dial(ctx, b.config.Server, b.config.Dial)
	if err != nil {
		return errors.Wrap(err, "connect failed")
	}
	b.conn = conn
	defer conn.Close()

	if err := b.login(ctx); err != nil {
		return errors.Wrap(err, "login")
	}
	b.logger.Info("logged in", zap.String("username", b.Username()))
	b.readyOnce.Do(func() { close(b.ready) })

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stop requested")
			return nil
		case frame, ok := <-conn.Frames():
			if !ok {
				if err := conn.Err(); err != nil {
					return errors.Wrap(ErrDisconnected, err.Error())
				}
				return ErrDisconnected
			}
			b.handleFrame(frame)
		}
	}
}

func (b *Bot) login(ctx context.Context) error {
	if !b.config.IdentityLogin {
		frame, err := b.composer.Compose(b.config.Username, time.Now())
		if err != nil {
			return err
		}
		if err := b.conn.Send(frame); err != nil {
			return err
		}
	}

	timeout := time.NewTimer(b.config.ResponseTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("timeout waiting for login confirmation")
		case frame, ok := <-b.conn.Frames():
			if !ok {
				return ErrDisconnected
			}
			b.composer.Observe(frame)
			if b.composer.Username() != "" {
				return nil
			}
			if frame.Type == protocol.TypeSystem && frame.Sender == client.SystemSender {
				return errors.Newf("rejected: %s", frame.Payload)
			}
		}
	}
}

func (b *Bot) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeBroadcast, protocol.TypeDirect:
	case protocol.TypeSystem:
		b.logger.Info("server notice", zap.String("text", frame.Payload))
		return
	default:
		b.logger.Debug("ignoring frame", zap.Stringer("type", frame.Type))
		return
	}

	// Skip our own broadcasts
	if frame.Sender == b.Username() {
		return
	}

	msg := newMessage(frame, b.Username())
	ctx := &Context{bot: b, message: msg}

	switch {
	case msg.Direct:
		if b.onDirect != nil {
			b.onDirect(ctx, msg)
		}
	case msg.MentionsMe() && b.onMention != nil:
		b.onMention(ctx, msg)
	case b.onMessage != nil:
		b.onMessage(ctx, msg)
	}
}

func (b *Bot) sendDirect(recipient, content string) error {
	return b.send(protocol.NewFrame(protocol.TypeDirect, b.Username(), recipient, content, time.Now()))
}

func (b *Bot) broadcast(content string) error {
	return b.send(protocol.NewFrame(protocol.TypeBroadcast, b.Username(), "", content, time.Now()))
}

func (b *Bot) send(frame *protocol.Frame) error {
	if err := b.conn.Send(frame); err != nil {
		return errors.Wrap(err, "send message")
	}
	return nil
}
