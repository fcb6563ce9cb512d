package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/rkchat/rkchat/pkg/protocol"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SystemSender is the sender name on every frame the server originates.
const SystemSender = "system"

// Reasons carried in SYSTEM error payloads, in square brackets.
const (
	ReasonUserExists      = "USER_EXISTS"
	ReasonUserNotFound    = "USER_NOT_FOUND"
	ReasonAuthRequired    = "AUTH_REQUIRED"
	ReasonAlreadyLoggedIn = "ALREADY_LOGGED_IN"
	ReasonInvalidUsername = "INVALID_USERNAME"
	ReasonUnsupportedType = "UNSUPPORTED_TYPE"
	ReasonServerFull      = "SERVER_FULL"
	ReasonShutdown        = "SHUTDOWN"
)

var (
	ErrDuplicateUsername    = errors.New("username already registered")
	ErrRecipientNotFound    = errors.New("recipient not found")
	ErrNotAuthenticated     = errors.New("session is not authenticated")
	ErrAlreadyAuthenticated = errors.New("session is already authenticated")
	ErrUnsupportedType      = errors.New("frame type not accepted from clients")
	ErrServerFull           = errors.New("connection limit reached")
)

const defaultBroadcastWorkers = 256

// Router turns inbound frames into registry changes and outbound frames.
//
// Per session it is a two-state machine: unauthenticated until a username
// is bound (by LOGIN or by the transport), authenticated afterwards.
// BROADCAST and DIRECT are only accepted in the second state.
type Router struct {
	registry *Registry
	pool     *ants.Pool
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewRouter creates a router whose broadcasts fan out over at most workers
// goroutines.
func NewRouter(registry *Registry, workers int, logger *zap.Logger) (*Router, error) {
	if workers <= 0 {
		workers = defaultBroadcastWorkers
	}
	pool, err := ants.NewPool(workers,
		ants.WithPanicHandler(func(v any) {
			logger.Error("broadcast worker panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create broadcast pool")
	}
	return &Router{
		registry: registry,
		pool:     pool,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetMetrics attaches metrics to the router
func (r *Router) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Release stops the broadcast workers. Broadcasts issued afterwards are
// written inline.
func (r *Router) Release() {
	r.pool.Release()
}

// Route handles one frame read from sess. Rejections are answered with a
// SYSTEM frame and reported through the returned error; none of them end
// the session.
func (r *Router) Route(sess *Session, frame *protocol.Frame) error {
	r.logger.Debug("recv",
		zap.Uint64("session", sess.ID),
		zap.Stringer("type", frame.Type),
		zap.String("recipient", frame.Recipient),
		zap.Int("payload_len", len(frame.Payload)))

	switch frame.Type {
	case protocol.TypeLogin:
		return r.handleLogin(sess, frame)
	case protocol.TypeBroadcast:
		return r.handleBroadcast(sess, frame)
	case protocol.TypeDirect:
		return r.handleDirect(sess, frame)
	default:
		r.reject(sess, sess.Username(), ReasonUnsupportedType, "Clients cannot send SYSTEM messages!")
		return errors.Wrapf(ErrUnsupportedType, "type %s", frame.Type)
	}
}

func (r *Router) handleLogin(sess *Session, frame *protocol.Frame) error {
	if sess.Authenticated() {
		r.reject(sess, sess.Username(), ReasonAlreadyLoggedIn,
			fmt.Sprintf("You are already logged in as @ %s!", sess.Username()))
		return ErrAlreadyAuthenticated
	}
	return r.Bind(sess, frame.Sender)
}

// Bind registers name for sess and confirms it with a LOGIN frame. On
// failure the session gets the matching SYSTEM error and stays
// unauthenticated; what happens to the connection is the caller's call.
func (r *Router) Bind(sess *Session, name string) error {
	if !protocol.ValidUsername(name) || name == SystemSender {
		r.reject(sess, "", ReasonInvalidUsername, "Invalid username!")
		return errors.Wrapf(protocol.ErrInvalidUsername, "%q", name)
	}

	if !r.registry.Register(name, sess) {
		if !sess.Alive() {
			return errors.Wrapf(net.ErrClosed, "session %d", sess.ID)
		}
		r.reject(sess, name, ReasonUserExists, "Username already exists!")
		return errors.Wrapf(ErrDuplicateUsername, "%q", name)
	}

	r.logger.Info("user logged in", sess.logFields()...)
	ack := protocol.NewFrame(protocol.TypeLogin, SystemSender, name, "You are now logged in as @ "+name, r.now())
	r.send(sess, ack)
	return nil
}

func (r *Router) handleBroadcast(sess *Session, frame *protocol.Frame) error {
	if !sess.Authenticated() {
		r.reject(sess, "", ReasonAuthRequired, "You must log in first!")
		return ErrNotAuthenticated
	}

	out := protocol.NewFrame(protocol.TypeBroadcast, sess.Username(), "", frame.Payload, r.now())
	_, err := r.Broadcast(out)
	return err
}

func (r *Router) handleDirect(sess *Session, frame *protocol.Frame) error {
	if !sess.Authenticated() {
		r.reject(sess, "", ReasonAuthRequired, "You must log in first!")
		return ErrNotAuthenticated
	}

	target, ok := r.registry.Lookup(frame.Recipient)
	if !ok {
		r.reject(sess, sess.Username(), ReasonUserNotFound,
			fmt.Sprintf("User @%s does not exist!", frame.Recipient))
		return errors.Wrapf(ErrRecipientNotFound, "%q", frame.Recipient)
	}

	out := protocol.NewFrame(protocol.TypeDirect, sess.Username(), target.Username(), frame.Payload, r.now())
	r.send(target, out)
	return nil
}

// Broadcast marshals frame once and writes it to every live session,
// including whoever sent it. A failed write closes only that recipient.
// It returns once every write has finished, which keeps each sender's
// frames in order at every recipient.
func (r *Router) Broadcast(frame *protocol.Frame) (int, error) {
	data, err := protocol.Marshal(frame)
	if err != nil {
		return 0, errors.Wrap(err, "marshal broadcast")
	}

	start := time.Now()
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, target := range r.registry.All() {
		target := target
		if !target.Alive() {
			continue
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if r.deliver(target, frame.Type, data) {
				delivered.Inc()
			}
		}
		if err := r.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	n := int(delivered.Load())
	if r.metrics != nil {
		r.metrics.RecordFramesSent(frame.Type.String(), n)
		r.metrics.ObserveBroadcast(time.Since(start))
	}
	return n, nil
}

// Announce broadcasts a SYSTEM notice from the server to everyone.
func (r *Router) Announce(reason, text string) int {
	frame := protocol.NewFrame(protocol.TypeSystem, SystemSender, "", systemText(reason, text), r.now())
	n, err := r.Broadcast(frame)
	if err != nil {
		r.logger.Error("announce failed", zap.Error(err))
	}
	return n
}

// reject answers sess with a SYSTEM error frame addressed to recipient.
func (r *Router) reject(sess *Session, recipient, reason, text string) {
	if r.metrics != nil {
		r.metrics.RecordRejection(reason)
	}
	r.logger.Debug("rejected", append(sess.logFields(), zap.String("reason", reason))...)
	r.send(sess, protocol.NewFrame(protocol.TypeSystem, SystemSender, recipient, systemText(reason, text), r.now()))
}

// send writes a single frame to one session.
func (r *Router) send(target *Session, frame *protocol.Frame) bool {
	data, err := protocol.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal failed", append(target.logFields(), zap.Error(err))...)
		return false
	}
	ok := r.deliver(target, frame.Type, data)
	if ok && r.metrics != nil {
		r.metrics.RecordFramesSent(frame.Type.String(), 1)
	}
	return ok
}

// deliver writes pre-marshaled bytes. On failure the recipient is closed;
// its own read loop then takes it out of the registry.
func (r *Router) deliver(target *Session, frameType protocol.Type, data []byte) bool {
	if err := target.Conn.WriteBytes(data); err != nil {
		r.logger.Warn("delivery failed", append(target.logFields(), zap.Stringer("type", frameType), zap.Error(err))...)
		if r.metrics != nil {
			r.metrics.RecordDeliveryFailure(frameType.String())
		}
		target.Close()
		return false
	}
	return true
}

func systemText(reason, text string) string {
	return fmt.Sprintf("%s [%s]", text, reason)
}
