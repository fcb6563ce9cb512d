// Command loadtest connects many clients to an RKchat server, has them
// exchange broadcasts and direct messages and reports how many frames
// arrived against how many the routing rules promise.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/client"
	"github.com/rkchat/rkchat/pkg/logging"
	"github.com/rkchat/rkchat/pkg/protocol"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

// Payloads sent by the load test start with this marker and the send time
// in unix nanoseconds, so receivers can measure latency.
const payloadMarker = "lt"

var loremWords = lo.Map(strings.Fields(loremIpsum), func(w string, _ int) string {
	return strings.ToLower(strings.Trim(w, ",."))
})

// generateUsername combines a word fragment with the client id, which keeps
// names unique and within the 17 character limit.
func generateUsername(id int) string {
	word := loremWords[rand.Intn(len(loremWords))]
	if len(word) > 6 {
		word = word[:3+rand.Intn(4)]
	}
	return word + strconv.Itoa(id)
}

func randomContent(sent time.Time) string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return payloadMarker + " " + strconv.FormatInt(sent.UnixNano(), 10) + " " + strings.Join(words, " ")
}

// sentAt extracts the send time from a load test payload.
func sentAt(payload string) (time.Time, bool) {
	fields := strings.SplitN(payload, " ", 3)
	if len(fields) < 2 || fields[0] != payloadMarker {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// Stats tracks performance metrics
type Stats struct {
	connected     atomic.Int64
	connectErrors atomic.Int64
	disconnects   atomic.Int64

	broadcastsSent atomic.Int64
	directsSent    atomic.Int64
	sendFailures   atomic.Int64

	broadcastsReceived atomic.Int64
	directsReceived    atomic.Int64
	rejections         atomic.Int64

	latencySamples atomic.Int64
	totalLatencyUs atomic.Int64
	maxLatencyUs   atomic.Int64
}

func (s *Stats) recordLatency(d time.Duration) {
	us := d.Microseconds()
	s.latencySamples.Inc()
	s.totalLatencyUs.Add(us)
	for {
		current := s.maxLatencyUs.Load()
		if us <= current || s.maxLatencyUs.CompareAndSwap(current, us) {
			return
		}
	}
}

// Report is the outcome of a run.
type Report struct {
	Clients            int
	Connected          int64
	ConnectErrors      int64
	Disconnects        int64
	BroadcastsSent     int64
	DirectsSent        int64
	SendFailures       int64
	BroadcastsReceived int64
	DirectsReceived    int64
	Rejections         int64
	AvgLatency         time.Duration
	MaxLatency         time.Duration
}

// ExpectedBroadcasts is how many broadcast deliveries the routing rules
// promise: every broadcast reaches every connected client, sender included.
func (r Report) ExpectedBroadcasts() int64 {
	return r.BroadcastsSent * r.Connected
}

func (s *Stats) report(clients int) Report {
	r := Report{
		Clients:            clients,
		Connected:          s.connected.Load(),
		ConnectErrors:      s.connectErrors.Load(),
		Disconnects:        s.disconnects.Load(),
		BroadcastsSent:     s.broadcastsSent.Load(),
		DirectsSent:        s.directsSent.Load(),
		SendFailures:       s.sendFailures.Load(),
		BroadcastsReceived: s.broadcastsReceived.Load(),
		DirectsReceived:    s.directsReceived.Load(),
		Rejections:         s.rejections.Load(),
		MaxLatency:         time.Duration(s.maxLatencyUs.Load()) * time.Microsecond,
	}
	if n := s.latencySamples.Load(); n > 0 {
		r.AvgLatency = time.Duration(s.totalLatencyUs.Load()/n) * time.Microsecond
	}
	return r
}

// Config describes one load test run.
type Config struct {
	Server      string
	Clients     int
	Duration    time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration
	DirectRatio float64       // share of sends that are direct messages
	Drain       time.Duration // wait for in-flight frames before disconnecting
	Dial        client.Options
}

// loadClient is one simulated user.
type loadClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
	logger   *zap.Logger
	done     chan struct{}
}

func (lc *loadClient) connect(ctx context.Context, cfg Config) error {
	conn, err := client.Dial(ctx, cfg.Server, cfg.Dial)
	if err != nil {
		return err
	}
	lc.conn = conn

	composer := client.NewComposer()
	login, err := composer.Compose(lc.username, time.Now())
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.Send(login); err != nil {
		conn.Close()
		return err
	}

	select {
	case frame, ok := <-conn.Frames():
		if !ok {
			conn.Close()
			return errors.Wrap(conn.Err(), "connection closed during login")
		}
		composer.Observe(frame)
		if composer.Username() == "" {
			conn.Close()
			return errors.Newf("login rejected: %s", frame.Payload)
		}
	case <-time.After(5 * time.Second):
		conn.Close()
		return errors.New("timeout waiting for login confirmation")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	go lc.receive()
	return nil
}

func (lc *loadClient) receive() {
	defer close(lc.done)
	for frame := range lc.conn.Frames() {
		switch frame.Type {
		case protocol.TypeBroadcast:
			lc.stats.broadcastsReceived.Inc()
		case protocol.TypeDirect:
			lc.stats.directsReceived.Inc()
		case protocol.TypeSystem:
			lc.stats.rejections.Inc()
			lc.logger.Debug("system frame", zap.String("username", lc.username), zap.String("payload", frame.Payload))
			continue
		default:
			continue
		}
		if sent, ok := sentAt(frame.Payload); ok {
			lc.stats.recordLatency(time.Since(sent))
		}
	}
	if lc.conn.Err() != nil {
		lc.stats.disconnects.Inc()
	}
}

func (lc *loadClient) run(ctx context.Context, cfg Config, peers []string) {
	deadline := time.After(cfg.Duration)
	for {
		delay := cfg.MinDelay
		if spread := cfg.MaxDelay - cfg.MinDelay; spread > 0 {
			delay += time.Duration(rand.Int63n(int64(spread)))
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-lc.done:
			return
		case <-time.After(delay):
		}

		now := time.Now()
		frame := protocol.NewFrame(protocol.TypeBroadcast, lc.username, "", randomContent(now), now)
		direct := len(peers) > 1 && rand.Float64() < cfg.DirectRatio
		if direct {
			frame.Type = protocol.TypeDirect
			frame.Recipient = lo.Sample(lo.Without(peers, lc.username))
		}

		if err := lc.conn.Send(frame); err != nil {
			lc.stats.sendFailures.Inc()
			lc.logger.Debug("send failed", zap.String("username", lc.username), zap.Error(err))
			return
		}
		if direct {
			lc.stats.directsSent.Inc()
		} else {
			lc.stats.broadcastsSent.Inc()
		}
	}
}

// run connects every client, lets them chat for cfg.Duration, waits
// cfg.Drain for stragglers and disconnects.
func run(ctx context.Context, cfg Config, logger *zap.Logger) (Report, error) {
	if cfg.Clients <= 0 {
		return Report{}, errors.New("need at least one client")
	}
	stats := &Stats{}

	clients := make([]*loadClient, cfg.Clients)
	for i := range clients {
		clients[i] = &loadClient{
			id:       i,
			username: generateUsername(i),
			stats:    stats,
			logger:   logger,
			done:     make(chan struct{}),
		}
	}

	// Connect phase
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(64)
	for _, lc := range clients {
		lc := lc
		g.Go(func() error {
			if err := lc.connect(gctx, cfg); err != nil {
				stats.connectErrors.Inc()
				logger.Warn("client failed to connect", zap.Int("client", lc.id), zap.Error(err))
				return nil
			}
			stats.connected.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	live := lo.Filter(clients, func(lc *loadClient, _ int) bool { return lc.conn != nil })
	if len(live) == 0 {
		return stats.report(cfg.Clients), errors.New("no client could connect")
	}
	peers := lo.Map(live, func(lc *loadClient, _ int) string { return lc.username })
	logger.Info("clients connected", zap.Int("connected", len(live)), zap.Int("failed", cfg.Clients-len(live)))

	// Send phase
	g, gctx = errgroup.WithContext(ctx)
	for _, lc := range live {
		lc := lc
		g.Go(func() error {
			lc.run(gctx, cfg, peers)
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-time.After(cfg.Drain):
	case <-ctx.Done():
	}

	for _, lc := range live {
		lc.conn.Close()
		<-lc.done
	}
	return stats.report(cfg.Clients), nil
}

func printReport(logger *zap.Logger, r Report, duration time.Duration) {
	expected := r.ExpectedBroadcasts()
	delivery := 0.0
	if expected > 0 {
		delivery = float64(r.BroadcastsReceived) / float64(expected) * 100
	}

	logger.Info("=== Final Results ===")
	logger.Info(fmt.Sprintf("Clients: %d attempted, %d connected, %d connect errors", r.Clients, r.Connected, r.ConnectErrors))
	logger.Info(fmt.Sprintf("Broadcasts: %d sent (%.1f/s), %d of %d deliveries (%.1f%%)",
		r.BroadcastsSent, float64(r.BroadcastsSent)/duration.Seconds(), r.BroadcastsReceived, expected, delivery))
	logger.Info(fmt.Sprintf("Direct messages: %d sent, %d delivered, %d rejected", r.DirectsSent, r.DirectsReceived, r.Rejections))
	logger.Info(fmt.Sprintf("Send failures: %d, disconnects: %d", r.SendFailures, r.Disconnects))
	logger.Info(fmt.Sprintf("Latency: avg %v, max %v", r.AvgLatency, r.MaxLatency))
}

func main() {
	serverAddr := flag.String("server", "localhost:1234", "Server address")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	directRatio := flag.Float64("direct-ratio", 0.2, "Share of messages sent as direct messages")
	logFile := flag.String("log-file", "loadtest.log", "Also write logs to this file")
	flag.Parse()

	logger, err := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
		File:   logging.FileConfig{Filename: *logFile},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting load test",
		zap.String("server", *serverAddr),
		zap.Int("clients", *numClients),
		zap.Duration("duration", *duration),
		zap.Duration("min_delay", *minDelay),
		zap.Duration("max_delay", *maxDelay),
		zap.Int("cpus", runtime.NumCPU()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, Config{
		Server:      *serverAddr,
		Clients:     *numClients,
		Duration:    *duration,
		MinDelay:    *minDelay,
		MaxDelay:    *maxDelay,
		DirectRatio: *directRatio,
		Drain:       2 * time.Second,
		Dial:        client.Options{MaxElapsed: 10 * time.Second},
	}, logger)
	if err != nil {
		logger.Error("load test failed", zap.Error(err))
	}
	printReport(logger, report, *duration)
	if err != nil {
		os.Exit(1)
	}
}
