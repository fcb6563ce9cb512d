package main

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
	"pgregory.net/rapid"
)

func TestGenerateUsername(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.IntRange(0, 1_000_000).Draw(t, "id")
		name := generateUsername(id)
		if !protocol.ValidUsername(name) {
			t.Fatalf("invalid username %q", name)
		}
	})
}

func TestSentAt(t *testing.T) {
	now := time.Now()
	sent, ok := sentAt(randomContent(now))
	require.True(t, ok)
	assert.Equal(t, now.UnixNano(), sent.UnixNano())

	_, ok = sentAt("hello there")
	assert.False(t, ok)
	_, ok = sentAt("lt notanumber words")
	assert.False(t, ok)
}

func TestRunDeliversEverything(t *testing.T) {
	config := server.DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.TCPPort = 0
	config.MetricsPort = 0
	srv, err := server.NewServer(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	report, err := run(context.Background(), Config{
		Server:      srv.Addr().String(),
		Clients:     5,
		Duration:    500 * time.Millisecond,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    30 * time.Millisecond,
		DirectRatio: 0.3,
		Drain:       time.Second,
		Dial:        client.Options{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.EqualValues(t, 5, report.Connected)
	assert.Zero(t, report.ConnectErrors)
	assert.Zero(t, report.SendFailures)
	assert.Zero(t, report.Rejections)
	assert.Positive(t, report.BroadcastsSent)
	assert.Equal(t, report.ExpectedBroadcasts(), report.BroadcastsReceived)
	assert.Equal(t, report.DirectsSent, report.DirectsReceived)
	assert.Positive(t, report.MaxLatency)
}

func TestRunWithoutServer(t *testing.T) {
	_, err := run(context.Background(), Config{Server: "127.0.0.1:1", Clients: 2}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = run(context.Background(), Config{Clients: 0}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
