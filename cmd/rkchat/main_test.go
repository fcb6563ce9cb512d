package main

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/client"
	"github.com/rkchat/rkchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, input string) ([]string, error) {
	t.Helper()
	out := make(chan string)
	done := make(chan error, 1)
	go func() {
		done <- readLines(strings.NewReader(input), out)
		close(out)
	}()
	var lines []string
	for line := range out {
		lines = append(lines, line)
	}
	return lines, <-done
}

func TestReadLinesKeepsLongLines(t *testing.T) {
	long := strings.Repeat("x", protocol.MaxPayloadSize+10)
	lines, err := collect(t, "alice\n"+long+"\nstill here\n")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, long, lines[1])
	assert.Equal(t, "still here", lines[2])

	// Oversized lines are reported, the session goes on
	composer := client.NewComposer()
	_, err = composer.Compose(lines[0], time.Now())
	require.NoError(t, err)
	composer.Observe(protocol.NewFrame(protocol.TypeLogin, client.SystemSender, "alice", "You are now logged in as @ alice", time.Now()))
	_, err = composer.Compose(lines[1], time.Now())
	assert.True(t, errors.Is(err, client.ErrMessageTooLong), "got %v", err)
	_, err = composer.Compose(lines[2], time.Now())
	assert.NoError(t, err)
}

func TestReadLinesReportsOverflow(t *testing.T) {
	lines, err := collect(t, "first\n"+strings.Repeat("y", maxLineSize+1)+"\n")
	assert.Equal(t, []string{"first"}, lines)
	assert.True(t, errors.Is(err, bufio.ErrTooLong), "got %v", err)
}
