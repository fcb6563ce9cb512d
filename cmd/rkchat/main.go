// Command rkchat is a line-based console client for an RKchat server.
//
// Type a username first. Afterwards "@name text" sends a direct message,
// any other line goes to everyone and "/quit" leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/client"
	"github.com/rkchat/rkchat/pkg/logging"
	"github.com/rkchat/rkchat/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

var (
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	directStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

func main() {
	serverAddr := flag.String("server", "localhost:1234", "Server address (host:port, tls://host:port or ws://host:port)")
	certFile := flag.String("cert", "", "Client certificate for tls:// (the certificate's CN becomes the username)")
	keyFile := flag.String("key", "", "Client private key")
	caFile := flag.String("ca", "", "CA bundle that signed the server certificate")
	serverName := flag.String("server-name", "", "Expected server name in its certificate")
	retry := flag.Duration("retry", 30*time.Second, "How long to keep retrying the connection")
	logLevel := flag.String("log-level", "error", "Log level (debug, info, warn, error)")
	logFile := flag.String("log-file", "", "Also write logs to this file")
	flag.Parse()

	logger, err := logging.New(logging.Config{
		Level:  *logLevel,
		Format: "console",
		File:   logging.FileConfig{Filename: *logFile},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	opts := client.Options{MaxElapsed: *retry, Logger: logger}
	files := client.TLSFiles{CertFile: *certFile, KeyFile: *keyFile, CAFile: *caFile, ServerName: *serverName}
	if !files.Empty() {
		opts.TLSConfig, err = files.Config()
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *serverAddr, opts, logger); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, opts client.Options, logger *zap.Logger) error {
	fmt.Println(systemStyle.Render("[system] connecting to chat server ..."))
	conn, err := client.Dial(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Println(systemStyle.Render("[system] connected to " + conn.Address()))

	composer := client.NewComposer()
	if opts.TLSConfig == nil || len(opts.TLSConfig.Certificates) == 0 {
		fmt.Println(promptStyle.Render("[system] Enter your username (1-17 characters long):"))
	}

	lines := make(chan string)
	go func() {
		if err := readLines(os.Stdin, lines); err != nil {
			fmt.Println(errorStyle.Render("[system] input ended: " + err.Error()))
		}
		close(lines)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for frame := range conn.Frames() {
			composer.Observe(frame)
			fmt.Println(styled(frame))
			if frame.Type == protocol.TypeSystem && composer.Prompt() == "username" {
				fmt.Println(promptStyle.Render("[system] Enter another username:"))
			}
		}
		if err := conn.Err(); err != nil {
			return errors.Wrap(err, "connection lost")
		}
		return errors.New("server closed the connection")
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || line == "/quit" {
					return errQuit
				}
				frame, err := composer.Compose(line, time.Now())
				if err != nil {
					fmt.Println(errorStyle.Render("[system] " + err.Error()))
					continue
				}
				if err := conn.Send(frame); err != nil {
					if errors.Is(err, protocol.ErrFrameTooLarge) {
						fmt.Println(errorStyle.Render("[system] " + err.Error()))
						continue
					}
					return errors.Wrap(err, "could not send message")
				}
			}
		}
	})

	// Unblocks the frame printer once either side gives up
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	err = g.Wait()
	logger.Debug("session ended", zap.Error(err),
		zap.Uint64("bytes_sent", conn.BytesSent()),
		zap.Uint64("bytes_received", conn.BytesReceived()))
	if errors.Is(err, errQuit) || ctx.Err() != nil {
		return nil
	}
	return err
}

// maxLineSize leaves room for lines well past the largest payload, so
// Compose can report them instead of the scanner giving up.
const maxLineSize = 1 << 20

// readLines sends every line of r to out. It returns the scanner error,
// nil at end of input.
func readLines(r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	return errors.Wrap(scanner.Err(), "read input")
}

func styled(frame *protocol.Frame) string {
	text := client.Render(frame)
	switch {
	case frame.Sender == client.SystemSender:
		return systemStyle.Render(text)
	case frame.Type == protocol.TypeDirect:
		return directStyle.Render(text)
	default:
		return text
	}
}
