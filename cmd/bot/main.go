// Command bot is an RKchat bot that answers direct messages and mentions
// with a few built-in commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rkchat/rkchat/pkg/botlib"
	"github.com/rkchat/rkchat/pkg/client"
	"github.com/rkchat/rkchat/pkg/logging"
	"go.uber.org/zap"
)

// command answers one bot command. args is the text after the command word.
type command func(msg *botlib.Message, args string) string

var commands = map[string]command{
	"echo": func(_ *botlib.Message, args string) string {
		return args
	},
	"time": func(_ *botlib.Message, _ string) string {
		return time.Now().Format("Monday 02 January 2006, 15:04:05 MST")
	},
	"whoami": func(msg *botlib.Message, _ string) string {
		return "you are @" + msg.Author
	},
	"lag": func(msg *botlib.Message, _ string) string {
		return fmt.Sprintf("your message was stamped %s ago", time.Since(msg.SentAt).Round(time.Second))
	},
}

func help() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return "commands: " + strings.Join(names, ", ")
}

// answer returns the reply for a command line, or help for anything else.
func answer(msg *botlib.Message, line string) string {
	word, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	if cmd, ok := commands[strings.ToLower(word)]; ok {
		return cmd(msg, strings.TrimSpace(args))
	}
	return help()
}

func main() {
	server := flag.String("server", "localhost:1234", "Server address (host:port, tls://host:port or ws://host:port)")
	username := flag.String("username", "helper", "Bot username")
	certFile := flag.String("cert", "", "Client certificate; its CN is used as the username")
	keyFile := flag.String("key", "", "Client private key")
	caFile := flag.String("ca", "", "CA bundle that signed the server certificate")
	retry := flag.Duration("retry", time.Minute, "How long to keep retrying the connection")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	config := botlib.Config{
		Server:   *server,
		Username: *username,
		Dial:     client.Options{MaxElapsed: *retry},
		Logger:   logger,
	}
	files := client.TLSFiles{CertFile: *certFile, KeyFile: *keyFile, CAFile: *caFile}
	if !files.Empty() {
		config.Dial.TLSConfig, err = files.Config()
		if err != nil {
			logger.Fatal("invalid TLS files", zap.Error(err))
		}
		config.IdentityLogin = *certFile != ""
	}

	bot := botlib.New(config)

	bot.OnDirect(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Log("direct message", zap.String("content", msg.Content))
		if err := ctx.Reply(answer(msg, msg.Content)); err != nil {
			ctx.Log("failed to reply", zap.Error(err))
		}
	})

	// Mentions in broadcasts are answered privately to keep the room quiet
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Log("mentioned", zap.String("content", msg.Content))
		if err := ctx.ReplyDirect(answer(msg, msg.MentionedContent())); err != nil {
			ctx.Log("failed to reply", zap.Error(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bot", zap.String("server", *server), zap.String("username", *username))
	if err := bot.Run(ctx); err != nil {
		logger.Fatal("bot error", zap.Error(err))
	}
	logger.Info("bot stopped")
}
