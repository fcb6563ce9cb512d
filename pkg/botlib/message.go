// Package botlib provides a simple library for building RKchat bots.
package botlib

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rkchat/rkchat/pkg/protocol"
)

// Message represents a chat message received by the bot.
type Message struct {
	Author  string
	Content string
	Direct  bool      // sent to the bot alone
	SentAt  time.Time // server stamp, local time

	// Internal: the bot's username for mention detection
	botName string
}

func newMessage(frame *protocol.Frame, botName string) *Message {
	sent, err := frame.Timestamp(time.Local)
	if err != nil {
		sent = time.Now()
	}
	return &Message{
		Author:  frame.Sender,
		Content: frame.Payload,
		Direct:  frame.Type == protocol.TypeDirect,
		SentAt:  sent,
		botName: botName,
	}
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @name patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}
	if start, _ := indexFold(m.Content, "@"+m.botName); start >= 0 {
		return true
	}

	// Also check for name at start of message (common pattern)
	return hasNamePrefix(m.Content, m.botName) > 0
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual command.
func (m *Message) MentionedContent() string {
	if m.botName == "" {
		return m.Content
	}

	content := m.Content
	if start, end := indexFold(content, "@"+m.botName); start >= 0 {
		content = content[:start] + content[end:]
	}
	if end := hasNamePrefix(content, m.botName); end > 0 {
		content = content[end:]
	}

	return strings.TrimSpace(content)
}

// indexFold finds the first window of s that equals substr under case
// folding and returns its byte bounds in s, or -1, -1. Offsets always come
// from s itself: folding may change a string's byte length.
func indexFold(s, substr string) (int, int) {
	width := utf8.RuneCountInString(substr)
	for start := range s {
		end := start
		for n := 0; n < width && end < len(s); n++ {
			_, size := utf8.DecodeRuneInString(s[end:])
			end += size
		}
		if strings.EqualFold(s[start:end], substr) {
			return start, end
		}
	}
	return -1, -1
}

// hasNamePrefix reports the byte length of a leading "name:" or "name,"
// in s, or 0.
func hasNamePrefix(s, name string) int {
	start, end := indexFold(s, name)
	if start != 0 || end >= len(s) {
		return 0
	}
	if s[end] == ':' || s[end] == ',' {
		return end + 1
	}
	return 0
}
