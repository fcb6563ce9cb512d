package botlib

import (
	"fmt"

	"go.uber.org/zap"
)

// Context provides methods for responding to messages.
// It is passed to message handlers.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply answers in the place the message came from: a direct message is
// answered directly, a broadcast with a broadcast.
func (c *Context) Reply(content string) error {
	if c.message.Direct {
		return c.bot.sendDirect(c.message.Author, content)
	}
	return c.bot.broadcast(content)
}

// ReplyDirect answers the author privately.
func (c *Context) ReplyDirect(content string) error {
	return c.bot.sendDirect(c.message.Author, content)
}

// Broadcast sends content to everyone.
func (c *Context) Broadcast(content string) error {
	return c.bot.broadcast(content)
}

// Author returns the username of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// BotName returns the username the server confirmed for the bot.
func (c *Context) BotName() string {
	return c.bot.Username()
}

// Log logs a message using the bot's logger.
func (c *Context) Log(msg string, fields ...zap.Field) {
	c.bot.logger.Info(msg, append(fields, zap.String("author", c.message.Author))...)
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{author=%s, direct=%t}", c.message.Author, c.message.Direct)
}
