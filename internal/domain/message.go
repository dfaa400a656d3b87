// Package domain contains the platform-neutral types shared by the chat pipeline.
package domain

import "strings"

// ChannelKind classifies the channel a message was posted in.
type ChannelKind int

const (
	// ChannelText is a regular guild text channel.
	ChannelText ChannelKind = iota
	// ChannelDM is a private one-to-one channel with the bot.
	ChannelDM
	// ChannelPublicThread is a public thread under a text channel.
	ChannelPublicThread
	// ChannelPrivateThread is a private thread under a text channel.
	ChannelPrivateThread
	// ChannelOther is any channel kind the bot does not serve.
	ChannelOther
)

// String returns a short label used in logs.
func (k ChannelKind) String() string {
	switch k {
	case ChannelText:
		return "text"
	case ChannelDM:
		return "dm"
	case ChannelPublicThread:
		return "public_thread"
	case ChannelPrivateThread:
		return "private_thread"
	default:
		return "other"
	}
}

// IsThread reports whether the channel is a thread.
func (k ChannelKind) IsThread() bool {
	return k == ChannelPublicThread || k == ChannelPrivateThread
}

// MessageKind is the platform's message type.
type MessageKind int

const (
	// MessageDefault is an ordinary user or bot message.
	MessageDefault MessageKind = iota
	// MessageReply is a message that replies to another message.
	MessageReply
	// MessageSystem covers joins, pins, thread creation notices and the like.
	MessageSystem
)

// Channel describes where a message lives.
type Channel struct {
	ID         string
	GuildID    string
	Kind       ChannelKind
	ParentID   string // thread parent channel, empty otherwise
	CategoryID string
	Name       string
	Topic      string
}

// Author identifies who sent a message.
type Author struct {
	ID          string
	DisplayName string
	Bot         bool
	RoleIDs     []string
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	URL         string
}

// IsText reports whether the attachment is decoded as text.
func (a Attachment) IsText() bool {
	return a.ContentType != "" && strings.Contains(a.ContentType, "text")
}

// IsImage reports whether the attachment is passed to the model as an image.
func (a Attachment) IsImage() bool {
	return a.ContentType != "" && strings.Contains(a.ContentType, "image")
}

// Reference points at the message another message replies to.
type Reference struct {
	ChannelID string
	MessageID string
	// Cached is the referenced message when the platform delivered it inline.
	Cached *Message
}

// Message is one platform message as seen by the pipeline.
type Message struct {
	ID                string
	Channel           Channel
	Author            Author
	Kind              MessageKind
	Content           string
	EmbedDescriptions []string
	Attachments       []Attachment
	MentionIDs        []string
	Reference         *Reference
}

// Mentions reports whether userID is mentioned by the message.
func (m *Message) Mentions(userID string) bool {
	for _, id := range m.MentionIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Identity is the bot's own account.
type Identity struct {
	ID          string
	DisplayName string
}

// Mention returns the mention token for the bot as it appears in message text.
func (i Identity) Mention() string {
	return "<@" + i.ID + ">"
}
