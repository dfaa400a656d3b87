package discord

import (
	"context"
	"errors"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/domain"
	"github.com/ashureev/chaincord/internal/prompt"
	"github.com/ashureev/chaincord/internal/stream"
)

// Ensure adapters implement their interfaces.
var (
	_ chain.History = (*History)(nil)
	_ chain.Fetcher = (*Client)(nil)
	_ prompt.Source = (*PromptSource)(nil)
	_ stream.Sink   = (*Sink)(nil)
)

// History serves the chain walker from the REST API.
type History struct {
	client *Client
}

// NewHistory wraps a client as a chain.History.
func NewHistory(client *Client) *History {
	return &History{client: client}
}

// Previous implements chain.History.
func (h *History) Previous(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	return h.client.MessageBefore(ctx, msg.Channel.ID, msg.ID)
}

// Message implements chain.History.
func (h *History) Message(ctx context.Context, channelID, messageID string) (*domain.Message, error) {
	return h.client.GetMessage(ctx, channelID, messageID)
}

// PromptSource looks up prompt threads and channel topics.
type PromptSource struct {
	client *Client
}

// NewPromptSource wraps a client as a prompt.Source.
func NewPromptSource(client *Client) *PromptSource {
	return &PromptSource{client: client}
}

// PromptThread implements prompt.Source.
func (s *PromptSource) PromptThread(ctx context.Context, guildID, channelID string) (*domain.Message, error) {
	threads, err := s.client.ActiveThreads(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, t := range threads {
		if t.Name != prompt.ThreadName || t.ParentID != channelID {
			continue
		}
		msg, err := s.client.MessageBefore(ctx, t.ID, "")
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return msg, err
	}
	return nil, nil
}

// ChannelTopic implements prompt.Source.
func (s *PromptSource) ChannelTopic(ctx context.Context, channelID string) (string, error) {
	ch, err := s.client.Channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	return ch.Topic, nil
}

// Sink posts one reply's pages into a channel.
type Sink struct {
	client    *Client
	channelID string
}

// NewSink returns a stream.Sink writing to channelID.
func NewSink(client *Client, channelID string) *Sink {
	return &Sink{client: client, channelID: channelID}
}

// Create implements stream.Sink. Replies are silent and do not ping the
// person being answered.
func (s *Sink) Create(ctx context.Context, replyTo string, out stream.Outgoing) (string, error) {
	payload := renderPayload(out)
	payload.Flags |= flagSilent
	payload.AllowedMentions = &apiAllowedMentions{Parse: []string{}, RepliedUser: false}
	if replyTo != "" {
		fail := false
		payload.MessageReference = &apiMessageReference{
			MessageID:       replyTo,
			ChannelID:       s.channelID,
			FailIfNotExists: &fail,
		}
	}
	return s.client.createMessage(ctx, s.channelID, payload)
}

// Edit implements stream.Sink.
func (s *Sink) Edit(ctx context.Context, messageID string, out stream.Outgoing) error {
	return s.client.editMessage(ctx, s.channelID, messageID, renderPayload(out))
}

// Typing keeps the typing indicator up in the sink's channel until stop.
func (s *Sink) Typing(ctx context.Context) (stop func()) {
	return s.client.KeepTyping(ctx, s.channelID)
}

func renderPayload(out stream.Outgoing) messagePayload {
	if out.Block == nil {
		return messagePayload{Content: out.Content, Flags: flagSuppressEmbeds}
	}
	b := out.Block
	embed := apiEmbed{
		Description: b.Body,
		Color:       b.Color(),
		Footer:      &apiEmbedFooter{Text: b.Footer()},
	}
	for _, w := range b.Warnings {
		embed.Fields = append(embed.Fields, apiEmbedField{Name: w, Value: "\u200b"})
	}
	return messagePayload{Embeds: []apiEmbed{embed}}
}
