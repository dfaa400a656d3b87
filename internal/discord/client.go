// Package discord connects the chat pipeline to Discord: REST calls for
// history, replies and attachments, and a gateway client for events.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chaincord/internal/domain"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

const (
	userAgent          = "DiscordBot (https://github.com/ashureev/chaincord, 1.0)"
	maxAttachmentBytes = 25 << 20
	typingInterval     = 8 * time.Second
)

var (
	// ErrNotFound is returned when a message or channel does not exist or is
	// not visible to the bot.
	ErrNotFound = errors.New("discord: not found")
	// ErrForbidden is returned when the bot lacks permission.
	ErrForbidden = errors.New("discord: forbidden")

	errAPI = errors.New("discord api error")
)

// Client is a minimal Discord REST client.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]domain.Channel

	self atomic.Pointer[domain.Identity]
}

// NewClient creates a REST client authenticating with a bot token.
func NewClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		logger:   logger,
		channels: make(map[string]domain.Channel),
	}
}

// Self returns the bot identity learned from the gateway.
func (c *Client) Self() domain.Identity {
	if id := c.self.Load(); id != nil {
		return *id
	}
	return domain.Identity{}
}

// SetSelf records the bot identity.
func (c *Client) SetSelf(id domain.Identity) {
	c.self.Store(&id)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrForbidden)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := gjson.GetBytes(detail, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(detail))
		}
		return fmt.Errorf("%w: %s %s: %s: %s", errAPI, method, path, resp.Status, msg)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Channel returns a channel, cached after the first lookup. Threads carry
// their parent's category.
func (c *Client) Channel(ctx context.Context, channelID string) (domain.Channel, error) {
	c.mu.Lock()
	ch, ok := c.channels[channelID]
	c.mu.Unlock()
	if ok {
		return ch, nil
	}

	var raw apiChannel
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &raw); err != nil {
		return domain.Channel{}, err
	}
	ch = domain.Channel{
		ID:      raw.ID,
		GuildID: raw.GuildID,
		Kind:    channelKind(raw.Type),
		Name:    raw.Name,
		Topic:   raw.Topic,
	}
	if ch.Kind.IsThread() {
		ch.ParentID = raw.ParentID
		if parent, err := c.Channel(ctx, raw.ParentID); err == nil {
			ch.CategoryID = parent.CategoryID
		} else {
			c.logger.Debug("failed to look up thread parent", "channel_id", raw.ParentID, "error", err)
		}
	} else if raw.Type != channelCategory {
		ch.CategoryID = raw.ParentID
	}

	c.mu.Lock()
	c.channels[channelID] = ch
	c.mu.Unlock()
	return ch, nil
}

// ForgetChannel drops a cached channel so the next lookup refetches it.
func (c *Client) ForgetChannel(channelID string) {
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
}

func (c *Client) convert(ctx context.Context, raw *apiMessage) (*domain.Message, error) {
	ch, err := c.Channel(ctx, raw.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("channel for message %s: %w", raw.ID, err)
	}
	return raw.toDomain(ch), nil
}

// GetMessage fetches a single message.
func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (*domain.Message, error) {
	var raw apiMessage
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, &raw); err != nil {
		return nil, err
	}
	if raw.ChannelID == "" {
		raw.ChannelID = channelID
	}
	return c.convert(ctx, &raw)
}

// MessageBefore returns the message posted just before messageID in the
// channel, or nil if there is none.
func (c *Client) MessageBefore(ctx context.Context, channelID, messageID string) (*domain.Message, error) {
	q := url.Values{"limit": {"1"}}
	if messageID != "" {
		q.Set("before", messageID)
	}
	var raw []apiMessage
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0].ChannelID == "" {
		raw[0].ChannelID = channelID
	}
	return c.convert(ctx, &raw[0])
}

// ActiveThreads lists the active threads of a guild.
func (c *Client) ActiveThreads(ctx context.Context, guildID string) ([]domain.Channel, error) {
	var resp struct {
		Threads []apiChannel `json:"threads"`
	}
	if err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/threads/active", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Channel, 0, len(resp.Threads))
	for _, t := range resp.Threads {
		out = append(out, domain.Channel{
			ID:       t.ID,
			GuildID:  t.GuildID,
			Kind:     channelKind(t.Type),
			ParentID: t.ParentID,
			Name:     t.Name,
		})
	}
	return out, nil
}

// createMessage posts a message and returns its id.
func (c *Client) createMessage(ctx context.Context, channelID string, payload messagePayload) (string, error) {
	var created apiMessage
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// editMessage replaces a message's content and embeds.
func (c *Client) editMessage(ctx context.Context, channelID, messageID string, payload messagePayload) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, payload, nil)
}

// TriggerTyping shows the typing indicator for about ten seconds.
func (c *Client) TriggerTyping(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/typing", nil, nil)
}

// KeepTyping refreshes the typing indicator until the returned stop function
// is called or ctx ends. Failures are logged and otherwise ignored.
func (c *Client) KeepTyping(ctx context.Context, channelID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	trigger := func() {
		if err := c.TriggerTyping(ctx, channelID); err != nil && ctx.Err() == nil {
			c.logger.Debug("Failed to trigger typing", "channel_id", channelID, "error", err)
		}
	}
	trigger()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				trigger()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Fetch downloads an attachment.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close attachment body", "error", closeErr)
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("download attachment: %w", ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: download attachment: %s", errAPI, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}
	return data, nil
}
