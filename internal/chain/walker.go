package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/chaincord/internal/domain"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentFetches bounds attachment downloads per message.
const maxConcurrentFetches = 4

// History looks up platform messages.
type History interface {
	// Previous returns the message posted immediately before msg in the same
	// channel, or nil if there is none.
	Previous(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	// Message fetches a message by channel and id.
	Message(ctx context.Context, channelID, messageID string) (*domain.Message, error)
}

// Fetcher downloads attachment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options bounds a single chain build.
type Options struct {
	Self            domain.Identity
	MaxMessages     int
	MaxText         int
	MaxImages       int
	AcceptUsernames bool
}

// Chain is the conversation assembled for one completion request, oldest
// turn first.
type Chain struct {
	Messages []Message
	warnings map[string]struct{}
}

func (c *Chain) warn(w string) {
	if c.warnings == nil {
		c.warnings = make(map[string]struct{})
	}
	c.warnings[w] = struct{}{}
}

// Warnings returns the deduplicated user-facing warnings, sorted.
func (c *Chain) Warnings() []string {
	out := make([]string, 0, len(c.warnings))
	for w := range c.warnings {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Walker follows upstream links from a leaf message through the node cache.
type Walker struct {
	cache   *NodeCache
	history History
	fetcher Fetcher
	logger  *slog.Logger

	resolutions atomic.Uint64
}

// NewWalker creates a Walker over a shared cache.
func NewWalker(cache *NodeCache, history History, fetcher Fetcher, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		cache:   cache,
		history: history,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Resolutions returns how many nodes this walker has resolved from the platform.
func (w *Walker) Resolutions() uint64 {
	return w.resolutions.Load()
}

// Build walks from leaf towards the start of the conversation and returns the
// chain oldest first. It stops at opts.MaxMessages turns, at a message with no
// upstream link, or when a message repeats.
func (w *Walker) Build(ctx context.Context, leaf *domain.Message, opts Options) *Chain {
	chain := &Chain{}
	var newestFirst []Message
	visited := make(map[string]struct{})

	cursor := leaf
	for cursor != nil && len(newestFirst) < opts.MaxMessages {
		if _, seen := visited[cursor.ID]; seen {
			w.logger.Warn("Upstream link loops back into the chain", "message_id", cursor.ID)
			chain.warn(partialHistoryWarning(len(newestFirst)))
			break
		}
		visited[cursor.ID] = struct{}{}

		msg := cursor
		var next *domain.Message
		w.cache.WithLock(msg.ID, func(node *Node) {
			if !node.Resolved() {
				w.resolve(ctx, node, msg, opts.Self)
			}

			if turn, ok := node.turn(opts); ok {
				newestFirst = append(newestFirst, turn)
			}

			if utf8.RuneCountInString(node.Text) > opts.MaxText {
				chain.warn(fmt.Sprintf("⚠️ Max %s characters per message", humanize.Comma(int64(opts.MaxText))))
			}
			if len(node.Images) > opts.MaxImages {
				chain.warn(imageWarning(opts.MaxImages))
			}
			if node.HasUnsupportedAttachments {
				chain.warn("⚠️ Unsupported attachments")
			}
			if node.UpstreamFailed || (node.Upstream != nil && len(newestFirst) == opts.MaxMessages) {
				chain.warn(partialHistoryWarning(len(newestFirst)))
			}
			next = node.Upstream
		})
		cursor = next
	}

	chain.Messages = make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		chain.Messages[len(newestFirst)-1-i] = m
	}
	return chain
}

// turn renders the node as a chain entry under the given limits.
func (n *Node) turn(opts Options) (Message, bool) {
	text := truncateRunes(n.Text, opts.MaxText)
	images := n.Images
	if len(images) > opts.MaxImages {
		images = images[:max(opts.MaxImages, 0)]
	}

	var content Content
	if len(images) > 0 {
		blocks := make(Blocks, 0, len(images)+1)
		if text != "" {
			blocks = append(blocks, TextPart(text))
		}
		for _, img := range images {
			blocks = append(blocks, img.Part())
		}
		content = blocks
	} else {
		content = PlainText(text)
	}
	if content.IsEmpty() {
		return Message{}, false
	}

	msg := Message{Role: n.Role, Content: content}
	if opts.AcceptUsernames && n.AuthorID != "" {
		msg.Name = n.AuthorID
	} else if n.Username != "" && n.Username != opts.Self.DisplayName {
		msg.Content = content.withSpeaker(n.Username)
	}
	return msg, true
}

// resolve populates an unresolved node from its platform message. It never
// fails: fetch problems are recorded as flags on the node.
func (w *Walker) resolve(ctx context.Context, node *Node, msg *domain.Message, self domain.Identity) {
	w.resolutions.Add(1)

	var textAtts, imageAtts []domain.Attachment
	for _, att := range msg.Attachments {
		switch {
		case att.IsText():
			textAtts = append(textAtts, att)
		case att.IsImage():
			imageAtts = append(imageAtts, att)
		}
	}

	texts, images, fetchFailed := w.fetchAttachments(ctx, msg, textAtts, imageAtts)

	parts := make([]string, 0, 1+len(msg.EmbedDescriptions)+len(texts))
	if msg.Content != "" {
		parts = append(parts, msg.Content)
	}
	for _, desc := range msg.EmbedDescriptions {
		if desc != "" {
			parts = append(parts, desc)
		}
	}
	parts = append(parts, texts...)
	text := strings.Join(parts, "\n")
	if mention := self.Mention(); strings.HasPrefix(text, mention) {
		text = strings.TrimLeftFunc(strings.Replace(text, mention, "", 1), unicode.IsSpace)
	}

	node.Text = text
	node.Images = images
	node.Role = RoleUser
	if msg.Author.ID == self.ID {
		node.Role = RoleAssistant
	}
	node.AuthorID = ""
	if node.Role == RoleUser {
		node.AuthorID = msg.Author.ID
	}
	node.Username = msg.Author.DisplayName
	node.HasUnsupportedAttachments = fetchFailed || len(msg.Attachments) > len(textAtts)+len(imageAtts)

	upstream, err := w.upstream(ctx, msg, self)
	if err != nil {
		w.logger.Warn("Failed to fetch next message in the chain",
			"message_id", msg.ID,
			"channel_id", msg.Channel.ID,
			"error", err,
		)
		upstream = nil
	}
	node.UpstreamFailed = err != nil
	node.Upstream = upstream

	// A cancelled caller leaves the node unresolved so the next chain retries.
	if ctx.Err() != nil {
		return
	}
	node.resolved = true
}

// upstream determines the message msg continues from.
func (w *Walker) upstream(ctx context.Context, msg *domain.Message, self domain.Identity) (*domain.Message, error) {
	addressed := strings.Contains(msg.Content, self.Mention()) || msg.Mentions(self.ID)
	if msg.Reference == nil && !addressed {
		prev, err := w.history.Previous(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("previous message: %w", err)
		}
		// In DMs a bare follow-up continues the bot's last answer; elsewhere it
		// continues the same author's previous message.
		continuity := msg.Author.ID
		if msg.Channel.Kind == domain.ChannelDM {
			continuity = self.ID
		}
		if prev != nil &&
			(prev.Kind == domain.MessageDefault || prev.Kind == domain.MessageReply) &&
			prev.Author.ID == continuity {
			return prev, nil
		}
	}

	if msg.Reference == nil && msg.Channel.Kind == domain.ChannelPublicThread {
		starter, err := w.history.Message(ctx, msg.Channel.ParentID, msg.Channel.ID)
		if err != nil {
			return nil, fmt.Errorf("thread starter: %w", err)
		}
		return starter, nil
	}

	if ref := msg.Reference; ref != nil && ref.MessageID != "" {
		if ref.Cached != nil {
			return ref.Cached, nil
		}
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = msg.Channel.ID
		}
		target, err := w.history.Message(ctx, channelID, ref.MessageID)
		if err != nil {
			return nil, fmt.Errorf("reply target: %w", err)
		}
		return target, nil
	}
	return nil, nil
}

// fetchAttachments downloads text and image attachments concurrently while
// keeping their original order. Failed downloads are dropped and reported.
func (w *Walker) fetchAttachments(ctx context.Context, msg *domain.Message, textAtts, imageAtts []domain.Attachment) ([]string, []Image, bool) {
	if len(textAtts) == 0 && len(imageAtts) == 0 {
		return nil, nil, false
	}

	texts := make([]string, len(textAtts))
	textOK := make([]bool, len(textAtts))
	images := make([]Image, len(imageAtts))
	imageOK := make([]bool, len(imageAtts))

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, att := range textAtts {
		g.Go(func() error {
			data, err := w.fetcher.Fetch(ctx, att.URL)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", att.Filename, err)
			}
			texts[i] = strings.ToValidUTF8(string(data), "�")
			textOK[i] = true
			return nil
		})
	}
	for i, att := range imageAtts {
		g.Go(func() error {
			data, err := w.fetcher.Fetch(ctx, att.URL)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", att.Filename, err)
			}
			images[i] = Image{ContentType: att.ContentType, Data: data}
			imageOK[i] = true
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		w.logger.Warn("Failed to fetch attachment", "message_id", msg.ID, "error", err)
	}

	keptTexts := texts[:0]
	for i, t := range texts {
		if textOK[i] {
			keptTexts = append(keptTexts, t)
		}
	}
	keptImages := images[:0]
	for i, img := range images {
		if imageOK[i] {
			keptImages = append(keptImages, img)
		}
	}
	return keptTexts, keptImages, err != nil
}

func imageWarning(maxImages int) string {
	switch {
	case maxImages <= 0:
		return "⚠️ Can't see images"
	case maxImages == 1:
		return "⚠️ Max 1 image per message"
	default:
		return fmt.Sprintf("⚠️ Max %d images per message", maxImages)
	}
}

func partialHistoryWarning(n int) string {
	if n == 1 {
		return "⚠️ Only using last 1 message"
	}
	return fmt.Sprintf("⚠️ Only using last %d messages", n)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
