// Package prompt resolves the system prompt for a conversation from the
// channel it happens in and the person asking.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/config"
	"github.com/ashureev/chaincord/internal/domain"
)

// Context labels shown in the reply footer.
const (
	SourcePromptThread   = "Prompt Thread"
	SourceChannelTopic   = "Channel Topic"
	SourceChannelConfig  = "Channel Config"
	SourceCategoryConfig = "Category Config"
	SourceDefault        = "Default"
	SourceUser           = "User"
	SourceRole           = "Role"
)

// ThreadName is the name of the thread whose latest message overrides the
// channel's prompt.
const ThreadName = "system-prompt"

const timeLayout = "January 02, 2006 03:04:05 PM MST"

var topicPattern = regexp.MustCompile(`(?s)<prompt>(.*?)</prompt>`)

// Source looks up channel state that lives on the platform.
type Source interface {
	// PromptThread returns the latest message of the prompt thread under
	// channelID, or nil when the channel has none.
	PromptThread(ctx context.Context, guildID, channelID string) (*domain.Message, error)
	// ChannelTopic returns a channel's topic.
	ChannelTopic(ctx context.Context, channelID string) (string, error)
}

// Resolution is the prompt text and the labels of where it came from.
type Resolution struct {
	Text     string
	Contexts []string
}

// Resolver picks system prompts. Location prompts are tried in order: prompt
// thread, channel topic, channel config, category config, default. User and
// role prompts are appended to the location prompt.
type Resolver struct {
	prompts config.Scoped
	source  Source
	fetcher chain.Fetcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver creates a Resolver. source and fetcher may be nil, which
// disables prompt threads and parent topics.
func NewResolver(prompts config.Scoped, source Source, fetcher chain.Fetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		prompts: prompts,
		source:  source,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve returns the combined prompt for msg.
func (r *Resolver) Resolve(ctx context.Context, msg *domain.Message) Resolution {
	var res Resolution
	var parts []string

	if text, label := r.location(ctx, msg); text != "" {
		parts = append(parts, text)
		res.Contexts = append(res.Contexts, label)
	}

	if v, ok := r.prompts[msg.Author.ID]; ok && v != "" {
		parts = append(parts, v)
		res.Contexts = append(res.Contexts, SourceUser)
	}
	roleMatched := false
	for _, roleID := range msg.Author.RoleIDs {
		if v, ok := r.prompts[roleID]; ok && v != "" {
			parts = append(parts, v)
			roleMatched = true
		}
	}
	if roleMatched {
		res.Contexts = append(res.Contexts, SourceRole)
	}

	res.Text = strings.TrimSpace(strings.Join(parts, "\n"))
	return res
}

func (r *Resolver) location(ctx context.Context, msg *domain.Message) (string, string) {
	ch := msg.Channel
	home := ch.ID
	if ch.Kind.IsThread() && ch.ParentID != "" {
		home = ch.ParentID
	}

	if r.source != nil && ch.GuildID != "" {
		if text := r.promptThread(ctx, ch.GuildID, home); text != "" {
			return text, SourcePromptThread
		}
	}

	topic := ch.Topic
	if ch.Kind.IsThread() && r.source != nil && ch.ParentID != "" {
		parentTopic, err := r.source.ChannelTopic(ctx, ch.ParentID)
		if err != nil {
			r.logger.Warn("Failed to fetch parent channel topic", "channel_id", ch.ParentID, "error", err)
		}
		topic = parentTopic
	}
	if m := topicPattern.FindStringSubmatch(topic); m != nil {
		if text := strings.TrimSpace(m[1]); text != "" {
			return text, SourceChannelTopic
		}
	}

	if v, _, ok := r.prompts.Lookup(ch.ID, ch.ParentID); ok {
		return v, SourceChannelConfig
	}
	if v, _, ok := r.prompts.Lookup(ch.CategoryID); ok {
		return v, SourceCategoryConfig
	}
	if v := r.prompts.Default(); v != "" {
		return v, SourceDefault
	}
	return "", ""
}

// promptThread returns the latest prompt thread message with its text
// attachments appended.
func (r *Resolver) promptThread(ctx context.Context, guildID, channelID string) string {
	msg, err := r.source.PromptThread(ctx, guildID, channelID)
	if err != nil {
		r.logger.Warn("Failed to read prompt thread", "channel_id", channelID, "error", err)
		return ""
	}
	if msg == nil {
		return ""
	}

	var parts []string
	if content := strings.TrimSpace(msg.Content); content != "" {
		parts = append(parts, content)
	}
	for _, att := range msg.Attachments {
		if r.fetcher == nil {
			break
		}
		data, err := r.fetcher.Fetch(ctx, att.URL)
		if err != nil {
			r.logger.Error("Failed to read prompt attachment", "filename", att.Filename, "error", err)
			continue
		}
		parts = append(parts, strings.TrimSpace(strings.ToValidUTF8(string(data), "�")))
	}
	return strings.Join(parts, "\n")
}

// Compose builds the system turn. It returns false when there is no prompt.
func (r *Resolver) Compose(res Resolution, self domain.Identity, acceptUsernames bool) (chain.Message, bool) {
	if res.Text == "" {
		return chain.Message{}, false
	}
	lines := []string{
		res.Text,
		"Current time: " + r.now().Format(timeLayout) + ".",
	}
	if acceptUsernames {
		lines = append(lines, "User's names are their Discord IDs and should be typed as '<@ID>'.")
	} else {
		lines = append(lines, fmt.Sprintf(
			"Your Discord display name is %s and your Discord mention is %s. If you see this, you are being directly addressed. "+
				"Messages from users are automatically prefixed with [From:<display name>] to tell you who is speaking.",
			self.DisplayName, self.Mention(),
		))
	}
	return chain.Message{Role: chain.RoleSystem, Content: chain.PlainText(strings.Join(lines, "\n"))}, true
}
