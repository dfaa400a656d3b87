package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/config"
	"github.com/ashureev/chaincord/internal/domain"
)

type fakeSource struct {
	threads map[string]*domain.Message // channel id -> latest message
	topics  map[string]string
	err     error
}

func (s *fakeSource) PromptThread(_ context.Context, _, channelID string) (*domain.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.threads[channelID], nil
}

func (s *fakeSource) ChannelTopic(_ context.Context, channelID string) (string, error) {
	return s.topics[channelID], nil
}

type mapFetcher map[string]string

func (f mapFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if v, ok := f[url]; ok {
		return []byte(v), nil
	}
	return nil, errors.New("not found")
}

var prompts = config.Scoped{
	config.DefaultScope: "default prompt",
	"chan-cfg":          "channel prompt",
	"cat-1":             "category prompt",
	"user-9":            "user prompt",
	"role-a":            "role a prompt",
	"role-b":            "role b prompt",
}

func TestResolveLocationOrder(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		threads: map[string]*domain.Message{
			"chan-thread": {
				Content:     "  thread prompt  ",
				Attachments: []domain.Attachment{{Filename: "extra.txt", URL: "https://cdn/extra.txt"}},
			},
		},
		topics: map[string]string{"chan-topic": "about <prompt>\n parent topic prompt \n</prompt> things"},
	}
	fetcher := mapFetcher{"https://cdn/extra.txt": "attached rules\n"}

	tests := []struct {
		name    string
		channel domain.Channel
		want    string
		label   string
	}{
		{
			name:    "prompt thread",
			channel: domain.Channel{ID: "chan-thread", GuildID: "g", Kind: domain.ChannelText, Topic: "<prompt>ignored</prompt>"},
			want:    "thread prompt\nattached rules",
			label:   SourcePromptThread,
		},
		{
			name:    "channel topic",
			channel: domain.Channel{ID: "c", GuildID: "g", Kind: domain.ChannelText, Topic: "<prompt>topic prompt</prompt>"},
			want:    "topic prompt",
			label:   SourceChannelTopic,
		},
		{
			name:    "thread uses parent topic",
			channel: domain.Channel{ID: "t", GuildID: "g", Kind: domain.ChannelPublicThread, ParentID: "chan-topic"},
			want:    "parent topic prompt",
			label:   SourceChannelTopic,
		},
		{
			name:    "channel config via parent",
			channel: domain.Channel{ID: "t", GuildID: "g", Kind: domain.ChannelPrivateThread, ParentID: "chan-cfg"},
			want:    "channel prompt",
			label:   SourceChannelConfig,
		},
		{
			name:    "category config",
			channel: domain.Channel{ID: "c", GuildID: "g", Kind: domain.ChannelText, CategoryID: "cat-1"},
			want:    "category prompt",
			label:   SourceCategoryConfig,
		},
		{
			name:    "default",
			channel: domain.Channel{ID: "dm", Kind: domain.ChannelDM},
			want:    "default prompt",
			label:   SourceDefault,
		},
	}

	r := NewResolver(prompts, source, fetcher, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Resolve(context.Background(), &domain.Message{Channel: tt.channel, Author: domain.Author{ID: "u"}})
			if res.Text != tt.want {
				t.Fatalf("Resolve().Text = %q, want %q", res.Text, tt.want)
			}
			if len(res.Contexts) != 1 || res.Contexts[0] != tt.label {
				t.Fatalf("Resolve().Contexts = %v, want [%s]", res.Contexts, tt.label)
			}
		})
	}
}

func TestResolveAppendsUserAndRolePrompts(t *testing.T) {
	t.Parallel()

	r := NewResolver(prompts, nil, nil, nil)
	msg := &domain.Message{
		Channel: domain.Channel{ID: "c", Kind: domain.ChannelText},
		Author:  domain.Author{ID: "user-9", RoleIDs: []string{"role-a", "role-x", "role-b"}},
	}
	res := r.Resolve(context.Background(), msg)

	want := "default prompt\nuser prompt\nrole a prompt\nrole b prompt"
	if res.Text != want {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if strings.Join(res.Contexts, ",") != "Default,User,Role" {
		t.Fatalf("unexpected contexts %v", res.Contexts)
	}
}

func TestResolveFallsThroughOnSourceError(t *testing.T) {
	t.Parallel()

	r := NewResolver(prompts, &fakeSource{err: errors.New("forbidden")}, nil, nil)
	res := r.Resolve(context.Background(), &domain.Message{Channel: domain.Channel{ID: "chan-cfg", GuildID: "g"}})
	if res.Text != "channel prompt" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestResolveWithoutPrompts(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, nil, nil, nil)
	res := r.Resolve(context.Background(), &domain.Message{Channel: domain.Channel{ID: "c"}})
	if res.Text != "" || len(res.Contexts) != 0 {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
	if _, ok := r.Compose(res, domain.Identity{}, true); ok {
		t.Fatal("expected no system message without a prompt")
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()

	r := NewResolver(prompts, nil, nil, nil)
	r.now = func() time.Time { return time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC) }
	self := domain.Identity{ID: "42", DisplayName: "chaincord"}

	msg, ok := r.Compose(Resolution{Text: "Be nice."}, self, true)
	if !ok {
		t.Fatal("expected a system message")
	}
	if msg.Role != chain.RoleSystem {
		t.Fatalf("unexpected role %s", msg.Role)
	}
	text := msg.Content.Text()
	if !strings.HasPrefix(text, "Be nice.\nCurrent time: March 05, 2024 02:07:09 PM UTC.\n") {
		t.Fatalf("unexpected text %q", text)
	}
	if !strings.Contains(text, "Discord IDs") {
		t.Fatalf("expected username instructions, got %q", text)
	}

	msg, _ = r.Compose(Resolution{Text: "Be nice."}, self, false)
	if !strings.Contains(msg.Content.Text(), "<@42>") || !strings.Contains(msg.Content.Text(), "[From:") {
		t.Fatalf("expected display name instructions, got %q", msg.Content.Text())
	}
}
