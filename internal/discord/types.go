package discord

import (
	"github.com/ashureev/chaincord/internal/domain"
)

// Channel types from the Discord API.
const (
	channelGuildText     = 0
	channelDM            = 1
	channelCategory      = 4
	channelPublicThread  = 11
	channelPrivateThread = 12
)

// Message types from the Discord API.
const (
	messageDefault = 0
	messageReply   = 19
)

// Message flags.
const (
	flagSuppressEmbeds = 1 << 2
	flagSilent         = 1 << 12
)

type apiUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

func (u apiUser) displayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type apiMember struct {
	Nick  string   `json:"nick"`
	Roles []string `json:"roles"`
}

type apiAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

type apiEmbedFooter struct {
	Text string `json:"text"`
}

type apiEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type apiEmbed struct {
	Description string          `json:"description,omitempty"`
	Color       int             `json:"color,omitempty"`
	Footer      *apiEmbedFooter `json:"footer,omitempty"`
	Fields      []apiEmbedField `json:"fields,omitempty"`
}

type apiMessageReference struct {
	MessageID       string `json:"message_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
	GuildID         string `json:"guild_id,omitempty"`
	FailIfNotExists *bool  `json:"fail_if_not_exists,omitempty"`
}

type apiMessage struct {
	ID                string               `json:"id"`
	ChannelID         string               `json:"channel_id"`
	GuildID           string               `json:"guild_id"`
	Type              int                  `json:"type"`
	Content           string               `json:"content"`
	Author            apiUser              `json:"author"`
	Member            *apiMember           `json:"member"`
	Mentions          []apiUser            `json:"mentions"`
	Attachments       []apiAttachment      `json:"attachments"`
	Embeds            []apiEmbed           `json:"embeds"`
	MessageReference  *apiMessageReference `json:"message_reference"`
	ReferencedMessage *apiMessage          `json:"referenced_message"`
}

type apiChannel struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	GuildID  string `json:"guild_id"`
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`
	Topic    string `json:"topic"`
}

type apiAllowedMentions struct {
	Parse       []string `json:"parse"`
	RepliedUser bool     `json:"replied_user"`
}

type messagePayload struct {
	Content          string               `json:"content,omitempty"`
	Embeds           []apiEmbed           `json:"embeds,omitempty"`
	MessageReference *apiMessageReference `json:"message_reference,omitempty"`
	AllowedMentions  *apiAllowedMentions  `json:"allowed_mentions,omitempty"`
	Flags            int                  `json:"flags,omitempty"`
}

func channelKind(t int) domain.ChannelKind {
	switch t {
	case channelGuildText:
		return domain.ChannelText
	case channelDM:
		return domain.ChannelDM
	case channelPublicThread:
		return domain.ChannelPublicThread
	case channelPrivateThread:
		return domain.ChannelPrivateThread
	default:
		return domain.ChannelOther
	}
}

func messageKind(t int) domain.MessageKind {
	switch t {
	case messageDefault:
		return domain.MessageDefault
	case messageReply:
		return domain.MessageReply
	default:
		return domain.MessageSystem
	}
}

// toDomain converts a wire message. The channel is supplied by the caller;
// a referenced message inherits it unless it lives elsewhere.
func (m *apiMessage) toDomain(ch domain.Channel) *domain.Message {
	msg := &domain.Message{
		ID:      m.ID,
		Channel: ch,
		Kind:    messageKind(m.Type),
		Content: m.Content,
		Author: domain.Author{
			ID:          m.Author.ID,
			DisplayName: m.Author.displayName(),
			Bot:         m.Author.Bot,
		},
	}
	if m.Member != nil {
		if m.Member.Nick != "" {
			msg.Author.DisplayName = m.Member.Nick
		}
		msg.Author.RoleIDs = m.Member.Roles
	}
	for _, u := range m.Mentions {
		msg.MentionIDs = append(msg.MentionIDs, u.ID)
	}
	for _, e := range m.Embeds {
		if e.Description != "" {
			msg.EmbedDescriptions = append(msg.EmbedDescriptions, e.Description)
		}
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			URL:         a.URL,
		})
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		msg.Reference = &domain.Reference{ChannelID: ref.ChannelID, MessageID: ref.MessageID}
		if rm := m.ReferencedMessage; rm != nil && (ref.ChannelID == "" || ref.ChannelID == ch.ID) {
			msg.Reference.Cached = rm.toDomain(ch)
		}
	}
	return msg
}
