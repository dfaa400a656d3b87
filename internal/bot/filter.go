package bot

import (
	"slices"

	"github.com/ashureev/chaincord/internal/config"
	"github.com/ashureev/chaincord/internal/domain"
)

// Reasons an inbound message is ignored. They label the ignored-messages metric.
const (
	ignoreBotAuthor   = "bot_author"
	ignoreChannelKind = "channel_kind"
	ignoreNoMention   = "no_mention"
	ignoreDMs         = "dms_disabled"
	ignoreChannel     = "channel_not_allowed"
	ignoreRole        = "role_not_allowed"
)

// admit decides whether msg should get a reply. It returns an empty reason
// when the message is accepted.
func admit(cfg *config.Config, self domain.Identity, msg *domain.Message) string {
	if msg.Author.Bot || msg.Author.ID == self.ID {
		return ignoreBotAuthor
	}

	isDM := msg.Channel.Kind == domain.ChannelDM
	switch msg.Channel.Kind {
	case domain.ChannelText, domain.ChannelPublicThread, domain.ChannelPrivateThread, domain.ChannelDM:
	default:
		return ignoreChannelKind
	}
	if !isDM && !msg.Mentions(self.ID) {
		return ignoreNoMention
	}

	if isDM {
		if !cfg.AllowDMs {
			return ignoreDMs
		}
	} else if len(cfg.AllowedChannelIDs) > 0 {
		ids := []string{msg.Channel.ID, msg.Channel.ParentID}
		if !slices.ContainsFunc(ids, func(id string) bool {
			return id != "" && slices.Contains(cfg.AllowedChannelIDs, id)
		}) {
			return ignoreChannel
		}
	}

	// DM authors carry no roles, so a role allowlist also closes DMs.
	if len(cfg.AllowedRoleIDs) > 0 && !slices.ContainsFunc(msg.Author.RoleIDs, func(id string) bool {
		return slices.Contains(cfg.AllowedRoleIDs, id)
	}) {
		return ignoreRole
	}
	return ""
}
