package domain

import (
	"time"
)

// ReplyRecord is one row of the reply ledger: the outcome of answering a single
// inbound message.
type ReplyRecord struct {
	RequestID    string    `json:"request_id"`
	TriggerID    string    `json:"trigger_id"`
	ChannelID    string    `json:"channel_id"`
	AuthorID     string    `json:"author_id"`
	Model        string    `json:"model"`
	FinishReason string    `json:"finish_reason,omitempty"`
	ReplyIDs     []string  `json:"reply_ids"`
	Pages        int       `json:"pages"`
	Characters   int       `json:"characters"`
	ChainLength  int       `json:"chain_length"`
	Warnings     []string  `json:"warnings,omitempty"`
	Partial      bool      `json:"partial"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
