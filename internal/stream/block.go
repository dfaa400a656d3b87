// Package stream turns an incremental completion into a sequence of
// platform-sized messages that are updated in place while text arrives.
package stream

import (
	"context"
	"strings"
)

const (
	// StreamingIndicator is appended to a page body while it is still growing.
	StreamingIndicator = " ⚪"

	// PlainMaxLength is the platform limit for plain message content.
	PlainMaxLength = 2000
	// BlockMaxLength is the platform limit for a structured block body.
	BlockMaxLength = 4096

	// ColorComplete marks a finished page (dark green).
	ColorComplete = 0x1f8b4c
	// ColorIncomplete marks a page that is streaming or was cut short (orange).
	ColorIncomplete = 0xe67e22

	fence      = "```"
	fenceBreak = "```\n"
)

// Block is a structured message body with completion state and a footer.
type Block struct {
	Body     string
	Complete bool
	Model    string
	Contexts []string
	Warnings []string // sorted
}

// Color returns the colour used to render the completion state.
func (b *Block) Color() int {
	if b.Complete {
		return ColorComplete
	}
	return ColorIncomplete
}

// Footer returns the footer text listing the model and prompt context sources.
func (b *Block) Footer() string {
	lines := []string{strings.Repeat("─", 60), "Model: " + b.Model}
	if len(b.Contexts) > 0 {
		lines = append(lines, "Context: "+strings.Join(b.Contexts, " • "))
	}
	return strings.Join(lines, "\n")
}

// Outgoing is what a page renders to: plain content or a structured block.
type Outgoing struct {
	Content string
	Block   *Block
}

// Sink creates and edits platform messages.
type Sink interface {
	// Create posts a new message replying to replyTo and returns its id.
	Create(ctx context.Context, replyTo string, out Outgoing) (string, error)
	// Edit replaces the body of a message created by Create.
	Edit(ctx context.Context, messageID string, out Outgoing) error
}

// Fragment is one piece of a streamed completion. FinishReason is empty until
// the terminal fragment.
type Fragment struct {
	Text         string
	FinishReason string
}

// IsGoodFinish reports whether a finish reason means the model stopped on its own.
func IsGoodFinish(reason string) bool {
	switch strings.ToLower(reason) {
	case "stop", "end_turn":
		return true
	default:
		return false
	}
}
