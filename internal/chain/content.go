package chain

import (
	"encoding/base64"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content is the body of a conversation turn. It is either PlainText or
// Blocks; both marshal to the shape chat completion APIs expect.
type Content interface {
	// IsEmpty reports whether the content carries nothing worth sending.
	IsEmpty() bool
	// Text returns the textual part of the content.
	Text() string

	withSpeaker(name string) Content
}

// PlainText is a text-only turn.
type PlainText string

// IsEmpty implements Content.
func (t PlainText) IsEmpty() bool { return t == "" }

// Text implements Content.
func (t PlainText) Text() string { return string(t) }

func (t PlainText) withSpeaker(name string) Content {
	return PlainText(speakerTag(name) + "\n" + string(t))
}

// Part is one element of a multi-part turn.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline image as a data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart returns a text element.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Blocks is a multi-part turn mixing text and images.
type Blocks []Part

// IsEmpty implements Content.
func (b Blocks) IsEmpty() bool { return len(b) == 0 }

// Text implements Content.
func (b Blocks) Text() string {
	if len(b) > 0 && b[0].Type == "text" {
		return b[0].Text
	}
	return ""
}

func (b Blocks) withSpeaker(name string) Content {
	out := make(Blocks, 0, len(b)+1)
	if len(b) > 0 && b[0].Type == "text" {
		out = append(out, TextPart(speakerTag(name)+"\n"+b[0].Text))
		return append(out, b[1:]...)
	}
	out = append(out, TextPart(speakerTag(name)))
	return append(out, b...)
}

func speakerTag(name string) string {
	return "[From:" + name + "]"
}

// Image is a decoded image attachment.
type Image struct {
	ContentType string
	Data        []byte
}

// Part renders the image as an image_url element.
func (i Image) Part() Part {
	return Part{
		Type:     "image_url",
		ImageURL: &ImageURL{URL: "data:" + i.ContentType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)},
	}
}

// Message is one role-tagged turn of a conversation.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
	Name    string  `json:"name,omitempty"`
}
