package model

import (
	"encoding/json"
	"fmt"
)

// ContentPart is one piece of a message's content. Exactly one of the
// payload fields is meaningful, selected by Type.
type ContentPart struct {
	Type ContentPartType

	Text string // Type == ContentText

	ImageURL     string  // Type == ContentImageURL
	ImageURLMime *string // optional

	ImageB64     string // Type == ContentImageB64
	ImageB64Mime string

	VideoURL     string // Type == ContentVideoURL
	VideoURLMime *string
}

// ContentPartType is the tagged-union discriminant carried in JSON as "type".
type ContentPartType string

const (
	ContentText     ContentPartType = "text"
	ContentImageURL ContentPartType = "image_url"
	ContentImageB64 ContentPartType = "image_b64"
	ContentVideoURL ContentPartType = "video_url"
)

// NewText builds a text content part.
func NewText(s string) ContentPart {
	return ContentPart{Type: ContentText, Text: s}
}

// NewImageURL builds an image_url content part.
func NewImageURL(url string, mime *string) ContentPart {
	return ContentPart{Type: ContentImageURL, ImageURL: url, ImageURLMime: mime}
}

type contentPartWire struct {
	Type string  `json:"type"`
	Text *string `json:"text,omitempty"`

	URL  *string `json:"url,omitempty"`
	Mime *string `json:"mime,omitempty"`

	B64 *string `json:"b64,omitempty"`
}

// MarshalJSON encodes the part using its type discriminant.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case ContentText:
		return json.Marshal(contentPartWire{Type: string(ContentText), Text: &p.Text})
	case ContentImageURL:
		return json.Marshal(contentPartWire{Type: string(ContentImageURL), URL: &p.ImageURL, Mime: p.ImageURLMime})
	case ContentImageB64:
		mime := p.ImageB64Mime
		return json.Marshal(contentPartWire{Type: string(ContentImageB64), B64: &p.ImageB64, Mime: &mime})
	case ContentVideoURL:
		return json.Marshal(contentPartWire{Type: string(ContentVideoURL), URL: &p.VideoURL, Mime: p.VideoURLMime})
	default:
		return nil, fmt.Errorf("model: unknown content part type %q", p.Type)
	}
}

// UnmarshalJSON decodes a part based on its "type" field.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var w contentPartWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch ContentPartType(w.Type) {
	case ContentText:
		if w.Text != nil {
			p.Text = *w.Text
		}
		p.Type = ContentText
	case ContentImageURL:
		if w.URL != nil {
			p.ImageURL = *w.URL
		}
		p.ImageURLMime = w.Mime
		p.Type = ContentImageURL
	case ContentImageB64:
		if w.B64 != nil {
			p.ImageB64 = *w.B64
		}
		if w.Mime != nil {
			p.ImageB64Mime = *w.Mime
		}
		p.Type = ContentImageB64
	case ContentVideoURL:
		if w.URL != nil {
			p.VideoURL = *w.URL
		}
		p.VideoURLMime = w.Mime
		p.Type = ContentVideoURL
	default:
		return fmt.Errorf("model: unknown content part type %q", w.Type)
	}
	return nil
}
