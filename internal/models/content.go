package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeVoice  MessageType = "voice"
	TypeVideo  MessageType = "video"
	TypeEmoji  MessageType = "emoji"
	TypeSystem MessageType = "system"
)

// Known reports whether t is one of the supported message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeVoice, TypeVideo, TypeEmoji, TypeSystem:
		return true
	}
	return false
}

var (
	ErrEmptyContent   = errors.New("content is empty")
	ErrInvalidContent = errors.New("content does not match message type")
)

// RawContent is content as submitted by a client: either a bare JSON string
// or an object shaped for the message type.
type RawContent = json.RawMessage

// Content is the typed payload of a message. Each message type maps to
// exactly one variant; image and file share FileContent, voice and video
// share MediaContent.
type Content interface {
	// Summary is a short plain-text rendering used in conversation lists.
	Summary() string
	validate() error
	fromString(s string)
}

type TextContent struct {
	Text string `json:"text"`
}

type FileContent struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type MediaContent struct {
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

type EmojiContent struct {
	Code string `json:"code"`
}

type SystemContent struct {
	Text string `json:"text"`
}

func (c *TextContent) Summary() string { return truncate(c.Text, 80) }
func (c *TextContent) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return ErrEmptyContent
	}
	return nil
}
func (c *TextContent) fromString(s string) { c.Text = s }

func (c *FileContent) Summary() string {
	if c.Name != "" {
		return c.Name
	}
	return c.URL
}
func (c *FileContent) validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidContent)
	}
	if c.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidContent)
	}
	return nil
}
func (c *FileContent) fromString(s string) { c.URL = s }

func (c *MediaContent) Summary() string { return fmt.Sprintf("%.0fs", c.Duration) }
func (c *MediaContent) validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidContent)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidContent)
	}
	return nil
}
func (c *MediaContent) fromString(s string) { c.URL = s }

func (c *EmojiContent) Summary() string { return c.Code }
func (c *EmojiContent) validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return ErrEmptyContent
	}
	return nil
}
func (c *EmojiContent) fromString(s string) { c.Code = s }

func (c *SystemContent) Summary() string { return truncate(c.Text, 80) }
func (c *SystemContent) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return ErrEmptyContent
	}
	return nil
}
func (c *SystemContent) fromString(s string) { c.Text = s }

func variantFor(t MessageType) Content {
	switch t {
	case TypeText:
		return &TextContent{}
	case TypeImage, TypeFile:
		return &FileContent{}
	case TypeVoice, TypeVideo:
		return &MediaContent{}
	case TypeEmoji:
		return &EmojiContent{}
	case TypeSystem:
		return &SystemContent{}
	}
	return nil
}

// NormalizeContent maps a submitted (type, raw) pair onto its typed variant.
// An unknown type is accepted as plain text: a string payload is used as-is,
// anything else is kept as its JSON text.
func NormalizeContent(t MessageType, raw RawContent) (MessageType, Content, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil, ErrEmptyContent
	}

	if !t.Known() {
		c := &TextContent{}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			c.Text = s
		} else if err := json.Unmarshal(raw, c); err != nil || c.Text == "" {
			c.Text = string(raw)
		}
		if err := c.validate(); err != nil {
			return "", nil, err
		}
		return TypeText, c, nil
	}

	c := variantFor(t)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		c.fromString(s)
	} else if err := json.Unmarshal(raw, c); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if err := c.validate(); err != nil {
		return "", nil, err
	}
	return t, c, nil
}

// DecodeContent decodes content previously encoded for type t.
func DecodeContent(t MessageType, raw []byte) (Content, error) {
	c := variantFor(t)
	if c == nil {
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalJSON resolves the content variant from the type field.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Content json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.Type == "" {
		return nil
	}
	c, err := DecodeContent(m.Type, aux.Content)
	if err != nil {
		return err
	}
	m.Content = c
	return nil
}

func (s *EditSnapshot) UnmarshalJSON(data []byte) error {
	type alias EditSnapshot
	aux := struct {
		*alias
		Content json.RawMessage `json:"content"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c, err := DecodeContent(s.Type, aux.Content)
	if err != nil {
		return err
	}
	s.Content = c
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
