package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeGIF    MessageType = "gif"
	MessageTypeFile   MessageType = "file"
	MessageTypePoll   MessageType = "poll"
	MessageTypeForm   MessageType = "form"
	MessageTypeSystem MessageType = "system"
)

type SystemKind string

const (
	SystemKindCreated     SystemKind = "created"
	SystemKindMemberAdded SystemKind = "member_added"
)

type MentionKind string

const (
	MentionKindMember  MentionKind = "member"
	MentionKindRole    MentionKind = "role"
	MentionKindSpecial MentionKind = "special"
)

type Mention struct {
	UID    string      `json:"uid"`
	Handle string      `json:"handle,omitempty"`
	Label  string      `json:"label,omitempty"`
	Color  string      `json:"color,omitempty"`
	Kind   MentionKind `json:"kind,omitempty"`
}

// Payload is the closed set of message bodies: Text, GIF, File, Poll, Form, System.
type Payload interface {
	Type() MessageType
	isPayload()
}

type Text struct {
	Text string `json:"text"`
}

type GIF struct {
	URL string `json:"url"`
}

type File struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	StoragePath string `json:"storagePath,omitempty"`
}

type Poll struct {
	Question    string         `json:"question"`
	Options     []string       `json:"options"`
	VotesByUser map[string]int `json:"votesByUser"`
}

type Form struct {
	Title     string              `json:"title"`
	Questions []string            `json:"questions"`
	Responses map[string][]string `json:"responses"`
}

type System struct {
	Kind SystemKind `json:"kind"`
	Text string     `json:"text"`
}

func (Text) Type() MessageType   { return MessageTypeText }
func (GIF) Type() MessageType    { return MessageTypeGIF }
func (File) Type() MessageType   { return MessageTypeFile }
func (Poll) Type() MessageType   { return MessageTypePoll }
func (Form) Type() MessageType   { return MessageTypeForm }
func (System) Type() MessageType { return MessageTypeSystem }

func (Text) isPayload()   {}
func (GIF) isPayload()    {}
func (File) isPayload()   {}
func (Poll) isPayload()   {}
func (Form) isPayload()   {}
func (System) isPayload() {}

// ThreadMessage — сообщение внутри треда. Имя автора денормализовано на момент записи.
type ThreadMessage struct {
	ID         string
	ThreadID   string
	Payload    Payload
	AuthorID   string
	AuthorName string
	Mentions   []Mention
	CreatedAt  time.Time
}

// Type returns the payload tag, or "" for a message without payload.
func (m *ThreadMessage) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

// IsSystem reports whether the message is a system message of the given kind.
func (m *ThreadMessage) IsSystem(kind SystemKind) bool {
	s, ok := m.Payload.(System)
	return ok && s.Kind == kind
}

type messageWire struct {
	ID         string      `json:"id"`
	ThreadID   string      `json:"threadId,omitempty"`
	Type       MessageType `json:"type"`
	Text       string      `json:"text,omitempty"`
	URL        string      `json:"url,omitempty"`
	File       *File       `json:"file,omitempty"`
	Poll       *Poll       `json:"poll,omitempty"`
	Form       *Form       `json:"form,omitempty"`
	AuthorID   string      `json:"authorId,omitempty"`
	AuthorName string      `json:"authorName,omitempty"`
	Mentions   []Mention   `json:"mentions,omitempty"`
	SystemKind SystemKind  `json:"systemKind,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// MarshalJSON flattens the payload into the optional wire fields.
func (m ThreadMessage) MarshalJSON() ([]byte, error) {
	w := messageWire{
		ID:         m.ID,
		ThreadID:   m.ThreadID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Mentions:   m.Mentions,
		CreatedAt:  m.CreatedAt,
	}
	switch p := m.Payload.(type) {
	case Text:
		w.Type, w.Text = MessageTypeText, p.Text
	case GIF:
		w.Type, w.URL = MessageTypeGIF, p.URL
	case File:
		w.Type, w.File = MessageTypeFile, &p
	case Poll:
		w.Type, w.Poll = MessageTypePoll, &p
	case Form:
		w.Type, w.Form = MessageTypeForm, &p
	case System:
		w.Type, w.Text, w.SystemKind = MessageTypeSystem, p.Text, p.Kind
	case nil:
		return nil, fmt.Errorf("model: message %s has no payload", m.ID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the payload from the type tag. Unknown tags and
// a missing type-specific field are rejected here.
func (m *ThreadMessage) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var p Payload
	switch w.Type {
	case MessageTypeText:
		p = Text{Text: w.Text}
	case MessageTypeGIF:
		p = GIF{URL: w.URL}
	case MessageTypeFile:
		if w.File == nil {
			return fmt.Errorf("model: file message without file")
		}
		p = *w.File
	case MessageTypePoll:
		if w.Poll == nil {
			return fmt.Errorf("model: poll message without poll")
		}
		p = *w.Poll
	case MessageTypeForm:
		if w.Form == nil {
			return fmt.Errorf("model: form message without form")
		}
		p = *w.Form
	case MessageTypeSystem:
		p = System{Kind: w.SystemKind, Text: w.Text}
	default:
		return fmt.Errorf("model: unknown message type %q", w.Type)
	}
	*m = ThreadMessage{
		ID:         w.ID,
		ThreadID:   w.ThreadID,
		Payload:    p,
		AuthorID:   w.AuthorID,
		AuthorName: w.AuthorName,
		Mentions:   w.Mentions,
		CreatedAt:  w.CreatedAt,
	}
	return nil
}

// EncodePayload serialises the payload body for storage (jsonb column).
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("model: nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(t MessageType, body []byte) (Payload, error) {
	switch t {
	case MessageTypeText:
		var p Text
		err := json.Unmarshal(body, &p)
		return p, err
	case MessageTypeGIF:
		var p GIF
		err := json.Unmarshal(body, &p)
		return p, err
	case MessageTypeFile:
		var p File
		err := json.Unmarshal(body, &p)
		return p, err
	case MessageTypePoll:
		var p Poll
		err := json.Unmarshal(body, &p)
		return p, err
	case MessageTypeForm:
		var p Form
		err := json.Unmarshal(body, &p)
		return p, err
	case MessageTypeSystem:
		var p System
		err := json.Unmarshal(body, &p)
		return p, err
	}
	return nil, fmt.Errorf("model: unknown message type %q", t)
}
