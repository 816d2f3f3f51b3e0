package ws

import (
	"time"

	"github.com/sidethreads/internal/model"
)

type EventType string

const (
	EventSubscribeThreads  EventType = "subscribe_threads"
	EventSubscribeMessages EventType = "subscribe_messages"
	EventUnsubscribe       EventType = "unsubscribe"
	EventPostMessage       EventType = "post_message"
	EventMarkRead          EventType = "mark_read"
	EventToggleMute        EventType = "toggle_mute"

	EventThreadsSnapshot  EventType = "threads_snapshot"
	EventMessagesSnapshot EventType = "messages_snapshot"
	EventMessagePosted    EventType = "message_posted"
	EventUnsubscribed     EventType = "unsubscribed"
	EventError            EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Limit     int       `json:"limit,omitempty"`

	// unsubscribe: topic из ответа на подписку
	Topic string `json:"topic,omitempty"`

	// post_message
	Message *model.ThreadMessage `json:"message,omitempty"`

	// mark_read
	At        *time.Time `json:"at,omitempty"`
	MessageID string     `json:"message_id,omitempty"`

	// toggle_mute
	Muted bool `json:"muted,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ThreadsSnapshotPayload — полный список тредов канала после очередного изменения.
type ThreadsSnapshotPayload struct {
	Topic     string         `json:"topic"`
	ChannelID string         `json:"channel_id"`
	Threads   []model.Thread `json:"threads"`
}

type MessagesSnapshotPayload struct {
	Topic    string                `json:"topic"`
	ThreadID string                `json:"thread_id"`
	Messages []model.ThreadMessage `json:"messages"`
}

// MessagePostedPayload подтверждает post_message отправителю.
type MessagePostedPayload struct {
	ThreadID string               `json:"thread_id"`
	Message  *model.ThreadMessage `json:"message"`
	System   *model.ThreadMessage `json:"system,omitempty"`
	Admitted []string             `json:"admitted"`
	Dropped  int                  `json:"dropped"`
}

type UnsubscribedPayload struct {
	Topic  string `json:"topic"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Error string    `json:"error"`
	Event EventType `json:"event,omitempty"`
	Field string    `json:"field,omitempty"`
}
