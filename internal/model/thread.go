package model

import (
	"encoding/json"
	"time"
)

type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
)

// Thread — агрегат побочного обсуждения, привязанного к одному сообщению родительского канала.
type Thread struct {
	ID                   string       `json:"id"`
	ServerID             string       `json:"serverId"`
	ParentChannelID      string       `json:"parentChannelId"`
	CreatedFromMessageID string       `json:"createdFromMessageId"`
	CreatedBy            string       `json:"createdBy"`
	Name                 string       `json:"name"`
	Preview              string       `json:"preview"`
	LastMessagePreview   string       `json:"lastMessagePreview"`
	CreatedAt            time.Time    `json:"createdAt"`
	LastMessageAt        time.Time    `json:"lastMessageAt"`
	ArchivedAt           *time.Time   `json:"archivedAt"`
	AutoArchiveAt        *time.Time   `json:"-"`
	MemberUIDs           []string     `json:"memberUids"`
	MemberCount          int          `json:"memberCount"`
	MaxMembers           int          `json:"maxMembers"`
	TTLHours             int          `json:"ttlHours"`
	Status               ThreadStatus `json:"status"`
	MessageCount         int          `json:"messageCount"`

	// Expired is computed on read and never persisted.
	Expired bool `json:"expired"`
}

// HasMember reports whether uid is in MemberUIDs.
func (t *Thread) HasMember(uid string) bool {
	for _, m := range t.MemberUIDs {
		if m == uid {
			return true
		}
	}
	return false
}

// IsExpired — тред логически архивирован, если now уже за autoArchiveAt.
// Статус при этом не меняется (пассивная архивация).
func (t *Thread) IsExpired(now time.Time) bool {
	if t.Status == ThreadStatusArchived {
		return true
	}
	return t.AutoArchiveAt != nil && now.After(*t.AutoArchiveAt)
}

type threadAlias Thread

type threadWire struct {
	threadAlias
	AutoArchiveAt *int64 `json:"autoArchiveAt"`
}

// MarshalJSON writes autoArchiveAt as epoch milliseconds.
func (t Thread) MarshalJSON() ([]byte, error) {
	w := threadWire{threadAlias: threadAlias(t)}
	if t.AutoArchiveAt != nil {
		ms := t.AutoArchiveAt.UnixMilli()
		w.AutoArchiveAt = &ms
	}
	return json.Marshal(w)
}

func (t *Thread) UnmarshalJSON(data []byte) error {
	var w threadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Thread(w.threadAlias)
	if w.AutoArchiveAt != nil {
		at := time.UnixMilli(*w.AutoArchiveAt).UTC()
		t.AutoArchiveAt = &at
	}
	return nil
}

// PermissionGrant — право участника читать и писать в тред. Ключ (ThreadID, UserID).
type PermissionGrant struct {
	ThreadID  string    `json:"threadId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	CanRead   bool      `json:"canRead"`
	CanPost   bool      `json:"canPost"`
	GrantedBy string    `json:"grantedBy"`
	GrantedAt time.Time `json:"grantedAt"`
}

// ReadMarker — закладка пользователя в треде, ключ (UserID, ThreadID).
type ReadMarker struct {
	UserID            string    `json:"userId,omitempty"`
	ThreadID          string    `json:"threadId,omitempty"`
	LastReadAt        time.Time `json:"lastReadAt"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	Muted             bool      `json:"muted,omitempty"`
}
