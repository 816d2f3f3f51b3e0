package storage

import (
	"context"
	"time"

	"github.com/sidethreads/internal/model"
)

// ThreadStore — хранилище агрегата треда и его подколлекций.
// Реализации: repository.ThreadRepository (Postgres), memory.Store (для -dev и тестов).
type ThreadStore interface {
	CreateThread(ctx context.Context, t *model.Thread) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ListThreads(ctx context.Context, channelID string, limit int) ([]model.Thread, error)
	RenameThread(ctx context.Context, id, name string) error
	// RemoveMember drops uid from the thread and deletes its grant in one step.
	RemoveMember(ctx context.Context, threadID, uid string) error

	InsertMessage(ctx context.Context, m *model.ThreadMessage) error
	GetMessage(ctx context.Context, threadID, messageID string) (*model.ThreadMessage, error)
	// ListMessages returns the newest limit messages in ascending order.
	ListMessages(ctx context.Context, threadID string, limit int) ([]model.ThreadMessage, error)
	// UpdatePayload runs fn under a write lock on the message and stores its result.
	UpdatePayload(ctx context.Context, threadID, messageID string, fn func(model.Payload) (model.Payload, error)) error

	// UpsertGrants merges grants: one record per (thread, user).
	UpsertGrants(ctx context.Context, grants []model.PermissionGrant) error
	GetGrant(ctx context.Context, threadID, uid string) (*model.PermissionGrant, error)
	ListGrants(ctx context.Context, threadID string) ([]model.PermissionGrant, error)

	// CommitPost applies the commit atomically and returns the updated thread.
	CommitPost(ctx context.Context, c *model.PostCommit) (*model.Thread, error)

	ListIncomplete(ctx context.Context, createdBefore time.Time, limit int) ([]model.ThreadRepair, error)
}

// ReadMarkerStore — закладки чтения и mute. Все записи идемпотентны (upsert).
type ReadMarkerStore interface {
	MarkRead(ctx context.Context, m model.ReadMarker) error
	SetMuted(ctx context.Context, userID, threadID string, muted bool) error
	GetReadMarker(ctx context.Context, userID, threadID string) (*model.ReadMarker, error)
	CountUnread(ctx context.Context, userID, threadID string) (int, error)
}

// Directory — внешние коллабораторы: участники сервера и сообщения родительского канала.
type Directory interface {
	ServerMemberIDs(ctx context.Context, serverID string) ([]string, error)
	ParentMessage(ctx context.Context, channelID, messageID string) (*model.ParentMessage, error)
}
