package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/thread"
)

func validateMarker(userID, threadID string) error {
	if strings.TrimSpace(userID) == "" {
		return &thread.ValidationError{Field: "user_id", Message: "user is required"}
	}
	if strings.TrimSpace(threadID) == "" {
		return &thread.ValidationError{Field: "thread_id", Message: "thread id is required"}
	}
	return nil
}

// MarkRead upserts the read marker. at defaults to now; the mute flag is kept.
func (s *ThreadService) MarkRead(ctx context.Context, userID, threadID string, at *time.Time, lastMessageID string) error {
	if err := validateMarker(userID, threadID); err != nil {
		return err
	}
	readAt := s.now().UTC()
	if at != nil {
		readAt = at.UTC()
	}
	err := s.reads.MarkRead(ctx, model.ReadMarker{
		UserID:            userID,
		ThreadID:          threadID,
		LastReadAt:        readAt,
		LastReadMessageID: lastMessageID,
	})
	return thread.WrapStore("mark read", err)
}

// ToggleMute sets the mute flag; the read position is kept.
func (s *ThreadService) ToggleMute(ctx context.Context, userID, threadID string, muted bool) error {
	if err := validateMarker(userID, threadID); err != nil {
		return err
	}
	return thread.WrapStore("toggle mute", s.reads.SetMuted(ctx, userID, threadID, muted))
}

// ReadState — закладка пользователя и число непрочитанных.
type ReadState struct {
	Marker *model.ReadMarker `json:"marker"`
	Unread int               `json:"unread"`
}

// UnreadCount counts messages after the marker that the user did not author.
func (s *ThreadService) UnreadCount(ctx context.Context, userID, threadID string) (*ReadState, error) {
	if err := validateMarker(userID, threadID); err != nil {
		return nil, err
	}
	marker, err := s.reads.GetReadMarker(ctx, userID, threadID)
	switch {
	case err == nil:
	case isNotFound(err):
		marker = &model.ReadMarker{UserID: userID, ThreadID: threadID}
	default:
		return nil, thread.WrapStore("get read marker", err)
	}
	n, err := s.reads.CountUnread(ctx, userID, threadID)
	if err != nil {
		return nil, thread.WrapStore("count unread", err)
	}
	return &ReadState{Marker: marker, Unread: n}, nil
}

func isNotFound(err error) bool { return errors.Is(err, thread.ErrNotFound) }
