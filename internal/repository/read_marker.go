package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
)

type ReadMarkerRepository struct {
	pool *pgxpool.Pool
}

func NewReadMarkerRepository(pool *pgxpool.Pool) *ReadMarkerRepository {
	return &ReadMarkerRepository{pool: pool}
}

// MarkRead двигает закладку; muted не трогается.
func (r *ReadMarkerRepository) MarkRead(ctx context.Context, m model.ReadMarker) error {
	defer logger.DeferLogDuration("readMarker.MarkRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO thread_read_markers (user_id, thread_id, last_read_at, last_read_message_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, thread_id) DO UPDATE SET
			last_read_at = EXCLUDED.last_read_at,
			last_read_message_id = EXCLUDED.last_read_message_id`,
		m.UserID, m.ThreadID, m.LastReadAt, m.LastReadMessageID,
	)
	if err != nil {
		return fmt.Errorf("readMarkerRepo.MarkRead: %w", err)
	}
	return nil
}

func (r *ReadMarkerRepository) SetMuted(ctx context.Context, userID, threadID string, muted bool) error {
	defer logger.DeferLogDuration("readMarker.SetMuted", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO thread_read_markers (user_id, thread_id, muted)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, thread_id) DO UPDATE SET muted = EXCLUDED.muted`,
		userID, threadID, muted,
	)
	if err != nil {
		return fmt.Errorf("readMarkerRepo.SetMuted: %w", err)
	}
	return nil
}

func (r *ReadMarkerRepository) GetReadMarker(ctx context.Context, userID, threadID string) (*model.ReadMarker, error) {
	defer logger.DeferLogDuration("readMarker.GetReadMarker", time.Now())()
	m := &model.ReadMarker{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, thread_id, last_read_at, last_read_message_id, muted
		 FROM thread_read_markers WHERE user_id = $1 AND thread_id = $2`, userID, threadID,
	).Scan(&m.UserID, &m.ThreadID, &m.LastReadAt, &m.LastReadMessageID, &m.Muted)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("readMarkerRepo.GetReadMarker: %w", err)
	}
	return m, nil
}

// CountUnread — сообщения других авторов позже закладки (без закладки — все).
func (r *ReadMarkerRepository) CountUnread(ctx context.Context, userID, threadID string) (int, error) {
	defer logger.DeferLogDuration("readMarker.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM thread_messages m
		 LEFT JOIN thread_read_markers rm ON rm.thread_id = m.thread_id AND rm.user_id = $1
		 WHERE m.thread_id = $2
		   AND m.author_id <> $1
		   AND m.created_at > COALESCE(rm.last_read_at, 'epoch'::timestamptz)`, userID, threadID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("readMarkerRepo.CountUnread: %w", err)
	}
	return n, nil
}
