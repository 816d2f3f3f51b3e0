package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
)

const upsertGrantSQL = `INSERT INTO thread_permissions (thread_id, user_id, can_read, can_post, granted_by, granted_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (thread_id, user_id) DO UPDATE SET
		can_read = EXCLUDED.can_read,
		can_post = EXCLUDED.can_post`

func queueGrant(b *pgx.Batch, g model.PermissionGrant) {
	b.Queue(upsertGrantSQL, g.ThreadID, g.UserID, g.CanRead, g.CanPost, g.GrantedBy, g.GrantedAt)
}

// UpsertGrants — повторная выдача не плодит записи; granted_by/granted_at остаются от первой.
func (r *ThreadRepository) UpsertGrants(ctx context.Context, grants []model.PermissionGrant) error {
	defer logger.DeferLogDuration("thread.UpsertGrants", time.Now())()
	if len(grants) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, g := range grants {
		queueGrant(batch, g)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("threadRepo.UpsertGrants: %w", err)
	}
	return nil
}

func (r *ThreadRepository) GetGrant(ctx context.Context, threadID, uid string) (*model.PermissionGrant, error) {
	defer logger.DeferLogDuration("thread.GetGrant", time.Now())()
	g := &model.PermissionGrant{}
	err := r.pool.QueryRow(ctx,
		`SELECT thread_id, user_id, can_read, can_post, granted_by, granted_at
		 FROM thread_permissions WHERE thread_id = $1 AND user_id = $2`, threadID, uid,
	).Scan(&g.ThreadID, &g.UserID, &g.CanRead, &g.CanPost, &g.GrantedBy, &g.GrantedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetGrant: %w", err)
	}
	return g, nil
}

func (r *ThreadRepository) ListGrants(ctx context.Context, threadID string) ([]model.PermissionGrant, error) {
	defer logger.DeferLogDuration("thread.ListGrants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT thread_id, user_id, can_read, can_post, granted_by, granted_at
		 FROM thread_permissions WHERE thread_id = $1
		 ORDER BY granted_at, user_id`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.ListGrants query: %w", err)
	}
	defer rows.Close()
	var list []model.PermissionGrant
	for rows.Next() {
		var g model.PermissionGrant
		if err := rows.Scan(&g.ThreadID, &g.UserID, &g.CanRead, &g.CanPost, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("threadRepo.ListGrants scan: %w", err)
		}
		list = append(list, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.ListGrants rows: %w", err)
	}
	return list, nil
}
