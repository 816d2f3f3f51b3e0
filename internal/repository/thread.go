package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
)

const defaultListLimit = 200

const threadColumns = `t.id, t.server_id, t.parent_channel_id, t.created_from_message_id, t.created_by,
	t.name, t.preview, t.last_message_preview, t.created_at, t.last_message_at, t.archived_at,
	t.auto_archive_at, t.member_uids, t.member_count, t.max_members, t.ttl_hours, t.status, t.message_count`

// commitThreadSQL применяет пост к агрегату. Новые участники добавляются в порядке
// допуска и только если их ещё нет в строке на момент записи: одновременные
// посты не дублируют участника. auto_archive_at только растёт.
const commitThreadSQL = `
UPDATE threads AS t SET
	member_uids = t.member_uids || ARRAY(
		SELECT n.u FROM unnest($2::text[]) WITH ORDINALITY AS n(u, i)
		WHERE NOT (n.u = ANY(t.member_uids)) ORDER BY n.i),
	member_count = cardinality(t.member_uids) + cardinality(ARRAY(
		SELECT n.u FROM unnest($2::text[]) AS n(u)
		WHERE NOT (n.u = ANY(t.member_uids)))),
	message_count = t.message_count + $3,
	last_message_at = $4,
	last_message_preview = $5,
	auto_archive_at = GREATEST(COALESCE(t.auto_archive_at, $6), $6),
	status = 'active',
	archived_at = NULL
WHERE t.id = $1
RETURNING ` + threadColumns

type ThreadRepository struct {
	pool *pgxpool.Pool
}

func NewThreadRepository(pool *pgxpool.Pool) *ThreadRepository {
	return &ThreadRepository{pool: pool}
}

func scanThread(row pgx.Row, extra ...any) (*model.Thread, error) {
	t := &model.Thread{}
	var status string
	dest := []any{
		&t.ID, &t.ServerID, &t.ParentChannelID, &t.CreatedFromMessageID, &t.CreatedBy,
		&t.Name, &t.Preview, &t.LastMessagePreview, &t.CreatedAt, &t.LastMessageAt, &t.ArchivedAt,
		&t.AutoArchiveAt, &t.MemberUIDs, &t.MemberCount, &t.MaxMembers, &t.TTLHours, &status, &t.MessageCount,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	t.Status = model.ThreadStatus(status)
	if t.MemberUIDs == nil {
		t.MemberUIDs = []string{}
	}
	return t, nil
}

func (r *ThreadRepository) CreateThread(ctx context.Context, t *model.Thread) error {
	defer logger.DeferLogDuration("thread.CreateThread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO threads (id, server_id, parent_channel_id, created_from_message_id, created_by,
			name, preview, last_message_preview, created_at, last_message_at, archived_at, auto_archive_at,
			member_uids, member_count, max_members, ttl_hours, status, message_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.ServerID, t.ParentChannelID, t.CreatedFromMessageID, t.CreatedBy,
		t.Name, t.Preview, t.LastMessagePreview, t.CreatedAt, t.LastMessageAt, t.ArchivedAt, t.AutoArchiveAt,
		t.MemberUIDs, t.MemberCount, t.MaxMembers, t.TTLHours, string(t.Status), t.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.CreateThread: %w", err)
	}
	return nil
}

func (r *ThreadRepository) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	defer logger.DeferLogDuration("thread.GetThread", time.Now())()
	t, err := scanThread(r.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads t WHERE t.id = $1`, id))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetThread: %w", err)
	}
	return t, nil
}

// ListThreads — треды канала по убыванию last_message_at.
func (r *ThreadRepository) ListThreads(ctx context.Context, channelID string, limit int) ([]model.Thread, error) {
	defer logger.DeferLogDuration("thread.ListThreads", time.Now())()
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+threadColumns+` FROM threads t
		 WHERE t.parent_channel_id = $1
		 ORDER BY t.last_message_at DESC, t.id
		 LIMIT $2`, channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.ListThreads query: %w", err)
	}
	defer rows.Close()

	list := make([]model.Thread, 0, 16)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("threadRepo.ListThreads scan: %w", err)
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.ListThreads rows: %w", err)
	}
	return list, nil
}

func (r *ThreadRepository) RenameThread(ctx context.Context, id, name string) error {
	defer logger.DeferLogDuration("thread.RenameThread", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE threads SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("threadRepo.RenameThread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMember убирает участника и его грант одной транзакцией.
func (r *ThreadRepository) RemoveMember(ctx context.Context, threadID, uid string) error {
	defer logger.DeferLogDuration("thread.RemoveMember", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE threads
			 SET member_uids = array_remove(member_uids, $2),
			     member_count = cardinality(array_remove(member_uids, $2))
			 WHERE id = $1`, threadID, uid,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM thread_permissions WHERE thread_id = $1 AND user_id = $2`, threadID, uid)
		return err
	})
	if err == ErrNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("threadRepo.RemoveMember: %w", err)
	}
	return nil
}

// CommitPost — одна транзакция: обновление агрегата, сообщение, системное
// сообщение и гранты. Либо всё, либо ничего.
func (r *ThreadRepository) CommitPost(ctx context.Context, c *model.PostCommit) (*model.Thread, error) {
	defer logger.DeferLogDuration("thread.CommitPost", time.Now())()

	batch := &pgx.Batch{}
	if err := queueMessage(batch, c.Message); err != nil {
		return nil, fmt.Errorf("threadRepo.CommitPost: %w", err)
	}
	if c.System != nil {
		if err := queueMessage(batch, c.System); err != nil {
			return nil, fmt.Errorf("threadRepo.CommitPost: %w", err)
		}
	}
	for _, g := range c.Grants {
		queueGrant(batch, g)
	}
	newMembers := c.NewMembers
	if newMembers == nil {
		newMembers = []string{}
	}

	var out *model.Thread
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		t, err := scanThread(tx.QueryRow(ctx, commitThreadSQL,
			c.ThreadID, newMembers, c.MessageDelta(), c.At, c.Preview, c.AutoArchiveAt,
		))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		out = t
		return nil
	})
	if err == ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.CommitPost: %w", err)
	}
	return out, nil
}

// ListIncomplete ищет треды старше createdBefore без сообщения created или без грантов участников.
func (r *ThreadRepository) ListIncomplete(ctx context.Context, createdBefore time.Time, limit int) ([]model.ThreadRepair, error) {
	defer logger.DeferLogDuration("thread.ListIncomplete", time.Now())()
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+threadColumns+`, x.missing_created, x.ungranted
		 FROM threads t
		 CROSS JOIN LATERAL (
			SELECT NOT EXISTS (
				SELECT 1 FROM thread_messages m
				WHERE m.thread_id = t.id AND m.type = 'system' AND m.system_kind = 'created'
			) AS missing_created,
			ARRAY(
				SELECT u FROM unnest(t.member_uids) WITH ORDINALITY AS n(u, i)
				WHERE NOT EXISTS (
					SELECT 1 FROM thread_permissions p WHERE p.thread_id = t.id AND p.user_id = n.u
				)
				ORDER BY n.i
			) AS ungranted
		 ) x
		 WHERE t.created_at < $1 AND (x.missing_created OR cardinality(x.ungranted) > 0)
		 ORDER BY t.created_at
		 LIMIT $2`, createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.ListIncomplete query: %w", err)
	}
	defer rows.Close()

	var out []model.ThreadRepair
	for rows.Next() {
		var rep model.ThreadRepair
		t, err := scanThread(rows, &rep.MissingCreated, &rep.Ungranted)
		if err != nil {
			return nil, fmt.Errorf("threadRepo.ListIncomplete scan: %w", err)
		}
		rep.Thread = *t
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.ListIncomplete rows: %w", err)
	}
	return out, nil
}
