package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
)

const messageColumns = `id, thread_id, type, body, author_id, author_name, mentions, created_at`

const insertMessageSQL = `INSERT INTO thread_messages (id, thread_id, type, system_kind, body, author_id, author_name, mentions, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func messageArgs(m *model.ThreadMessage) ([]any, error) {
	body, err := model.EncodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	mentions := m.Mentions
	if mentions == nil {
		mentions = []model.Mention{}
	}
	mentionsJSON, err := json.Marshal(mentions)
	if err != nil {
		return nil, err
	}
	var kind *string
	if s, ok := m.Payload.(model.System); ok {
		k := string(s.Kind)
		kind = &k
	}
	return []any{m.ID, m.ThreadID, string(m.Type()), kind, body, m.AuthorID, m.AuthorName, mentionsJSON, m.CreatedAt}, nil
}

func queueMessage(b *pgx.Batch, m *model.ThreadMessage) error {
	args, err := messageArgs(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	b.Queue(insertMessageSQL, args...)
	return nil
}

func scanMessage(row pgx.Row) (*model.ThreadMessage, error) {
	m := &model.ThreadMessage{}
	var typ string
	var body, mentions []byte
	if err := row.Scan(&m.ID, &m.ThreadID, &typ, &body, &m.AuthorID, &m.AuthorName, &mentions, &m.CreatedAt); err != nil {
		return nil, err
	}
	p, err := model.DecodePayload(model.MessageType(typ), body)
	if err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", m.ID, err)
	}
	m.Payload = p
	if len(mentions) > 0 {
		if err := json.Unmarshal(mentions, &m.Mentions); err != nil {
			return nil, fmt.Errorf("decode mentions %s: %w", m.ID, err)
		}
	}
	if len(m.Mentions) == 0 {
		m.Mentions = nil
	}
	return m, nil
}

// InsertMessage пишет одно сообщение вне транзакции поста (created-сообщение, ремонт).
func (r *ThreadRepository) InsertMessage(ctx context.Context, m *model.ThreadMessage) error {
	defer logger.DeferLogDuration("thread.InsertMessage", time.Now())()
	args, err := messageArgs(m)
	if err != nil {
		return fmt.Errorf("threadRepo.InsertMessage encode: %w", err)
	}
	if _, err := r.pool.Exec(ctx, insertMessageSQL, args...); err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("threadRepo.InsertMessage: %w", err)
	}
	return nil
}

func (r *ThreadRepository) GetMessage(ctx context.Context, threadID, messageID string) (*model.ThreadMessage, error) {
	defer logger.DeferLogDuration("thread.GetMessage", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM thread_messages WHERE thread_id = $1 AND id = $2`, threadID, messageID,
	))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetMessage: %w", err)
	}
	return m, nil
}

// ListMessages — последние limit сообщений треда в порядке возрастания времени.
func (r *ThreadRepository) ListMessages(ctx context.Context, threadID string, limit int) ([]model.ThreadMessage, error) {
	defer logger.DeferLogDuration("thread.ListMessages", time.Now())()
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, seq FROM thread_messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		 ) recent
		 ORDER BY created_at, seq`, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.ListMessages query: %w", err)
	}
	defer rows.Close()

	list := make([]model.ThreadMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("threadRepo.ListMessages scan: %w", err)
		}
		list = append(list, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.ListMessages rows: %w", err)
	}
	return list, nil
}

// UpdatePayload блокирует строку сообщения (FOR UPDATE), чтобы голоса и ответы
// от разных пользователей не затирали друг друга.
func (r *ThreadRepository) UpdatePayload(ctx context.Context, threadID, messageID string, fn func(model.Payload) (model.Payload, error)) error {
	defer logger.DeferLogDuration("thread.UpdatePayload", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM thread_messages WHERE thread_id = $1 AND id = $2 FOR UPDATE`,
			threadID, messageID,
		))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		p, err := fn(m.Payload)
		if err != nil {
			return err
		}
		body, err := model.EncodePayload(p)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE thread_messages SET body = $3 WHERE thread_id = $1 AND id = $2`, threadID, messageID, body)
		return err
	})
	if err == nil || err == ErrNotFound {
		return err
	}
	return fmt.Errorf("threadRepo.UpdatePayload: %w", err)
}
