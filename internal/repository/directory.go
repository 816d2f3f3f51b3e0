package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
)

// DirectoryRepository читает таблицы родительского мессенджера: участников серверов
// и сообщения каналов. Сами треды в них не пишут.
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

// ServerMemberIDs возвращает участников в порядке вступления.
func (r *DirectoryRepository) ServerMemberIDs(ctx context.Context, serverID string) ([]string, error) {
	defer logger.DeferLogDuration("directory.ServerMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM server_members WHERE server_id = $1 ORDER BY joined_at, user_id`, serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("directoryRepo.ServerMemberIDs query: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("directoryRepo.ServerMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directoryRepo.ServerMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *DirectoryRepository) ParentMessage(ctx context.Context, channelID, messageID string) (*model.ParentMessage, error) {
	defer logger.DeferLogDuration("directory.ParentMessage", time.Now())()
	m := &model.ParentMessage{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, channel_id, author_id, text, created_at
		 FROM channel_messages WHERE channel_id = $1 AND id = $2`, channelID, messageID,
	).Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Text, &m.CreatedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directoryRepo.ParentMessage: %w", err)
	}
	return m, nil
}
