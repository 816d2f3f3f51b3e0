// Package devstore наполняет локальное окружение (-dev, -memory) демо-данными
// родительского мессенджера: участниками сервера и сообщениями канала.
package devstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/storage/memory"
)

const (
	ServerID  = "dev-server"
	ChannelID = "dev-general"
)

// Members — демо-участники в порядке вступления.
var Members = []string{"alice", "bob", "carol", "dave"}

// ParentMessages — сообщения канала, от которых можно открыть тред.
func ParentMessages(base time.Time) []model.ParentMessage {
	return []model.ParentMessage{
		{ID: "dev-msg-1", ChannelID: ChannelID, AuthorID: "alice", Text: "Кто смотрит релиз в пятницу?", CreatedAt: base},
		{ID: "dev-msg-2", ChannelID: ChannelID, AuthorID: "bob", Text: "Deploy checklist for the new billing flow", CreatedAt: base.Add(time.Minute)},
	}
}

// Seed пишет демо-данные в Postgres. Повторный запуск ничего не меняет.
func Seed(ctx context.Context, pool *pgxpool.Pool) error {
	base := time.Now().UTC().Add(-time.Hour)
	for i, uid := range Members {
		if _, err := pool.Exec(ctx,
			`INSERT INTO server_members (server_id, user_id, joined_at) VALUES ($1, $2, $3)
			 ON CONFLICT (server_id, user_id) DO NOTHING`,
			ServerID, uid, base.Add(time.Duration(i)*time.Second),
		); err != nil {
			return fmt.Errorf("devstore.Seed member %s: %w", uid, err)
		}
	}
	for _, m := range ParentMessages(base) {
		if _, err := pool.Exec(ctx,
			`INSERT INTO channel_messages (id, channel_id, author_id, text, created_at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.ChannelID, m.AuthorID, m.Text, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("devstore.Seed message %s: %w", m.ID, err)
		}
	}
	logger.Infof("devstore: seeded server %s (%d members), channel %s", ServerID, len(Members), ChannelID)
	return nil
}

// SeedMemory кладёт те же данные в хранилище в памяти.
func SeedMemory(s *memory.Store) {
	s.SetServerMembers(ServerID, Members...)
	for _, m := range ParentMessages(time.Now().UTC().Add(-time.Hour)) {
		s.PutParentMessage(m)
	}
}
