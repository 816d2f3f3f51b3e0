package repository

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/startup"
	"github.com/sidethreads/internal/storage/devstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Тесты ходят в настоящий Postgres в контейнере; включаются THREADS_PG_IT=1.
var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	if os.Getenv("THREADS_PG_IT") != "1" {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("threads"),
		postgres.WithUsername("threads"),
		postgres.WithPassword("threads_secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start container: %s", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("failed to obtain connection string: %s", err)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Fatalf("parse dsn: %s", err)
	}
	pool, err = startup.ConnectDBWithRetry(ctx, poolCfg, 30*time.Second, "it")
	if err != nil {
		log.Fatalf("connect: %s", err)
	}
	if err := startup.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrate: %s", err)
	}
	if err := devstore.Seed(ctx, pool); err != nil {
		log.Fatalf("seed: %s", err)
	}

	code := m.Run()
	pool.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func requirePG(t *testing.T) {
	t.Helper()
	if pool == nil {
		t.Skip("postgres integration tests disabled (set THREADS_PG_IT=1)")
	}
}

func newThread(id string, at time.Time) *model.Thread {
	archiveAt := at.Add(24 * time.Hour)
	return &model.Thread{
		ID:                   id,
		ServerID:             devstore.ServerID,
		ParentChannelID:      devstore.ChannelID,
		CreatedFromMessageID: "dev-msg-1",
		CreatedBy:            "alice",
		Name:                 "release",
		Preview:              "release",
		CreatedAt:            at,
		LastMessageAt:        at,
		AutoArchiveAt:        &archiveAt,
		MemberUIDs:           []string{"alice"},
		MemberCount:          1,
		MaxMembers:           20,
		TTLHours:             24,
		Status:               model.ThreadStatusActive,
	}
}

func TestThreadLifecycle(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	repo := NewThreadRepository(pool)
	at := time.Now().UTC().Truncate(time.Millisecond).Add(-2 * time.Hour)
	th := newThread("it-lifecycle", at)
	require.NoError(t, repo.CreateThread(ctx, th))

	got, err := repo.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.MemberUIDs)
	assert.Equal(t, model.ThreadStatusActive, got.Status)

	t.Run("commit merges members in admission order", func(t *testing.T) {
		later := at.Add(time.Hour)
		c := &model.PostCommit{
			ThreadID:   th.ID,
			Message:    &model.ThreadMessage{ID: "it-m1", ThreadID: th.ID, Payload: model.Text{Text: "hi @carol"}, AuthorID: "bob", CreatedAt: later},
			System:     &model.ThreadMessage{ID: "it-m2", ThreadID: th.ID, Payload: model.System{Kind: model.SystemKindMemberAdded, Text: "2 members added"}, AuthorID: "bob", CreatedAt: later.Add(time.Millisecond)},
			NewMembers: []string{"bob", "alice", "carol"},
			Grants: []model.PermissionGrant{
				{ThreadID: th.ID, UserID: "bob", CanRead: true, CanPost: true, GrantedBy: "bob", GrantedAt: later},
				{ThreadID: th.ID, UserID: "carol", CanRead: true, CanPost: true, GrantedBy: "bob", GrantedAt: later},
			},
			Preview:       "hi @carol",
			At:            later,
			AutoArchiveAt: later.Add(24 * time.Hour),
		}
		out, err := repo.CommitPost(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol"}, out.MemberUIDs)
		assert.Equal(t, 3, out.MemberCount)
		assert.Equal(t, 2, out.MessageCount)
		assert.Equal(t, "hi @carol", out.LastMessagePreview)

		msgs, err := repo.ListMessages(ctx, th.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "it-m1", msgs[0].ID)
		assert.Equal(t, model.MessageTypeSystem, msgs[1].Type())

		grants, err := repo.ListGrants(ctx, th.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 2)
	})

	t.Run("archive clock never moves back", func(t *testing.T) {
		before, err := repo.GetThread(ctx, th.ID)
		require.NoError(t, err)
		out, err := repo.CommitPost(ctx, &model.PostCommit{
			ThreadID:      th.ID,
			Message:       &model.ThreadMessage{ID: "it-m3", ThreadID: th.ID, Payload: model.Text{Text: "late"}, AuthorID: "alice", CreatedAt: at},
			At:            at,
			AutoArchiveAt: at.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, out.AutoArchiveAt.Equal(*before.AutoArchiveAt))
	})

	t.Run("rename and remove member", func(t *testing.T) {
		require.NoError(t, repo.RenameThread(ctx, th.ID, "renamed"))
		require.NoError(t, repo.RemoveMember(ctx, th.ID, "carol"))
		got, err := repo.GetThread(ctx, th.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, []string{"alice", "bob"}, got.MemberUIDs)
		_, err = repo.GetGrant(ctx, th.ID, "carol")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, err := repo.CommitPost(ctx, &model.PostCommit{
			ThreadID: "it-missing",
			Message:  &model.ThreadMessage{ID: "it-x", ThreadID: "it-missing", Payload: model.Text{Text: "x"}, CreatedAt: at},
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.RenameThread(ctx, "it-missing", "x"), ErrNotFound)
	})
}

func TestUpdatePayloadAndIncomplete(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	repo := NewThreadRepository(pool)
	at := time.Now().UTC().Add(-3 * time.Hour)
	th := newThread("it-poll", at)
	require.NoError(t, repo.CreateThread(ctx, th))

	reps, err := repo.ListIncomplete(ctx, time.Now(), 100)
	require.NoError(t, err)
	var found *model.ThreadRepair
	for i := range reps {
		if reps[i].Thread.ID == th.ID {
			found = &reps[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.MissingCreated)
	assert.Equal(t, []string{"alice"}, found.Ungranted)

	poll := model.Poll{Question: "когда релиз?", Options: []string{"пт", "пн"}}
	require.NoError(t, repo.InsertMessage(ctx, &model.ThreadMessage{ID: "it-poll-m", ThreadID: th.ID, Payload: poll, AuthorID: "alice", CreatedAt: at}))
	require.NoError(t, repo.UpdatePayload(ctx, th.ID, "it-poll-m", func(p model.Payload) (model.Payload, error) {
		pl := p.(model.Poll)
		pl.Question = "когда релиз? (обновлено)"
		return pl, nil
	}))
	m, err := repo.GetMessage(ctx, th.ID, "it-poll-m")
	require.NoError(t, err)
	assert.Equal(t, "когда релиз? (обновлено)", m.Payload.(model.Poll).Question)

	assert.ErrorIs(t, repo.InsertMessage(ctx, &model.ThreadMessage{ID: "it-orphan", ThreadID: "it-missing", Payload: model.Text{Text: "x"}, CreatedAt: at}), ErrNotFound)
}

func TestReadMarkersAndDirectory(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	repo := NewThreadRepository(pool)
	reads := NewReadMarkerRepository(pool)
	dir := NewDirectoryRepository(pool)
	at := time.Now().UTC().Add(-time.Hour)
	th := newThread("it-reads", at)
	require.NoError(t, repo.CreateThread(ctx, th))
	for i, author := range []string{"alice", "bob", "bob"} {
		require.NoError(t, repo.InsertMessage(ctx, &model.ThreadMessage{
			ID: "it-r" + string(rune('0'+i)), ThreadID: th.ID, Payload: model.Text{Text: "m"},
			AuthorID: author, CreatedAt: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	n, err := reads.CountUnread(ctx, "alice", th.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, reads.SetMuted(ctx, "alice", th.ID, true))
	require.NoError(t, reads.MarkRead(ctx, model.ReadMarker{UserID: "alice", ThreadID: th.ID, LastReadAt: at.Add(90 * time.Second), LastReadMessageID: "it-r1"}))
	marker, err := reads.GetReadMarker(ctx, "alice", th.ID)
	require.NoError(t, err)
	assert.True(t, marker.Muted)
	assert.Equal(t, "it-r1", marker.LastReadMessageID)

	n, err = reads.CountUnread(ctx, "alice", th.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := dir.ServerMemberIDs(ctx, devstore.ServerID)
	require.NoError(t, err)
	assert.Equal(t, devstore.Members, ids)

	parent, err := dir.ParentMessage(ctx, devstore.ChannelID, "dev-msg-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", parent.AuthorID)
	_, err = dir.ParentMessage(ctx, devstore.ChannelID, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
