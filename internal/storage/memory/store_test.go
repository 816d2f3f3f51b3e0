package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/thread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedThread(t *testing.T, s *Store, id string, at time.Time) *model.Thread {
	t.Helper()
	archiveAt := at.Add(24 * time.Hour)
	th := &model.Thread{
		ID:              id,
		ParentChannelID: "c1",
		CreatedBy:       "a",
		CreatedAt:       at,
		LastMessageAt:   at,
		AutoArchiveAt:   &archiveAt,
		MemberUIDs:      []string{"a"},
		MemberCount:     1,
		MaxMembers:      20,
		TTLHours:        24,
		Status:          model.ThreadStatusActive,
	}
	require.NoError(t, s.CreateThread(context.Background(), th))
	return th
}

func TestGrantsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	g := model.PermissionGrant{ThreadID: "t1", UserID: "u", CanRead: true, CanPost: true, GrantedBy: "a", GrantedAt: now}

	require.NoError(t, s.UpsertGrants(ctx, []model.PermissionGrant{g}))
	require.NoError(t, s.UpsertGrants(ctx, []model.PermissionGrant{g, g}))

	grants, err := s.ListGrants(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].CanRead && grants[0].CanPost)
}

func TestRegrantKeepsFirstGrantor(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertGrants(ctx, []model.PermissionGrant{
		{ThreadID: "t1", UserID: "u", CanRead: true, CanPost: false, GrantedBy: "a", GrantedAt: first},
	}))
	require.NoError(t, s.UpsertGrants(ctx, []model.PermissionGrant{
		{ThreadID: "t1", UserID: "u", CanRead: true, CanPost: true, GrantedBy: "b", GrantedAt: first.Add(time.Hour)},
	}))

	g, err := s.GetGrant(ctx, "t1", "u")
	require.NoError(t, err)
	assert.Equal(t, "a", g.GrantedBy)
	assert.Equal(t, first, g.GrantedAt)
	assert.True(t, g.CanPost)
}

func TestCommitPost(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	th := seedThread(t, s, "t1", at)

	t.Run("merges members and counts both messages", func(t *testing.T) {
		later := at.Add(time.Hour)
		c := &model.PostCommit{
			ThreadID:      th.ID,
			Message:       &model.ThreadMessage{ID: "m1", ThreadID: th.ID, Payload: model.Text{Text: "hi"}, AuthorID: "b", CreatedAt: later},
			System:        &model.ThreadMessage{ID: "m2", ThreadID: th.ID, Payload: model.System{Kind: model.SystemKindMemberAdded}, CreatedAt: later.Add(time.Millisecond)},
			NewMembers:    []string{"b", "a"},
			Grants:        []model.PermissionGrant{{ThreadID: th.ID, UserID: "b", CanRead: true, CanPost: true}},
			Preview:       "hi",
			At:            later,
			AutoArchiveAt: later.Add(24 * time.Hour),
		}
		got, err := s.CommitPost(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got.MemberUIDs)
		assert.Equal(t, 2, got.MemberCount)
		assert.Equal(t, 2, got.MessageCount)
		assert.Equal(t, "hi", got.LastMessagePreview)
		assert.Equal(t, later.Add(24*time.Hour), *got.AutoArchiveAt)

		msgs, err := s.ListMessages(ctx, th.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m1", msgs[0].ID)
	})

	t.Run("archive clock never moves back", func(t *testing.T) {
		before, err := s.GetThread(ctx, th.ID)
		require.NoError(t, err)
		c := &model.PostCommit{
			ThreadID:      th.ID,
			Message:       &model.ThreadMessage{ID: "m3", ThreadID: th.ID, Payload: model.Text{Text: "x"}, CreatedAt: at},
			At:            at,
			AutoArchiveAt: at.Add(time.Hour),
		}
		got, err := s.CommitPost(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, *before.AutoArchiveAt, *got.AutoArchiveAt)
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, err := s.CommitPost(ctx, &model.PostCommit{ThreadID: "nope", Message: &model.ThreadMessage{ID: "z"}})
		assert.ErrorIs(t, err, thread.ErrNotFound)
	})
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	th := seedThread(t, s, "t1", time.Now())

	got, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	got.MemberUIDs[0] = "mutated"

	again, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.MemberUIDs)
}

func TestListThreadsOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now()
	seedThread(t, s, "old", base)
	seedThread(t, s, "new", base.Add(time.Minute))
	other := seedThread(t, s, "other", base)
	other.ParentChannelID = "c2"
	require.NoError(t, s.CreateThread(ctx, other))

	list, err := s.ListThreads(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	list, err = s.ListThreads(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListIncomplete(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Now().Add(-time.Hour)
	th := seedThread(t, s, "t1", at)

	reps, err := s.ListIncomplete(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.True(t, reps[0].MissingCreated)
	assert.Equal(t, []string{"a"}, reps[0].Ungranted)

	require.NoError(t, s.InsertMessage(ctx, &model.ThreadMessage{ID: "c", ThreadID: th.ID, Payload: model.System{Kind: model.SystemKindCreated}, CreatedAt: at}))
	require.NoError(t, s.UpsertGrants(ctx, []model.PermissionGrant{{ThreadID: th.ID, UserID: "a", CanRead: true, CanPost: true}}))

	reps, err = s.ListIncomplete(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestReadMarkers(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.SetMuted(ctx, "u", "t1", true))
	require.NoError(t, s.MarkRead(ctx, model.ReadMarker{UserID: "u", ThreadID: "t1", LastReadAt: now, LastReadMessageID: "m"}))

	m, err := s.GetReadMarker(ctx, "u", "t1")
	require.NoError(t, err)
	assert.True(t, m.Muted)
	assert.Equal(t, "m", m.LastReadMessageID)

	_, err = s.GetReadMarker(ctx, "u", "t2")
	assert.ErrorIs(t, err, thread.ErrNotFound)
}
