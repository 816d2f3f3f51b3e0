package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/thread"
)

const defaultListLimit = 200

// Store — хранилище тредов в памяти для режима -dev и тестов.
// Реализует storage.ThreadStore, storage.ReadMarkerStore и storage.Directory.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]*model.Thread
	messages map[string][]*model.ThreadMessage
	grants   map[string]map[string]model.PermissionGrant
	markers  map[string]model.ReadMarker
	members  map[string][]string
	parents  map[string]model.ParentMessage
}

func New() *Store {
	return &Store{
		threads:  make(map[string]*model.Thread),
		messages: make(map[string][]*model.ThreadMessage),
		grants:   make(map[string]map[string]model.PermissionGrant),
		markers:  make(map[string]model.ReadMarker),
		members:  make(map[string][]string),
		parents:  make(map[string]model.ParentMessage),
	}
}

func (s *Store) Close() error { return nil }

// SetServerMembers задаёт список участников сервера (порядок сохраняется).
func (s *Store) SetServerMembers(serverID string, uids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[serverID] = append([]string(nil), uids...)
}

// PutParentMessage сохраняет сообщение родительского канала.
func (s *Store) PutParentMessage(m model.ParentMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents[parentKey(m.ChannelID, m.ID)] = m
}

func (s *Store) ServerMemberIDs(ctx context.Context, serverID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.members[serverID]...), nil
}

func (s *Store) ParentMessage(ctx context.Context, channelID, messageID string) (*model.ParentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.parents[parentKey(channelID, messageID)]
	if !ok {
		return nil, thread.ErrNotFound
	}
	return &m, nil
}

func (s *Store) CreateThread(ctx context.Context, t *model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, thread.ErrNotFound
	}
	return cloneThread(t), nil
}

// ListThreads — треды канала, сначала с самой свежей активностью.
func (s *Store) ListThreads(ctx context.Context, channelID string, limit int) ([]model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Thread, 0, 8)
	for _, t := range s.threads {
		if t.ParentChannelID == channelID {
			out = append(out, *cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RenameThread(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return thread.ErrNotFound
	}
	t.Name = name
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, threadID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return thread.ErrNotFound
	}
	kept := t.MemberUIDs[:0:0]
	for _, m := range t.MemberUIDs {
		if m != uid {
			kept = append(kept, m)
		}
	}
	t.MemberUIDs = kept
	t.MemberCount = len(kept)
	delete(s.grants[threadID], uid)
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m *model.ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[m.ThreadID]; !ok {
		return thread.ErrNotFound
	}
	s.insertLocked(m)
	return nil
}

func (s *Store) insertLocked(m *model.ThreadMessage) {
	cp := cloneMessage(m)
	list := append(s.messages[m.ThreadID], cp)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	s.messages[m.ThreadID] = list
}

func (s *Store) GetMessage(ctx context.Context, threadID, messageID string) (*model.ThreadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[threadID] {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return nil, thread.ErrNotFound
}

func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]model.ThreadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[threadID]
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]model.ThreadMessage, 0, len(list))
	for _, m := range list {
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

func (s *Store) UpdatePayload(ctx context.Context, threadID, messageID string, fn func(model.Payload) (model.Payload, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[threadID] {
		if m.ID != messageID {
			continue
		}
		p, err := fn(clonePayload(m.Payload))
		if err != nil {
			return err
		}
		m.Payload = clonePayload(p)
		return nil
	}
	return thread.ErrNotFound
}

func (s *Store) UpsertGrants(ctx context.Context, grants []model.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertGrantsLocked(grants)
	return nil
}

func (s *Store) upsertGrantsLocked(grants []model.PermissionGrant) {
	for _, g := range grants {
		byUser, ok := s.grants[g.ThreadID]
		if !ok {
			byUser = make(map[string]model.PermissionGrant)
			s.grants[g.ThreadID] = byUser
		}
		if prev, exists := byUser[g.UserID]; exists {
			// первая выдача остаётся автором гранта
			g.GrantedBy, g.GrantedAt = prev.GrantedBy, prev.GrantedAt
		}
		byUser[g.UserID] = g
	}
}

func (s *Store) GetGrant(ctx context.Context, threadID, uid string) (*model.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[threadID][uid]
	if !ok {
		return nil, thread.ErrNotFound
	}
	return &g, nil
}

func (s *Store) ListGrants(ctx context.Context, threadID string) ([]model.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PermissionGrant, 0, len(s.grants[threadID]))
	for _, g := range s.grants[threadID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CommitPost применяет сообщение, системное сообщение, гранты и обновление агрегата
// под одной блокировкой: читатели видят либо всё, либо ничего.
func (s *Store) CommitPost(ctx context.Context, c *model.PostCommit) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[c.ThreadID]
	if !ok {
		return nil, thread.ErrNotFound
	}
	for _, uid := range c.NewMembers {
		if !t.HasMember(uid) {
			t.MemberUIDs = append(t.MemberUIDs, uid)
		}
	}
	t.MemberCount = len(t.MemberUIDs)
	t.MessageCount += c.MessageDelta()
	t.LastMessageAt = c.At
	t.LastMessagePreview = c.Preview
	archiveAt := c.AutoArchiveAt
	if t.AutoArchiveAt != nil && t.AutoArchiveAt.After(archiveAt) {
		archiveAt = *t.AutoArchiveAt
	}
	t.AutoArchiveAt = &archiveAt
	t.Status = model.ThreadStatusActive
	t.ArchivedAt = nil

	s.insertLocked(c.Message)
	if c.System != nil {
		s.insertLocked(c.System)
	}
	s.upsertGrantsLocked(c.Grants)
	return cloneThread(t), nil
}

func (s *Store) ListIncomplete(ctx context.Context, createdBefore time.Time, limit int) ([]model.ThreadRepair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ThreadRepair
	for id, t := range s.threads {
		if !t.CreatedAt.Before(createdBefore) {
			continue
		}
		r := model.ThreadRepair{Thread: *cloneThread(t), MissingCreated: true}
		for _, m := range s.messages[id] {
			if m.IsSystem(model.SystemKindCreated) {
				r.MissingCreated = false
				break
			}
		}
		for _, uid := range t.MemberUIDs {
			if _, ok := s.grants[id][uid]; !ok {
				r.Ungranted = append(r.Ungranted, uid)
			}
		}
		if r.MissingCreated || len(r.Ungranted) > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Thread.CreatedAt.Before(out[j].Thread.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, m model.ReadMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := markerKey(m.UserID, m.ThreadID)
	prev := s.markers[key]
	m.Muted = prev.Muted
	s.markers[key] = m
	return nil
}

func (s *Store) SetMuted(ctx context.Context, userID, threadID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := markerKey(userID, threadID)
	m := s.markers[key]
	m.UserID, m.ThreadID, m.Muted = userID, threadID, muted
	s.markers[key] = m
	return nil
}

func (s *Store) GetReadMarker(ctx context.Context, userID, threadID string) (*model.ReadMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[markerKey(userID, threadID)]
	if !ok {
		return nil, thread.ErrNotFound
	}
	return &m, nil
}

// CountUnread — сообщения других авторов после закладки пользователя.
func (s *Store) CountUnread(ctx context.Context, userID, threadID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	since := s.markers[markerKey(userID, threadID)].LastReadAt
	n := 0
	for _, m := range s.messages[threadID] {
		if m.AuthorID != userID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func parentKey(channelID, messageID string) string { return channelID + "/" + messageID }
func markerKey(userID, threadID string) string    { return userID + "/" + threadID }

func cloneThread(t *model.Thread) *model.Thread {
	cp := *t
	cp.MemberUIDs = append([]string(nil), t.MemberUIDs...)
	if t.AutoArchiveAt != nil {
		at := *t.AutoArchiveAt
		cp.AutoArchiveAt = &at
	}
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		cp.ArchivedAt = &at
	}
	return &cp
}

func cloneMessage(m *model.ThreadMessage) *model.ThreadMessage {
	cp := *m
	cp.Mentions = append([]model.Mention(nil), m.Mentions...)
	cp.Payload = clonePayload(m.Payload)
	return &cp
}

func clonePayload(p model.Payload) model.Payload {
	switch v := p.(type) {
	case model.Poll:
		v.Options = append([]string(nil), v.Options...)
		votes := make(map[string]int, len(v.VotesByUser))
		for k, n := range v.VotesByUser {
			votes[k] = n
		}
		v.VotesByUser = votes
		return v
	case model.Form:
		v.Questions = append([]string(nil), v.Questions...)
		resp := make(map[string][]string, len(v.Responses))
		for k, a := range v.Responses {
			resp[k] = append([]string(nil), a...)
		}
		v.Responses = resp
		return v
	}
	return p
}
