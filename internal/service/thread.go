package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/metrics"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/storage"
	"github.com/sidethreads/internal/stream"
	"github.com/sidethreads/internal/thread"
)

const (
	createdText = "created the thread"
	// systemOffset keeps the member_added message strictly after the post that caused it.
	systemOffset = time.Millisecond
)

// ThreadConfig — значения по умолчанию для новых тредов.
type ThreadConfig struct {
	DefaultTTLHours   int
	DefaultMaxMembers int
	Wildcards         thread.Wildcards
	StreamLimit       int
}

// ThreadService — создание тредов, публикация сообщений, закладки чтения и живые снапшоты.
type ThreadService struct {
	store    storage.ThreadStore
	reads    storage.ReadMarkerStore
	dir      storage.Directory
	resolver *thread.MentionResolver
	broker   stream.Broker
	cfg      ThreadConfig

	now   func() time.Time
	newID func() string
}

// NewThreadService. members may differ from dir when a cache sits in front of it.
func NewThreadService(store storage.ThreadStore, reads storage.ReadMarkerStore, dir storage.Directory,
	members thread.MemberLister, broker stream.Broker, cfg ThreadConfig) *ThreadService {
	if cfg.DefaultTTLHours == 0 {
		cfg.DefaultTTLHours = thread.DefaultTTLHours
	}
	if cfg.DefaultMaxMembers == 0 {
		cfg.DefaultMaxMembers = thread.DefaultMaxMembers
	}
	if cfg.StreamLimit <= 0 {
		cfg.StreamLimit = 50
	}
	resolver := thread.NewMentionResolver(members, cfg.Wildcards)
	resolver.OnExpansionError = func(serverID string, err error) {
		metrics.WildcardExpansionFailures.Inc()
		logger.Warnf("thread: wildcard expansion for server %s failed, keeping explicit mentions: %v", serverID, err)
	}
	return &ThreadService{
		store:    store,
		reads:    reads,
		dir:      dir,
		resolver: resolver,
		broker:   broker,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

type CreateThreadInput struct {
	ServerID        string
	ChannelID       string
	SourceMessageID string
	Creator         string
	CreatorName     string
	Mentions        []model.Mention
	TTLHours        int
	MaxMembers      int
}

func (in *CreateThreadInput) validate() error {
	switch {
	case strings.TrimSpace(in.ServerID) == "":
		return &thread.ValidationError{Field: "server_id", Message: "server id is required"}
	case strings.TrimSpace(in.ChannelID) == "":
		return &thread.ValidationError{Field: "channel_id", Message: "channel id is required"}
	case strings.TrimSpace(in.SourceMessageID) == "":
		return &thread.ValidationError{Field: "source_message_id", Message: "source message id is required"}
	case strings.TrimSpace(in.Creator) == "":
		return &thread.ValidationError{Field: "creator", Message: "creator is required"}
	}
	return nil
}

// CreateThread spawns a thread from a parent-channel message. The aggregate,
// the created system message and the seed grants are three separate writes;
// a failure after the first returns a *thread.CreationError carrying the id,
// and the Reconciler completes the thread later.
func (s *ThreadService) CreateThread(ctx context.Context, in CreateThreadInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	parent, err := s.dir.ParentMessage(ctx, in.ChannelID, in.SourceMessageID)
	if err != nil {
		return "", thread.WrapStore("load parent message", err)
	}

	now := s.now().UTC()
	ttl := thread.ClampTTL(in.TTLHours, s.cfg.DefaultTTLHours)
	maxMembers := thread.ClampMaxMembers(in.MaxMembers, s.cfg.DefaultMaxMembers)

	candidates := s.resolver.Resolve(ctx, in.ServerID, in.Mentions)
	seed := thread.ExpandMembership(nil, maxMembers, in.Creator, candidates)
	if seed.Dropped > 0 {
		metrics.MentionCandidatesDropped.Add(float64(seed.Dropped))
	}

	archiveAt := thread.NextArchiveAt(now, ttl, nil)
	preview := thread.Truncate(strings.TrimSpace(parent.Text), thread.PreviewMaxRunes)
	t := &model.Thread{
		ID:                   s.newID(),
		ServerID:             in.ServerID,
		ParentChannelID:      in.ChannelID,
		CreatedFromMessageID: in.SourceMessageID,
		CreatedBy:            in.Creator,
		Name:                 thread.DeriveName(parent.Text),
		Preview:              preview,
		LastMessagePreview:   preview,
		CreatedAt:            now,
		LastMessageAt:        now,
		AutoArchiveAt:        &archiveAt,
		MemberUIDs:           seed.PendingAdds,
		MemberCount:          len(seed.PendingAdds),
		MaxMembers:           maxMembers,
		TTLHours:             ttl,
		Status:               model.ThreadStatusActive,
	}

	if err := s.store.CreateThread(ctx, t); err != nil {
		return "", s.creationFailed(thread.StepAggregate, "", err)
	}

	created := &model.ThreadMessage{
		ID:         s.newID(),
		ThreadID:   t.ID,
		Payload:    model.System{Kind: model.SystemKindCreated, Text: createdText},
		AuthorID:   in.Creator,
		AuthorName: in.CreatorName,
		CreatedAt:  now,
	}
	if err := s.store.InsertMessage(ctx, created); err != nil {
		return "", s.creationFailed(thread.StepSystemMessage, t.ID, err)
	}

	if err := s.store.UpsertGrants(ctx, grantsFor(t.ID, seed.PendingAdds, in.Creator, now)); err != nil {
		return "", s.creationFailed(thread.StepGrants, t.ID, err)
	}

	metrics.ThreadsCreated.Inc()
	metrics.MembersAdmitted.Add(float64(len(seed.PendingAdds)))
	logger.Infof("thread: created %s in channel %s by %s, members=%d", t.ID, t.ParentChannelID, t.CreatedBy, t.MemberCount)
	s.publish(ctx, stream.ThreadsTopic(t.ParentChannelID))
	return t.ID, nil
}

func (s *ThreadService) creationFailed(step thread.CreationStep, threadID string, err error) error {
	metrics.CreationFailures.WithLabelValues(string(step)).Inc()
	logger.Errorf("thread: create %s failed at step %s: %v", threadID, step, err)
	return &thread.CreationError{Step: step, ThreadID: threadID, Err: thread.WrapStore("create thread", err)}
}

type PostInput struct {
	AuthorID   string
	AuthorName string
	Payload    model.Payload
	Mentions   []model.Mention
}

// PostResult — то, что было записано одним коммитом.
type PostResult struct {
	Thread   *model.Thread        `json:"thread"`
	Message  *model.ThreadMessage `json:"message"`
	System   *model.ThreadMessage `json:"system,omitempty"`
	Admitted []string             `json:"admitted"`
	Dropped  int                  `json:"dropped"`
}

// PostMessage validates and commits a message. The author and the resolved
// mentions join the thread up to maxMembers; overflow candidates are dropped
// silently. Message, member_added notice, grants and aggregate update are one
// atomic commit.
func (s *ThreadService) PostMessage(ctx context.Context, threadID string, in PostInput) (*PostResult, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, &thread.ValidationError{Field: "thread_id", Message: "thread id is required"}
	}
	if strings.TrimSpace(in.AuthorID) == "" {
		return nil, &thread.ValidationError{Field: "author_id", Message: "author is required"}
	}
	if err := thread.ValidatePayload(in.Payload); err != nil {
		return nil, err
	}

	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, thread.WrapStore("load thread", err)
	}

	candidates := s.resolver.Resolve(ctx, t.ServerID, in.Mentions)
	exp := thread.ExpandMembership(t.MemberUIDs, t.MaxMembers, in.AuthorID, candidates)

	now := s.now().UTC()
	payload := thread.Normalize(in.Payload)
	msg := &model.ThreadMessage{
		ID:         s.newID(),
		ThreadID:   t.ID,
		Payload:    payload,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Mentions:   in.Mentions,
		CreatedAt:  now,
	}
	commit := &model.PostCommit{
		ThreadID:      t.ID,
		Message:       msg,
		NewMembers:    exp.PendingAdds,
		Preview:       thread.PreviewFor(payload),
		At:            now,
		AutoArchiveAt: thread.NextArchiveAt(now, t.TTLHours, t.AutoArchiveAt),
	}
	if len(exp.PendingAdds) > 0 {
		commit.System = s.memberAdded(t.ID, in, exp.PendingAdds, now)
		commit.Grants = grantsFor(t.ID, exp.PendingAdds, in.AuthorID, now)
	}

	updated, err := s.store.CommitPost(ctx, commit)
	if err != nil {
		return nil, thread.WrapStore("commit post", err)
	}

	metrics.MessagesPosted.WithLabelValues(string(payload.Type())).Inc()
	if n := len(exp.PendingAdds); n > 0 {
		metrics.MessagesPosted.WithLabelValues(string(model.MessageTypeSystem)).Inc()
		metrics.MembersAdmitted.Add(float64(n))
	}
	if exp.Dropped > 0 {
		metrics.MentionCandidatesDropped.Add(float64(exp.Dropped))
		logger.Debugf("thread %s: %d mention candidates over the cap of %d", t.ID, exp.Dropped, t.MaxMembers)
	}
	s.publish(ctx, stream.MessagesTopic(t.ID), stream.ThreadsTopic(t.ParentChannelID))

	return &PostResult{
		Thread:   withExpiry(updated, now),
		Message:  msg,
		System:   commit.System,
		Admitted: exp.PendingAdds,
		Dropped:  exp.Dropped,
	}, nil
}

func (s *ThreadService) memberAdded(threadID string, in PostInput, added []string, now time.Time) *model.ThreadMessage {
	mentions := make([]model.Mention, 0, len(added))
	for _, uid := range added {
		mentions = append(mentions, model.Mention{UID: uid, Kind: model.MentionKindMember})
	}
	return &model.ThreadMessage{
		ID:         s.newID(),
		ThreadID:   threadID,
		Payload:    model.System{Kind: model.SystemKindMemberAdded, Text: addedText(len(added))},
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Mentions:   mentions,
		CreatedAt:  now.Add(systemOffset),
	}
}

func addedText(n int) string {
	if n == 1 {
		return "added 1 member"
	}
	return fmt.Sprintf("added %d members", n)
}

func grantsFor(threadID string, uids []string, grantedBy string, at time.Time) []model.PermissionGrant {
	grants := make([]model.PermissionGrant, 0, len(uids))
	for _, uid := range uids {
		grants = append(grants, model.PermissionGrant{
			ThreadID:  threadID,
			UserID:    uid,
			CanRead:   true,
			CanPost:   true,
			GrantedBy: grantedBy,
			GrantedAt: at,
		})
	}
	return grants
}

// GetThread returns the thread with Expired computed for now.
func (s *ThreadService) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	t, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, thread.WrapStore("get thread", err)
	}
	return withExpiry(t, s.now()), nil
}

// ListThreads — треды канала по убыванию lastMessageAt.
func (s *ThreadService) ListThreads(ctx context.Context, channelID string, limit int) ([]model.Thread, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, &thread.ValidationError{Field: "channel_id", Message: "channel id is required"}
	}
	if limit <= 0 {
		limit = s.cfg.StreamLimit
	}
	list, err := s.store.ListThreads(ctx, channelID, limit)
	if err != nil {
		return nil, thread.WrapStore("list threads", err)
	}
	now := s.now()
	for i := range list {
		list[i].Expired = list[i].IsExpired(now)
	}
	return list, nil
}

// ListMessages — сообщения треда по возрастанию createdAt.
func (s *ThreadService) ListMessages(ctx context.Context, threadID string, limit int) ([]model.ThreadMessage, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, &thread.ValidationError{Field: "thread_id", Message: "thread id is required"}
	}
	msgs, err := s.store.ListMessages(ctx, threadID, limit)
	if err != nil {
		return nil, thread.WrapStore("list messages", err)
	}
	return msgs, nil
}

// StreamThreads emits the channel's thread list now and after every change.
func (s *ThreadService) StreamThreads(ctx context.Context, channelID string, limit int) (<-chan []model.Thread, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, &thread.ValidationError{Field: "channel_id", Message: "channel id is required"}
	}
	return stream.Watch(ctx, s.broker, stream.ThreadsTopic(channelID), func(ctx context.Context) ([]model.Thread, error) {
		return s.ListThreads(ctx, channelID, limit)
	})
}

// StreamMessages emits the thread's messages now and after every change.
func (s *ThreadService) StreamMessages(ctx context.Context, threadID string) (<-chan []model.ThreadMessage, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return stream.Watch(ctx, s.broker, stream.MessagesTopic(threadID), func(ctx context.Context) ([]model.ThreadMessage, error) {
		return s.ListMessages(ctx, threadID, 0)
	})
}

// RenameThread is open to members only.
func (s *ThreadService) RenameThread(ctx context.Context, threadID, actor, name string) (*model.Thread, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &thread.ValidationError{Field: "name", Message: "name must not be empty"}
	}
	t, err := s.memberThread(ctx, threadID, actor)
	if err != nil {
		return nil, err
	}
	t.Name = thread.DeriveName(name)
	if err := s.store.RenameThread(ctx, t.ID, t.Name); err != nil {
		return nil, thread.WrapStore("rename thread", err)
	}
	s.publish(ctx, stream.ThreadsTopic(t.ParentChannelID))
	return withExpiry(t, s.now()), nil
}

// LeaveThread removes the user and its grant. Leaving twice is a no-op;
// the creator stays a member for the thread's lifetime.
func (s *ThreadService) LeaveThread(ctx context.Context, threadID, userID string) error {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return thread.WrapStore("load thread", err)
	}
	if userID == t.CreatedBy {
		return &thread.ValidationError{Field: "user_id", Message: "the creator cannot leave the thread"}
	}
	if !t.HasMember(userID) {
		return nil
	}
	if err := s.store.RemoveMember(ctx, t.ID, userID); err != nil {
		return thread.WrapStore("remove member", err)
	}
	s.publish(ctx, stream.ThreadsTopic(t.ParentChannelID))
	return nil
}

// VotePoll sets the user's single vote; voting again replaces it.
func (s *ThreadService) VotePoll(ctx context.Context, threadID, messageID, userID string, option int) error {
	if _, err := s.memberThread(ctx, threadID, userID); err != nil {
		return err
	}
	err := s.store.UpdatePayload(ctx, threadID, messageID, func(p model.Payload) (model.Payload, error) {
		poll, ok := p.(model.Poll)
		if !ok {
			return nil, &thread.ValidationError{Field: "message_id", Message: "message is not a poll"}
		}
		if option < 0 || option >= len(poll.Options) {
			return nil, &thread.ValidationError{Field: "option", Message: "option out of range"}
		}
		if poll.VotesByUser == nil {
			poll.VotesByUser = map[string]int{}
		}
		poll.VotesByUser[userID] = option
		return poll, nil
	})
	if err != nil {
		return thread.WrapStore("vote poll", err)
	}
	s.publish(ctx, stream.MessagesTopic(threadID))
	return nil
}

// RespondForm stores one answer per question; responding again replaces it.
func (s *ThreadService) RespondForm(ctx context.Context, threadID, messageID, userID string, answers []string) error {
	if _, err := s.memberThread(ctx, threadID, userID); err != nil {
		return err
	}
	err := s.store.UpdatePayload(ctx, threadID, messageID, func(p model.Payload) (model.Payload, error) {
		form, ok := p.(model.Form)
		if !ok {
			return nil, &thread.ValidationError{Field: "message_id", Message: "message is not a form"}
		}
		if len(answers) != len(form.Questions) {
			return nil, &thread.ValidationError{Field: "answers", Message: fmt.Sprintf("expected %d answers", len(form.Questions))}
		}
		if form.Responses == nil {
			form.Responses = map[string][]string{}
		}
		trimmed := make([]string, len(answers))
		for i, a := range answers {
			trimmed[i] = strings.TrimSpace(a)
		}
		form.Responses[userID] = trimmed
		return form, nil
	})
	if err != nil {
		return thread.WrapStore("respond form", err)
	}
	s.publish(ctx, stream.MessagesTopic(threadID))
	return nil
}

func (s *ThreadService) memberThread(ctx context.Context, threadID, uid string) (*model.Thread, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, &thread.ValidationError{Field: "user_id", Message: "user is required"}
	}
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, thread.WrapStore("load thread", err)
	}
	if !t.HasMember(uid) {
		return nil, fmt.Errorf("user %s in thread %s: %w", uid, threadID, thread.ErrForbidden)
	}
	return t, nil
}

// publish is best effort: a failed notification never fails a committed write.
func (s *ThreadService) publish(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		if err := s.broker.Publish(ctx, topic); err != nil {
			logger.Warnf("thread: publish %s: %v", topic, err)
		}
	}
}

func withExpiry(t *model.Thread, now time.Time) *model.Thread {
	t.Expired = t.IsExpired(now)
	return t
}
