package thread

import (
	"context"

	"github.com/sidethreads/internal/model"
)

// MemberLister lists every current member id of a server.
type MemberLister interface {
	ServerMemberIDs(ctx context.Context, serverID string) ([]string, error)
}

// Wildcards is the reserved set of mention ids that expand to the whole server.
type Wildcards map[string]struct{}

// DefaultWildcards returns {"everyone", "here"}.
func DefaultWildcards() Wildcards {
	return NewWildcards("everyone", "here")
}

func NewWildcards(tokens ...string) Wildcards {
	w := make(Wildcards, len(tokens))
	for _, t := range tokens {
		if t != "" {
			w[t] = struct{}{}
		}
	}
	return w
}

func (w Wildcards) Has(uid string) bool {
	_, ok := w[uid]
	return ok
}

// MentionResolver turns raw mentions into ordered, deduplicated candidate ids.
type MentionResolver struct {
	members   MemberLister
	wildcards Wildcards
	// OnExpansionError is called when the member query fails; the post continues.
	OnExpansionError func(serverID string, err error)
}

func NewMentionResolver(members MemberLister, wildcards Wildcards) *MentionResolver {
	if wildcards == nil {
		wildcards = DefaultWildcards()
	}
	return &MentionResolver{members: members, wildcards: wildcards}
}

// Resolve returns explicit mentions first in insertion order, then the
// wildcard expansion in lister order. No cap is applied here. A failed
// member query drops the expansion and keeps the explicit mentions.
// Role mentions carry a role id, not a user id, and are skipped.
func (r *MentionResolver) Resolve(ctx context.Context, serverID string, mentions []model.Mention) []string {
	seen := make(map[string]struct{}, len(mentions))
	out := make([]string, 0, len(mentions))
	wildcard := false
	for _, m := range mentions {
		if m.UID == "" || m.Kind == model.MentionKindRole {
			continue
		}
		if r.wildcards.Has(m.UID) {
			wildcard = true
			continue
		}
		if _, ok := seen[m.UID]; ok {
			continue
		}
		seen[m.UID] = struct{}{}
		out = append(out, m.UID)
	}
	if !wildcard || r.members == nil || serverID == "" {
		return out
	}
	ids, err := r.members.ServerMemberIDs(ctx, serverID)
	if err != nil {
		if r.OnExpansionError != nil {
			r.OnExpansionError(serverID, err)
		}
		return out
	}
	for _, id := range ids {
		if id == "" || r.wildcards.Has(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
