package model

import "time"

// PostCommit is everything one accepted post writes. Stores apply it atomically.
type PostCommit struct {
	ThreadID      string
	Message       *ThreadMessage
	System        *ThreadMessage // nil when nobody was admitted
	NewMembers    []string
	Grants        []PermissionGrant
	Preview       string
	At            time.Time
	AutoArchiveAt time.Time
}

// MessageDelta is the messageCount increment of the commit.
func (c *PostCommit) MessageDelta() int {
	if c.System != nil {
		return 2
	}
	return 1
}

// ThreadRepair describes a thread left incomplete by a partial creation.
type ThreadRepair struct {
	Thread         Thread
	MissingCreated bool
	Ungranted      []string
}

// ParentMessage is the read-only view of a parent-channel message.
type ParentMessage struct {
	ID        string
	ChannelID string
	AuthorID  string
	Text      string
	CreatedAt time.Time
}
