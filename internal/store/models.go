package store

import "time"

// Instance is a federation peer. Exactly one row has Local=true: this server.
type Instance struct {
	ID      int64
	APID    string
	Domain  string
	Inbox   string
	Local   bool
	Created time.Time
}

// Article is a titled document hosted by some instance. Local articles are
// authoritative here; remote ones are mirrors kept in sync via activities.
type Article struct {
	ID            int64
	APID          string
	Title         string
	Text          string
	LatestVersion string
	InstanceID    int64
	Local         bool
	Protected     bool
	UpdatedAt     time.Time
}

// Edit is one content change. Hash is the content address of Diff and
// PreviousVersion points at the parent edit's hash (or the root sentinel).
// The edits of an article form a tree; siblings sharing a parent are a fork.
type Edit struct {
	ID              int64
	APID            string
	Hash            string
	Diff            string
	Summary         string
	CreatorID       int64
	ArticleID       int64
	PreviousVersion string
	Created         time.Time
}

// Follow is a directed edge: follower receives target's activities.
// Tentative (Accepted=false) until the target's Accept arrives.
type Follow struct {
	ID         int64
	FollowerID int64
	TargetID   int64
	Accepted   bool
	Created    time.Time
}

// Conflict records an inbound edit that forked an article's chain. Both
// branches are retained; rows stay OPEN until an admin resolves them.
type Conflict struct {
	ID              int64
	ArticleID       int64
	EditAPID        string
	Hash            string
	PreviousVersion string
	Status          string
	Created         time.Time
}

const (
	ConflictOpen     = "OPEN"
	ConflictResolved = "RESOLVED"
)

type User struct {
	ID           int64
	Name         string
	Admin        bool
	PasswordHash string
	Created      time.Time
}
