// Package federation implements the activity exchange between instances:
// building and delivering Create/Update/Follow/Accept activities, and
// validating and applying the inbound ones.
package federation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed means an inbound activity failed shape validation.
	ErrMalformed = errors.New("malformed activity")
	// ErrUnknownReference means an inbound activity references an
	// identifier that cannot be resolved.
	ErrUnknownReference = errors.New("activity references unknown object")
	// ErrDeliveryFailed means an outbound delivery exhausted its retries.
	ErrDeliveryFailed = errors.New("activity delivery failed")
)

type Kind string

const (
	KindCreateArticle Kind = "CreateArticle"
	KindUpdateArticle Kind = "UpdateArticle"
	KindFollow        Kind = "Follow"
	KindAccept        Kind = "Accept"
)

// Activity is one federation message: an actor doing something to an object.
type Activity struct {
	ID     string         `json:"id"`
	Kind   Kind           `json:"type"`
	Actor  string         `json:"actor"`
	Object ActivityObject `json:"object"`
}

// ActivityObject carries the payload of an activity. Which fields are
// populated depends on the kind: Create ships an article snapshot, Update
// ships one edit, Follow/Accept name an instance in GlobalID.
type ActivityObject struct {
	GlobalID        string    `json:"globalId"`
	Article         string    `json:"article,omitempty"`
	Title           string    `json:"title,omitempty"`
	Text            string    `json:"text,omitempty"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	Diff            string    `json:"diff,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
	Hash            string    `json:"hash,omitempty"`
	Creator         string    `json:"creator,omitempty"`
	Created         time.Time `json:"created,omitempty"`
}

// Validate checks the shape required for the activity's kind. The switch is
// exhaustive over kinds; anything else is malformed.
func (a Activity) Validate() error {
	if a.ID == "" || a.Actor == "" {
		return fmt.Errorf("%w: missing id or actor", ErrMalformed)
	}
	switch a.Kind {
	case KindCreateArticle:
		if a.Object.GlobalID == "" || a.Object.Title == "" || a.Object.LatestVersion == "" {
			return fmt.Errorf("%w: create lacks article fields", ErrMalformed)
		}
	case KindUpdateArticle:
		if a.Object.GlobalID == "" || a.Object.Article == "" || a.Object.Diff == "" ||
			a.Object.PreviousVersion == "" || a.Object.Hash == "" {
			return fmt.Errorf("%w: update lacks edit fields", ErrMalformed)
		}
	case KindFollow, KindAccept:
		if a.Object.GlobalID == "" {
			return fmt.Errorf("%w: %s lacks target", ErrMalformed, a.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, a.Kind)
	}
	return nil
}
