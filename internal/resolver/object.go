package resolver

import (
	"time"

	"github.com/mstcl/ibis/internal/store"
)

// Object kinds a global identifier can dereference to.
const (
	KindArticle  = "Article"
	KindInstance = "Instance"
)

// Object is the typed result of resolving a global identifier. Exactly one
// of Article or Instance is set, per Kind. For articles fetched from a
// remote instance, Edits carries the history shipped with the
// representation so callers can catch up missing ancestors.
type Object struct {
	Kind     string
	Article  *store.Article
	Instance *store.Instance
	Edits    []store.Edit
}

// ObjectPayload is the wire representation of a dereferenced object, served
// at the object's own global identifier and fetched from peers.
type ObjectPayload struct {
	Type     string           `json:"type"`
	Article  *ArticlePayload  `json:"article,omitempty"`
	Instance *InstancePayload `json:"instance,omitempty"`
}

type ArticlePayload struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Text          string        `json:"text"`
	LatestVersion string        `json:"latestVersion"`
	Instance      string        `json:"instance"`
	Protected     bool          `json:"protected"`
	Edits         []EditPayload `json:"edits"`
}

type EditPayload struct {
	ID              string    `json:"id"`
	Hash            string    `json:"hash"`
	Diff            string    `json:"diff"`
	Summary         string    `json:"summary"`
	PreviousVersion string    `json:"previousVersion"`
	Created         time.Time `json:"created"`
}

type InstancePayload struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	Inbox  string `json:"inbox"`
}
