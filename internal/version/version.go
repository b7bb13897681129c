// Package version maintains an article's content-addressed edit chain:
// computing diffs, deriving version hashes, and validating that an edit
// extends the chain it claims to extend.
package version

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/mstcl/ibis/internal/store"
)

var (
	// ErrConflict means the edit's baseline is not the article's latest
	// version: a concurrent edit already advanced the chain.
	ErrConflict = errors.New("edit conflicts with a newer version")
	// ErrNoOp means the new text is identical to the current text.
	ErrNoOp = errors.New("edit is a no-op")
	// ErrPatchFailed means the diff does not apply cleanly to the current text.
	ErrPatchFailed = errors.New("patch does not apply")
)

// Root is the sentinel version of an article with no edits: the hash of the
// empty diff.
func Root() string {
	return hashDiff("")
}

func hashDiff(diff string) string {
	sum := md5.Sum([]byte(diff))
	return hex.EncodeToString(sum[:])
}

// Chain computes and validates edits. It also owns the per-article locks
// that callers hold across their check-then-append sequence; everything
// else is stateless.
type Chain struct {
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewChain() *Chain {
	return &Chain{locks: make(map[string]*sync.Mutex)}
}

// LockArticle acquires the article's critical section and returns the
// release. The caller must not perform network I/O before releasing.
func (c *Chain) LockArticle(apID string) (unlock func()) {
	c.lockMu.Lock()
	lock, ok := c.locks[apID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[apID] = lock
	}
	c.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// CreateEdit diffs the article's current text against newText and derives
// the edit's version hash from the diff. previousVersion must equal the
// article's latest version; a stale baseline is a conflict.
func (c *Chain) CreateEdit(article store.Article, newText, summary string, creatorID int64, previousVersion string) (store.Edit, error) {
	if previousVersion != article.LatestVersion {
		return store.Edit{}, fmt.Errorf("%w: baseline %s, latest %s", ErrConflict, previousVersion, article.LatestVersion)
	}

	dmp := diffmatchpatch.New()
	diff := dmp.PatchToText(dmp.PatchMake(article.Text, newText))
	if diff == "" {
		return store.Edit{}, ErrNoOp
	}

	hash := hashDiff(diff)
	return store.Edit{
		APID:            article.APID + "/" + hash,
		Hash:            hash,
		Diff:            diff,
		Summary:         summary,
		CreatorID:       creatorID,
		ArticleID:       article.ID,
		PreviousVersion: previousVersion,
		Created:         time.Now().UTC(),
	}, nil
}

// ValidateChain checks that the edit extends the article's current head.
// It is the pure check shared by the create and apply paths.
func (c *Chain) ValidateChain(article store.Article, edit store.Edit) error {
	if edit.PreviousVersion != article.LatestVersion {
		return fmt.Errorf("%w: edit %s builds on %s, article is at %s",
			ErrConflict, edit.Hash, edit.PreviousVersion, article.LatestVersion)
	}
	return nil
}

// ApplyEdit patches the article's text with the edit's diff and advances
// latest_version. The article is mutated in place; persisting it is the
// caller's job, inside the same critical section.
func (c *Chain) ApplyEdit(article *store.Article, edit store.Edit) error {
	if err := c.ValidateChain(*article, edit); err != nil {
		return err
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(edit.Diff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	patched, applied := dmp.PatchApply(patches, article.Text)
	for _, ok := range applied {
		if !ok {
			return fmt.Errorf("%w: hunk rejected against current text", ErrPatchFailed)
		}
	}

	article.Text = patched
	article.LatestVersion = edit.Hash
	article.UpdatedAt = edit.Created
	return nil
}

// Replay applies edits along the root-to-head path and returns the
// reconstructed text. Used to audit that a stored chain is intact.
func Replay(edits []store.Edit, head string) (string, error) {
	byHash := make(map[string]store.Edit, len(edits))
	for _, edit := range edits {
		byHash[edit.Hash] = edit
	}

	var path []store.Edit
	for cursor := head; cursor != Root(); {
		edit, ok := byHash[cursor]
		if !ok {
			return "", fmt.Errorf("%w: missing ancestor %s", ErrPatchFailed, cursor)
		}
		path = append(path, edit)
		cursor = edit.PreviousVersion
		if len(path) > len(edits) {
			return "", fmt.Errorf("%w: cycle in edit chain", ErrPatchFailed)
		}
	}

	dmp := diffmatchpatch.New()
	text := ""
	for i := len(path) - 1; i >= 0; i-- {
		patches, err := dmp.PatchFromText(path[i].Diff)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPatchFailed, err)
		}
		patched, applied := dmp.PatchApply(patches, text)
		for _, ok := range applied {
			if !ok {
				return "", fmt.Errorf("%w: hunk rejected replaying %s", ErrPatchFailed, path[i].Hash)
			}
		}
		text = patched
	}
	return text, nil
}
