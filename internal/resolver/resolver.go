// Package resolver turns a global identifier into a local entity or a
// fetched, verified, cached remote one.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/store"
	"github.com/mstcl/ibis/internal/version"
)

var (
	// ErrNotFound is returned when a local identifier matches nothing.
	ErrNotFound = errors.New("object not found")
	// ErrFetchFailed is returned when a remote fetch errors or times out.
	ErrFetchFailed = errors.New("remote fetch failed")
	// ErrUntrustedSource is returned when a remote representation fails
	// signature verification.
	ErrUntrustedSource = errors.New("remote object failed verification")
)

// SignatureHeader carries the HMAC of the response or request body.
const SignatureHeader = "X-Ibis-Signature"

// Verifier checks the authenticity proof attached to a remote
// representation. Signing itself lives with the federation dispatcher.
type Verifier interface {
	Verify(payload []byte, signature string) error
}

type objectStore interface {
	GetArticleByAPID(ctx context.Context, apID string) (store.Article, error)
	GetInstanceByAPID(ctx context.Context, apID string) (store.Instance, error)
	UpsertArticle(ctx context.Context, item store.Article) (store.Article, error)
	UpsertInstance(ctx context.Context, item store.Instance) (store.Instance, error)
	UpsertEdit(ctx context.Context, item store.Edit) (store.Edit, error)
	ListEditsForArticle(ctx context.Context, articleID int64) ([]store.Edit, error)
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
}

// articleLocker guards an article's state transition. Fetches stay outside
// the critical section; only the persisted head moves inside it.
type articleLocker interface {
	LockArticle(apID string) (unlock func())
}

type Resolver struct {
	store        objectStore
	cache        *Cache
	locks        articleLocker
	client       *http.Client
	verifier     Verifier
	localDomain  string
	fetchTimeout time.Duration
	log          zerolog.Logger
}

func New(objects objectStore, cache *Cache, locks articleLocker, verifier Verifier, localDomain string, fetchTimeout time.Duration, log zerolog.Logger) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Resolver{
		store:        objects,
		cache:        cache,
		locks:        locks,
		client:       &http.Client{Timeout: fetchTimeout},
		verifier:     verifier,
		localDomain:  localDomain,
		fetchTimeout: fetchTimeout,
		log:          log.With().Str("component", "resolver").Logger(),
	}
}

// IsLocal reports whether the identifier belongs to this instance.
func (r *Resolver) IsLocal(id string) bool {
	parsed, err := url.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Host == r.localDomain
}

// ResolveLocal looks the identifier up in storage only. It never touches
// the network and is the path for trusted same-instance lookups.
func (r *Resolver) ResolveLocal(ctx context.Context, id string) (Object, error) {
	if article, err := r.store.GetArticleByAPID(ctx, id); err == nil {
		edits, err := r.store.ListEditsForArticle(ctx, article.ID)
		if err != nil {
			return Object{}, err
		}
		return Object{Kind: KindArticle, Article: &article, Edits: edits}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Object{}, err
	}

	if instance, err := r.store.GetInstanceByAPID(ctx, id); err == nil {
		return Object{Kind: KindInstance, Instance: &instance}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Object{}, err
	}

	return Object{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Resolve dereferences a global identifier: local ids go straight to
// storage, remote ones through the cache and then an authenticated fetch.
func (r *Resolver) Resolve(ctx context.Context, id string) (Object, error) {
	return r.resolve(ctx, id, false)
}

// Refresh dereferences a remote identifier bypassing the cache. The
// receiver uses it to catch up on an origin's current state.
func (r *Resolver) Refresh(ctx context.Context, id string) (Object, error) {
	return r.resolve(ctx, id, true)
}

func (r *Resolver) resolve(ctx context.Context, id string, skipCache bool) (Object, error) {
	if r.IsLocal(id) {
		return r.ResolveLocal(ctx, id)
	}

	if !skipCache && r.cache != nil {
		cached, ok, err := r.cache.Get(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("id", id).Msg("object cache unavailable")
		} else if ok {
			var payload ObjectPayload
			if err := json.Unmarshal(cached, &payload); err == nil {
				return r.ingest(ctx, payload)
			}
			r.log.Warn().Str("id", id).Msg("discarding undecodable cache entry")
		}
	}

	body, err := r.fetch(ctx, id)
	if err != nil {
		return Object{}, err
	}

	var payload ObjectPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Object{}, fmt.Errorf("%w: decode %s: %v", ErrFetchFailed, id, err)
	}

	object, err := r.ingest(ctx, payload)
	if err != nil {
		return Object{}, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, id, body); err != nil {
			r.log.Warn().Err(err).Str("id", id).Msg("object cache write failed")
		}
	}
	return object, nil
}

func (r *Resolver) fetch(ctx context.Context, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetchFailed, id, err)
	}

	signature := strings.TrimSpace(resp.Header.Get(SignatureHeader))
	if signature == "" {
		return nil, fmt.Errorf("%w: %s: missing signature", ErrUntrustedSource, id)
	}
	if err := r.verifier.Verify(body, signature); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUntrustedSource, id, err)
	}
	return body, nil
}

// ingest persists a fetched representation so later local lookups and chain
// validation see it, then returns the typed object.
func (r *Resolver) ingest(ctx context.Context, payload ObjectPayload) (Object, error) {
	switch payload.Type {
	case KindInstance:
		if payload.Instance == nil {
			return Object{}, fmt.Errorf("%w: instance payload missing body", ErrFetchFailed)
		}
		instance, err := r.store.UpsertInstance(ctx, store.Instance{
			APID:   payload.Instance.ID,
			Domain: payload.Instance.Domain,
			Inbox:  payload.Instance.Inbox,
		})
		if err != nil {
			return Object{}, err
		}
		return Object{Kind: KindInstance, Instance: &instance}, nil

	case KindArticle:
		if payload.Article == nil {
			return Object{}, fmt.Errorf("%w: article payload missing body", ErrFetchFailed)
		}
		// May fetch the instance; must happen before the lock.
		instance, err := r.resolveInstanceRef(ctx, payload.Article.Instance)
		if err != nil {
			return Object{}, err
		}

		unlock := r.locks.LockArticle(payload.Article.ID)
		defer unlock()

		incoming := store.Article{
			APID:          payload.Article.ID,
			Title:         payload.Article.Title,
			Text:          payload.Article.Text,
			LatestVersion: payload.Article.LatestVersion,
			InstanceID:    instance.ID,
			Local:         false,
			Protected:     payload.Article.Protected,
		}
		if existing, err := r.store.GetArticleByAPID(ctx, payload.Article.ID); err == nil {
			// A response generated before an edit we applied in the
			// meantime must not roll the head back. Keep our newer state;
			// the edit upserts below still land.
			if existing.LatestVersion != incoming.LatestVersion &&
				!descendsFrom(incoming.LatestVersion, existing.LatestVersion, payload.Article.Edits) {
				r.log.Warn().Str("article", payload.Article.ID).
					Str("fetched", incoming.LatestVersion).
					Str("kept", existing.LatestVersion).Msg("stale fetch, head kept")
				incoming.Text = existing.Text
				incoming.LatestVersion = existing.LatestVersion
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return Object{}, err
		}

		article, err := r.store.UpsertArticle(ctx, incoming)
		if err != nil {
			return Object{}, err
		}
		edits, err := r.ingestEdits(ctx, article, payload.Article.Edits)
		if err != nil {
			return Object{}, err
		}
		return Object{Kind: KindArticle, Article: &article, Edits: edits}, nil

	default:
		return Object{}, fmt.Errorf("%w: unknown object type %q", ErrFetchFailed, payload.Type)
	}
}

func (r *Resolver) resolveInstanceRef(ctx context.Context, apID string) (store.Instance, error) {
	instance, err := r.store.GetInstanceByAPID(ctx, apID)
	if err == nil {
		return instance, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Instance{}, err
	}

	object, err := r.resolve(ctx, apID, false)
	if err != nil {
		return store.Instance{}, err
	}
	if object.Kind != KindInstance || object.Instance == nil {
		return store.Instance{}, fmt.Errorf("%w: %s is not an instance", ErrFetchFailed, apID)
	}
	return *object.Instance, nil
}

// descendsFrom reports whether head reaches ancestor by walking the fetched
// edits' parent links. The root sentinel is every chain's ancestor. Bounded
// by the edit count so a cyclic payload cannot spin.
func descendsFrom(head, ancestor string, edits []EditPayload) bool {
	if head == ancestor || ancestor == version.Root() {
		return true
	}
	parents := make(map[string]string, len(edits))
	for _, edit := range edits {
		parents[edit.Hash] = edit.PreviousVersion
	}
	current := head
	for range edits {
		parent, ok := parents[current]
		if !ok {
			return false
		}
		if parent == ancestor {
			return true
		}
		current = parent
	}
	return false
}

func (r *Resolver) ingestEdits(ctx context.Context, article store.Article, payloads []EditPayload) ([]store.Edit, error) {
	// Remote editors are recorded under one synthetic user per instance;
	// per-editor identity is not part of the exchanged representation.
	creator, err := r.store.EnsureUserByName(ctx, "remote@"+hostOf(article.APID))
	if err != nil {
		return nil, err
	}

	edits := make([]store.Edit, 0, len(payloads))
	for _, item := range payloads {
		edit, err := r.store.UpsertEdit(ctx, store.Edit{
			APID:            item.ID,
			Hash:            item.Hash,
			Diff:            item.Diff,
			Summary:         item.Summary,
			CreatorID:       creator.ID,
			ArticleID:       article.ID,
			PreviousVersion: item.PreviousVersion,
			Created:         item.Created,
		})
		if err != nil {
			return nil, err
		}
		edits = append(edits, edit)
	}
	return edits, nil
}

func hostOf(id string) string {
	parsed, err := url.Parse(id)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return parsed.Host
}
