package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/resolver"
	"github.com/mstcl/ibis/internal/store"
	"github.com/mstcl/ibis/internal/version"
)

type receiverStore interface {
	GetArticleByAPID(ctx context.Context, apID string) (store.Article, error)
	UpdateArticleContent(ctx context.Context, articleID int64, text, latestVersion string) error
	UpsertEdit(ctx context.Context, item store.Edit) (store.Edit, error)
	GetEditByAPID(ctx context.Context, apID string) (store.Edit, error)
	GetEditByHash(ctx context.Context, articleID int64, hash string) (store.Edit, error)
	HasEditWithParent(ctx context.Context, articleID int64, previousVersion string) (bool, error)
	InsertConflict(ctx context.Context, item store.Conflict) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
}

type objectResolver interface {
	Resolve(ctx context.Context, id string) (resolver.Object, error)
	Refresh(ctx context.Context, id string) (resolver.Object, error)
}

type followSink interface {
	AddFollower(ctx context.Context, follower store.Instance) error
	MarkAccepted(ctx context.Context, target store.Instance) error
}

type activitySender interface {
	SendToFollowers(ctx context.Context, article store.Article, edit *store.Edit)
	SendAccept(ctx context.Context, follower store.Instance, followActivityID string) error
}

// Receiver validates and applies inbound activities. Each activity walks
// Received -> Resolved -> Validated -> Applied; any failure drops that one
// activity without disturbing the next.
type Receiver struct {
	store      receiverStore
	resolver   objectResolver
	chain      *version.Chain
	follows    followSink
	dispatcher activitySender
	verifier   resolver.Verifier
	log        zerolog.Logger
}

func NewReceiver(st receiverStore, objects objectResolver, chain *version.Chain, follows followSink, dispatcher activitySender, verifier resolver.Verifier, log zerolog.Logger) *Receiver {
	return &Receiver{
		store:      st,
		resolver:   objects,
		chain:      chain,
		follows:    follows,
		dispatcher: dispatcher,
		verifier:   verifier,
		log:        log.With().Str("component", "receiver").Logger(),
	}
}

// Receive processes one raw inbound activity. Returned errors classify the
// drop reason; the caller logs them and keeps serving.
func (r *Receiver) Receive(ctx context.Context, payload []byte, signature string) error {
	if err := r.verifier.Verify(payload, signature); err != nil {
		return fmt.Errorf("%w: %v", resolver.ErrUntrustedSource, err)
	}

	var activity Activity
	if err := json.Unmarshal(payload, &activity); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := activity.Validate(); err != nil {
		return err
	}

	switch activity.Kind {
	case KindCreateArticle:
		return r.handleCreate(ctx, activity)
	case KindUpdateArticle:
		return r.handleUpdate(ctx, activity)
	case KindFollow:
		return r.handleFollow(ctx, activity)
	case KindAccept:
		return r.handleAccept(ctx, activity)
	default:
		return fmt.Errorf("%w: unhandled kind %q", ErrMalformed, activity.Kind)
	}
}

func (r *Receiver) handleCreate(ctx context.Context, activity Activity) error {
	// The actor's Create already names the article's global id; resolving
	// it fetches and persists the mirror, instance row included.
	object, err := r.resolver.Resolve(ctx, activity.Object.GlobalID)
	if err != nil {
		return fmt.Errorf("%w: article %s: %v", ErrUnknownReference, activity.Object.GlobalID, err)
	}
	if object.Kind != resolver.KindArticle {
		return fmt.Errorf("%w: create names a non-article", ErrMalformed)
	}
	r.log.Info().Str("article", activity.Object.GlobalID).
		Str("actor", activity.Actor).Msg("mirrored new article")
	return nil
}

func (r *Receiver) handleUpdate(ctx context.Context, activity Activity) error {
	// Re-delivery of an already recorded edit is a no-op.
	if _, err := r.store.GetEditByAPID(ctx, activity.Object.GlobalID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	article, err := r.store.GetArticleByAPID(ctx, activity.Object.Article)
	if errors.Is(err, store.ErrNotFound) {
		// First contact with this article: fetch the whole thing instead
		// of applying a diff against nothing.
		if _, err := r.resolver.Resolve(ctx, activity.Object.Article); err != nil {
			return fmt.Errorf("%w: article %s: %v", ErrUnknownReference, activity.Object.Article, err)
		}
		article, err = r.store.GetArticleByAPID(ctx, activity.Object.Article)
		if err != nil {
			return fmt.Errorf("%w: article %s: %v", ErrUnknownReference, activity.Object.Article, err)
		}
	} else if err != nil {
		return err
	}

	updated, edit, applied, err := r.applyUpdate(ctx, article.APID, activity)
	if err != nil {
		return err
	}
	if applied {
		r.announce(ctx, updated, edit)
		return nil
	}

	// The edit's baseline is ahead of us: we likely missed an intermediate
	// Update. Refetch the origin's current state once and retry.
	if _, err := r.resolver.Refresh(ctx, article.APID); err != nil {
		r.log.Warn().Err(err).Str("article", article.APID).Msg("ancestor refetch failed")
		return fmt.Errorf("%w: ancestor of %s", ErrUnknownReference, activity.Object.GlobalID)
	}
	updated, edit, applied, err = r.applyUpdate(ctx, article.APID, activity)
	if err != nil {
		return err
	}
	if !applied {
		// Still diverging after a refetch: a genuine fork. Record the edit
		// as a flagged sibling; never discard it.
		return r.recordFork(ctx, article.APID, activity)
	}
	r.announce(ctx, updated, edit)
	return nil
}

// announce republishes an accepted edit to this instance's followers when
// the article is hosted here. Forwarded mirror edits only become visible to
// the rest of the federation through this fan-out. Runs after the article
// lock is released.
func (r *Receiver) announce(ctx context.Context, article store.Article, edit store.Edit) {
	if !article.Local {
		return
	}
	r.dispatcher.SendToFollowers(ctx, article, &edit)
}

// applyUpdate attempts the chain extension inside the article's critical
// section, returning the advanced article and edit on success. It reports
// applied=false when the edit's baseline does not match the current head,
// leaving the conflict policy to the caller.
func (r *Receiver) applyUpdate(ctx context.Context, articleAPID string, activity Activity) (store.Article, store.Edit, bool, error) {
	creator, err := r.store.EnsureUserByName(ctx, creatorName(activity))
	if err != nil {
		return store.Article{}, store.Edit{}, false, err
	}

	unlock := r.chain.LockArticle(articleAPID)
	defer unlock()

	article, err := r.store.GetArticleByAPID(ctx, articleAPID)
	if err != nil {
		return store.Article{}, store.Edit{}, false, err
	}
	edit := editFromActivity(activity, article.ID, creator.ID)
	if article.LatestVersion == activity.Object.Hash {
		// A refetch already brought us to this exact version; just make
		// sure the edit row exists.
		_, err := r.store.UpsertEdit(ctx, edit)
		return article, edit, true, err
	}

	if err := r.chain.ApplyEdit(&article, edit); err != nil {
		if errors.Is(err, version.ErrConflict) {
			return store.Article{}, store.Edit{}, false, nil
		}
		return store.Article{}, store.Edit{}, false, err
	}

	if _, err := r.store.UpsertEdit(ctx, edit); err != nil {
		return store.Article{}, store.Edit{}, false, err
	}
	if err := r.store.UpdateArticleContent(ctx, article.ID, article.Text, article.LatestVersion); err != nil {
		return store.Article{}, store.Edit{}, false, err
	}
	r.log.Info().Str("article", articleAPID).Str("version", edit.Hash).Msg("applied inbound edit")
	return article, edit, true, nil
}

func (r *Receiver) recordFork(ctx context.Context, articleAPID string, activity Activity) error {
	creator, err := r.store.EnsureUserByName(ctx, creatorName(activity))
	if err != nil {
		return err
	}

	unlock := r.chain.LockArticle(articleAPID)
	defer unlock()

	article, err := r.store.GetArticleByAPID(ctx, articleAPID)
	if err != nil {
		return err
	}

	// Only flag a fork when the claimed parent really exists in our tree;
	// otherwise the reference is simply unknown.
	if activity.Object.PreviousVersion != version.Root() {
		if _, err := r.store.GetEditByHash(ctx, article.ID, activity.Object.PreviousVersion); errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: parent %s of %s", ErrUnknownReference,
				activity.Object.PreviousVersion, activity.Object.GlobalID)
		} else if err != nil {
			return err
		}
	}

	// A fork means a sibling edit already extends the same parent. Without
	// one the head could not have moved past the claimed baseline.
	forked, err := r.store.HasEditWithParent(ctx, article.ID, activity.Object.PreviousVersion)
	if err != nil {
		return err
	}
	if !forked {
		return fmt.Errorf("%w: nothing extends %s on %s", ErrUnknownReference,
			activity.Object.PreviousVersion, activity.Object.GlobalID)
	}

	if _, err := r.store.UpsertEdit(ctx, editFromActivity(activity, article.ID, creator.ID)); err != nil {
		return err
	}
	if err := r.store.InsertConflict(ctx, store.Conflict{
		ArticleID:       article.ID,
		EditAPID:        activity.Object.GlobalID,
		Hash:            activity.Object.Hash,
		PreviousVersion: activity.Object.PreviousVersion,
	}); err != nil {
		return err
	}
	r.log.Warn().Str("article", articleAPID).Str("edit", activity.Object.GlobalID).
		Str("parent", activity.Object.PreviousVersion).Msg("recorded forked edit")
	return nil
}

func (r *Receiver) handleFollow(ctx context.Context, activity Activity) error {
	object, err := r.resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("%w: actor %s: %v", ErrUnknownReference, activity.Actor, err)
	}
	if object.Kind != resolver.KindInstance {
		return fmt.Errorf("%w: follow actor is not an instance", ErrMalformed)
	}
	if err := r.follows.AddFollower(ctx, *object.Instance); err != nil {
		return err
	}
	if err := r.dispatcher.SendAccept(ctx, *object.Instance, activity.ID); err != nil {
		// The relation is recorded; the Accept will be redelivered when
		// the peer retries its follow.
		r.log.Warn().Err(err).Str("follower", object.Instance.Domain).Msg("accept delivery failed")
	}
	return nil
}

func (r *Receiver) handleAccept(ctx context.Context, activity Activity) error {
	object, err := r.resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("%w: actor %s: %v", ErrUnknownReference, activity.Actor, err)
	}
	if object.Kind != resolver.KindInstance {
		return fmt.Errorf("%w: accept actor is not an instance", ErrMalformed)
	}
	return r.follows.MarkAccepted(ctx, *object.Instance)
}

func editFromActivity(activity Activity, articleID, creatorID int64) store.Edit {
	return store.Edit{
		APID:            activity.Object.GlobalID,
		Hash:            activity.Object.Hash,
		Diff:            activity.Object.Diff,
		Summary:         activity.Object.Summary,
		CreatorID:       creatorID,
		ArticleID:       articleID,
		PreviousVersion: activity.Object.PreviousVersion,
		Created:         activity.Object.Created,
	}
}

func creatorName(activity Activity) string {
	if activity.Object.Creator != "" {
		return activity.Object.Creator
	}
	parsed, err := url.Parse(activity.Actor)
	if err != nil || parsed.Host == "" {
		return "remote@unknown"
	}
	return "remote@" + parsed.Host
}
