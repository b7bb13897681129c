package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/auth"
	"github.com/mstcl/ibis/internal/config"
	"github.com/mstcl/ibis/internal/federation"
	"github.com/mstcl/ibis/internal/registry"
	"github.com/mstcl/ibis/internal/resolver"
	"github.com/mstcl/ibis/internal/search"
	"github.com/mstcl/ibis/internal/store"
	"github.com/mstcl/ibis/internal/version"
)

type serviceStore interface {
	Ping(ctx context.Context) error
	GetLocalInstance(ctx context.Context) (store.Instance, error)
	UpsertInstance(ctx context.Context, item store.Instance) (store.Instance, error)
	GetInstanceByID(ctx context.Context, id int64) (store.Instance, error)
	InsertArticle(ctx context.Context, item store.Article) (store.Article, error)
	GetArticleByAPID(ctx context.Context, apID string) (store.Article, error)
	GetArticleByID(ctx context.Context, id int64) (store.Article, error)
	GetArticleByTitle(ctx context.Context, title string) (store.Article, error)
	ListArticles(ctx context.Context) ([]store.Article, error)
	UpdateArticleContent(ctx context.Context, articleID int64, text, latestVersion string) error
	SetArticleProtected(ctx context.Context, articleID int64, protected bool) error
	UpsertEdit(ctx context.Context, item store.Edit) (store.Edit, error)
	ListEditsForArticle(ctx context.Context, articleID int64) ([]store.Edit, error)
	ListOpenConflicts(ctx context.Context) ([]store.Conflict, error)
	ResolveConflict(ctx context.Context, conflictID int64) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
}

type objectResolver interface {
	IsLocal(id string) bool
	Resolve(ctx context.Context, id string) (resolver.Object, error)
	ResolveLocal(ctx context.Context, id string) (resolver.Object, error)
	Refresh(ctx context.Context, id string) (resolver.Object, error)
}

type activityDispatcher interface {
	SendToFollowers(ctx context.Context, article store.Article, edit *store.Edit)
	SendToOrigin(ctx context.Context, article store.Article, edit store.Edit, origin store.Instance) error
	SendFollow(ctx context.Context, target store.Instance) error
}

type followRegistry interface {
	Follow(ctx context.Context, target store.Instance) (bool, error)
	Followers(ctx context.Context) ([]store.Instance, error)
}

type inboxReceiver interface {
	Receive(ctx context.Context, payload []byte, signature string) error
}

type adminVerifier interface {
	EnsureAdmin(ctx context.Context, name, password string) (store.User, error)
	VerifyAdmin(ctx context.Context, name, password string) (store.User, error)
}

type articleSearcher interface {
	Search(q search.Query) search.Response
	IndexArticle(record search.ArticleRecord)
	ReindexAllFromPG(ctx context.Context)
}

type payloadSigner interface {
	Sign(payload []byte) string
}

// Service implements the wiki's operations on top of storage, the version
// chain, and the federation components.
type Service struct {
	cfg        config.Config
	store      serviceStore
	chain      *version.Chain
	resolver   objectResolver
	registry   followRegistry
	dispatcher activityDispatcher
	receiver   inboxReceiver
	search     articleSearcher
	auth       adminVerifier
	signer     payloadSigner
	log        zerolog.Logger
}

func NewService(
	cfg config.Config,
	st serviceStore,
	chain *version.Chain,
	objects objectResolver,
	reg followRegistry,
	dispatcher activityDispatcher,
	receiver inboxReceiver,
	searcher articleSearcher,
	admin adminVerifier,
	signer payloadSigner,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		chain:      chain,
		resolver:   objects,
		registry:   reg,
		dispatcher: dispatcher,
		receiver:   receiver,
		search:     searcher,
		auth:       admin,
		signer:     signer,
		log:        log.With().Str("component", "service").Logger(),
	}
}

// Bootstrap prepares the instance for serving: the local instance row, the
// admin account, and the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	apID := s.cfg.APID()
	if _, err := s.store.UpsertInstance(ctx, store.Instance{
		APID:   apID,
		Domain: s.cfg.Domain,
		Inbox:  apID + "/inbox",
		Local:  true,
	}); err != nil {
		return fmt.Errorf("bootstrap instance: %w", err)
	}
	if _, err := s.auth.EnsureAdmin(ctx, s.cfg.AdminUser, s.cfg.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	s.log.Info().Str("instance", apID).Msg("instance ready")
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// LocalInstance describes this instance to API clients and peers.
func (s *Service) LocalInstance(ctx context.Context) (store.Instance, error) {
	return s.store.GetLocalInstance(ctx)
}

type CreateArticleInput struct {
	Title   string `json:"title"`
	Text    string `json:"text"`
	Summary string `json:"summary"`
	Author  string `json:"author"`
}

// CreateArticle creates a local article. A non-empty initial text becomes the
// first edit of the chain; the announcement to followers carries the snapshot
// either way.
func (s *Service) CreateArticle(ctx context.Context, input CreateArticleInput) (store.Article, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Article{}, domainError(http.StatusBadRequest, "INVALID_BODY", "Title is required", nil)
	}

	local, err := s.store.GetLocalInstance(ctx)
	if err != nil {
		return store.Article{}, fmt.Errorf("local instance: %w", err)
	}

	apID := s.cfg.APID() + "/article/" + url.PathEscape(title)
	if _, err := s.store.GetArticleByAPID(ctx, apID); err == nil {
		return store.Article{}, domainError(http.StatusConflict, "CONFLICT", "Article already exists", map[string]any{"title": title})
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Article{}, err
	}

	article, err := s.store.InsertArticle(ctx, store.Article{
		APID:          apID,
		Title:         title,
		LatestVersion: version.Root(),
		InstanceID:    local.ID,
		Local:         true,
	})
	if err != nil {
		return store.Article{}, fmt.Errorf("insert article: %w", err)
	}

	if strings.TrimSpace(input.Text) != "" {
		article, _, err = s.appendLocalEdit(ctx, article.APID, input.Text, input.Summary, authorName(input.Author), "")
		if err != nil {
			return store.Article{}, err
		}
	}

	s.dispatcher.SendToFollowers(ctx, article, nil)
	s.indexArticle(ctx, article)
	s.log.Info().Str("article", article.APID).Msg("article created")
	return article, nil
}

type EditArticleInput struct {
	Title           string `json:"title"`
	Text            string `json:"text"`
	Summary         string `json:"summary"`
	PreviousVersion string `json:"previousVersion"`
	Author          string `json:"author"`

	// Admin credentials, required only for protected articles.
	AdminUser     string `json:"adminUser"`
	AdminPassword string `json:"adminPassword"`
}

// EditArticle records a new edit. For a local article the chain advances
// here; for a mirror the edit is forwarded to the origin instance, which
// stays authoritative.
func (s *Service) EditArticle(ctx context.Context, input EditArticleInput) (store.Edit, error) {
	article, err := s.lookupArticle(ctx, input.Title)
	if err != nil {
		return store.Edit{}, err
	}
	if input.PreviousVersion == "" {
		return store.Edit{}, domainError(http.StatusBadRequest, "INVALID_BODY", "previousVersion is required", nil)
	}
	if article.Protected {
		if _, err := s.auth.VerifyAdmin(ctx, input.AdminUser, input.AdminPassword); err != nil {
			return store.Edit{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Protected article requires admin credentials", nil)
		}
	}

	if article.Local {
		updated, edit, err := s.appendLocalEdit(ctx, article.APID, input.Text, input.Summary, authorName(input.Author), input.PreviousVersion)
		if err != nil {
			return store.Edit{}, err
		}
		s.dispatcher.SendToFollowers(ctx, updated, &edit)
		s.indexArticle(ctx, updated)
		return edit, nil
	}
	return s.forwardMirrorEdit(ctx, article, input)
}

// appendLocalEdit runs the check-then-append sequence under the article
// lock. An empty previousVersion means "whatever the current head is",
// used for the initial edit during creation.
func (s *Service) appendLocalEdit(ctx context.Context, articleAPID, text, summary, author, previousVersion string) (store.Article, store.Edit, error) {
	user, err := s.store.EnsureUserByName(ctx, author)
	if err != nil {
		return store.Article{}, store.Edit{}, err
	}

	unlock := s.chain.LockArticle(articleAPID)
	defer unlock()

	article, err := s.store.GetArticleByAPID(ctx, articleAPID)
	if err != nil {
		return store.Article{}, store.Edit{}, err
	}
	if previousVersion == "" {
		previousVersion = article.LatestVersion
	}

	edit, err := s.chain.CreateEdit(article, text, summary, user.ID, previousVersion)
	if err != nil {
		return store.Article{}, store.Edit{}, err
	}
	if err := s.chain.ApplyEdit(&article, edit); err != nil {
		return store.Article{}, store.Edit{}, err
	}

	if edit, err = s.store.UpsertEdit(ctx, edit); err != nil {
		return store.Article{}, store.Edit{}, err
	}
	if err := s.store.UpdateArticleContent(ctx, article.ID, article.Text, article.LatestVersion); err != nil {
		return store.Article{}, store.Edit{}, err
	}
	return article, edit, nil
}

// forwardMirrorEdit re-resolves the origin's current state, diffs against
// that, and sends the edit to the origin. Nothing is applied locally; the
// authoritative result comes back as an Update activity.
func (s *Service) forwardMirrorEdit(ctx context.Context, article store.Article, input EditArticleInput) (store.Edit, error) {
	object, err := s.resolver.Refresh(ctx, article.APID)
	if err != nil {
		return store.Edit{}, err
	}
	if object.Kind != resolver.KindArticle || object.Article == nil {
		return store.Edit{}, domainError(http.StatusBadGateway, "FETCH_FAILED", "Origin returned a non-article", nil)
	}
	current := *object.Article

	if input.PreviousVersion != current.LatestVersion {
		return store.Edit{}, domainError(http.StatusConflict, "CONFLICT", "Article changed at the origin, re-edit from its latest version",
			map[string]any{"latestVersion": current.LatestVersion})
	}

	user, err := s.store.EnsureUserByName(ctx, authorName(input.Author))
	if err != nil {
		return store.Edit{}, err
	}
	edit, err := s.chain.CreateEdit(current, input.Text, input.Summary, user.ID, input.PreviousVersion)
	if err != nil {
		return store.Edit{}, err
	}

	origin, err := s.store.GetInstanceByID(ctx, current.InstanceID)
	if err != nil {
		return store.Edit{}, fmt.Errorf("origin instance: %w", err)
	}
	if err := s.dispatcher.SendToOrigin(ctx, current, edit, origin); err != nil {
		return store.Edit{}, err
	}
	s.log.Info().Str("article", article.APID).Str("origin", origin.Domain).Msg("edit forwarded to origin")
	return edit, nil
}

// GetArticle returns the article by title, preferring the local copy when a
// mirror shares the name.
func (s *Service) GetArticle(ctx context.Context, title string) (store.Article, error) {
	return s.lookupArticle(ctx, title)
}

// History lists an article's edits oldest first.
func (s *Service) History(ctx context.Context, title string) ([]store.Edit, error) {
	article, err := s.lookupArticle(ctx, title)
	if err != nil {
		return nil, err
	}
	return s.store.ListEditsForArticle(ctx, article.ID)
}

func (s *Service) ListArticles(ctx context.Context) ([]store.Article, error) {
	return s.store.ListArticles(ctx)
}

// ResolveObject dereferences any global identifier, fetching remote ones.
func (s *Service) ResolveObject(ctx context.Context, id string) (resolver.Object, error) {
	if strings.TrimSpace(id) == "" {
		return resolver.Object{}, domainError(http.StatusBadRequest, "INVALID_BODY", "id is required", nil)
	}
	return s.resolver.Resolve(ctx, id)
}

// ObjectRepresentation serializes a local object for peers, with the
// signature proving it came from this instance.
func (s *Service) ObjectRepresentation(ctx context.Context, id string) (payload []byte, signature string, err error) {
	object, err := s.resolver.ResolveLocal(ctx, id)
	if err != nil {
		return nil, "", err
	}

	var wire resolver.ObjectPayload
	switch object.Kind {
	case resolver.KindArticle:
		instance, err := s.store.GetInstanceByID(ctx, object.Article.InstanceID)
		if err != nil {
			return nil, "", fmt.Errorf("article instance: %w", err)
		}
		edits := make([]resolver.EditPayload, 0, len(object.Edits))
		for _, edit := range object.Edits {
			edits = append(edits, resolver.EditPayload{
				ID:              edit.APID,
				Hash:            edit.Hash,
				Diff:            edit.Diff,
				Summary:         edit.Summary,
				PreviousVersion: edit.PreviousVersion,
				Created:         edit.Created,
			})
		}
		wire = resolver.ObjectPayload{
			Type: resolver.KindArticle,
			Article: &resolver.ArticlePayload{
				ID:            object.Article.APID,
				Title:         object.Article.Title,
				Text:          object.Article.Text,
				LatestVersion: object.Article.LatestVersion,
				Instance:      instance.APID,
				Protected:     object.Article.Protected,
				Edits:         edits,
			},
		}
	case resolver.KindInstance:
		wire = resolver.ObjectPayload{
			Type: resolver.KindInstance,
			Instance: &resolver.InstancePayload{
				ID:     object.Instance.APID,
				Domain: object.Instance.Domain,
				Inbox:  object.Instance.Inbox,
			},
		}
	default:
		return nil, "", fmt.Errorf("unhandled object kind %q", object.Kind)
	}

	payload, err = json.Marshal(wire)
	if err != nil {
		return nil, "", fmt.Errorf("marshal object: %w", err)
	}
	return payload, s.signer.Sign(payload), nil
}

// FollowInstance subscribes this instance to the target's activities.
func (s *Service) FollowInstance(ctx context.Context, targetID string) (store.Instance, error) {
	if strings.TrimSpace(targetID) == "" {
		return store.Instance{}, domainError(http.StatusBadRequest, "INVALID_BODY", "id is required", nil)
	}
	object, err := s.resolver.Resolve(ctx, targetID)
	if err != nil {
		return store.Instance{}, err
	}
	if object.Kind != resolver.KindInstance || object.Instance == nil {
		return store.Instance{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_REFERENCE", "Identifier is not an instance", nil)
	}
	target := *object.Instance

	created, err := s.registry.Follow(ctx, target)
	if err != nil {
		return store.Instance{}, err
	}
	if created {
		if err := s.dispatcher.SendFollow(ctx, target); err != nil {
			// The relation stays recorded; the peer learns about it on
			// the next follow attempt.
			s.log.Warn().Err(err).Str("target", target.Domain).Msg("follow delivery failed")
		}
	}
	return target, nil
}

// Followers lists the instances subscribed to this one.
func (s *Service) Followers(ctx context.Context) ([]store.Instance, error) {
	return s.registry.Followers(ctx)
}

// ConflictEntry pairs an open fork with the article it belongs to.
type ConflictEntry struct {
	store.Conflict
	ArticleTitle string
}

// ListConflicts returns the open forked edits awaiting manual resolution.
func (s *Service) ListConflicts(ctx context.Context) ([]ConflictEntry, error) {
	conflicts, err := s.store.ListOpenConflicts(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]ConflictEntry, 0, len(conflicts))
	for _, conflict := range conflicts {
		entry := ConflictEntry{Conflict: conflict}
		if article, err := s.store.GetArticleByID(ctx, conflict.ArticleID); err == nil {
			entry.ArticleTitle = article.Title
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ResolveConflictEntry closes a recorded fork. Admin only.
func (s *Service) ResolveConflictEntry(ctx context.Context, conflictID int64, adminUser, adminPassword string) error {
	if _, err := s.auth.VerifyAdmin(ctx, adminUser, adminPassword); err != nil {
		return err
	}
	return s.store.ResolveConflict(ctx, conflictID)
}

// ProtectArticle toggles the protected flag. Admin only.
func (s *Service) ProtectArticle(ctx context.Context, title string, protected bool, adminUser, adminPassword string) (store.Article, error) {
	if _, err := s.auth.VerifyAdmin(ctx, adminUser, adminPassword); err != nil {
		return store.Article{}, err
	}
	article, err := s.lookupArticle(ctx, title)
	if err != nil {
		return store.Article{}, err
	}
	if err := s.store.SetArticleProtected(ctx, article.ID, protected); err != nil {
		return store.Article{}, err
	}
	article.Protected = protected
	s.log.Info().Str("article", article.APID).Bool("protected", protected).Msg("protection changed")
	return article, nil
}

// Inbox hands a raw inbound activity to the receiver.
func (s *Service) Inbox(ctx context.Context, payload []byte, signature string) error {
	return s.receiver.Receive(ctx, payload, signature)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) lookupArticle(ctx context.Context, title string) (store.Article, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Article{}, domainError(http.StatusBadRequest, "INVALID_BODY", "title is required", nil)
	}
	article, err := s.store.GetArticleByTitle(ctx, title)
	if errors.Is(err, store.ErrNotFound) {
		return store.Article{}, domainError(http.StatusNotFound, "NOT_FOUND", "Article not found", map[string]any{"title": title})
	}
	return article, err
}

func (s *Service) indexArticle(ctx context.Context, article store.Article) {
	if s.search == nil {
		return
	}
	instance, err := s.store.GetInstanceByID(ctx, article.InstanceID)
	if err != nil {
		s.log.Warn().Err(err).Str("article", article.APID).Msg("index skipped, instance lookup failed")
		return
	}
	s.search.IndexArticle(search.ArticleRecord{
		APID:     article.APID,
		Title:    article.Title,
		Text:     article.Text,
		Instance: instance.Domain,
		Local:    article.Local,
	})
}

func authorName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "anonymous"
	}
	return name
}

// Interface checks against the concrete implementations wired in main.
var (
	_ objectResolver     = (*resolver.Resolver)(nil)
	_ activityDispatcher = (*federation.Dispatcher)(nil)
	_ followRegistry     = (*registry.Registry)(nil)
	_ inboxReceiver      = (*federation.Receiver)(nil)
	_ adminVerifier      = (*auth.Service)(nil)
	_ articleSearcher    = (*search.Service)(nil)
	_ serviceStore       = (*store.PostgresStore)(nil)
)
