package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstcl/ibis/internal/auth"
	"github.com/mstcl/ibis/internal/federation"
	"github.com/mstcl/ibis/internal/registry"
	"github.com/mstcl/ibis/internal/resolver"
	"github.com/mstcl/ibis/internal/search"
	"github.com/mstcl/ibis/internal/store"
	"github.com/mstcl/ibis/internal/version"
)

const maxInboxBody = 1 << 22

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log.With().Str("component", "http").Logger(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/inbox" {
		s.handleInbox(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/article":
		s.handleCreateArticle(w, r)
	case r.Method == http.MethodPatch && r.URL.Path == "/api/article":
		s.handleEditArticle(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/article":
		s.handleGetArticle(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/article/list":
		s.handleListArticles(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/article/history":
		s.handleHistory(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/article/protect":
		s.handleProtectArticle(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/conflicts":
		s.handleListConflicts(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/conflicts/resolve":
		s.handleResolveConflict(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/resolve":
		s.handleResolveObject(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/instance":
		s.handleGetInstance(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/instance/followers":
		s.handleFollowers(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/instance/follow":
		s.handleFollowInstance(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/search":
		s.handleSearch(w, r)
	case r.Method == http.MethodGet && (r.URL.Path == "/" || strings.HasPrefix(r.URL.Path, "/article/")):
		s.handleObjectRepresentation(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var body CreateArticleInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	article, err := s.service.CreateArticle(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, articleResponse(article))
}

func (s *HTTPServer) handleEditArticle(w http.ResponseWriter, r *http.Request) {
	var body EditArticleInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if user, pass, ok := r.BasicAuth(); ok {
		body.AdminUser, body.AdminPassword = user, pass
	}
	edit, err := s.service.EditArticle(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse(edit))
}

func (s *HTTPServer) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	article, err := s.service.GetArticle(r.Context(), r.URL.Query().Get("title"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, articleResponse(article))
}

func (s *HTTPServer) handleListArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := s.service.ListArticles(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(articles))
	for _, article := range articles {
		out = append(out, articleResponse(article))
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": out})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	edits, err := s.service.History(r.Context(), r.URL.Query().Get("title"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(edits))
	for _, edit := range edits {
		out = append(out, editResponse(edit))
	}
	writeJSON(w, http.StatusOK, map[string]any{"edits": out})
}

func (s *HTTPServer) handleProtectArticle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title     string `json:"title"`
		Protected bool   `json:"protected"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, pass, _ := r.BasicAuth()
	article, err := s.service.ProtectArticle(r.Context(), body.Title, body.Protected, user, pass)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, articleResponse(article))
}

func (s *HTTPServer) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.service.ListConflicts(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(conflicts))
	for _, conflict := range conflicts {
		out = append(out, map[string]any{
			"id":              conflict.ID,
			"articleId":       conflict.ArticleID,
			"articleTitle":    conflict.ArticleTitle,
			"editId":          conflict.EditAPID,
			"hash":            conflict.Hash,
			"previousVersion": conflict.PreviousVersion,
			"status":          conflict.Status,
			"created":         conflict.Created,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int64 `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, pass, _ := r.BasicAuth()
	if err := s.service.ResolveConflictEntry(r.Context(), body.ID, user, pass); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleResolveObject(w http.ResponseWriter, r *http.Request) {
	object, err := s.service.ResolveObject(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	switch object.Kind {
	case resolver.KindArticle:
		writeJSON(w, http.StatusOK, map[string]any{"type": object.Kind, "article": articleResponse(*object.Article)})
	case resolver.KindInstance:
		writeJSON(w, http.StatusOK, map[string]any{"type": object.Kind, "instance": instanceResponse(*object.Instance)})
	default:
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
	}
}

func (s *HTTPServer) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.service.LocalInstance(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse(instance))
}

func (s *HTTPServer) handleFollowers(w http.ResponseWriter, r *http.Request) {
	followers, err := s.service.Followers(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(followers))
	for _, follower := range followers {
		out = append(out, instanceResponse(follower))
	}
	writeJSON(w, http.StatusOK, map[string]any{"followers": out})
}

func (s *HTTPServer) handleFollowInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	target, err := s.service.FollowInstance(r.Context(), body.ID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse(target))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.service.Search(search.Query{
		Text:      query.Get("q"),
		LocalOnly: query.Get("local") == "true",
		Limit:     limit,
		Offset:    offset,
	})
	writeJSON(w, http.StatusOK, response)
}

// handleObjectRepresentation serves the signed wire form of a local object
// at its own identifier, for peer instances dereferencing it.
func (s *HTTPServer) handleObjectRepresentation(w http.ResponseWriter, r *http.Request) {
	id := s.service.cfg.APID()
	if r.URL.Path != "/" {
		id += r.URL.Path
	}
	payload, signature, err := s.service.ObjectRepresentation(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(resolver.SignatureHeader, signature)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *HTTPServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Unreadable body", nil)
		return
	}
	defer r.Body.Close()

	signature := strings.TrimSpace(r.Header.Get(resolver.SignatureHeader))
	if err := s.service.Inbox(r.Context(), payload, signature); err != nil {
		s.log.Warn().Err(err).Msg("inbound activity dropped")
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func articleResponse(article store.Article) map[string]any {
	return map[string]any{
		"id":            article.APID,
		"title":         article.Title,
		"text":          article.Text,
		"latestVersion": article.LatestVersion,
		"local":         article.Local,
		"protected":     article.Protected,
		"updatedAt":     article.UpdatedAt,
	}
}

func editResponse(edit store.Edit) map[string]any {
	return map[string]any{
		"id":              edit.APID,
		"hash":            edit.Hash,
		"diff":            edit.Diff,
		"summary":         edit.Summary,
		"previousVersion": edit.PreviousVersion,
		"created":         edit.Created,
	}
}

func instanceResponse(instance store.Instance) map[string]any {
	return map[string]any{
		"id":     instance.APID,
		"domain": instance.Domain,
		"inbox":  instance.Inbox,
		"local":  instance.Local,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = newRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newRequestID() string {
	buf := make([]byte, 9)
	_, _ = rand.Read(buf)
	return "req_" + hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, "+resolver.SignatureHeader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, resolver.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, version.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Edit conflicts with a newer version", nil
	case errors.Is(err, version.ErrNoOp):
		return http.StatusUnprocessableEntity, "NO_OP", "Edit does not change the article", nil
	case errors.Is(err, version.ErrPatchFailed):
		return http.StatusUnprocessableEntity, "PATCH_FAILED", "Edit does not apply to the current text", nil
	case errors.Is(err, federation.ErrMalformed):
		return http.StatusBadRequest, "MALFORMED", "Malformed activity", nil
	case errors.Is(err, federation.ErrUnknownReference):
		return http.StatusUnprocessableEntity, "UNKNOWN_REFERENCE", "Activity references an unknown object", nil
	case errors.Is(err, federation.ErrDeliveryFailed):
		return http.StatusBadGateway, "DELIVERY_FAILED", "Could not deliver to the remote instance", nil
	case errors.Is(err, resolver.ErrFetchFailed):
		return http.StatusBadGateway, "FETCH_FAILED", "Could not fetch the remote object", nil
	case errors.Is(err, resolver.ErrUntrustedSource):
		return http.StatusForbidden, "UNTRUSTED_SOURCE", "Remote object failed verification", nil
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, registry.ErrSelfFollow):
		return http.StatusBadRequest, "SELF_FOLLOW", "Instance cannot follow itself", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}
