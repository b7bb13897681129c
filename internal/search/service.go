// Package search indexes and queries article text, preferring Meilisearch
// and falling back to PostgreSQL full-text search when it is unreachable.
package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	return &Service{
		meili: meili,
		pgfts: pgfts,
		log:   log.With().Str("component", "search").Logger(),
	}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexArticle pushes one article into the index, fire-and-forget. Postgres
// keeps its own fts column current, so a miss here only degrades ranking.
func (s *Service) IndexArticle(record ArticleRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if record.ID == "" {
		record.ID = RecordID(record.APID)
	}
	go func() {
		if err := s.meili.IndexArticle(record); err != nil {
			s.log.Warn().Err(err).Str("article", record.APID).Msg("index article failed")
		}
	}()
}

// ReindexAllFromPG reloads every article from PostgreSQL into Meilisearch.
// Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexArticles(records); err != nil {
		s.log.Error().Err(err).Msg("reindex push failed")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
