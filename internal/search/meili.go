package search

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxArticles = "ibis_articles"

// RecordID derives the index primary key from an article's global identifier.
func RecordID(apID string) string {
	sum := md5.Sum([]byte(apID))
	return hex.EncodeToString(sum[:])
}

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures the article index.
// The service keeps running if Meilisearch is down; searches fall back.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log.With().Str("component", "search").Logger(),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxArticles,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create article index (may already exist)")
	}

	index := m.client.Index(idxArticles)
	filterable := []interface{}{"instance", "local"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"title", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the article index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	request := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.LocalOnly {
		request.Filter = []string{"local = true"}
	}

	resp, err := m.client.Index(idxArticles).Search(q.Text, request)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	var local bool
	if raw, ok := hit["local"]; ok {
		_ = json.Unmarshal(raw, &local)
	}
	return Result{
		ID:       decodeString(hit, "apId"),
		Title:    firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:  firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
		Instance: decodeString(hit, "instance"),
		Local:    local,
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexArticle adds or updates one article in the search index.
func (m *Meili) IndexArticle(record ArticleRecord) error {
	_, err := m.client.Index(idxArticles).AddDocuments([]ArticleRecord{record}, nil)
	return err
}

// IndexArticles bulk-indexes articles.
func (m *Meili) IndexArticles(records []ArticleRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxArticles).AddDocuments(records, nil)
	return err
}
