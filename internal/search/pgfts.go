package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the articles table, ranking with ts_rank
// and building snippets with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "a.fts @@ plainto_tsquery('english', $1)"
	if q.LocalOnly {
		where += " AND a.local"
	}

	countSQL := fmt.Sprintf(`SELECT count(*)
		FROM articles a
		WHERE %s`, where)

	dataSQL := fmt.Sprintf(`SELECT a.ap_id, a.title,
			ts_headline('english', a.text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			i.domain, a.local
		FROM articles a
		JOIN instances i ON i.id = a.instance_id
		WHERE %s
		ORDER BY ts_rank(a.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Instance, &r.Local); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every article for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ArticleRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.ap_id, a.title, a.text, i.domain, a.local
		FROM articles a
		JOIN instances i ON i.id = a.instance_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}
	defer rows.Close()

	records := make([]ArticleRecord, 0)
	for rows.Next() {
		var record ArticleRecord
		if err := rows.Scan(&record.APID, &record.Title, &record.Text, &record.Instance, &record.Local); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		record.ID = RecordID(record.APID)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return records, nil
}
