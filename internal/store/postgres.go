package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- instances ---

func (s *PostgresStore) UpsertInstance(ctx context.Context, item Instance) (Instance, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO instances (ap_id, domain, inbox, local)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ap_id) DO UPDATE SET domain=EXCLUDED.domain, inbox=EXCLUDED.inbox
		RETURNING id, ap_id, domain, inbox, local, created
	`, item.APID, item.Domain, item.Inbox, item.Local).Scan(
		&item.ID, &item.APID, &item.Domain, &item.Inbox, &item.Local, &item.Created)
	if err != nil {
		return Instance{}, fmt.Errorf("upsert instance: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetInstanceByAPID(ctx context.Context, apID string) (Instance, error) {
	return s.getInstance(ctx, `WHERE ap_id=$1`, apID)
}

func (s *PostgresStore) GetInstanceByID(ctx context.Context, id int64) (Instance, error) {
	return s.getInstance(ctx, `WHERE id=$1`, id)
}

func (s *PostgresStore) GetLocalInstance(ctx context.Context) (Instance, error) {
	return s.getInstance(ctx, `WHERE local=TRUE`)
}

func (s *PostgresStore) getInstance(ctx context.Context, where string, args ...any) (Instance, error) {
	var item Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ap_id, domain, inbox, local, created FROM instances `+where, args...).Scan(
		&item.ID, &item.APID, &item.Domain, &item.Inbox, &item.Local, &item.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("read instance: %w", err)
	}
	return item, nil
}

// --- articles ---

const articleColumns = `id, ap_id, title, text, latest_version, instance_id, local, protected, updated_at`

func (s *PostgresStore) InsertArticle(ctx context.Context, item Article) (Article, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO articles (ap_id, title, text, latest_version, instance_id, local, protected)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+articleColumns+`
	`, item.APID, item.Title, item.Text, item.LatestVersion, item.InstanceID, item.Local, item.Protected).Scan(
		&item.ID, &item.APID, &item.Title, &item.Text, &item.LatestVersion,
		&item.InstanceID, &item.Local, &item.Protected, &item.UpdatedAt)
	if err != nil {
		return Article{}, fmt.Errorf("insert article: %w", err)
	}
	return item, nil
}

// UpsertArticle inserts or refreshes a mirror copy, keyed by the global id.
func (s *PostgresStore) UpsertArticle(ctx context.Context, item Article) (Article, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO articles (ap_id, title, text, latest_version, instance_id, local, protected)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ap_id) DO UPDATE SET
			title=EXCLUDED.title,
			text=EXCLUDED.text,
			latest_version=EXCLUDED.latest_version,
			updated_at=NOW()
		RETURNING `+articleColumns+`
	`, item.APID, item.Title, item.Text, item.LatestVersion, item.InstanceID, item.Local, item.Protected).Scan(
		&item.ID, &item.APID, &item.Title, &item.Text, &item.LatestVersion,
		&item.InstanceID, &item.Local, &item.Protected, &item.UpdatedAt)
	if err != nil {
		return Article{}, fmt.Errorf("upsert article: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetArticleByAPID(ctx context.Context, apID string) (Article, error) {
	return s.getArticle(ctx, `WHERE ap_id=$1`, apID)
}

func (s *PostgresStore) GetArticleByTitle(ctx context.Context, title string) (Article, error) {
	return s.getArticle(ctx, `WHERE title=$1 ORDER BY local DESC LIMIT 1`, title)
}

func (s *PostgresStore) GetArticleByID(ctx context.Context, id int64) (Article, error) {
	return s.getArticle(ctx, `WHERE id=$1`, id)
}

func (s *PostgresStore) getArticle(ctx context.Context, where string, args ...any) (Article, error) {
	var item Article
	err := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles `+where, args...).Scan(
		&item.ID, &item.APID, &item.Title, &item.Text, &item.LatestVersion,
		&item.InstanceID, &item.Local, &item.Protected, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, fmt.Errorf("read article: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		var item Article
		if err := rows.Scan(&item.ID, &item.APID, &item.Title, &item.Text, &item.LatestVersion,
			&item.InstanceID, &item.Local, &item.Protected, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return items, nil
}

// UpdateArticleContent advances an article to a new text and version. It is
// called only inside the article's critical section.
func (s *PostgresStore) UpdateArticleContent(ctx context.Context, articleID int64, text, latestVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles SET text=$2, latest_version=$3, updated_at=NOW() WHERE id=$1
	`, articleID, text, latestVersion)
	if err != nil {
		return fmt.Errorf("update article content: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetArticleProtected(ctx context.Context, articleID int64, protected bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE articles SET protected=$2 WHERE id=$1`, articleID, protected)
	if err != nil {
		return fmt.Errorf("set article protected: %w", err)
	}
	return nil
}

// --- edits ---

const editColumns = `id, ap_id, hash, diff, summary, creator_id, article_id, previous_version, created`

// UpsertEdit is keyed by the edit's global id so re-delivery of the same
// activity lands on the existing row instead of duplicating it.
func (s *PostgresStore) UpsertEdit(ctx context.Context, item Edit) (Edit, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO edits (ap_id, hash, diff, summary, creator_id, article_id, previous_version, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ap_id) DO UPDATE SET summary=EXCLUDED.summary
		RETURNING `+editColumns+`
	`, item.APID, item.Hash, item.Diff, item.Summary, item.CreatorID, item.ArticleID,
		item.PreviousVersion, item.Created).Scan(
		&item.ID, &item.APID, &item.Hash, &item.Diff, &item.Summary,
		&item.CreatorID, &item.ArticleID, &item.PreviousVersion, &item.Created)
	if err != nil {
		return Edit{}, fmt.Errorf("upsert edit: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetEditByAPID(ctx context.Context, apID string) (Edit, error) {
	return s.getEdit(ctx, `WHERE ap_id=$1`, apID)
}

func (s *PostgresStore) GetEditByHash(ctx context.Context, articleID int64, hash string) (Edit, error) {
	return s.getEdit(ctx, `WHERE article_id=$1 AND hash=$2`, articleID, hash)
}

func (s *PostgresStore) getEdit(ctx context.Context, where string, args ...any) (Edit, error) {
	var item Edit
	err := s.db.QueryRowContext(ctx,
		`SELECT `+editColumns+` FROM edits `+where, args...).Scan(
		&item.ID, &item.APID, &item.Hash, &item.Diff, &item.Summary,
		&item.CreatorID, &item.ArticleID, &item.PreviousVersion, &item.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return Edit{}, ErrNotFound
	}
	if err != nil {
		return Edit{}, fmt.Errorf("read edit: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListEditsForArticle(ctx context.Context, articleID int64) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+editColumns+` FROM edits WHERE article_id=$1 ORDER BY created ASC, id ASC`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		var item Edit
		if err := rows.Scan(&item.ID, &item.APID, &item.Hash, &item.Diff, &item.Summary,
			&item.CreatorID, &item.ArticleID, &item.PreviousVersion, &item.Created); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

// HasEditWithParent reports whether any edit of the article already extends
// the given parent version, i.e. whether a new child would be a fork sibling.
func (s *PostgresStore) HasEditWithParent(ctx context.Context, articleID int64, previousVersion string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM edits WHERE article_id=$1 AND previous_version=$2)`,
		articleID, previousVersion).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sibling edit: %w", err)
	}
	return exists, nil
}

// --- follows ---

// CreateFollow is idempotent; it reports whether a new relation was created.
func (s *PostgresStore) CreateFollow(ctx context.Context, followerID, targetID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO follows (follower_id, target_id)
		VALUES ($1, $2)
		ON CONFLICT (follower_id, target_id) DO NOTHING
	`, followerID, targetID)
	if err != nil {
		return false, fmt.Errorf("create follow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create follow result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AcceptFollow(ctx context.Context, followerID, targetID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follows SET accepted=TRUE WHERE follower_id=$1 AND target_id=$2`, followerID, targetID)
	if err != nil {
		return fmt.Errorf("accept follow: %w", err)
	}
	return nil
}

// ListFollowers returns every instance following the target, tentative
// relations included: delivery is at-least-once, not withheld on Accept.
func (s *PostgresStore) ListFollowers(ctx context.Context, targetID int64) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.ap_id, i.domain, i.inbox, i.local, i.created
		FROM follows f
		JOIN instances i ON i.id = f.follower_id
		WHERE f.target_id = $1
		ORDER BY i.id
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	defer rows.Close()

	items := make([]Instance, 0)
	for rows.Next() {
		var item Instance
		if err := rows.Scan(&item.ID, &item.APID, &item.Domain, &item.Inbox, &item.Local, &item.Created); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate followers: %w", err)
	}
	return items, nil
}

// --- conflicts ---

func (s *PostgresStore) InsertConflict(ctx context.Context, item Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (article_id, edit_ap_id, hash, previous_version, status)
		VALUES ($1, $2, $3, $4, 'OPEN')
		ON CONFLICT (edit_ap_id) DO NOTHING
	`, item.ArticleID, item.EditAPID, item.Hash, item.PreviousVersion)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpenConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, article_id, edit_ap_id, hash, previous_version, status, created
		FROM conflicts
		WHERE status='OPEN'
		ORDER BY created ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	items := make([]Conflict, 0)
	for rows.Next() {
		var item Conflict
		if err := rows.Scan(&item.ID, &item.ArticleID, &item.EditAPID, &item.Hash,
			&item.PreviousVersion, &item.Status, &item.Created); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, conflictID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conflicts SET status='RESOLVED' WHERE id=$1`, conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return nil
}

// --- users ---

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, admin, password_hash, created FROM users WHERE name=$1
	`, name).Scan(&user.ID, &user.Name, &user.Admin, &user.PasswordHash, &user.Created)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name, admin, password_hash, created
	`, name).Scan(&user.ID, &user.Name, &user.Admin, &user.PasswordHash, &user.Created)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, admin, password_hash, created FROM users WHERE name=$1
	`, name).Scan(&user.ID, &user.Name, &user.Admin, &user.PasswordHash, &user.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UpsertAdminUser(ctx context.Context, name, passwordHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, admin, password_hash)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (name) DO UPDATE SET admin=TRUE, password_hash=EXCLUDED.password_hash
		RETURNING id, name, admin, password_hash, created
	`, name, passwordHash).Scan(&user.ID, &user.Name, &user.Admin, &user.PasswordHash, &user.Created)
	if err != nil {
		return User{}, fmt.Errorf("upsert admin user: %w", err)
	}
	return user, nil
}
