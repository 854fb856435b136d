// Package sqlite implements domain.TwitRepository, domain.CursorRepository
// and domain.PostLogRepository on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/blackmichael/atweet/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driver = "sqlite"

// Repository implements domain.TwitRepository and domain.CursorRepository
// using SQLite.
type Repository struct {
	db        *sql.DB
	maxBuffer int
	now       func() time.Time
}

// NewRepository opens (or creates) the SQLite database at path, applies
// pending schema migrations and returns a new Repository retaining at most
// maxBuffer items. The caller should call Close when the repository is no
// longer needed.
func NewRepository(ctx context.Context, path string, maxBuffer int) (*Repository, error) {
	if maxBuffer <= 0 {
		maxBuffer = domain.DefaultMaxBuffer
	}

	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db, 0); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db, maxBuffer: maxBuffer, now: time.Now}, nil
}

func open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func dsn(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Set("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

// migrate applies the embedded migrations up to version, or all of them
// when version is 0.
func migrate(ctx context.Context, db *sql.DB, version int64) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if version > 0 {
		_, err = provider.UpTo(ctx, version)
	} else {
		_, err = provider.Up(ctx)
	}
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Add inserts a new item and trims the table to capacity. Items whose URI
// already exists are ignored.
func (r *Repository) Add(ctx context.Context, item *domain.FeedItem) error {
	indexedAt := item.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = r.now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO twits (
			type, author_did, author_handle, cid, indexed_at, record_created_at, uri,
			reshared_by_did, reshared_by_handle, subject_uri, subject_cid, subject_record_created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`,
		string(itemType(item.Type)),
		item.AuthorDID,
		item.AuthorHandle,
		item.CID,
		indexedAt.UTC().Format(time.RFC3339Nano),
		item.RecordCreatedAt,
		item.URI,
		nullString(item.ResharedByDID),
		nullString(item.ResharedByHandle),
		nullString(item.SubjectURI),
		nullString(item.SubjectCID),
		nullString(item.SubjectRecordCreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert twit: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert twit rows affected: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	// Delete everything at or below the first id past capacity.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM twits WHERE id <= (
			SELECT id FROM twits
			ORDER BY id DESC
			LIMIT 1 OFFSET ?
		)`, r.maxBuffer,
	)
	if err != nil {
		return fmt.Errorf("trim twits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const selectColumns = `
	id, type, author_did, author_handle, cid, indexed_at, record_created_at, uri,
	reshared_by_did, reshared_by_handle, subject_uri, subject_cid, subject_record_created_at`

// List retrieves items newest first. The cursor is the id of the last item
// of the previous page.
func (r *Repository) List(ctx context.Context, opts domain.ListOptions) (*domain.ListResult, error) {
	limit := domain.NormalizeLimit(opts.Limit)

	var (
		rows *sql.Rows
		err  error
	)

	if cursorID, ok := domain.ParseCursor(opts.Cursor); ok {
		rows, err = r.db.QueryContext(ctx, `
			SELECT`+selectColumns+`
			FROM twits
			WHERE id < ?
			ORDER BY id DESC
			LIMIT ?`,
			cursorID, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query twits with cursor (id=%d, limit=%d): %w", cursorID, limit, err)
		}
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT`+selectColumns+`
			FROM twits
			ORDER BY id DESC
			LIMIT ?`,
			limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query twits without cursor (limit=%d): %w", limit, err)
		}
	}
	defer rows.Close()

	items := make([]domain.FeedItem, 0, limit)
	var lastID int64
	for rows.Next() {
		item, id, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate twits: %w", err)
	}

	result := &domain.ListResult{Items: items}
	if len(items) == limit {
		result.NextCursor = domain.CursorFromID(lastID)
	}
	return result, nil
}

// GetByURI retrieves a single item, or nil if it does not exist.
func (r *Repository) GetByURI(ctx context.Context, uri string) (*domain.FeedItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+selectColumns+` FROM twits WHERE uri = ?`, uri)

	item, _, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Clear deletes every item. Ids keep increasing afterwards.
func (r *Repository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM twits`); err != nil {
		return fmt.Errorf("clear twits: %w", err)
	}
	return nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		service, cursor, r.now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// LastPost returns when did last published.
func (r *Repository) LastPost(ctx context.Context, did string) (time.Time, bool, error) {
	var postedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT posted_at FROM post_log WHERE did = ?`, did,
	).Scan(&postedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query post log for %s: %w", did, err)
	}

	at, err := time.Parse(time.RFC3339Nano, postedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse posted_at %q: %w", postedAt, err)
	}
	return at, true, nil
}

// RecordPost upserts the last publish time of did.
func (r *Repository) RecordPost(ctx context.Context, did string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO post_log (did, posted_at)
		VALUES (?, ?)
		ON CONFLICT (did) DO UPDATE SET posted_at = excluded.posted_at`,
		did, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record post for %s: %w", did, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*domain.FeedItem, int64, error) {
	var (
		id                                 int64
		typ, indexedAt                     string
		resharedByDID, resharedByHandle    sql.NullString
		subjectURI, subjectCID, subjectCAt sql.NullString
		item                               domain.FeedItem
	)

	err := s.Scan(
		&id,
		&typ,
		&item.AuthorDID,
		&item.AuthorHandle,
		&item.CID,
		&indexedAt,
		&item.RecordCreatedAt,
		&item.URI,
		&resharedByDID,
		&resharedByHandle,
		&subjectURI,
		&subjectCID,
		&subjectCAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan twit: %w", err)
	}

	item.IndexedAt, err = time.Parse(time.RFC3339Nano, indexedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("parse indexed_at %q: %w", indexedAt, err)
	}
	item.Type = itemType(domain.ItemType(typ))
	item.ResharedByDID = resharedByDID.String
	item.ResharedByHandle = resharedByHandle.String
	item.SubjectURI = subjectURI.String
	item.SubjectCID = subjectCID.String
	item.SubjectRecordCreatedAt = subjectCAt.String

	return &item, id, nil
}

func itemType(t domain.ItemType) domain.ItemType {
	if t == domain.ItemTypeRetwit {
		return t
	}
	return domain.ItemTypeTwit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
