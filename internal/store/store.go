package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// Record is one cached video, keyed by normalized URL or derived cut key.
type Record struct {
	URL         string
	MediaID     string
	Keywords    []string
	OriginalURL string
	CreatedAt   int64
}

// Usable reports whether the record carries a media handle that can be resent.
func (r *Record) Usable() bool { return r != nil && r.MediaID != "" }

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	url          TEXT PRIMARY KEY,
	media_id     TEXT,
	keywords     TEXT NOT NULL DEFAULT '[]',
	original_url TEXT,
	created_at   BIGINT NOT NULL
)`

type Store struct {
	db *dbutil.Database
}

// Open connects with dialect "sqlite3" or "postgres" and ensures the table.
func Open(ctx context.Context, dialect, uri string) (*Store, error) {
	raw, err := sql.Open(dialect, uri)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == "sqlite3" {
		raw.SetMaxOpenConns(1)
	}
	db, err := dbutil.NewWithDB(raw, dialect)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("wrap db: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

func New(db *dbutil.Database) *Store { return &Store{db: db} }

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create videos table: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.RawDB.Close() }

// Get returns the record for url, or nil when none exists.
func (s *Store) Get(ctx context.Context, url string) (*Record, error) {
	var (
		rec      Record
		mediaID  sql.NullString
		keywords string
		original sql.NullString
	)
	row := s.db.QueryRow(ctx,
		`SELECT url, media_id, keywords, original_url, created_at FROM videos WHERE url=$1`, url)
	if err := row.Scan(&rec.URL, &mediaID, &keywords, &original, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	rec.MediaID = mediaID.String
	rec.OriginalURL = original.String
	if err := json.Unmarshal([]byte(keywords), &rec.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords for %s: %w", url, err)
	}
	return &rec, nil
}

// Insert writes rec unless a row with the same url exists. It reports whether
// a row was written; a conflict is not an error.
func (s *Store) Insert(ctx context.Context, rec Record) (bool, error) {
	kw, err := encodeKeywords(rec.Keywords)
	if err != nil {
		return false, err
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	res, err := s.db.Exec(ctx,
		`INSERT INTO videos (url, media_id, keywords, original_url, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (url) DO NOTHING`,
		rec.URL, nullable(rec.MediaID), kw, nullable(rec.OriginalURL), rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.URL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// SetMedia replaces the media handle of an existing row. An empty handle
// clears it.
func (s *Store) SetMedia(ctx context.Context, url, mediaID string) error {
	_, err := s.db.Exec(ctx, `UPDATE videos SET media_id=$2 WHERE url=$1`, url, nullable(mediaID))
	if err != nil {
		return fmt.Errorf("set media for %s: %w", url, err)
	}
	return nil
}

// SaveKeywords sets the keyword list of url, creating the row when missing.
func (s *Store) SaveKeywords(ctx context.Context, url string, keywords []string, originalURL string) error {
	kw, err := encodeKeywords(keywords)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO videos (url, keywords, original_url, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (url) DO UPDATE SET keywords=excluded.keywords`,
		url, kw, nullable(originalURL), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save keywords for %s: %w", url, err)
	}
	return nil
}

func encodeKeywords(kw []string) (string, error) {
	if kw == nil {
		kw = []string{}
	}
	b, err := json.Marshal(kw)
	if err != nil {
		return "", fmt.Errorf("encode keywords: %w", err)
	}
	return string(b), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
