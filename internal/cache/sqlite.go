package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cachecontrol"
	"github.com/Tksty/polipo/internal/logging"
)

// SQLiteStore persists objects in a SQLite database so the cache survives
// restarts. Each Get rebuilds a fresh object from its row.
type SQLiteStore struct {
	db         *sql.DB
	pool       *atom.Pool
	logger     logging.Logger
	maxEntries int
	writeMu    sync.Mutex
}

// NewSQLiteStore opens (and creates if needed) the database at dsn. An
// empty dsn opens a private in-memory database.
func NewSQLiteStore(dsn string, pool *atom.Pool, maxEntries int, logger logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if dsn == "" {
		dsn = "file::memory:"
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a second connection to :memory: would see an empty database
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			url TEXT PRIMARY KEY,
			code INTEGER,
			message TEXT,
			length INTEGER,
			etag TEXT,
			date INTEGER,
			last_modified INTEGER,
			expires INTEGER,
			fetched INTEGER,
			cache_control INTEGER,
			max_age INTEGER,
			s_maxage INTEGER,
			headers TEXT,
			via TEXT,
			body BLOB,
			accessed INTEGER
		)`,
		"CREATE INDEX IF NOT EXISTS accessed_idx ON objects (accessed)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, pool: pool, logger: logger, maxEntries: maxEntries}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Object, bool) {
	var (
		code, cc, maxAge, sMaxAge              int
		length, date, lastMod, expires, fetched int64
		message, etag, headers, via            string
		body                                   []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT
		code, message, length, etag, date, last_modified, expires, fetched,
		cache_control, max_age, s_maxage, headers, via, body
		FROM objects WHERE url = ?`, key).Scan(
		&code, &message, &length, &etag, &date, &lastMod, &expires, &fetched,
		&cc, &maxAge, &sMaxAge, &headers, &via, &body)
	if err != nil {
		return nil, false
	}

	s.writeMu.Lock()
	_, err = s.db.ExecContext(ctx, "UPDATE objects SET accessed = ? WHERE url = ?", time.Now().UnixNano(), key)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn("couldn't update access time", "url", key, "err", err)
	}

	obj := NewObject(s.pool.Intern(key))
	obj.Code = code
	obj.Message = internOrNil(s.pool, message)
	obj.Length = length
	obj.ETag = etag
	obj.Date = fromUnix(date)
	obj.LastModified = fromUnix(lastMod)
	obj.Expires = fromUnix(expires)
	obj.Fetched = fromUnix(fetched)
	obj.CacheControl = cachecontrol.Flags(cc)
	obj.MaxAge = maxAge
	obj.SMaxAge = sMaxAge
	obj.Headers = internOrNil(s.pool, headers)
	obj.Via = internOrNil(s.pool, via)
	obj.Body = body
	obj.Populated()
	return obj, true
}

func (s *SQLiteStore) Set(ctx context.Context, obj *Object) error {
	if obj.Flags&Initial != 0 {
		return errors.New("cache: refusing to store an unpopulated object")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO objects (
		url, code, message, length, etag, date, last_modified, expires, fetched,
		cache_control, max_age, s_maxage, headers, via, body, accessed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Key.String(), obj.Code, obj.Message.String(), obj.Length, obj.ETag,
		toUnix(obj.Date), toUnix(obj.LastModified), toUnix(obj.Expires), toUnix(obj.Fetched),
		int(obj.CacheControl), obj.MaxAge, obj.SMaxAge,
		obj.Headers.String(), obj.Via.String(), obj.Body, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store %s: %w", obj.Key.String(), err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM objects").Scan(&n); err != nil {
		return fmt.Errorf("count objects: %w", err)
	}
	if n <= s.maxEntries {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM objects WHERE url IN (
		SELECT url FROM objects ORDER BY accessed ASC LIMIT ?)`, n-s.maxEntries)
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM objects WHERE url = ?", key); err != nil {
		s.logger.Error("couldn't delete object", "url", key, "err", err)
	}
}

func (s *SQLiteStore) Len() int {
	var n int
	if err := s.db.QueryRow("SELECT count(*) FROM objects").Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func internOrNil(p *atom.Pool, s string) *atom.Atom {
	if s == "" {
		return nil
	}
	return p.Intern(s)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec < 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
