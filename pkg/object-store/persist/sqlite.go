package persist

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// SQLite stores blobs in a single-file SQLite database.
type SQLite struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLite opens (and initializes if needed) the database at the given
// filename. Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLite(filename string) (*SQLite, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)"); err != nil {
		return nil, errors.Wrap(err, "failed to create cache table")
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)"); err != nil {
		return nil, errors.Wrap(err, "failed to create expires index")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, "failed to set journal mode")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(key string, expires time.Time, blob []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key, exp, blob)
	return errors.Wrap(err, "failed to write cache entry")
}

func (s *SQLite) Get(key string) ([]byte, bool, error) {
	var exp int64
	var blob []byte
	err := s.db.QueryRow("SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&exp, &blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read cache entry")
	}
	if exp != 0 && expired(time.Unix(exp, 0), time.Now()) {
		_ = s.Delete(key)
		return nil, false, nil
	}
	return blob, true, nil
}

func (s *SQLite) GetPrefix(prefix string) (map[string][]byte, error) {
	rows, err := s.db.Query("SELECT key, expires, bytes FROM cache WHERE key LIKE ? ESCAPE '\\'", likePrefix(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cache entries by prefix")
	}
	defer rows.Close()
	blobs := make(map[string][]byte)
	now := time.Now()
	for rows.Next() {
		var key string
		var exp int64
		var blob []byte
		if err := rows.Scan(&key, &exp, &blob); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache entry")
		}
		if exp != 0 && expired(time.Unix(exp, 0), now) {
			continue
		}
		blobs[key] = blob
	}
	return blobs, rows.Err()
}

func (s *SQLite) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return errors.Wrap(err, "failed to delete cache entry")
}

func (s *SQLite) DeletePrefix(prefix string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key LIKE ? ESCAPE '\\'", likePrefix(prefix))
	return errors.Wrap(err, "failed to delete cache entries by prefix")
}

func (s *SQLite) Keys(cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM cache")
	if err != nil {
		return errors.Wrap(err, "failed to list cache keys")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return errors.Wrap(err, "failed to scan cache key")
		}
		cb(key)
	}
	return rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// likePrefix turns a literal prefix into a LIKE pattern, escaping the
// wildcard characters that can occur in percent-encoded URLs.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
