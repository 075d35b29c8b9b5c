package persist

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Postgres stores blobs in a PostgreSQL table, for deployments that
// already run a database and do not want a file on the proxy host.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects using a lib/pq connection string and creates the
// cache table if it does not exist.
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		expires BIGINT,
		bytes BYTEA)`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache table")
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Put(key string, expires time.Time, blob []byte) error {
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	_, err := p.db.Exec(
		`INSERT INTO cache (key, expires, bytes) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET expires = $2, bytes = $3`,
		key, exp, blob)
	return errors.Wrap(err, "failed to write cache entry")
}

func (p *Postgres) Get(key string) ([]byte, bool, error) {
	var exp int64
	var blob []byte
	err := p.db.QueryRow(`SELECT expires, bytes FROM cache WHERE key = $1`, key).
		Scan(&exp, &blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read cache entry")
	}
	if exp != 0 && expired(time.Unix(exp, 0), time.Now()) {
		_ = p.Delete(key)
		return nil, false, nil
	}
	return blob, true, nil
}

func (p *Postgres) GetPrefix(prefix string) (map[string][]byte, error) {
	rows, err := p.db.Query(`SELECT key, expires, bytes FROM cache WHERE key LIKE $1 ESCAPE '\'`,
		likePrefix(prefix))
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

func (p *Postgres) Delete(key string) error {
	_, err := p.db.Exec(`DELETE FROM cache WHERE key = $1`, key)
	return errors.Wrap(err, "failed to delete cache entry")
}

func (p *Postgres) DeletePrefix(prefix string) error {
	_, err := p.db.Exec(`DELETE FROM cache WHERE key LIKE $1 ESCAPE '\'`,
		likePrefix(prefix))
	return errors.Wrap(err, "failed to delete cache entries by prefix")
}

func (p *Postgres) Keys(cb func(string)) error {
	rows, err := p.db.Query(`SELECT key FROM cache`)
	if err != nil {
		return errors.Wrap(err, "failed to query cache keys")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return errors.Wrap(err, "failed to scan cache key")
		}
		cb(key)
	}
	return errors.Wrap(rows.Err(), "failed to iterate cache keys")
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
