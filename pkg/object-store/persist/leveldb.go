package persist

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB stores blobs in a LevelDB directory.
type LevelDB struct {
	db *leveldb.DB
}

type leveldbEntry struct {
	Expires int64
	Blob    []byte
}

// NewLevelDB opens (creating if needed) the database directory at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open leveldb")
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Put(key string, expires time.Time, blob []byte) error {
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(leveldbEntry{Expires: exp, Blob: blob}); err != nil {
		return errors.Wrap(err, "failed to encode cache entry")
	}
	return errors.Wrap(l.db.Put([]byte(key), buf.Bytes(), nil), "failed to write cache entry")
}

func (l *LevelDB) Get(key string) ([]byte, bool, error) {
	raw, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read cache entry")
	}
	var entry leveldbEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		// a blob that does not decode is useless, drop it
		_ = l.Delete(key)
		return nil, false, nil
	}
	if entry.Expires != 0 && expired(time.Unix(entry.Expires, 0), time.Now()) {
		_ = l.Delete(key)
		return nil, false, nil
	}
	return entry.Blob, true, nil
}

func (l *LevelDB) GetPrefix(prefix string) (map[string][]byte, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	blobs := make(map[string][]byte)
	now := time.Now()
	for it.Next() {
		var entry leveldbEntry
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&entry); err != nil {
			continue
		}
		if entry.Expires != 0 && expired(time.Unix(entry.Expires, 0), now) {
			continue
		}
		blobs[string(it.Key())] = entry.Blob
	}
	return blobs, errors.Wrap(it.Error(), "failed to iterate cache entries")
}

func (l *LevelDB) Delete(key string) error {
	return errors.Wrap(l.db.Delete([]byte(key), nil), "failed to delete cache entry")
}

func (l *LevelDB) DeletePrefix(prefix string) error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "failed to iterate cache entries")
	}
	return errors.Wrap(l.db.Write(batch, nil), "failed to delete cache entries by prefix")
}

func (l *LevelDB) Keys(cb func(string)) error {
	it := l.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		cb(string(it.Key()))
	}
	return errors.Wrap(it.Error(), "failed to iterate cache keys")
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
