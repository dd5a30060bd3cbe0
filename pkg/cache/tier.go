package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"time"

	badger "github.com/dgraph-io/badger/v3"
)

// l2Tier is the optional second cache tier: an in-process badger instance
// opened WithInMemory, used to hold entries evicted from L1 without losing
// them outright. It never touches disk, so it carries no durability beyond
// the process lifetime — consistent with this CDN never persisting across
// restarts.
type l2Tier struct {
	db *badger.DB
}

func newL2Tier() (*l2Tier, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory l2 tier: %w", err)
	}
	return &l2Tier{db: db}, nil
}

func (l *l2Tier) close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type l2Record struct {
	Body             []byte
	Header           http.Header
	StatusCode       int
	ETag             string
	LastModified     string
	Tags             []string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	StaleIfErrorSecs int
	StaleWhileRevalidateSecs int
	AccessCount      uint32
	LastAccessed     time.Time
}

func (l *l2Tier) set(key string, e *Entry) error {
	if l == nil || l.db == nil {
		return nil
	}
	rec := l2Record{
		Body: e.Body, Header: e.Header, StatusCode: e.StatusCode,
		ETag: e.ETag, LastModified: e.LastModified, Tags: e.Tags,
		CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt,
		StaleIfErrorSecs: e.StaleIfErrorSecs, StaleWhileRevalidateSecs: e.StaleWhileRevalidateSecs,
		AccessCount: e.AccessCount(), LastAccessed: e.LastAccessed(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encoding l2 record: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), buf.Bytes())
		if ttl := time.Until(e.ExpiresAt); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func entryFromL2Record(rec l2Record) *Entry {
	e := &Entry{
		Body: rec.Body, Header: rec.Header, StatusCode: rec.StatusCode,
		ETag: rec.ETag, LastModified: rec.LastModified, Tags: rec.Tags,
		CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt,
		StaleIfErrorSecs: rec.StaleIfErrorSecs, StaleWhileRevalidateSecs: rec.StaleWhileRevalidateSecs,
		Size: int64(len(rec.Body)),
	}
	lastAccessed := rec.LastAccessed
	if lastAccessed.IsZero() {
		lastAccessed = rec.CreatedAt
	}
	e.restoreAccessBookkeeping(rec.AccessCount, lastAccessed)
	return e
}

func (l *l2Tier) get(key string) (*Entry, bool) {
	if l == nil || l.db == nil {
		return nil, false
	}
	var rec l2Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	if err != nil {
		return nil, false
	}
	return entryFromL2Record(rec), true
}

func (l *l2Tier) clear() {
	if l == nil || l.db == nil {
		return
	}
	_ = l.db.DropAll()
}

func (l *l2Tier) delete(key string) {
	if l == nil || l.db == nil {
		return
	}
	_ = l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

type l2SampledEntry struct {
	key   string
	entry *Entry
}

// sample draws up to n entries by iteration order (badger's LSM layout
// makes this effectively arbitrary, not uniform-random, but it's cheap and
// good enough for the same bounded-candidate eviction tradeoff L1 makes).
func (l *l2Tier) sample(n int) []l2SampledEntry {
	if l == nil || l.db == nil || n <= 0 {
		return nil
	}
	out := make([]l2SampledEntry, 0, n)
	_ = l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(out) < n; it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var rec l2Record
			if err := item.Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
			}); err != nil {
				continue
			}
			out = append(out, l2SampledEntry{key: key, entry: entryFromL2Record(rec)})
		}
		return nil
	})
	return out
}
