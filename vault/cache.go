package vault

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// Cache bucket names, one per index class so each can carry its own TTL.
var (
	bucketRegion = []byte("region")
	bucketPhotos = []byte("photos")
	bucketSlot   = []byte("slot")
)

// IndexCache keeps recently fetched index bodies in a local bolt database,
// keyed by disk path. Entries older than their class TTL are ignored and
// re-fetched from the disk, so the cache can never outlive the staleness
// window the engine already tolerates. Writers re-prime it immediately
// after writing an index, which is what makes TTL-bypass reads cheap.
type IndexCache struct {
	db *bolt.DB
}

type cacheEntry struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Body      json.RawMessage `json:"body"`
}

// OpenIndexCache opens (or creates) the cache database at path.
func OpenIndexCache(path string) (*IndexCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRegion, bucketPhotos, bucketSlot} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &IndexCache{db: db}, nil
}

// Close releases the database.
func (c *IndexCache) Close() error {
	return c.db.Close()
}

// Get returns the cached body for key if it is younger than ttl.
func (c *IndexCache) Get(bucket []byte, key string, ttl time.Duration, now time.Time) ([]byte, bool) {
	var body []byte
	c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		if now.Sub(entry.FetchedAt) > ttl {
			return nil
		}
		body = append([]byte(nil), entry.Body...)
		return nil
	})
	return body, body != nil
}

// Put stores a freshly fetched or freshly written body for key.
func (c *IndexCache) Put(bucket []byte, key string, body []byte, now time.Time) {
	raw, err := json.Marshal(cacheEntry{FetchedAt: now, Body: body})
	if err != nil {
		return
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Could not write index cache entry.")
	}
}

// Invalidate drops the cached body for key.
func (c *IndexCache) Invalidate(bucket []byte, key string) {
	c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
