// Package vault is the Disk-as-Truth storage engine. The remote disk owns
// all persistent state; the engine's job is to keep the JSON indexes
// embedded there consistent with the actual files through a four-stage
// write pipeline, a TTL-guarded read path, and self-healing reconciliation.
// The engine holds no state of its own beyond request-scoped records and a
// local index cache that is always allowed to be thrown away.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/avtopark/carvault/vault/disk"
)

const mib = 1024 * 1024

// Config carries the engine's limits and TTLs. Zero values are replaced
// with the documented defaults; TTLs are clamped to their allowed ranges.
type Config struct {
	// BaseDir is the root directory on the disk, e.g. "/Фото".
	BaseDir string

	PhotoCap      int     // max photos per slot
	SlotSizeCapMB float64 // max total slot size

	// Per-request upload caps, enforced before slot-level limits.
	MaxFileSizeMB     float64
	MaxFilesPerUpload int
	MaxTotalUploadMB  float64

	RegionTTL time.Duration
	PhotosTTL time.Duration
	SlotTTL   time.Duration
	LockTTL   time.Duration

	// How long a writer waits for a live slot lock before giving up with
	// LockHeld.
	LockRetryAttempts int
	LockRetryDelay    time.Duration

	ArchiveRetryDelay time.Duration

	DebugPipeline    bool
	DebugRegionIndex bool
	DebugCarLoading  bool
}

func clampTTL(d, def, min, max time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func (c Config) withDefaults() Config {
	if c.BaseDir == "" {
		c.BaseDir = "/Фото"
	}
	if c.PhotoCap == 0 {
		c.PhotoCap = 40
	}
	if c.SlotSizeCapMB == 0 {
		c.SlotSizeCapMB = 20
	}
	if c.MaxFileSizeMB == 0 {
		c.MaxFileSizeMB = 10
	}
	if c.MaxFilesPerUpload == 0 {
		c.MaxFilesPerUpload = 20
	}
	if c.MaxTotalUploadMB == 0 {
		c.MaxTotalUploadMB = 20
	}
	c.RegionTTL = clampTTL(c.RegionTTL, 10*time.Minute, 10*time.Minute, 30*time.Minute)
	c.PhotosTTL = clampTTL(c.PhotosTTL, 2*time.Minute, time.Minute, 2*time.Minute)
	c.SlotTTL = clampTTL(c.SlotTTL, 2*time.Minute, time.Minute, 2*time.Minute)
	if c.LockTTL == 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LockRetryAttempts == 0 {
		c.LockRetryAttempts = 5
	}
	if c.LockRetryDelay == 0 {
		c.LockRetryDelay = 200 * time.Millisecond
	}
	if c.ArchiveRetryDelay == 0 {
		c.ArchiveRetryDelay = time.Second
	}
	return c
}

// Engine is the storage engine. Construct one at process start with its
// dependencies injected; it is safe for concurrent use.
type Engine struct {
	disk  *disk.Client
	cache *IndexCache // optional
	cfg   Config

	// now is the engine's clock, swappable in tests.
	now func() time.Time
}

// New builds an Engine. cache may be nil to disable local index caching.
func New(client *disk.Client, cache *IndexCache, cfg Config) *Engine {
	return &Engine{
		disk:  client,
		cache: cache,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// errIndexRebuild routes a read to reconcile: the index it wanted is
// missing, malformed, of a foreign schema generation, or past its TTL.
var errIndexRebuild = errors.New("index requires rebuild")

// fetchIndexBody reads an index body through the cache. A cache hit within
// ttl skips the disk round-trip entirely.
func (e *Engine) fetchIndexBody(ctx context.Context, bucket []byte, indexPath string, ttl time.Duration) ([]byte, error) {
	if e.cache != nil {
		if body, ok := e.cache.Get(bucket, indexPath, ttl, e.now()); ok {
			return body, nil
		}
	}
	body, err := e.disk.Get(ctx, indexPath)
	if err != nil {
		if disk.IsNotFound(err) {
			return nil, errIndexRebuild
		}
		return nil, err
	}
	if e.cache != nil {
		e.cache.Put(bucket, indexPath, body, e.now())
	}
	return body, nil
}

// primeCache records a just-written index body so the next read serves the
// write without waiting out any TTL.
func (e *Engine) primeCache(bucket []byte, indexPath string, v interface{}) {
	if e.cache == nil {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.cache.Put(bucket, indexPath, body, e.now())
}

// loadPhotoIndex returns the slot's _PHOTOS.json if it is schema-valid
// and, unless bypassTTL, younger than the photos TTL. Everything else is
// errIndexRebuild.
func (e *Engine) loadPhotoIndex(ctx context.Context, slotPath string, bypassTTL bool) (*PhotoIndex, error) {
	indexPath := slotPath + "/" + PhotosFile
	body, err := e.fetchIndexBody(ctx, bucketPhotos, indexPath, e.cfg.PhotosTTL)
	if err != nil {
		return nil, err
	}
	var idx PhotoIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, errIndexRebuild
	}
	if err := idx.Validate(e.cfg.PhotoCap); err != nil {
		return nil, errIndexRebuild
	}
	if !bypassTTL && e.now().Sub(idx.UpdatedAt) > e.cfg.PhotosTTL {
		return nil, errIndexRebuild
	}
	return &idx, nil
}

// loadSlotStats returns the slot's _SLOT.json under the same freshness
// rules as loadPhotoIndex.
func (e *Engine) loadSlotStats(ctx context.Context, slotPath string, bypassTTL bool) (*SlotStats, error) {
	statsPath := slotPath + "/" + SlotFile
	body, err := e.fetchIndexBody(ctx, bucketSlot, statsPath, e.cfg.SlotTTL)
	if err != nil {
		return nil, err
	}
	var stats SlotStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, errIndexRebuild
	}
	if !bypassTTL && e.now().Sub(stats.UpdatedAt) > e.cfg.SlotTTL {
		return nil, errIndexRebuild
	}
	return &stats, nil
}

// writeSlotIndexes publishes a slot's _PHOTOS.json and the _SLOT.json
// derived from it, then primes the cache with both.
func (e *Engine) writeSlotIndexes(ctx context.Context, slotPath string, idx *PhotoIndex) error {
	indexPath := slotPath + "/" + PhotosFile
	if err := e.disk.PutJSON(ctx, indexPath, idx); err != nil {
		return err
	}
	e.primeCache(bucketPhotos, indexPath, idx)

	stats := idx.Stats()
	statsPath := slotPath + "/" + SlotFile
	if err := e.disk.PutJSON(ctx, statsPath, stats); err != nil {
		return err
	}
	e.primeCache(bucketSlot, statsPath, stats)
	return nil
}
