package vault

import (
	"fmt"
	"time"

	"github.com/avtopark/carvault/vault/paths"
)

// Sidecar files embedded on the disk next to the photos. Everything the
// service knows is derived from these plus the directory listings
// themselves; the listings always win.
const (
	CarFile       = "_CAR.json"
	RegionFile    = "_REGION.json"
	PhotosFile    = "_PHOTOS.json"
	SlotFile      = "_SLOT.json"
	LockFile      = "_LOCK.json"
	DirtyFile     = "_DIRTY.json"
	LinksFile     = "_LINKS.json"
	PublishedFile = "_PUBLISHED.json"
	UsedFile      = "_USED.json"
)

// indexVersion tags every index schema this generation of the service
// writes. Validators reject anything else and route it to reconcile.
const indexVersion = 1

// Car is the per-car metadata stored in _CAR.json and echoed in region
// indexes.
type Car struct {
	Region         string     `json:"region"`
	Make           string     `json:"make"`
	Model          string     `json:"model"`
	VIN            string     `json:"vin"`
	DiskRootPath   string     `json:"disk_root_path,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	CreatedBy      string     `json:"created_by,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	ArchivedBy     string     `json:"archived_by,omitempty"`
	OriginalRegion string     `json:"original_region,omitempty"`
	RestoredAt     *time.Time `json:"restored_at,omitempty"`
	RestoredBy     string     `json:"restored_by,omitempty"`
}

// Validate checks the fields a _CAR.json cannot function without.
func (c *Car) Validate() error {
	if c.Region == "" || c.Make == "" || c.Model == "" {
		return fmt.Errorf("car metadata missing region/make/model")
	}
	if !paths.ValidVIN(c.VIN) {
		return fmt.Errorf("car metadata has invalid VIN %q", c.VIN)
	}
	return nil
}

// PhotoItem is one photo entry of a PhotoIndex.
type PhotoItem struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// PhotoIndex is the authoritative per-slot content index (_PHOTOS.json).
// It is derived state: at any moment it can be rebuilt from the slot's
// directory listing, and the validators below decide when it must be.
type PhotoIndex struct {
	Version   int         `json:"version"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Count     int         `json:"count"`
	Limit     int         `json:"limit"`
	Cover     *string     `json:"cover"`
	Items     []PhotoItem `json:"items"`
}

// Validate rejects malformed or foreign-generation indexes. photoCap is the
// configured per-slot photo limit the index must agree with.
func (p *PhotoIndex) Validate(photoCap int) error {
	if p.Version != indexVersion {
		return fmt.Errorf("photo index version %d, want %d", p.Version, indexVersion)
	}
	if p.Count != len(p.Items) {
		return fmt.Errorf("photo index count %d does not match %d items", p.Count, len(p.Items))
	}
	if p.Limit != photoCap {
		return fmt.Errorf("photo index limit %d, want %d", p.Limit, photoCap)
	}
	for _, item := range p.Items {
		if item.Name == "" {
			return fmt.Errorf("photo index item with empty name")
		}
		if item.Size < 0 {
			return fmt.Errorf("photo index item %q has negative size", item.Name)
		}
	}
	return nil
}

// TotalSizeMB sums the indexed photo sizes in megabytes.
func (p *PhotoIndex) TotalSizeMB() float64 {
	var total int64
	for _, item := range p.Items {
		total += item.Size
	}
	return float64(total) / (1024 * 1024)
}

// SlotStats is the _SLOT.json summary derived from a PhotoIndex. It is
// never the primary source; it exists so car views can show counts without
// pulling the full index.
type SlotStats struct {
	Count       int       `json:"count"`
	Cover       *string   `json:"cover"`
	TotalSizeMB float64   `json:"total_size_mb"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats derives the _SLOT.json summary from the index.
func (p *PhotoIndex) Stats() *SlotStats {
	return &SlotStats{
		Count:       p.Count,
		Cover:       p.Cover,
		TotalSizeMB: p.TotalSizeMB(),
		UpdatedAt:   p.UpdatedAt,
	}
}

// Lock is the _LOCK.json record held during the commit-index stage of the
// write pipeline. Mutual exclusion between writers is implemented entirely
// through this file; there are no in-process locks spanning remote calls.
type Lock struct {
	// Token uniquely identifies one acquisition. The store has no atomic
	// create, so writers confirm ownership by re-reading the lock and
	// comparing tokens.
	Token     string    `json:"token,omitempty"`
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Operation string    `json:"operation"`
	SlotPath  string    `json:"slot_path"`

	// Stats carries slot counters written by a previous generation of the
	// service that kept them inside the lock file. Read-only here.
	Stats *SlotStats `json:"stats,omitempty"`
}

// Expired reports whether the lock may be taken over.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// DirtyMarker (_DIRTY.json) flags a slot whose index may disagree with the
// files on disk. Reconcile consumes and clears it.
type DirtyMarker struct {
	MarkedAt time.Time `json:"marked_at"`
	Reason   string    `json:"reason"`
	SlotPath string    `json:"slot_path"`
}

// RegionIndex is the per-region car listing (_REGION.json).
type RegionIndex struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Cars      []Car     `json:"cars"`
}

// Validate rejects malformed region indexes.
func (r *RegionIndex) Validate() error {
	if r.Version != indexVersion {
		return fmt.Errorf("region index version %d, want %d", r.Version, indexVersion)
	}
	for _, car := range r.Cars {
		if !paths.ValidVIN(car.VIN) {
			return fmt.Errorf("region index car with invalid VIN %q", car.VIN)
		}
	}
	return nil
}

// find returns the index entry for vin, or -1.
func (r *RegionIndex) find(vin string) int {
	vin = paths.NormalizeVIN(vin)
	for i := range r.Cars {
		if r.Cars[i].VIN == vin {
			return i
		}
	}
	return -1
}

// Link is one external reference attached to a car.
type Link struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
}

// linksFile is the _LINKS.json shape.
type linksFile struct {
	Links     []Link    `json:"links"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublishedURL (_PUBLISHED.json) caches a slot's public URL so repeat
// publishes don't round-trip through the publish endpoint.
type PublishedURL struct {
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	PublishedBy string    `json:"published_by"`
}

// UsedMarker (_USED.json) is the administratively-set "slot used" flag.
type UsedMarker struct {
	Used     bool      `json:"used"`
	MarkedAt time.Time `json:"marked_at"`
	MarkedBy string    `json:"marked_by"`
}

// Slot is a slot descriptor as served to the API layer. Stats fields are
// zero placeholders until StatsLoaded is true.
type Slot struct {
	Type        paths.SlotType `json:"type"`
	Index       int            `json:"index"`
	Path        string         `json:"path"`
	StatsLoaded bool           `json:"statsLoaded"`
	Count       int            `json:"count"`
	Cover       string         `json:"cover,omitempty"`
	TotalSizeMB float64        `json:"total_size_mb"`
	Locked      bool           `json:"locked"`
	Used        bool           `json:"used"`
}

// CarSummary is one row of a region listing. Slot counts are placeholders
// until CountsLoaded is true; they are populated by a separate call.
type CarSummary struct {
	Car
	CountsLoaded bool `json:"countsLoaded"`
	TotalPhotos  int  `json:"totalPhotos"`
	LockedSlots  int  `json:"lockedSlots"`
	EmptySlots   int  `json:"emptySlots"`
}
