package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// GetCarWithSlots opens a car: its metadata plus all 14 slot descriptors.
// This costs a single remote read; slot stats stay unloaded placeholders
// until LoadCarSlotCounts is called.
func (e *Engine) GetCarWithSlots(ctx context.Context, region, vin string) (*Car, []Slot, error) {
	entry, err := e.findCar(ctx, region, vin)
	if err != nil {
		return nil, nil, err
	}
	carRoot := e.carRootOf(entry)

	car := &Car{}
	if err := e.disk.GetJSON(ctx, carRoot+"/"+CarFile, car); err != nil || car.Validate() != nil {
		if err != nil && !disk.IsNotFound(err) {
			return nil, nil, err
		}
		// serve the index entry; reconcile will rewrite the metadata later
		log.Warn().Str("carRoot", carRoot).Msg("Car metadata unreadable, serving region index entry.")
		clone := *entry
		car = &clone
	}
	car.DiskRootPath = carRoot

	refs := paths.AllSlotPaths(carRoot, car.Make, car.Model, car.VIN)
	slots := make([]Slot, 0, len(refs))
	for _, ref := range refs {
		slots = append(slots, Slot{Type: ref.Type, Index: ref.Index, Path: ref.Path})
	}
	if e.cfg.DebugCarLoading {
		log.Debug().Str("carRoot", carRoot).Int("slots", len(slots)).Msg("Opened car.")
	}
	return car, slots, nil
}

// readLock fetches a slot's _LOCK.json, nil when absent.
func (e *Engine) readLock(ctx context.Context, slotPath string) (*Lock, error) {
	var lock Lock
	if err := e.disk.GetJSON(ctx, slotPath+"/"+LockFile, &lock); err != nil {
		if disk.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

// resolveSlotStats fills one slot descriptor using the cheapest source
// that is still trustworthy: the photo index, then the derived stats
// file, then legacy counters embedded in an old lock file, and finally a
// full rebuild from the directory listing.
func (e *Engine) resolveSlotStats(ctx context.Context, slot *Slot) error {
	apply := func(stats *SlotStats) {
		slot.StatsLoaded = true
		slot.Count = stats.Count
		slot.TotalSizeMB = stats.TotalSizeMB
		if stats.Cover != nil {
			slot.Cover = *stats.Cover
		}
	}

	var stats *SlotStats
	if idx, err := e.loadPhotoIndex(ctx, slot.Path, false); err == nil {
		stats = idx.Stats()
	} else if err != errIndexRebuild {
		return err
	}
	if stats == nil {
		if s, err := e.loadSlotStats(ctx, slot.Path, false); err == nil {
			stats = s
		} else if err != errIndexRebuild {
			return err
		}
	}

	lock, err := e.readLock(ctx, slot.Path)
	if err != nil {
		return err
	}
	if lock != nil {
		slot.Locked = !lock.Expired(e.now())
		if stats == nil && lock.Stats != nil {
			stats = lock.Stats
		}
	}

	if stats == nil {
		idx, err := e.reconcileSlot(ctx, slot.Path, &ReconcileResult{})
		if err != nil {
			return err
		}
		stats = idx.Stats()
	}
	apply(stats)

	used, err := e.disk.Exists(ctx, slot.Path+"/"+UsedFile)
	if err != nil {
		return err
	}
	slot.Used = used
	return nil
}

// LoadCarSlotCounts populates the stats of all 14 slots. Slots are
// resolved in parallel; each one is an independent chain of remote reads.
func (e *Engine) LoadCarSlotCounts(ctx context.Context, region, vin string) ([]Slot, error) {
	_, slots, err := e.GetCarWithSlots(ctx, region, vin)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(slots))
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.resolveSlotStats(ctx, &slots[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("loading stats for %s: %w", slots[i].Path, err)
		}
	}
	return slots, nil
}

// CreateCar provisions a car's full on-disk structure: root folder,
// metadata, the three slot-type folders and all 14 slot directories, then
// updates the region index. The index update is synchronous: a mutation
// the engine initiated is not allowed to silently leave the index stale.
func (e *Engine) CreateCar(ctx context.Context, region, carMake, model, vin, createdBy string) (*Car, error) {
	region = paths.NormalizeRegion(region)
	vin = paths.NormalizeVIN(vin)
	if region == paths.ArchiveRegion {
		return nil, &RegionDeniedError{Region: region}
	}
	if !paths.ValidVIN(vin) {
		return nil, &ValidationError{Msg: fmt.Sprintf("VIN %q must be 17 alphanumeric characters", vin)}
	}
	if carMake == "" || model == "" {
		return nil, &ValidationError{Msg: "make and model are required"}
	}

	if idx, err := e.regionIndex(ctx, region); err == nil && idx.find(vin) >= 0 {
		return nil, &ExistsError{Region: region, VIN: vin}
	} else if err != nil {
		return nil, err
	}

	rootPath := paths.CarRoot(e.cfg.BaseDir, region, carMake, model, vin)
	if err := e.disk.EnsureDir(ctx, rootPath); err != nil {
		return nil, err
	}

	now := e.now()
	car := &Car{
		Region:       region,
		Make:         carMake,
		Model:        model,
		VIN:          vin,
		DiskRootPath: rootPath,
		CreatedAt:    &now,
		CreatedBy:    createdBy,
	}
	if err := e.disk.PutJSON(ctx, rootPath+"/"+CarFile, car); err != nil {
		return nil, err
	}

	for _, folder := range paths.TypeFolders(rootPath) {
		if err := e.disk.EnsureDir(ctx, folder); err != nil {
			return nil, err
		}
	}
	for _, ref := range paths.AllSlotPaths(rootPath, carMake, model, vin) {
		if err := e.disk.EnsureDir(ctx, ref.Path); err != nil {
			return nil, err
		}
	}

	// re-list and verify the structure actually landed
	total := 0
	for _, folder := range paths.TypeFolders(rootPath) {
		items, err := e.disk.List(ctx, folder)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.IsDir() {
				total++
			}
		}
	}
	if total != paths.TotalSlots {
		return nil, fmt.Errorf("car %s: expected %d slot directories after create, found %d",
			vin, paths.TotalSlots, total)
	}

	if err := e.upsertRegionIndex(ctx, region, *car); err != nil {
		return car, &RegionIndexError{Region: region, Err: err}
	}
	return car, nil
}

// slotPathFor resolves a slot's directory for a car addressed by region
// and VIN.
func (e *Engine) slotPathFor(ctx context.Context, region, vin string, typ paths.SlotType, index int) (string, error) {
	if err := paths.ValidateSlot(typ, index); err != nil {
		return "", &SlotInvalidError{Err: err}
	}
	car, err := e.findCar(ctx, region, vin)
	if err != nil {
		return "", err
	}
	slotPath, err := paths.SlotPath(e.carRootOf(car), car.Make, car.Model, car.VIN, typ, index)
	if err != nil {
		return "", &SlotInvalidError{Err: err}
	}
	return slotPath, nil
}
