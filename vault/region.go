package vault

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// loadRegionIndex returns the region's _REGION.json if schema-valid and,
// unless bypassTTL, younger than the region TTL.
func (e *Engine) loadRegionIndex(ctx context.Context, region string, bypassTTL bool) (*RegionIndex, error) {
	indexPath := paths.RegionRoot(e.cfg.BaseDir, region) + "/" + RegionFile
	body, err := e.fetchIndexBody(ctx, bucketRegion, indexPath, e.cfg.RegionTTL)
	if err != nil {
		return nil, err
	}
	var idx RegionIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, errIndexRebuild
	}
	if err := idx.Validate(); err != nil {
		return nil, errIndexRebuild
	}
	if !bypassTTL && e.now().Sub(idx.UpdatedAt) > e.cfg.RegionTTL {
		return nil, errIndexRebuild
	}
	return &idx, nil
}

// regionIndex returns a usable region index, rebuilding it from the
// region folder when the stored one is missing, corrupt or stale.
func (e *Engine) regionIndex(ctx context.Context, region string) (*RegionIndex, error) {
	idx, err := e.loadRegionIndex(ctx, region, false)
	if err == nil {
		return idx, nil
	}
	if err != errIndexRebuild {
		return nil, err
	}
	if e.cfg.DebugRegionIndex {
		log.Debug().Str("region", region).Msg("Region index missing or stale, rebuilding.")
	}
	return e.reconcileRegion(ctx, region, &ReconcileResult{})
}

// ListCarsByRegion lists a region's cars from its index. Slot counts are
// placeholders; LoadCarSlotCounts fills them per car on demand.
func (e *Engine) ListCarsByRegion(ctx context.Context, region string) ([]CarSummary, error) {
	region = paths.NormalizeRegion(region)
	idx, err := e.regionIndex(ctx, region)
	if err != nil {
		return nil, err
	}
	summaries := make([]CarSummary, 0, len(idx.Cars))
	for _, car := range idx.Cars {
		summaries = append(summaries, CarSummary{Car: car, EmptySlots: paths.TotalSlots})
	}
	return summaries, nil
}

// upsertRegionIndex rewrites _REGION.json with car added or replaced.
// The current index is read straight from the disk, not the cache: this
// is a mutation and must merge with whatever concurrent writers published.
func (e *Engine) upsertRegionIndex(ctx context.Context, region string, car Car) error {
	region = paths.NormalizeRegion(region)
	indexPath := paths.RegionRoot(e.cfg.BaseDir, region) + "/" + RegionFile

	var idx RegionIndex
	if err := e.disk.GetJSON(ctx, indexPath, &idx); err != nil || idx.Validate() != nil {
		if err != nil && !disk.IsNotFound(err) {
			return err
		}
		// no usable index to merge into; a full rebuild indexes the new
		// car's folder along with everything else
		_, err := e.reconcileRegion(ctx, region, &ReconcileResult{})
		return err
	}

	car.VIN = paths.NormalizeVIN(car.VIN)
	if i := idx.find(car.VIN); i >= 0 {
		idx.Cars[i] = car
	} else {
		idx.Cars = append(idx.Cars, car)
	}
	sort.Slice(idx.Cars, func(i, j int) bool { return idx.Cars[i].VIN < idx.Cars[j].VIN })
	idx.UpdatedAt = e.now()

	if err := e.disk.PutJSON(ctx, indexPath, &idx); err != nil {
		return err
	}
	e.primeCache(bucketRegion, indexPath, &idx)
	return nil
}

// removeFromRegionIndex rewrites _REGION.json without the given VIN.
func (e *Engine) removeFromRegionIndex(ctx context.Context, region, vin string) error {
	region = paths.NormalizeRegion(region)
	vin = paths.NormalizeVIN(vin)
	indexPath := paths.RegionRoot(e.cfg.BaseDir, region) + "/" + RegionFile

	var idx RegionIndex
	if err := e.disk.GetJSON(ctx, indexPath, &idx); err != nil || idx.Validate() != nil {
		if err != nil && !disk.IsNotFound(err) {
			return err
		}
		_, err := e.reconcileRegion(ctx, region, &ReconcileResult{})
		return err
	}

	i := idx.find(vin)
	if i < 0 {
		return nil
	}
	idx.Cars = append(idx.Cars[:i], idx.Cars[i+1:]...)
	idx.UpdatedAt = e.now()

	if err := e.disk.PutJSON(ctx, indexPath, &idx); err != nil {
		return err
	}
	e.primeCache(bucketRegion, indexPath, &idx)
	return nil
}

// findCar resolves a car by VIN within a region, falling back to a folder
// scan (via region reconcile) when the index does not know the VIN yet.
func (e *Engine) findCar(ctx context.Context, region, vin string) (*Car, error) {
	region = paths.NormalizeRegion(region)
	vin = paths.NormalizeVIN(vin)

	idx, err := e.regionIndex(ctx, region)
	if err != nil {
		return nil, err
	}
	if i := idx.find(vin); i >= 0 {
		car := idx.Cars[i]
		return &car, nil
	}

	// the index may simply not have caught up with the folder yet
	idx, err = e.reconcileRegion(ctx, region, &ReconcileResult{})
	if err != nil {
		return nil, err
	}
	if i := idx.find(vin); i >= 0 {
		car := idx.Cars[i]
		return &car, nil
	}
	return nil, &NotFoundError{What: "car", Key: region + "/" + vin}
}

// carRootOf returns the car's root folder, preferring the recorded path.
func (e *Engine) carRootOf(car *Car) string {
	if car.DiskRootPath != "" {
		return car.DiskRootPath
	}
	if car.Region == paths.ArchiveRegion {
		return paths.ArchiveRoot(e.cfg.BaseDir, car.OriginalRegion, car.Make, car.Model, car.VIN)
	}
	return paths.CarRoot(e.cfg.BaseDir, car.Region, car.Make, car.Model, car.VIN)
}
