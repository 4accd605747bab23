package vault

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

const moveAttempts = 3

// moveWithRetry relocates a car tree. Transient store failures back off
// and retry; a destination conflict is retried exactly once with
// overwrite enabled, then aborts.
func (e *Engine) moveWithRetry(ctx context.Context, from, to string) error {
	overwrite := false
	var lastErr error
	for attempt := 0; attempt < moveAttempts; attempt++ {
		err := e.disk.Move(ctx, from, to, overwrite)
		if err == nil {
			return nil
		}
		lastErr = err

		var conflict *disk.MoveConflictError
		if errors.As(err, &conflict) {
			if overwrite {
				return err
			}
			log.Warn().Str("from", from).Str("to", to).
				Msg("Move destination exists, retrying with overwrite.")
			overwrite = true
			continue
		}

		var serr *disk.StoreError
		if errors.As(err, &serr) && serr.Transient && attempt < moveAttempts-1 {
			delay := e.cfg.ArchiveRetryDelay * (1 << attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return err
	}
	return lastErr
}

// ArchiveCar moves a car into the ALL region under its archive name and
// rewrites both region indexes. Once the tree has moved, failing to write
// the new metadata is fatal for the operation: without it the archive
// would hold a car no index can explain.
func (e *Engine) ArchiveCar(ctx context.Context, region, vin, actor string) (string, error) {
	region = paths.NormalizeRegion(region)
	vin = paths.NormalizeVIN(vin)
	if region == paths.ArchiveRegion {
		return "", &ValidationError{Msg: "car is already archived"}
	}

	car, err := e.findCar(ctx, region, vin)
	if err != nil {
		return "", err
	}
	oldRoot := e.carRootOf(car)
	newRoot := paths.ArchiveRoot(e.cfg.BaseDir, region, car.Make, car.Model, car.VIN)

	if err := e.disk.EnsureDir(ctx, paths.RegionRoot(e.cfg.BaseDir, paths.ArchiveRegion)); err != nil {
		return "", err
	}
	if err := e.moveWithRetry(ctx, oldRoot, newRoot); err != nil {
		return "", err
	}

	now := e.now()
	archived := *car
	archived.Region = paths.ArchiveRegion
	archived.OriginalRegion = region
	archived.ArchivedAt = &now
	archived.ArchivedBy = actor
	archived.DiskRootPath = newRoot
	if err := e.disk.PutJSON(ctx, newRoot+"/"+CarFile, &archived); err != nil {
		return "", err
	}

	if err := e.removeFromRegionIndex(ctx, region, vin); err != nil {
		return newRoot, &RegionIndexError{Region: region, Err: err}
	}
	if err := e.upsertRegionIndex(ctx, paths.ArchiveRegion, archived); err != nil {
		return newRoot, &RegionIndexError{Region: paths.ArchiveRegion, Err: err}
	}
	return newRoot, nil
}

// RestoreCar moves an archived car back into a live region. The target
// must not already contain the VIN.
func (e *Engine) RestoreCar(ctx context.Context, vin, targetRegion, actor string) (*Car, error) {
	targetRegion = paths.NormalizeRegion(targetRegion)
	vin = paths.NormalizeVIN(vin)
	if targetRegion == paths.ArchiveRegion {
		return nil, &ValidationError{Msg: "cannot restore into the archive region"}
	}

	car, err := e.findCar(ctx, paths.ArchiveRegion, vin)
	if err != nil {
		return nil, err
	}

	if idx, err := e.regionIndex(ctx, targetRegion); err == nil && idx.find(vin) >= 0 {
		return nil, &ExistsError{Region: targetRegion, VIN: vin}
	} else if err != nil {
		return nil, err
	}

	oldRoot := e.carRootOf(car)
	newRoot := paths.CarRoot(e.cfg.BaseDir, targetRegion, car.Make, car.Model, car.VIN)

	if err := e.disk.EnsureDir(ctx, paths.RegionRoot(e.cfg.BaseDir, targetRegion)); err != nil {
		return nil, err
	}
	if err := e.moveWithRetry(ctx, oldRoot, newRoot); err != nil {
		return nil, err
	}

	now := e.now()
	restored := *car
	restored.Region = targetRegion
	restored.DiskRootPath = newRoot
	restored.RestoredAt = &now
	restored.RestoredBy = actor
	restored.OriginalRegion = ""
	restored.ArchivedAt = nil
	restored.ArchivedBy = ""
	if err := e.disk.PutJSON(ctx, newRoot+"/"+CarFile, &restored); err != nil {
		return nil, err
	}

	if err := e.removeFromRegionIndex(ctx, paths.ArchiveRegion, vin); err != nil {
		return &restored, &RegionIndexError{Region: paths.ArchiveRegion, Err: err}
	}
	if err := e.upsertRegionIndex(ctx, targetRegion, restored); err != nil {
		return &restored, &RegionIndexError{Region: targetRegion, Err: err}
	}
	return &restored, nil
}
