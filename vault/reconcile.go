package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// Depth selects how much of the tree a reconcile pass covers.
type Depth string

const (
	DepthSlot   Depth = "slot"
	DepthCar    Depth = "car"
	DepthRegion Depth = "region"
)

// ReconcileResult reports what a reconcile pass did.
type ReconcileResult struct {
	Actions  []string `json:"actionsPerformed"`
	Repaired []string `json:"repairedFiles"`
	Errors   []string `json:"errors"`
}

func (r *ReconcileResult) action(format string, args ...interface{}) {
	r.Actions = append(r.Actions, fmt.Sprintf(format, args...))
}

func (r *ReconcileResult) repaired(path string) {
	r.Repaired = append(r.Repaired, path)
}

func (r *ReconcileResult) failed(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Reconcile rebuilds derived indexes from the authoritative directory
// listings at the given depth. It is idempotent and is the same machinery
// reads fall back to when they meet a missing, corrupt or stale index.
// For DepthRegion, path may be either a region tag or the region's folder.
func (e *Engine) Reconcile(ctx context.Context, path string, depth Depth) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	switch depth {
	case DepthSlot:
		canonical, err := paths.AssertDiskPath(path, "reconcileSlot")
		if err != nil {
			return nil, err
		}
		if _, err := e.reconcileSlot(ctx, canonical, res); err != nil {
			return res, err
		}
	case DepthCar:
		canonical, err := paths.AssertDiskPath(path, "reconcileCar")
		if err != nil {
			return nil, err
		}
		if err := e.reconcileCar(ctx, canonical, res); err != nil {
			return res, err
		}
	case DepthRegion:
		segments := strings.Split(strings.Trim(path, "/"), "/")
		region := paths.NormalizeRegion(segments[len(segments)-1])
		if _, err := e.reconcileRegion(ctx, region, res); err != nil {
			return res, err
		}
	default:
		return nil, fmt.Errorf("unknown reconcile depth %q", depth)
	}
	return res, nil
}

// reconcileSlot rebuilds a slot's _PHOTOS.json and _SLOT.json from its
// directory listing and clears any dirty marker. The listing is the truth:
// whatever the old index claimed is discarded.
func (e *Engine) reconcileSlot(ctx context.Context, slotPath string, res *ReconcileResult) (*PhotoIndex, error) {
	items, err := e.disk.List(ctx, slotPath)
	if err != nil {
		if !disk.IsNotFound(err) {
			return nil, err
		}
		// the slot directory itself is gone; recreate it empty
		if err := e.disk.EnsureDir(ctx, slotPath); err != nil {
			return nil, err
		}
		res.repaired(slotPath)
		items = nil
	}

	photos := make([]PhotoItem, 0, len(items))
	for _, item := range items {
		if item.IsDir() || strings.HasPrefix(item.Name, "_") {
			continue
		}
		photos = append(photos, PhotoItem{
			Name:     item.Name,
			Size:     item.Size,
			Modified: item.Modified,
		})
	}

	idx := &PhotoIndex{
		Version:   indexVersion,
		UpdatedAt: e.now(),
		Count:     len(photos),
		Limit:     e.cfg.PhotoCap,
		Items:     photos,
	}
	if len(photos) > 0 {
		idx.Cover = &photos[0].Name
	}
	if err := e.writeSlotIndexes(ctx, slotPath, idx); err != nil {
		return nil, err
	}
	res.action("rebuilt index for %s (%d photos)", slotPath, idx.Count)
	res.repaired(slotPath + "/" + PhotosFile)
	res.repaired(slotPath + "/" + SlotFile)

	if err := e.disk.Delete(ctx, slotPath+"/"+DirtyFile); err != nil {
		// the marker will be retried by the next reconcile
		log.Warn().Err(err).Str("path", slotPath).Msg("Could not clear dirty marker.")
	}
	return idx, nil
}

// reconcileCar validates a car's metadata and slot shape, repairing what
// it can, then reconciles every slot.
func (e *Engine) reconcileCar(ctx context.Context, carRoot string, res *ReconcileResult) error {
	region, carMake, model, vin, err := carFromRoot(carRoot)
	if err != nil {
		return err
	}

	var car Car
	if err := e.disk.GetJSON(ctx, carRoot+"/"+CarFile, &car); err != nil || car.Validate() != nil {
		// metadata missing or unusable; rebuild it from the folder name
		now := e.now()
		car = Car{
			Region:       region,
			Make:         carMake,
			Model:        model,
			VIN:          vin,
			DiskRootPath: carRoot,
			CreatedAt:    &now,
		}
		if err := e.disk.PutJSON(ctx, carRoot+"/"+CarFile, &car); err != nil {
			return err
		}
		res.action("rewrote car metadata for %s", carRoot)
		res.repaired(carRoot + "/" + CarFile)
	}

	for _, ref := range paths.AllSlotPaths(carRoot, carMake, model, vin) {
		exists, err := e.disk.Exists(ctx, ref.Path)
		if err != nil {
			res.failed(err)
			continue
		}
		if !exists {
			if err := e.disk.EnsureDir(ctx, ref.Path); err != nil {
				res.failed(err)
				continue
			}
			res.action("recreated missing slot directory %s", ref.Path)
			res.repaired(ref.Path)
		}
		if _, err := e.reconcileSlot(ctx, ref.Path, res); err != nil {
			res.failed(err)
		}
	}
	return nil
}

// carFromRoot derives (region, make, model, vin) from a car root path,
// using the archive naming form under the ALL region.
func carFromRoot(carRoot string) (region, carMake, model, vin string, err error) {
	segments := strings.Split(strings.Trim(carRoot, "/"), "/")
	if len(segments) < 2 {
		return "", "", "", "", fmt.Errorf("path %q is not a car root", carRoot)
	}
	folder := segments[len(segments)-1]
	region = paths.NormalizeRegion(segments[len(segments)-2])

	if region == paths.ArchiveRegion {
		_, carMake, model, vin, ok := paths.ParseArchiveFolder(folder)
		if !ok {
			return "", "", "", "", fmt.Errorf("folder %q is not an archive car folder", folder)
		}
		return region, carMake, model, vin, nil
	}
	carMake, model, vin, ok := paths.ParseCarFolder(folder)
	if !ok {
		return "", "", "", "", fmt.Errorf("folder %q is not a car folder", folder)
	}
	return region, carMake, model, vin, nil
}

// reconcileRegion rebuilds a region's _REGION.json from the region folder
// listing. Unparseable folders and plain files are skipped; a car whose
// _CAR.json is unreadable is indexed from its folder name alone so the
// region listing never silently loses a car.
func (e *Engine) reconcileRegion(ctx context.Context, region string, res *ReconcileResult) (*RegionIndex, error) {
	region = paths.NormalizeRegion(region)
	regionRoot := paths.RegionRoot(e.cfg.BaseDir, region)

	items, err := e.disk.List(ctx, regionRoot)
	if err != nil {
		if !disk.IsNotFound(err) {
			return nil, err
		}
		if err := e.disk.EnsureDir(ctx, regionRoot); err != nil {
			return nil, err
		}
		res.repaired(regionRoot)
		items = nil
	}

	cars := make([]Car, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		carRoot := regionRoot + "/" + item.Name

		var folderMake, folderModel, folderVIN string
		var ok bool
		if region == paths.ArchiveRegion {
			_, folderMake, folderModel, folderVIN, ok = paths.ParseArchiveFolder(item.Name)
		} else {
			folderMake, folderModel, folderVIN, ok = paths.ParseCarFolder(item.Name)
		}
		if !ok {
			if e.cfg.DebugRegionIndex {
				log.Debug().Str("region", region).Str("folder", item.Name).
					Msg("Skipping folder that does not look like a car.")
			}
			continue
		}

		var car Car
		if err := e.disk.GetJSON(ctx, carRoot+"/"+CarFile, &car); err != nil || car.Validate() != nil {
			car = Car{Region: region, Make: folderMake, Model: folderModel, VIN: folderVIN}
			res.action("indexed %s from folder name, metadata unreadable", carRoot)
		}
		car.VIN = paths.NormalizeVIN(car.VIN)
		car.DiskRootPath = carRoot
		cars = append(cars, car)
	}

	idx := &RegionIndex{Version: indexVersion, UpdatedAt: e.now(), Cars: cars}
	indexPath := regionRoot + "/" + RegionFile
	if err := e.disk.PutJSON(ctx, indexPath, idx); err != nil {
		return nil, err
	}
	e.primeCache(bucketRegion, indexPath, idx)
	res.action("rebuilt region index for %s (%d cars)", region, len(cars))
	res.repaired(indexPath)
	return idx, nil
}
