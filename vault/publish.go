package vault

import (
	"context"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// PublishSlot makes a slot publicly accessible and returns its public
// URL. The URL is cached in _PUBLISHED.json; publish is not re-run while
// a cached URL exists, because published URLs on the store do not expire.
func (e *Engine) PublishSlot(ctx context.Context, region, vin string, typ paths.SlotType, index int, actor string) (string, error) {
	slotPath, err := e.slotPathFor(ctx, region, vin, typ, index)
	if err != nil {
		return "", err
	}

	var cached PublishedURL
	if err := e.disk.GetJSON(ctx, slotPath+"/"+PublishedFile, &cached); err == nil && cached.URL != "" {
		return cached.URL, nil
	} else if err != nil && !disk.IsNotFound(err) {
		return "", err
	}

	href, err := e.disk.Publish(ctx, slotPath)
	if err != nil {
		return "", err
	}
	record := &PublishedURL{URL: href, PublishedAt: e.now(), PublishedBy: actor}
	if err := e.disk.PutJSON(ctx, slotPath+"/"+PublishedFile, record); err != nil {
		return "", err
	}
	return href, nil
}

// GetSlotDownloadURL resolves a signed download URL for the slot's cover
// photo.
func (e *Engine) GetSlotDownloadURL(ctx context.Context, region, vin string, typ paths.SlotType, index int) (string, error) {
	slotPath, err := e.slotPathFor(ctx, region, vin, typ, index)
	if err != nil {
		return "", err
	}

	idx, err := e.loadPhotoIndex(ctx, slotPath, false)
	if err == errIndexRebuild {
		idx, err = e.reconcileSlot(ctx, slotPath, &ReconcileResult{})
	}
	if err != nil {
		return "", err
	}
	if idx.Cover == nil {
		return "", &NotFoundError{What: "photo", Key: slotPath}
	}
	return e.disk.DownloadURL(ctx, slotPath+"/"+*idx.Cover)
}

// MarkSlotUsed sets the administrative "used" flag on a slot.
func (e *Engine) MarkSlotUsed(ctx context.Context, region, vin string, typ paths.SlotType, index int, actor string) error {
	slotPath, err := e.slotPathFor(ctx, region, vin, typ, index)
	if err != nil {
		return err
	}
	marker := &UsedMarker{Used: true, MarkedAt: e.now(), MarkedBy: actor}
	return e.disk.PutJSON(ctx, slotPath+"/"+UsedFile, marker)
}

// MarkSlotUnused clears the "used" flag. Clearing an already-clear slot
// is a no-op.
func (e *Engine) MarkSlotUnused(ctx context.Context, region, vin string, typ paths.SlotType, index int, actor string) error {
	slotPath, err := e.slotPathFor(ctx, region, vin, typ, index)
	if err != nil {
		return err
	}
	return e.disk.Delete(ctx, slotPath+"/"+UsedFile)
}
