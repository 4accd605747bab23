package vault

import (
	"context"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// UploadFile is one incoming photo.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadOutcome reports a completed write pipeline. Dirty means the verify
// stage could not confirm the index and left a marker for reconcile; the
// upload itself still succeeded.
type UploadOutcome struct {
	SlotPath string   `json:"slotPath"`
	Uploaded []string `json:"uploaded"`
	Count    int      `json:"count"`
	Dirty    bool     `json:"dirty"`
}

// UploadToSlot runs the four-stage write pipeline for a batch of photos
// addressed to one slot.
func (e *Engine) UploadToSlot(ctx context.Context, region, vin string, typ paths.SlotType, index int, files []UploadFile, actor string) (*UploadOutcome, error) {
	slotPath, err := e.slotPathFor(ctx, region, vin, typ, index)
	if err != nil {
		return nil, err
	}
	return e.executeWritePipeline(ctx, slotPath, files, actor)
}

// executeWritePipeline is the engine's only mutation path for photos:
//
//	A. Preflight   — limits checked before a single byte is uploaded
//	B. CommitData  — upload files, roll back on terminal failure
//	C. CommitIndex — merge under the slot lock, publish index + stats
//	D. Verify      — re-read; on mismatch leave a dirty marker, not an error
func (e *Engine) executeWritePipeline(ctx context.Context, slotPath string, files []UploadFile, actor string) (*UploadOutcome, error) {
	canonical, err := paths.AssertDiskPath(slotPath, "writePipeline")
	if err != nil {
		return nil, err
	}

	// --- Stage A: preflight ---
	names, err := e.preflight(ctx, canonical, files)
	if err != nil {
		return nil, err
	}
	if e.cfg.DebugPipeline {
		log.Debug().Str("slot", canonical).Int("files", len(files)).Msg("Preflight passed.")
	}

	// --- Stage B: commit data ---
	if err := e.commitData(ctx, canonical, names, files); err != nil {
		return nil, err
	}

	// --- Stage C: commit index ---
	idx, err := e.commitIndex(ctx, canonical, names, files, actor)
	if err != nil {
		return nil, err
	}

	// --- Stage D: verify ---
	dirty := e.verify(ctx, canonical, names)

	return &UploadOutcome{
		SlotPath: canonical,
		Uploaded: names,
		Count:    idx.Count,
		Dirty:    dirty,
	}, nil
}

// preflight validates the request and the slot's capacity. It must reject
// before any upload URL is requested: a refused write leaves zero traffic
// and zero garbage on the store.
func (e *Engine) preflight(ctx context.Context, slotPath string, files []UploadFile) ([]string, error) {
	stageErr := func(err error) error {
		return &StageError{Stage: "preflight_error", Path: slotPath, Err: err}
	}

	if len(files) == 0 {
		return nil, stageErr(&ValidationError{Msg: "no files in upload"})
	}
	if len(files) > e.cfg.MaxFilesPerUpload {
		return nil, stageErr(&UploadLimitError{Msg: "too many files in one upload"})
	}
	names := make([]string, 0, len(files))
	var totalBytes int64
	for _, f := range files {
		name := paths.SanitizeFilename(f.Name)
		if name == "" {
			return nil, stageErr(&ValidationError{Msg: "file with empty name"})
		}
		if float64(len(f.Data))/mib > e.cfg.MaxFileSizeMB {
			return nil, stageErr(&UploadLimitError{Msg: "file " + name + " exceeds the per-file size limit"})
		}
		totalBytes += int64(len(f.Data))
		names = append(names, name)
	}
	if float64(totalBytes)/mib > e.cfg.MaxTotalUploadMB {
		return nil, stageErr(&UploadLimitError{Msg: "upload exceeds the total size limit"})
	}

	if err := e.disk.EnsureDir(ctx, slotPath); err != nil {
		return nil, stageErr(err)
	}

	idx, err := e.loadPhotoIndex(ctx, slotPath, true)
	if err == errIndexRebuild {
		idx, err = e.reconcileSlot(ctx, slotPath, &ReconcileResult{})
	}
	if err != nil {
		return nil, stageErr(err)
	}

	if idx.Count+len(files) > e.cfg.PhotoCap {
		return nil, stageErr(&PhotoLimitError{
			SlotPath:     slotPath,
			CurrentCount: idx.Count,
			Incoming:     len(files),
			MaxPhotos:    e.cfg.PhotoCap,
		})
	}
	currentMB := idx.TotalSizeMB()
	addedMB := float64(totalBytes) / mib
	if currentMB+addedMB > e.cfg.SlotSizeCapMB {
		return nil, stageErr(&SlotSizeError{
			SlotPath:  slotPath,
			CurrentMB: currentMB,
			AddedMB:   addedMB,
			MaxMB:     e.cfg.SlotSizeCapMB,
		})
	}
	return names, nil
}

// commitData uploads every file. A terminal failure rolls back the files
// already uploaded in this pipeline, best-effort, so a failed batch does
// not leave half its photos behind.
func (e *Engine) commitData(ctx context.Context, slotPath string, names []string, files []UploadFile) error {
	uploaded := make([]string, 0, len(files))
	for i, f := range files {
		target := slotPath + "/" + names[i]
		if err := e.disk.PutBytes(ctx, target, f.Data, f.ContentType); err != nil {
			for _, name := range uploaded {
				if delErr := e.disk.Delete(ctx, slotPath+"/"+name); delErr != nil {
					log.Warn().Err(delErr).Str("file", name).Msg("Rollback delete failed.")
				}
			}
			return &StageError{Stage: "commitData_error", Path: slotPath, Err: err}
		}
		uploaded = append(uploaded, names[i])
	}
	if e.cfg.DebugPipeline {
		log.Debug().Str("slot", slotPath).Int("files", len(uploaded)).Msg("Data committed.")
	}
	return nil
}

// acquireLock takes the slot lock, waiting briefly for a live holder to
// finish and taking over expired locks outright. The store offers no
// atomic create, so after writing the lock record the writer re-reads it
// and confirms its own token survived; losing that race counts as
// contention and goes back to waiting.
func (e *Engine) acquireLock(ctx context.Context, slotPath, actor, operation string) error {
	lockPath := slotPath + "/" + LockFile
	for attempt := 0; ; attempt++ {
		lock, err := e.readLock(ctx, slotPath)
		if err != nil {
			return err
		}
		if lock == nil || lock.Expired(e.now()) {
			now := e.now()
			record := &Lock{
				Token:     xid.New().String(),
				LockedBy:  actor,
				LockedAt:  now,
				ExpiresAt: now.Add(e.cfg.LockTTL),
				Operation: operation,
				SlotPath:  slotPath,
			}
			if err := e.disk.PutJSON(ctx, lockPath, record); err != nil {
				return err
			}
			confirmed, err := e.readLock(ctx, slotPath)
			if err != nil {
				return err
			}
			if confirmed != nil && confirmed.Token == record.Token {
				return nil
			}
			lock = confirmed
		}
		if attempt >= e.cfg.LockRetryAttempts {
			holder, expires := "unknown", e.now()
			if lock != nil {
				holder, expires = lock.LockedBy, lock.ExpiresAt
			}
			return &LockHeldError{SlotPath: slotPath, Holder: holder, ExpiresAt: expires}
		}
		select {
		case <-time.After(e.cfg.LockRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// releaseLock is the pipeline's finalizer. It runs on a detached context
// so a cancelled request still leaves the slot unlocked.
func (e *Engine) releaseLock(slotPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.disk.Delete(ctx, slotPath+"/"+LockFile); err != nil {
		log.Error().Err(err).Str("slot", slotPath).Msg("Could not release slot lock.")
	}
}

// commitIndex merges the uploaded files into the slot's index under the
// slot lock and publishes the new index and stats. The current index is
// re-read from the disk itself, never the cache: another writer may have
// committed between our preflight and now.
func (e *Engine) commitIndex(ctx context.Context, slotPath string, names []string, files []UploadFile, actor string) (*PhotoIndex, error) {
	stageErr := func(err error) error {
		if _, ok := err.(*LockHeldError); ok {
			return err
		}
		return &StageError{Stage: "commitIndex_error", Path: slotPath, Err: err}
	}

	if err := e.acquireLock(ctx, slotPath, actor, "upload"); err != nil {
		if lockErr, ok := err.(*LockHeldError); ok {
			// the bytes are already on disk; flag the slot so reconcile
			// folds them into the index once the lock clears
			e.markDirty(ctx, slotPath, "upload aborted: lock held")
			return nil, lockErr
		}
		return nil, stageErr(err)
	}
	defer e.releaseLock(slotPath)

	var idx PhotoIndex
	err := e.disk.GetJSON(ctx, slotPath+"/"+PhotosFile, &idx)
	if err != nil || idx.Validate(e.cfg.PhotoCap) != nil {
		if err != nil && !disk.IsNotFound(err) {
			return nil, stageErr(err)
		}
		rebuilt, rerr := e.reconcileSlot(ctx, slotPath, &ReconcileResult{})
		if rerr != nil {
			return nil, stageErr(rerr)
		}
		idx = *rebuilt
	}

	merged := e.mergeItems(idx.Items, names, files)
	now := e.now()
	newIdx := &PhotoIndex{
		Version:   indexVersion,
		UpdatedAt: now,
		Count:     len(merged),
		Limit:     e.cfg.PhotoCap,
		Items:     merged,
	}
	if len(merged) > 0 {
		newIdx.Cover = &merged[0].Name
	}
	if err := e.writeSlotIndexes(ctx, slotPath, newIdx); err != nil {
		return nil, stageErr(err)
	}
	if e.cfg.DebugPipeline {
		log.Debug().Str("slot", slotPath).Int("count", newIdx.Count).Msg("Index committed.")
	}
	return newIdx, nil
}

// mergeItems appends the incoming files to the existing items, skipping
// names already present and preserving insertion order. Two writers racing
// on the same filename therefore keep a single entry; the later writer's
// bytes win on disk.
func (e *Engine) mergeItems(existing []PhotoItem, names []string, files []UploadFile) []PhotoItem {
	merged := append([]PhotoItem(nil), existing...)
	have := make(map[string]bool, len(existing))
	for _, item := range existing {
		have[item.Name] = true
	}
	now := e.now()
	for i, name := range names {
		if have[name] {
			continue
		}
		have[name] = true
		merged = append(merged, PhotoItem{
			Name:     name,
			Size:     int64(len(files[i].Data)),
			Modified: now,
		})
	}
	return merged
}

// markDirty writes the slot's dirty marker, best-effort.
func (e *Engine) markDirty(ctx context.Context, slotPath, reason string) {
	marker := &DirtyMarker{MarkedAt: e.now(), Reason: reason, SlotPath: slotPath}
	if err := e.disk.PutJSON(ctx, slotPath+"/"+DirtyFile, marker); err != nil {
		log.Error().Err(err).Str("slot", slotPath).Msg("Could not write dirty marker.")
	}
}

// verify re-reads the published index and confirms every uploaded file is
// in it. A failed verify never fails the pipeline; it marks the slot dirty
// and lets reconcile repair it on the next read.
func (e *Engine) verify(ctx context.Context, slotPath string, names []string) bool {
	var idx PhotoIndex
	if err := e.disk.GetJSON(ctx, slotPath+"/"+PhotosFile, &idx); err != nil {
		e.markDirty(ctx, slotPath, "verify: index unreadable after commit")
		return true
	}
	have := make(map[string]bool, len(idx.Items))
	for _, item := range idx.Items {
		have[item.Name] = true
	}
	for _, name := range names {
		if !have[name] {
			e.markDirty(ctx, slotPath, "verify: uploaded file missing from index")
			return true
		}
	}
	return false
}
