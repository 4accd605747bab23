package vault

import (
	"errors"
	"fmt"
	"time"
)

// Coder is implemented by every error this package (and the layers below
// it) surfaces to API callers. The code is stable and maps one-to-one to
// an HTTP status in the transport layer.
type Coder interface {
	Code() string
}

// NotFoundError reports a missing car or slot resource.
type NotFoundError struct {
	What string // "car", "link", "photo"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Key)
}

func (e *NotFoundError) Code() string { return "CarNotFound" }

// ExistsError reports a creation or restore that collided with an
// existing car.
type ExistsError struct {
	Region string
	VIN    string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("car %s already exists in region %s", e.VIN, e.Region)
}

func (e *ExistsError) Code() string { return "AlreadyExists" }

// SlotInvalidError reports slot coordinates outside the fixed taxonomy.
type SlotInvalidError struct {
	Err error
}

func (e *SlotInvalidError) Error() string { return e.Err.Error() }
func (e *SlotInvalidError) Unwrap() error { return e.Err }
func (e *SlotInvalidError) Code() string  { return "SlotInvalid" }

// PhotoLimitError is the preflight rejection for a slot that would exceed
// its photo cap.
type PhotoLimitError struct {
	SlotPath     string
	CurrentCount int
	Incoming     int
	MaxPhotos    int
}

func (e *PhotoLimitError) Error() string {
	return fmt.Sprintf("slot %q holds %d photos, adding %d would exceed the limit of %d",
		e.SlotPath, e.CurrentCount, e.Incoming, e.MaxPhotos)
}

func (e *PhotoLimitError) Code() string { return "PhotoLimitExceeded" }

// SlotSizeError is the preflight rejection for a slot that would exceed
// its size cap.
type SlotSizeError struct {
	SlotPath  string
	CurrentMB float64
	AddedMB   float64
	MaxMB     float64
}

func (e *SlotSizeError) Error() string {
	return fmt.Sprintf("slot %q holds %.2f MB, adding %.2f MB would exceed the limit of %.0f MB",
		e.SlotPath, e.CurrentMB, e.AddedMB, e.MaxMB)
}

func (e *SlotSizeError) Code() string { return "SlotSizeExceeded" }

// UploadLimitError is the preflight rejection for a request that violates
// the per-request caps before slot-level limits are even considered.
type UploadLimitError struct {
	Msg string
}

func (e *UploadLimitError) Error() string { return e.Msg }
func (e *UploadLimitError) Code() string  { return "UploadLimitExceeded" }

// ValidationError reports caller input that failed basic validation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
func (e *ValidationError) Code() string  { return "ValidationFailed" }

// LockHeldError means the commit-index stage could not acquire the slot
// lock. The caller may retry after ExpiresAt.
type LockHeldError struct {
	SlotPath  string
	Holder    string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("slot %q is locked by %s until %s",
		e.SlotPath, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *LockHeldError) Code() string { return "LockHeld" }

// RegionDeniedError reports a region outside the caller's allow-list.
type RegionDeniedError struct {
	Region string
}

func (e *RegionDeniedError) Error() string {
	return fmt.Sprintf("region %q is not permitted", e.Region)
}

func (e *RegionDeniedError) Code() string { return "RegionDenied" }

// RegionIndexError means an operation the engine itself initiated
// succeeded on disk but could not update _REGION.json. The folder state is
// correct; the caller should retry the index update (or reconcile).
type RegionIndexError struct {
	Region string
	Err    error
}

func (e *RegionIndexError) Error() string {
	return fmt.Sprintf("region index update for %s failed: %v", e.Region, e.Err)
}

func (e *RegionIndexError) Unwrap() error { return e.Err }
func (e *RegionIndexError) Code() string  { return "RegionIndexError" }

// StageError tags a write-pipeline failure with the stage it happened in.
type StageError struct {
	Stage string // "preflight_error", "commitData_error", "commitIndex_error"
	Path  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("[%s] %q: %v", e.Stage, e.Path, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Code defers to the wrapped error's code when it has one; stage tags are
// diagnostic, not a classification of their own.
func (e *StageError) Code() string {
	return ErrorCode(e.Err)
}

// ErrorCode extracts the stable code from anywhere in err's chain.
// Unclassified errors default to RemotePermanent: by the time an error has
// escaped the engine it has already survived the adapter's retries.
func ErrorCode(err error) string {
	var coder Coder
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return "RemotePermanent"
}
