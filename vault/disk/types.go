package disk

import (
	"fmt"
	"time"
)

// Resource types returned by the disk API.
const (
	TypeDir  = "dir"
	TypeFile = "file"
)

// Item is one entry of a directory listing (or a single resource's
// metadata) as returned by the disk API.
type Item struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size,omitempty"`
	Modified  time.Time `json:"modified,omitempty"`
	MD5       string    `json:"md5,omitempty"`
	PublicURL string    `json:"public_url,omitempty"`
}

// IsDir reports whether the item is a directory.
func (i *Item) IsDir() bool {
	return i.Type == TypeDir
}

// resource is the full API shape of a GET /resources response. Listings are
// nested under _embedded and paged with limit/offset.
type resource struct {
	Item
	Embedded *struct {
		Items  []Item `json:"items"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
		Total  int    `json:"total"`
	} `json:"_embedded,omitempty"`
}

// link is the API's {href, method} envelope used for signed upload and
// download URLs and for async operation handles.
type link struct {
	HRef      string `json:"href"`
	Method    string `json:"method"`
	Templated bool   `json:"templated,omitempty"`
}

// apiError is the error envelope the disk API returns alongside non-2xx
// statuses.
type apiError struct {
	Message     string `json:"message"`
	Description string `json:"description"`
	Error       string `json:"error"`
}

// StoreError is a terminal failure from the remote store, after the
// adapter's retries have been exhausted. Transient distinguishes failures
// the caller may meaningfully retry (5xx, 429, network) from permanent
// rejections.
type StoreError struct {
	Op        string
	Path      string
	Status    int
	APICode   string
	Message   string
	RequestID string
	Transient bool
}

func (e *StoreError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s %q: HTTP %d - %s: %s", e.Op, e.Path, e.Status, e.APICode, e.Message)
}

// Code returns the stable error code propagated to API callers.
func (e *StoreError) Code() string {
	if e.Transient {
		return "RemoteTransient"
	}
	return "RemotePermanent"
}

// NotFound reports whether the store answered 404 for this operation.
func (e *StoreError) NotFound() bool {
	return e.Status == 404
}

// MoveConflictError is returned when a move's destination already exists
// and overwrite was not requested. Callers opt in to overwriting
// explicitly rather than the adapter guessing.
type MoveConflictError struct {
	From string
	To   string
}

func (e *MoveConflictError) Error() string {
	return fmt.Sprintf("move %q -> %q: destination already exists", e.From, e.To)
}
