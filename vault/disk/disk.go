// Package disk provides the typed operations carvault performs against the
// Yandex Disk REST API. All persistent state of the service lives on the
// disk, so this adapter is the only way anything is ever read or written.
// Every path crossing this boundary is canonicalized first, transient
// failures are retried with exponential backoff, and each top-level call is
// traceable by a generated request id.
package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/vault/paths"
)

// APIURL is the endpoint of the Yandex Disk REST API.
const APIURL = "https://cloud-api.yandex.net/v1/disk"

const (
	maxAttempts  = 3
	listPageSize = 200
)

// Client talks to the disk API on behalf of the whole service.
type Client struct {
	// BaseURL is the API endpoint; overridden in tests to point at a fake.
	BaseURL string

	token      string
	http       *http.Client
	uploads    *http.Client
	retryBase  time.Duration
	debugCalls bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the metadata HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryBase changes the base delay of the exponential backoff.
func WithRetryBase(d time.Duration) Option {
	return func(c *Client) { c.retryBase = d }
}

// WithDebugCalls enables per-call debug logging.
func WithDebugCalls(on bool) Option {
	return func(c *Client) { c.debugCalls = on }
}

// NewClient returns a Client authenticated with the given OAuth token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		BaseURL:   APIURL,
		token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
		uploads:   &http.Client{Timeout: 120 * time.Second},
		retryBase: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable reports whether a status is worth another attempt. 409 is
// handled by the individual operations: it means success for directory
// creation and a conflict for moves.
func retryable(status int) bool {
	return status >= 500 || status == 429
}

// request performs one authenticated API call with retries. A nil byte
// slice with a nil error means the response had no body (204/202).
func (c *Client) request(ctx context.Context, op, method, resource string, body io.Reader) ([]byte, int, error) {
	reqID := xid.New().String()
	if c.debugCalls {
		log.Debug().
			Str("requestID", reqID).
			Str("stage", op).
			Str("method", method).
			Str("resource", resource).
			Msg("Disk API call")
	}

	var payload []byte
	if body != nil {
		// buffer the body so retries can replay it
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, 0, err
		}
	}

	var lastErr error
	var respBody []byte
	var status int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.retryBase * (1 << (attempt - 1))
			log.Warn().
				Str("requestID", reqID).
				Str("stage", op).
				Int("status", status).
				Dur("backoff", backoff).
				Msg("Disk API transient failure, retrying.")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		request, err := http.NewRequestWithContext(ctx, method, c.BaseURL+resource, reader)
		if err != nil {
			return nil, 0, err
		}
		request.Header.Set("Authorization", "OAuth "+c.token)
		request.Header.Set("Accept", "application/json")

		response, err := c.http.Do(request)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = err
			status = 0
			continue // network failures are always retryable
		}
		respBody, _ = io.ReadAll(response.Body)
		response.Body.Close()
		status = response.StatusCode

		if status < 400 || !retryable(status) {
			return respBody, status, nil
		}
		lastErr = nil
	}

	if lastErr != nil {
		return nil, 0, &StoreError{
			Op: op, Status: 0, Message: lastErr.Error(), RequestID: reqID, Transient: true,
		}
	}
	return respBody, status, nil
}

// storeError builds a StoreError from a non-2xx API response body.
func storeError(op, path string, status int, body []byte) *StoreError {
	var apiErr apiError
	json.Unmarshal(body, &apiErr)
	return &StoreError{
		Op:        op,
		Path:      path,
		Status:    status,
		APICode:   apiErr.Error,
		Message:   apiErr.Message,
		Transient: retryable(status),
	}
}

func resourceQuery(path string, extra url.Values) string {
	q := url.Values{}
	q.Set("path", path)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return q.Encode()
}

// EnsureDir creates the directory at p, including every missing ancestor.
// A 409 from the API means the directory already exists and is treated as
// success: two concurrent creators must both come out the other side with
// the directory in place.
func (c *Client) EnsureDir(ctx context.Context, p string) error {
	canonical, err := paths.AssertDiskPath(p, "ensureDir")
	if err != nil {
		return err
	}
	segments := strings.Split(strings.TrimPrefix(canonical, "/"), "/")
	current := ""
	for _, seg := range segments {
		current += "/" + seg
		body, status, err := c.request(ctx, "ensureDir", "PUT",
			"/resources?"+resourceQuery(current, nil), nil)
		if err != nil {
			return err
		}
		if status >= 400 && status != 409 {
			return storeError("ensureDir", current, status, body)
		}
	}
	return nil
}

// Exists reports whether a resource is present at p.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	canonical, err := paths.AssertDiskPath(p, "exists")
	if err != nil {
		return false, err
	}
	q := url.Values{"fields": {"name,path,type"}}
	body, status, err := c.request(ctx, "exists", "GET",
		"/resources?"+resourceQuery(canonical, q), nil)
	if err != nil {
		return false, err
	}
	if status == 404 {
		return false, nil
	}
	if status >= 400 {
		return false, storeError("exists", canonical, status, body)
	}
	return true, nil
}

// Stat fetches a single resource's metadata.
func (c *Client) Stat(ctx context.Context, p string) (*Item, error) {
	canonical, err := paths.AssertDiskPath(p, "stat")
	if err != nil {
		return nil, err
	}
	body, status, err := c.request(ctx, "stat", "GET",
		"/resources?"+resourceQuery(canonical, nil), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, storeError("stat", canonical, status, body)
	}
	var res resource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res.Item, nil
}

// List returns every child of the directory at p. Listings are paged by
// the API; List follows the pages until a short one so callers always see
// the complete directory.
func (c *Client) List(ctx context.Context, p string) ([]Item, error) {
	canonical, err := paths.AssertDiskPath(p, "list")
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0)
	for offset := 0; ; offset += listPageSize {
		q := url.Values{
			"limit":  {strconv.Itoa(listPageSize)},
			"offset": {strconv.Itoa(offset)},
			"sort":   {"name"},
		}
		body, status, err := c.request(ctx, "list", "GET",
			"/resources?"+resourceQuery(canonical, q), nil)
		if err != nil {
			return nil, err
		}
		if status >= 400 {
			return nil, storeError("list", canonical, status, body)
		}
		var res resource
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, err
		}
		if res.Embedded == nil {
			return nil, &StoreError{
				Op: "list", Path: canonical, Status: 400,
				APICode: "NotADirectory", Message: "resource is not a directory",
			}
		}
		items = append(items, res.Embedded.Items...)
		if len(res.Embedded.Items) < listPageSize {
			return items, nil
		}
	}
}

// uploadURL fetches the signed URL for uploading to p.
func (c *Client) uploadURL(ctx context.Context, canonical string) (string, error) {
	q := url.Values{"overwrite": {"true"}}
	body, status, err := c.request(ctx, "uploadURL", "GET",
		"/resources/upload?"+resourceQuery(canonical, q), nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", storeError("uploadURL", canonical, status, body)
	}
	var l link
	if err := json.Unmarshal(body, &l); err != nil {
		return "", err
	}
	return l.HRef, nil
}

// PutBytes uploads data to p via the two-step signed-URL flow: fetch the
// upload URL, then PUT the bytes to it. The signed URL takes no
// Authorization header.
func (c *Client) PutBytes(ctx context.Context, p string, data []byte, contentType string) error {
	canonical, err := paths.AssertDiskPath(p, "uploadBytes")
	if err != nil {
		return err
	}
	href, err := c.uploadURL(ctx, canonical)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, "PUT", href, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := c.uploads.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StoreError{Op: "uploadBytes", Path: canonical, Message: err.Error(), Transient: true}
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode >= 400 {
		return storeError("uploadBytes", canonical, response.StatusCode, body)
	}
	return nil
}

// PutJSON marshals v with indentation and uploads it to p. Index files are
// hand-inspected during incident debugging often enough that the pretty
// printing pays for itself.
func (c *Client) PutJSON(ctx context.Context, p string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return c.PutBytes(ctx, p, data, "application/json")
}

// DownloadURL resolves the signed download URL for p.
func (c *Client) DownloadURL(ctx context.Context, p string) (string, error) {
	canonical, err := paths.AssertDiskPath(p, "downloadURL")
	if err != nil {
		return "", err
	}
	body, status, err := c.request(ctx, "downloadURL", "GET",
		"/resources/download?"+resourceQuery(canonical, nil), nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", storeError("downloadURL", canonical, status, body)
	}
	var l link
	if err := json.Unmarshal(body, &l); err != nil {
		return "", err
	}
	return l.HRef, nil
}

// Get downloads the raw content of the file at p.
func (c *Client) Get(ctx context.Context, p string) ([]byte, error) {
	canonical, err := paths.AssertDiskPath(p, "downloadFile")
	if err != nil {
		return nil, err
	}
	href, err := c.DownloadURL(ctx, canonical)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, "GET", href, nil)
	if err != nil {
		return nil, err
	}
	response, err := c.uploads.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StoreError{Op: "downloadFile", Path: canonical, Message: err.Error(), Transient: true}
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		body, _ := io.ReadAll(response.Body)
		return nil, storeError("downloadFile", canonical, response.StatusCode, body)
	}
	return io.ReadAll(response.Body)
}

// GetJSON downloads the file at p and unmarshals it into v.
func (c *Client) GetJSON(ctx context.Context, p string, v interface{}) error {
	data, err := c.Get(ctx, p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Delete permanently removes the resource at p. Deleting something that is
// already gone is not an error: Delete is used as a finalizer (lock
// release, dirty-marker cleanup) and must be idempotent.
func (c *Client) Delete(ctx context.Context, p string) error {
	canonical, err := paths.AssertDiskPath(p, "delete")
	if err != nil {
		return err
	}
	q := url.Values{"permanently": {"true"}}
	body, status, err := c.request(ctx, "delete", "DELETE",
		"/resources?"+resourceQuery(canonical, q), nil)
	if err != nil {
		return err
	}
	if status >= 400 && status != 404 {
		return storeError("delete", canonical, status, body)
	}
	return nil
}

// Move relocates the resource at from to to. When the destination exists
// and overwrite is false the API answers 409, surfaced as a
// MoveConflictError so the caller can decide whether to overwrite.
func (c *Client) Move(ctx context.Context, from, to string, overwrite bool) error {
	cFrom, err := paths.AssertDiskPath(from, "move")
	if err != nil {
		return err
	}
	cTo, err := paths.AssertDiskPath(to, "move")
	if err != nil {
		return err
	}
	q := url.Values{
		"from":      {cFrom},
		"path":      {cTo},
		"overwrite": {strconv.FormatBool(overwrite)},
	}
	body, status, err := c.request(ctx, "move", "POST", "/resources/move?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if status == 409 {
		return &MoveConflictError{From: cFrom, To: cTo}
	}
	if status >= 400 {
		return storeError("move", cFrom, status, body)
	}
	return nil
}

// Publish makes the resource at p publicly accessible and returns its
// public URL.
func (c *Client) Publish(ctx context.Context, p string) (string, error) {
	canonical, err := paths.AssertDiskPath(p, "publish")
	if err != nil {
		return "", err
	}
	body, status, err := c.request(ctx, "publish", "PUT",
		"/resources/publish?"+resourceQuery(canonical, nil), nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", storeError("publish", canonical, status, body)
	}

	// the publish call returns an operation link; the public URL lives on
	// the resource metadata
	q := url.Values{"fields": {"public_url"}}
	body, status, err = c.request(ctx, "publish", "GET",
		"/resources?"+resourceQuery(canonical, q), nil)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", storeError("publish", canonical, status, body)
	}
	var res resource
	if err := json.Unmarshal(body, &res); err != nil {
		return "", err
	}
	if res.PublicURL == "" {
		return "", &StoreError{
			Op: "publish", Path: canonical, Status: 500,
			Message: "publish did not yield a public URL", Transient: true,
		}
	}
	return res.PublicURL, nil
}

// IsNotFound reports whether err is a 404 from the store.
func IsNotFound(err error) bool {
	var serr *StoreError
	return errors.As(err, &serr) && serr.NotFound()
}
