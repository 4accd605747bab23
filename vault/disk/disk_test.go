package disk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtopark/carvault/vault/disk/diskfake"
)

func newTestClient(t *testing.T) (*Client, *diskfake.Server) {
	t.Helper()
	fake := diskfake.New()
	t.Cleanup(fake.Close)
	client := NewClient("test-token", WithRetryBase(time.Millisecond))
	client.BaseURL = fake.URL()
	return client, fake
}

// creating a directory twice must succeed both times: 409 means someone
// else already created it, which is the outcome we wanted
func TestEnsureDirIdempotent(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.EnsureDir(ctx, "/Фото/R1/car"))
	assert.True(t, fake.Exists("/Фото/R1/car"))
	require.NoError(t, client.EnsureDir(ctx, "/Фото/R1/car"))
}

func TestPutBytesRoundTrip(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.EnsureDir(ctx, "/Фото/R1"))
	require.NoError(t, client.PutBytes(ctx, "/Фото/R1/a.jpg", []byte("jpegbytes"), "image/jpeg"))
	assert.Equal(t, []byte("jpegbytes"), fake.ReadFile("/Фото/R1/a.jpg"))

	got, err := client.Get(ctx, "/Фото/R1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes"), got)
}

func TestPutJSONRoundTrip(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.EnsureDir(ctx, "/Фото/R1"))
	in := map[string]int{"version": 1, "count": 3}
	require.NoError(t, client.PutJSON(ctx, "/Фото/R1/_X.json", in))

	out := map[string]int{}
	require.NoError(t, client.GetJSON(ctx, "/Фото/R1/_X.json", &out))
	assert.Equal(t, in, out)
}

// listings are paged by the API; the adapter must follow every page
func TestListFollowsPages(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		fake.WriteFile(fmt.Sprintf("/Фото/R1/slot/photo%03d.jpg", i), []byte("x"))
	}
	items, err := client.List(ctx, "/Фото/R1/slot")
	require.NoError(t, err)
	assert.Len(t, items, 250)
}

func TestListOfFileFails(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	fake.WriteFile("/Фото/R1/file.jpg", []byte("x"))
	_, err := client.List(context.Background(), "/Фото/R1/file.jpg")
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	fake.MkdirAll("/Фото/R1")
	ok, err := client.Exists(ctx, "/Фото/R1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Exists(ctx, "/Фото/R2")
	require.NoError(t, err)
	assert.False(t, ok)
}

// delete is used as a finalizer and must tolerate the resource already
// being gone
func TestDeleteIdempotent(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	fake.WriteFile("/Фото/R1/x.jpg", []byte("x"))
	require.NoError(t, client.Delete(ctx, "/Фото/R1/x.jpg"))
	assert.False(t, fake.Exists("/Фото/R1/x.jpg"))
	require.NoError(t, client.Delete(ctx, "/Фото/R1/x.jpg"))
}

func TestMoveConflict(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	fake.WriteFile("/Фото/R1/a", []byte("src"))
	fake.WriteFile("/Фото/R1/b", []byte("dst"))

	err := client.Move(ctx, "/Фото/R1/a", "/Фото/R1/b", false)
	var conflict *MoveConflictError
	require.True(t, errors.As(err, &conflict))

	require.NoError(t, client.Move(ctx, "/Фото/R1/a", "/Фото/R1/b", true))
	assert.Equal(t, []byte("src"), fake.ReadFile("/Фото/R1/b"))
	assert.False(t, fake.Exists("/Фото/R1/a"))
}

func TestMoveRelocatesSubtree(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	ctx := context.Background()

	fake.WriteFile("/Фото/R1/car/slot/x.jpg", []byte("x"))
	fake.MkdirAll("/Фото/ALL")
	require.NoError(t, client.Move(ctx, "/Фото/R1/car", "/Фото/ALL/R1_car", false))
	assert.Equal(t, []byte("x"), fake.ReadFile("/Фото/ALL/R1_car/slot/x.jpg"))
}

func TestPublish(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	fake.WriteFile("/Фото/R1/slot/x.jpg", []byte("x"))

	href, err := client.Publish(context.Background(), "/Фото/R1/slot")
	require.NoError(t, err)
	assert.NotEmpty(t, href)
}

// 5xx responses are retried with backoff until the server recovers
func TestRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	fake.MkdirAll("/Фото/R1")

	failures := 2
	fake.Intercept = func(r *http.Request) int {
		if failures > 0 {
			failures--
			return 503
		}
		return 0
	}
	ok, err := client.Exists(context.Background(), "/Фото/R1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, failures)
}

// non-409 4xx responses are permanent and must not be retried
func TestDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)

	attempts := 0
	fake.Intercept = func(r *http.Request) int {
		attempts++
		return 403
	}
	_, err := client.Stat(context.Background(), "/Фото/R1")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.False(t, serr.Transient)
	assert.Equal(t, "RemotePermanent", serr.Code())
}

func TestExhaustedRetriesSurfaceTransient(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	fake.Intercept = func(r *http.Request) int { return 502 }

	_, err := client.Stat(context.Background(), "/Фото/R1")
	require.Error(t, err)
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.True(t, serr.Transient)
	assert.Equal(t, "RemoteTransient", serr.Code())
}

func TestNotFoundDetection(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	_, err := client.Stat(context.Background(), "/Фото/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// every operation validates its path before any network traffic
func TestPathValidationPreemptsNetwork(t *testing.T) {
	t.Parallel()
	client, fake := newTestClient(t)
	calls := 0
	fake.Intercept = func(r *http.Request) int { calls++; return 0 }

	err := client.EnsureDir(context.Background(), "/a/../b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[ensureDir]")
	assert.Zero(t, calls)
}

func TestCancelledContextAborts(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Stat(ctx, "/Фото/R1")
	assert.ErrorIs(t, err, context.Canceled)
}
