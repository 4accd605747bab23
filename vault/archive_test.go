package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Archiving moves the whole car tree into ALL under the flattened name
// and rewrites both region indexes.
func TestArchiveCarMovesTreeAndIndexes(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	car := mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	uploadOne(t, e, testVIN, "front.jpg", "front-bytes")

	newRoot, err := e.ArchiveCar(ctx, "R1", testVIN, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, testBase+"/ALL/R1_Toyota_Camry_"+testVIN, newRoot)

	assert.False(t, fake.Exists(car.DiskRootPath))
	assert.True(t, fake.Exists(newRoot))
	// the inner tree moves as-is, photos included
	assert.Equal(t, []byte("front-bytes"),
		fake.ReadFile(newRoot+"/1. Dealer photos/Toyota Camry "+testVIN+"/front.jpg"))

	var archived Car
	require.NoError(t, json.Unmarshal(fake.ReadFile(newRoot+"/"+CarFile), &archived))
	assert.Equal(t, "ALL", archived.Region)
	assert.Equal(t, "R1", archived.OriginalRegion)
	assert.Equal(t, "admin@example.com", archived.ArchivedBy)
	require.NotNil(t, archived.ArchivedAt)
	assert.Equal(t, newRoot, archived.DiskRootPath)

	live, err := e.ListCarsByRegion(ctx, "R1")
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := e.ListCarsByRegion(ctx, "ALL")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, testVIN, all[0].VIN)
}

func TestArchiveCarRejectsArchiveRegion(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	_, err := e.ArchiveCar(context.Background(), "ALL", testVIN, "admin")
	assert.Equal(t, "ValidationFailed", ErrorCode(err))
}

// Restore is the inverse move: back into a live region under the live
// name, with the archive bookkeeping cleared.
func TestRestoreCarRoundTrip(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	_, err := e.ArchiveCar(ctx, "R1", testVIN, "admin")
	require.NoError(t, err)

	restored, err := e.RestoreCar(ctx, testVIN, "R2", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "R2", restored.Region)
	assert.Equal(t, testBase+"/R2/Toyota Camry "+testVIN, restored.DiskRootPath)
	assert.Empty(t, restored.OriginalRegion)
	assert.Nil(t, restored.ArchivedAt)
	assert.Equal(t, "admin@example.com", restored.RestoredBy)
	require.NotNil(t, restored.RestoredAt)

	assert.True(t, fake.Exists(restored.DiskRootPath))
	assert.False(t, fake.Exists(testBase+"/ALL/R1_Toyota_Camry_"+testVIN))

	all, err := e.ListCarsByRegion(ctx, "ALL")
	require.NoError(t, err)
	assert.Empty(t, all)

	r2, err := e.ListCarsByRegion(ctx, "R2")
	require.NoError(t, err)
	require.Len(t, r2, 1)
	assert.Equal(t, testVIN, r2[0].VIN)
}

// Restoring into a region that already holds the VIN must refuse before
// anything moves.
func TestRestoreCarRefusesOccupiedTarget(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	_, err := e.ArchiveCar(ctx, "R1", testVIN, "admin")
	require.NoError(t, err)
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)

	_, err = e.RestoreCar(ctx, testVIN, "R1", "admin")
	assert.Equal(t, "AlreadyExists", ErrorCode(err))
	assert.True(t, fake.Exists(testBase+"/ALL/R1_Toyota_Camry_"+testVIN))

	_, err = e.RestoreCar(ctx, testVIN, "ALL", "admin")
	assert.Equal(t, "ValidationFailed", ErrorCode(err))
}

// Transient store failures during the move are retried with backoff.
func TestArchiveRetriesTransientMoveFailure(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)

	// fail enough attempts to exhaust the adapter's own retries once
	var moves int32
	fake.Intercept = func(r *http.Request) int {
		if r.URL.Path == "/v1/disk/resources/move" {
			if atomic.AddInt32(&moves, 1) <= 3 {
				return 503
			}
		}
		return 0
	}

	newRoot, err := e.ArchiveCar(ctx, "R1", testVIN, "admin")
	fake.Intercept = nil
	require.NoError(t, err)
	assert.True(t, fake.Exists(newRoot))
}
