package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtopark/carvault/vault/paths"
)

// The directory listing is the truth: reconcile rebuilds the index from
// the files actually present, ignoring sidecars and whatever the previous
// index claimed.
func TestReconcileSlotRebuildsFromListing(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	slot := dealerSlotPath(testVIN)

	// a human added photos from the web UI, plus a lying index
	fake.WriteFile(slot+"/exterior.jpg", []byte("exterior-bytes"))
	fake.WriteFile(slot+"/interior.jpg", []byte("interior-bytes"))
	fake.WriteFile(slot+"/"+PhotosFile, []byte(`{"version":99,"count":7}`))
	fake.WriteFile(slot+"/"+DirtyFile, []byte(`{"reason":"test"}`))

	res, err := e.Reconcile(ctx, slot, DepthSlot)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Actions)
	assert.Contains(t, res.Repaired, slot+"/"+PhotosFile)
	assert.Empty(t, res.Errors)

	var idx PhotoIndex
	require.NoError(t, json.Unmarshal(fake.ReadFile(slot+"/"+PhotosFile), &idx))
	require.NoError(t, idx.Validate(e.Config().PhotoCap))
	assert.Equal(t, 2, idx.Count)
	require.NotNil(t, idx.Cover)
	assert.Equal(t, "exterior.jpg", *idx.Cover)
	for _, item := range idx.Items {
		assert.NotContains(t, item.Name, "_")
	}

	assert.False(t, fake.Exists(slot+"/"+DirtyFile))
	assert.True(t, fake.Exists(slot+"/"+SlotFile))
}

// With the clock pinned, reconciling an unchanged slot twice must produce
// byte-identical indexes.
func TestReconcileSlotIsIdempotent(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	slot := dealerSlotPath(testVIN)
	fake.WriteFile(slot+"/photo.jpg", []byte("bytes"))

	fixed := time.Now().UTC()
	e.now = func() time.Time { return fixed }

	_, err := e.Reconcile(ctx, slot, DepthSlot)
	require.NoError(t, err)
	first := fake.ReadFile(slot + "/" + PhotosFile)

	_, err = e.Reconcile(ctx, slot, DepthSlot)
	require.NoError(t, err)
	second := fake.ReadFile(slot + "/" + PhotosFile)

	assert.True(t, bytes.Equal(first, second), "reconcile of an unchanged slot rewrote the index differently")
}

// Deleting every index out from under the engine must not lose data: once
// the TTLs run out, reads rebuild them from the listings.
func TestReadPathHealsAfterIndexDeletion(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	slot := dealerSlotPath(testVIN)
	uploadOne(t, e, testVIN, "front.jpg", "front-bytes")

	fake.Remove(slot + "/" + PhotosFile)
	fake.Remove(slot + "/" + SlotFile)
	fake.Remove(testBase + "/R1/" + RegionFile)

	// move past every TTL so primed cache entries stop serving
	base := time.Now()
	e.now = func() time.Time { return base.Add(time.Hour) }

	slots, err := e.LoadCarSlotCounts(ctx, "R1", testVIN)
	require.NoError(t, err)
	for _, s := range slots {
		if s.Type == paths.SlotDealer {
			assert.Equal(t, 1, s.Count)
			assert.Equal(t, "front.jpg", s.Cover)
		}
	}

	assert.True(t, fake.Exists(slot+"/"+PhotosFile))
	assert.True(t, fake.Exists(testBase+"/R1/"+RegionFile))
}

// Car-depth reconcile repairs structure: missing slot directories come
// back, unreadable metadata is rewritten from the folder name.
func TestReconcileCarRepairsStructureAndMetadata(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	car := mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	root := car.DiskRootPath

	fake.Remove(root + "/" + CarFile)
	fake.Remove(root + "/2. Buyout photos/4. Toyota Camry " + testVIN)

	res, err := e.Reconcile(ctx, root, DepthCar)
	require.NoError(t, err)
	assert.Contains(t, res.Repaired, root+"/"+CarFile)
	assert.Empty(t, res.Errors)

	var rewritten Car
	require.NoError(t, json.Unmarshal(fake.ReadFile(root+"/"+CarFile), &rewritten))
	assert.Equal(t, "R1", rewritten.Region)
	assert.Equal(t, "Toyota", rewritten.Make)
	assert.Equal(t, "Camry", rewritten.Model)
	assert.Equal(t, testVIN, rewritten.VIN)

	assert.True(t, fake.Exists(root+"/2. Buyout photos/4. Toyota Camry "+testVIN))
	// every slot got a fresh index
	assert.True(t, fake.Exists(root+"/3. Dummy photos/5. Toyota Camry "+testVIN+"/"+PhotosFile))
}

// Region-depth reconcile rebuilds the region index from the folders,
// indexing cars with unreadable metadata from their folder names and
// skipping folders that are not cars.
func TestReconcileRegionRebuildsIndex(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	first := mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	mustCreateCar(t, e, "R1", "Honda", "Civic Type R", testVIN2)

	fake.Remove(first.DiskRootPath + "/" + CarFile)
	fake.Remove(testBase + "/R1/" + RegionFile)
	fake.MkdirAll(testBase + "/R1/not a car")
	fake.WriteFile(testBase+"/R1/stray.txt", []byte("x"))

	res, err := e.Reconcile(ctx, "R1", DepthRegion)
	require.NoError(t, err)
	assert.Contains(t, res.Repaired, testBase+"/R1/"+RegionFile)

	var idx RegionIndex
	require.NoError(t, json.Unmarshal(fake.ReadFile(testBase+"/R1/"+RegionFile), &idx))
	require.NoError(t, idx.Validate())
	require.Len(t, idx.Cars, 2)
	assert.GreaterOrEqual(t, idx.find(testVIN), 0)
	assert.GreaterOrEqual(t, idx.find(testVIN2), 0)

	// the multi-word model survives the folder-name round trip
	i := idx.find(testVIN2)
	assert.Equal(t, "Honda", idx.Cars[i].Make)
	assert.Equal(t, "Civic Type R", idx.Cars[i].Model)
}

// A slot directory that vanished entirely is recreated empty.
func TestReconcileSlotRecreatesMissingDirectory(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	slot := dealerSlotPath(testVIN)
	fake.Remove(slot)

	res, err := e.Reconcile(ctx, slot, DepthSlot)
	require.NoError(t, err)
	assert.Contains(t, res.Repaired, slot)
	assert.True(t, fake.Exists(slot))

	var idx PhotoIndex
	require.NoError(t, json.Unmarshal(fake.ReadFile(slot+"/"+PhotosFile), &idx))
	assert.Zero(t, idx.Count)
	assert.Nil(t, idx.Cover)
}

func TestReconcileRejectsBadInput(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.Reconcile(ctx, "/a/../b", DepthSlot)
	assert.Equal(t, "PathTraversal", ErrorCode(err))

	_, err = e.Reconcile(ctx, testBase+"/R1", Depth("tree"))
	assert.Error(t, err)
}
