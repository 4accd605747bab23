package vault

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtopark/carvault/vault/paths"
)

func TestPublishSlotCachesURL(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)

	url, err := e.PublishSlot(ctx, "R1", testVIN, paths.SlotDealer, 1, "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.True(t, fake.Exists(dealerSlotPath(testVIN)+"/"+PublishedFile))

	// published URLs never expire; repeat calls serve the record without
	// touching the publish endpoint
	fake.Intercept = func(r *http.Request) int {
		if r.URL.Path == "/v1/disk/resources/publish" {
			return 500
		}
		return 0
	}
	again, err := e.PublishSlot(ctx, "R1", testVIN, paths.SlotDealer, 1, "tester")
	fake.Intercept = nil
	require.NoError(t, err)
	assert.Equal(t, url, again)
}

func TestGetSlotDownloadURL(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	uploadOne(t, e, testVIN, "front.jpg", "front-bytes")

	url, err := e.GetSlotDownloadURL(ctx, "R1", testVIN, paths.SlotDealer, 1)
	require.NoError(t, err)
	assert.Contains(t, url, "/content/")

	// a slot with no photos has no cover to download
	_, err = e.GetSlotDownloadURL(ctx, "R1", testVIN, paths.SlotBuyout, 1)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestUsedMarkerLifecycle(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	slot := dealerSlotPath(testVIN)

	require.NoError(t, e.MarkSlotUsed(ctx, "R1", testVIN, paths.SlotDealer, 1, "admin"))
	assert.True(t, fake.Exists(slot+"/"+UsedFile))

	slots, err := e.LoadCarSlotCounts(ctx, "R1", testVIN)
	require.NoError(t, err)
	for _, s := range slots {
		if s.Type == paths.SlotDealer {
			assert.True(t, s.Used)
		} else {
			assert.False(t, s.Used)
		}
	}

	require.NoError(t, e.MarkSlotUnused(ctx, "R1", testVIN, paths.SlotDealer, 1, "admin"))
	assert.False(t, fake.Exists(slot+"/"+UsedFile))

	// clearing an already-clear slot is a no-op
	require.NoError(t, e.MarkSlotUnused(ctx, "R1", testVIN, paths.SlotDealer, 1, "admin"))
}
