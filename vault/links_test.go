package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinksLifecycle(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, Config{})
	ctx := context.Background()
	car := mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)

	links, err := e.ListLinks(ctx, "R1", testVIN)
	require.NoError(t, err)
	assert.Empty(t, links)

	auction, err := e.CreateLink(ctx, "R1", testVIN, "Auction listing", "https://example.com/lot/42", "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, auction.ID)
	_, err = e.CreateLink(ctx, "R1", testVIN, "Insurance report", "https://example.com/report/7", "tester")
	require.NoError(t, err)

	links, err = e.ListLinks(ctx, "R1", testVIN)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "Auction listing", links[0].Title)
	assert.True(t, fake.Exists(car.DiskRootPath+"/"+LinksFile))

	require.NoError(t, e.DeleteLink(ctx, "R1", testVIN, auction.ID))
	links, err = e.ListLinks(ctx, "R1", testVIN)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "Insurance report", links[0].Title)

	err = e.DeleteLink(ctx, "R1", testVIN, auction.ID)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCreateLinkValidatesInput(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)

	_, err := e.CreateLink(ctx, "R1", testVIN, "", "https://example.com", "tester")
	assert.Equal(t, "ValidationFailed", ErrorCode(err))
	_, err = e.CreateLink(ctx, "R1", testVIN, "Title", "", "tester")
	assert.Equal(t, "ValidationFailed", ErrorCode(err))
}

// Link lookup by id scans regions in order and reports which car owns it.
func TestFindLinkByID(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	mustCreateCar(t, e, "R1", "Toyota", "Camry", testVIN)
	mustCreateCar(t, e, "R2", "Honda", "Civic", testVIN2)

	created, err := e.CreateLink(ctx, "R2", testVIN2, "Auction", "https://example.com/lot/1", "tester")
	require.NoError(t, err)

	link, car, err := e.FindLinkByID(ctx, []string{"R1", "R2"}, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, link.ID)
	assert.Equal(t, testVIN2, car.VIN)

	_, _, err = e.FindLinkByID(ctx, []string{"R1", "R2"}, "no-such-id")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
