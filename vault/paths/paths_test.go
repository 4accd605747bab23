package paths

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVIN = "1HGBH41JXMN109186"

// normalization should strip the disk: scheme, collapse separators, and trim
// whitespace around segments
func TestNormalize(t *testing.T) {
	t.Parallel()
	got, err := Normalize(" /disk:/Фото / R1 / ")
	require.NoError(t, err)
	assert.Equal(t, "/Фото/R1", got)

	got, err = Normalize(`\Фото\R1\car`)
	require.NoError(t, err)
	assert.Equal(t, "/Фото/R1/car", got)

	got, err = Normalize("Фото//R1///x")
	require.NoError(t, err)
	assert.Equal(t, "/Фото/R1/x", got)
}

// applying normalization twice must not change the result
func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{"/Фото/R1", " disk:/a/b ", "a b/c", `\x\y`}
	for _, in := range inputs {
		once, err := Normalize(in)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize was not idempotent for %q", in)
	}
}

func TestNormalizeRejections(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "   ", "/", "//"} {
		_, err := Normalize(bad)
		require.Error(t, err, "expected %q to be rejected", bad)
		var perr *PathError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, KindSyntax, perr.Kind)
	}

	_, err := Normalize("/a/../b")
	var perr *PathError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindTraversal, perr.Kind)
	assert.Equal(t, "PathTraversal", perr.Code())

	_, err = Normalize("/C:/x")
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindSyntax, perr.Kind)
}

// rejection errors must carry the stage tag supplied by the caller
func TestAssertDiskPathStageTag(t *testing.T) {
	t.Parallel()
	_, err := AssertDiskPath("/a/../b", "uploadBytes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[uploadBytes]")
}

func TestSanitizeSegment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a_b_c_d", SanitizeSegment(`a/b\c:d`))
	assert.Equal(t, "photo_1_", SanitizeSegment(`photo?1*`))
	assert.Equal(t, "x", SanitizeSegment("..x.."))
	long := strings.Repeat("ж", 300)
	assert.LessOrEqual(t, len(SanitizeSegment(long)), 255)
}

func TestSanitizeFilenameKeepsExtension(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 300) + ".jpeg"
	got := SanitizeFilename(long)
	assert.LessOrEqual(t, len(got), 255)
	assert.True(t, strings.HasSuffix(got, ".jpeg"))
}

func TestCarRootNaming(t *testing.T) {
	t.Parallel()
	root := CarRoot("/Фото", "r1", "Toyota", "Camry", testVIN)
	assert.Equal(t, "/Фото/R1/Toyota Camry "+testVIN, root)

	arch := ArchiveRoot("/Фото", "R1", "Toyota", "Camry", testVIN)
	assert.Equal(t, "/Фото/ALL/R1_Toyota_Camry_"+testVIN, arch)
}

// every car must have exactly 14 slot directories: 1 dealer, 8 buyout, 5 dummy
func TestAllSlotPaths(t *testing.T) {
	t.Parallel()
	root := CarRoot("/Фото", "R1", "Toyota", "Camry", testVIN)
	refs := AllSlotPaths(root, "Toyota", "Camry", testVIN)
	require.Len(t, refs, TotalSlots)

	assert.Equal(t, root+"/1. Dealer photos/Toyota Camry "+testVIN, refs[0].Path)
	assert.Equal(t, root+"/2. Buyout photos/1. Toyota Camry "+testVIN, refs[1].Path)
	assert.Equal(t, root+"/2. Buyout photos/8. Toyota Camry "+testVIN, refs[8].Path)
	assert.Equal(t, root+"/3. Dummy photos/5. Toyota Camry "+testVIN, refs[13].Path)

	seen := make(map[string]bool)
	for _, r := range refs {
		assert.False(t, seen[r.Path], "duplicate slot path %s", r.Path)
		seen[r.Path] = true
	}
}

func TestValidateSlot(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateSlot(SlotDealer, 1))
	assert.Error(t, ValidateSlot(SlotDealer, 2))
	assert.NoError(t, ValidateSlot(SlotBuyout, 8))
	assert.Error(t, ValidateSlot(SlotBuyout, 9))
	assert.Error(t, ValidateSlot(SlotBuyout, 0))
	assert.NoError(t, ValidateSlot(SlotDummies, 5))
	assert.Error(t, ValidateSlot(SlotDummies, 6))
	assert.Error(t, ValidateSlot(SlotType("trunk"), 1))
}

func TestParseCarFolder(t *testing.T) {
	t.Parallel()
	make, model, vin, ok := ParseCarFolder("Toyota Land Cruiser " + testVIN)
	require.True(t, ok)
	assert.Equal(t, "Toyota", make)
	assert.Equal(t, "Land Cruiser", model)
	assert.Equal(t, testVIN, vin)

	_, _, _, ok = ParseCarFolder("_REGION.json")
	assert.False(t, ok)
	_, _, _, ok = ParseCarFolder("Toyota Camry NOTAVIN")
	assert.False(t, ok)
}

func TestParseArchiveFolder(t *testing.T) {
	t.Parallel()
	region, make, model, vin, ok := ParseArchiveFolder("R1_Toyota_Camry_" + testVIN)
	require.True(t, ok)
	assert.Equal(t, "R1", region)
	assert.Equal(t, "Toyota", make)
	assert.Equal(t, "Camry", model)
	assert.Equal(t, testVIN, vin)

	_, _, _, _, ok = ParseArchiveFolder("Toyota Camry " + testVIN)
	assert.False(t, ok)
}

func TestVINValidation(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidVIN(testVIN))
	assert.True(t, ValidVIN(strings.ToLower(testVIN)))
	assert.False(t, ValidVIN("short"))
	assert.False(t, ValidVIN(testVIN+"0"))
	assert.False(t, ValidVIN("1HGBH41JXMN10918!"))
	assert.Equal(t, testVIN, NormalizeVIN(" "+strings.ToLower(testVIN)+" "))
}
