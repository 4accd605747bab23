// Package paths maps cars and photo slots to their canonical locations on the
// remote disk. Every path handed to the disk adapter is built or validated
// here: the layout on disk is the source of truth for the whole service, so a
// single malformed path can orphan a car's photos.
package paths

import (
	"fmt"
	"strings"
)

// SlotType enumerates the three photo slot categories under a car root.
type SlotType string

const (
	SlotDealer  SlotType = "dealer"
	SlotBuyout  SlotType = "buyout"
	SlotDummies SlotType = "dummies"
)

// Fixed slot cardinalities. 1 dealer + 8 buyout + 5 dummy = 14 directories
// under every car, created at car creation and never removed.
const (
	DealerSlots = 1
	BuyoutSlots = 8
	DummySlots  = 5
	TotalSlots  = DealerSlots + BuyoutSlots + DummySlots
)

// the disk rejects names longer than this
const maxSegmentLen = 255

// On-disk folder names for the three slot categories. These are bit-exact:
// existing disks already contain them and renaming would orphan every photo.
const (
	dealerFolder = "1. Dealer photos"
	buyoutFolder = "2. Buyout photos"
	dummyFolder  = "3. Dummy photos"
)

// ArchiveRegion is the reserved region tag that holds archived cars.
const ArchiveRegion = "ALL"

// Error kinds for path validation failures.
const (
	KindSyntax    = "PathSyntax"
	KindTraversal = "PathTraversal"
)

// PathError reports a path that failed normalization or validation. Stage
// identifies the operation that produced the path so that errors surfaced
// from deep inside the engine still point at the offending call site.
type PathError struct {
	Stage string
	Path  string
	Kind  string
	Msg   string
}

func (e *PathError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s: %q: %s", e.Stage, e.Kind, e.Path, e.Msg)
	}
	return fmt.Sprintf("%s: %q: %s", e.Kind, e.Path, e.Msg)
}

// Code returns the stable error code propagated to API callers.
func (e *PathError) Code() string {
	return e.Kind
}

// Normalize converts a path to its canonical form: forward slashes only, a
// single leading slash, no empty segments, no whitespace padding around
// separators, and no "disk:" scheme artifact. Normalize is idempotent.
func Normalize(p string) (string, error) {
	return normalize(p, "")
}

// AssertDiskPath is Normalize with a stage tag attached to any failure.
// Every remote call must pass its path through here.
func AssertDiskPath(p, stage string) (string, error) {
	return normalize(p, stage)
}

func normalize(p, stage string) (string, error) {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "", &PathError{Stage: stage, Path: p, Kind: KindSyntax, Msg: "path is empty"}
	}
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")

	// the web UI and older clients sometimes hand us "disk:/..." paths
	trimmed = strings.TrimPrefix(trimmed, "disk:")
	trimmed = strings.TrimPrefix(trimmed, "/disk:")

	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(trimmed, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if seg == ".." {
			return "", &PathError{Stage: stage, Path: p, Kind: KindTraversal, Msg: "parent traversal segment"}
		}
		if strings.Contains(seg, ":") {
			return "", &PathError{Stage: stage, Path: p, Kind: KindSyntax, Msg: "segment contains ':'"}
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", &PathError{Stage: stage, Path: p, Kind: KindSyntax, Msg: "path has no segments"}
	}
	return "/" + strings.Join(segments, "/"), nil
}

// unsafeSegmentChars are substituted with '_' when sanitizing names that
// become path segments on the disk.
const unsafeSegmentChars = `/\:*?"<>|`

// SanitizeSegment makes an arbitrary string safe to use as a single path
// segment. Unsafe characters become underscores, traversal sequences are
// stripped, and the result is truncated to 255 bytes.
func SanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if strings.ContainsRune(unsafeSegmentChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	out := strings.ReplaceAll(b.String(), "..", "")
	return truncateBytes(out, maxSegmentLen)
}

// SanitizeFilename is SanitizeSegment but keeps the final extension intact
// when truncation is needed.
func SanitizeFilename(s string) string {
	clean := SanitizeSegment(s)
	if len(clean) <= maxSegmentLen {
		return clean
	}
	dot := strings.LastIndex(clean, ".")
	if dot <= 0 {
		return truncateBytes(clean, maxSegmentLen)
	}
	ext := clean[dot:]
	if len(ext) >= maxSegmentLen {
		return truncateBytes(clean, maxSegmentLen)
	}
	return truncateBytes(clean[:dot], maxSegmentLen-len(ext)) + ext
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// NormalizeRegion canonicalizes a region tag.
func NormalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}

// NormalizeVIN canonicalizes a VIN for matching.
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// ValidVIN reports whether vin is exactly 17 alphanumeric characters.
func ValidVIN(vin string) bool {
	if len(vin) != 17 {
		return false
	}
	for _, r := range vin {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// CarFolder returns the car's folder name in a live region:
// "<Make> <Model> <VIN>".
func CarFolder(make, model, vin string) string {
	return fmt.Sprintf("%s %s %s",
		SanitizeSegment(make), SanitizeSegment(model), NormalizeVIN(vin))
}

// ArchiveFolder returns the car's folder name inside the archive region:
// "<origRegion>_<Make>_<Model>_<VIN>". The original region is encoded in
// the name because the archive flattens all regions into one folder.
func ArchiveFolder(origRegion, make, model, vin string) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		NormalizeRegion(origRegion),
		SanitizeSegment(make), SanitizeSegment(model), NormalizeVIN(vin))
}

// CarRoot returns the absolute root directory of a live car.
func CarRoot(base, region, make, model, vin string) string {
	return fmt.Sprintf("%s/%s/%s", base, NormalizeRegion(region), CarFolder(make, model, vin))
}

// ArchiveRoot returns the absolute root directory of an archived car.
func ArchiveRoot(base, origRegion, make, model, vin string) string {
	return fmt.Sprintf("%s/%s/%s", base, ArchiveRegion, ArchiveFolder(origRegion, make, model, vin))
}

// RegionRoot returns the absolute folder of a region.
func RegionRoot(base, region string) string {
	return fmt.Sprintf("%s/%s", base, NormalizeRegion(region))
}

// ValidateSlot rejects slot coordinates outside the fixed taxonomy.
func ValidateSlot(typ SlotType, index int) error {
	var max int
	switch typ {
	case SlotDealer:
		max = DealerSlots
	case SlotBuyout:
		max = BuyoutSlots
	case SlotDummies:
		max = DummySlots
	default:
		return fmt.Errorf("unknown slot type %q", typ)
	}
	if index < 1 || index > max {
		return fmt.Errorf("slot index %d out of range for %s (1..%d)", index, typ, max)
	}
	return nil
}

// SlotPath returns the absolute directory of one slot. The inner directory
// always carries the live-form car name, even for archived cars: archive
// moves relocate the whole tree without renaming anything inside it.
func SlotPath(carRoot, make, model, vin string, typ SlotType, index int) (string, error) {
	if err := ValidateSlot(typ, index); err != nil {
		return "", err
	}
	name := CarFolder(make, model, vin)
	switch typ {
	case SlotDealer:
		return fmt.Sprintf("%s/%s/%s", carRoot, dealerFolder, name), nil
	case SlotBuyout:
		return fmt.Sprintf("%s/%s/%d. %s", carRoot, buyoutFolder, index, name), nil
	default:
		return fmt.Sprintf("%s/%s/%d. %s", carRoot, dummyFolder, index, name), nil
	}
}

// SlotRef identifies one slot within a car.
type SlotRef struct {
	Type  SlotType
	Index int
	Path  string
}

// TypeFolders returns the three slot-category folders under a car root, in
// on-disk order.
func TypeFolders(carRoot string) []string {
	return []string{
		carRoot + "/" + dealerFolder,
		carRoot + "/" + buyoutFolder,
		carRoot + "/" + dummyFolder,
	}
}

// AllSlotPaths yields the 14 slot directories of a car in deterministic
// order: dealer, buyout 1..8, dummy 1..5.
func AllSlotPaths(carRoot, carMake, model, vin string) []SlotRef {
	refs := make([]SlotRef, 0, TotalSlots)
	appendRef := func(typ SlotType, index int) {
		p, _ := SlotPath(carRoot, carMake, model, vin, typ, index)
		refs = append(refs, SlotRef{Type: typ, Index: index, Path: p})
	}
	appendRef(SlotDealer, 1)
	for i := 1; i <= BuyoutSlots; i++ {
		appendRef(SlotBuyout, i)
	}
	for i := 1; i <= DummySlots; i++ {
		appendRef(SlotDummies, i)
	}
	return refs
}

// ParseCarFolder parses a live-region folder name "<Make> <Model> <VIN>".
// The model may contain spaces; the VIN anchors the parse from the right.
func ParseCarFolder(name string) (make, model, vin string, ok bool) {
	fields := strings.Fields(name)
	if len(fields) < 3 {
		return "", "", "", false
	}
	vin = fields[len(fields)-1]
	if !ValidVIN(vin) {
		return "", "", "", false
	}
	return fields[0], strings.Join(fields[1:len(fields)-1], " "), NormalizeVIN(vin), true
}

// ParseArchiveFolder parses an archive folder name
// "<origRegion>_<Make>_<Model>_<VIN>".
func ParseArchiveFolder(name string) (origRegion, make, model, vin string, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return "", "", "", "", false
	}
	vin = parts[len(parts)-1]
	if !ValidVIN(vin) {
		return "", "", "", "", false
	}
	return NormalizeRegion(parts[0]), parts[1],
		strings.Join(parts[2:len(parts)-1], "_"), NormalizeVIN(vin), true
}
