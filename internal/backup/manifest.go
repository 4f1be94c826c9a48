// Package backup implements Fortemi's portable "shard" format: a versioned
// bundle of one archive's notes, collections, tags, links, embedding sets,
// and embeddings, plus a manifest describing how to verify and migrate it.
//
// Export walks an archive through [storage.Repos] into a [Shard]; Import
// reverses the process, running any required version migration first. The
// migration path search and cycle detection mirror the recursive,
// visited-set graph traversal internal/knowledge uses for SKOS concepts and
// the auto-linker's explore_graph — applied here to a graph of format
// versions instead of a graph of notes.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// Version is a semantic MAJOR.MINOR.PATCH shard format version.
type Version struct {
	Major int
	Minor int
	Patch int
}

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// ParseVersion parses a "MAJOR.MINOR.PATCH" string.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, ferrors.Newf(ferrors.Validation, "backup", "malformed version %q: want MAJOR.MINOR.PATCH", s)
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, ferrors.Newf(ferrors.Validation, "backup", "version %q: major component out of range: %v", s, err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return Version{}, ferrors.Newf(ferrors.Validation, "backup", "version %q: minor component out of range: %v", s, err)
	}
	patch, err := strconv.Atoi(m[3])
	if err != nil {
		return Version{}, ferrors.Newf(ferrors.Validation, "backup", "version %q: patch component out of range: %v", s, err)
	}
	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

// String renders v as "MAJOR.MINOR.PATCH".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, comparing Major then Minor then Patch.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Patch - other.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// MarshalJSON renders Version as its string form.
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON parses Version from its string form.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Compatibility is the result of comparing a shard's version against the
// running system's version.
type Compatibility string

const (
	// Compatible: same major, and the shard's minor is the same as or older
	// than the system's (patch differences are ignored).
	Compatible Compatibility = "compatible"
	// NewerMinor: same major, shard minor is ahead of the system's. Import
	// proceeds but unknown fields are reported as warnings rather than
	// errors.
	NewerMinor Compatibility = "newer_minor"
	// Incompatible: major versions differ in either direction. Import
	// requires a migration path from the shard's version to the system's.
	Incompatible Compatibility = "incompatible"
)

// CheckCompatibility compares shard against system per spec.md §4.9:
// same major with a shard minor equal to or older than the system's is
// Compatible, whatever the patch; same major with a newer shard minor is
// NewerMinor; any major difference is Incompatible.
func CheckCompatibility(shard, system Version) Compatibility {
	if shard.Major != system.Major {
		return Incompatible
	}
	if shard.Minor > system.Minor {
		return NewerMinor
	}
	return Compatible
}

// componentNames lists every component a Shard carries, in the fixed order
// export/import process them — also the order manifest.json's component
// list and per-component checksums are reported in.
var componentNames = []string{
	"notes", "collections", "tags", "templates", "links", "embedding_sets", "embeddings",
}

// Manifest is the shard's self-describing header, serialised as
// manifest.json alongside one file per component.
type Manifest struct {
	Version    Version           `json:"version"`
	Components []string          `json:"components"`
	Counts     map[string]int    `json:"counts"`
	Checksums  map[string]string `json:"checksums"`
	Metadata   storage.Bag       `json:"metadata"`
}

// checksum returns the lower-case hex SHA-256 of v's canonical JSON
// encoding. Callers must pass components in a stable, pre-sorted order so
// the same logical data always hashes to the same digest.
func checksum(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("backup: checksum encode: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// verifyChecksum recomputes the checksum of v and compares it against want,
// returning a [ferrors.Validation] error naming component on mismatch.
func verifyChecksum(component string, v any, want string) error {
	got, err := checksum(v)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return ferrors.Newf(ferrors.Validation, "backup", "%s: checksum mismatch: manifest says %s, computed %s", component, want, got)
	}
	return nil
}
