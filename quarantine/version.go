package quarantine

import (
	"golang.org/x/mod/semver"

	"github.com/kolkov/ptrquarantine/internal/quarantine/metadata"
)

// Version information for the quarantine engine.
const (
	// Version is the current version of the engine.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the engine.
type Info struct {
	// Version is the engine version string.
	Version string

	// Sanitizer names the sanitizer model the engine runs against.
	Sanitizer string

	// ShardCount is the number of metadata store partitions.
	ShardCount int
}

// GetInfo returns information about the engine.
//
// Example:
//
//	info := quarantine.GetInfo()
//	fmt.Printf("quarantine %s (%s)\n", info.Version, info.Sanitizer)
func GetInfo() Info {
	return Info{
		Version:    Version,
		Sanitizer:  "AddressSanitizer (in-process model)",
		ShardCount: metadata.ShardCount,
	}
}

// CompatibleWith reports whether code written against version want (e.g.
// "0.1.0" or "v0.1") runs on this engine: same major version, and want not
// newer than Version. Before 1.0 the minor version must match as well.
func CompatibleWith(want string) bool {
	if want == "" {
		return false
	}
	if want[0] != 'v' {
		want = "v" + want
	}
	if !semver.IsValid(want) {
		return false
	}

	current := "v" + Version
	if semver.Major(want) != semver.Major(current) {
		return false
	}
	if semver.Major(current) == "v0" && semver.MajorMinor(want) != semver.MajorMinor(current) {
		return false
	}
	return semver.Compare(want, current) <= 0
}
