package cov

// Version information for the covtrace coverage engine.
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

// Info provides runtime information about the coverage engine.
type Info struct {
	// Version is the engine version string.
	Version string

	// Metrics lists the metric variants the engine computes.
	Metrics []string
}

// GetInfo returns information about the coverage engine.
//
// Example:
//
//	info := cov.GetInfo()
//	fmt.Printf("covtrace %s\n", info.Version)
func GetInfo() Info {
	return Info{
		Version: Version,
		Metrics: []string{"Statement", "Branch", "Condition"},
	}
}
