// Package version carries build identification, injected at link time via
// -ldflags.
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the VCS revision the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identification line.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
