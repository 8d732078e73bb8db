// Package build exposes version information stamped into the binary at link time.
package build

var (
	// Version is the semantic version of the build, set with -ldflags.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"

	// Date is the build date in RFC3339.
	Date = "unknown"

	// ProjectName is the name of the project, used for telemetry resources.
	ProjectName = "tessera"
)
