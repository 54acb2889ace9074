// Package version is the single source of build identity, stamped at
// build time via ldflags:
//
//	go build -ldflags "-X cxxkb/internal/version.Version=1.2.0 -X cxxkb/internal/version.Commit=abc123"
package version

var (
	// Version is the semantic version of the service.
	Version = "0.9.0"

	// Commit is the git commit hash (set at build time).
	Commit = "unknown"

	// BuildDate is the build timestamp (set at build time).
	BuildDate = "unknown"
)

// Info returns a short version string for logs and health payloads.
func Info() string {
	if Commit != "unknown" && len(Commit) > 7 {
		return Version + " (" + Commit[:7] + ")"
	}
	return Version
}

// Full returns the multi-line form used by the version subcommand.
func Full() string {
	return "cxxkb version " + Version + "\n" +
		"Commit: " + Commit + "\n" +
		"Built: " + BuildDate
}
