// Package version carries build information injected through ldflags.
package version

var (
	// Release is the release version, e.g. v0.3.1.
	Release = "dev"
	// GitCommit is the short commit hash of the build.
	GitCommit = "unknown"
)

func GetRelease() string {
	return Release
}

func GetGitCommit() string {
	return GitCommit
}
