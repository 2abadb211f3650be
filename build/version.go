package build

import "fmt"

const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 3

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0

	// AppPreRelease is appended to the version string when non-empty.
	AppPreRelease = "beta"
)

// Commit stores the current commit of this build, which includes the most
// recent tag, the number of commits since that tag (if non-zero), the commit
// hash, and a dirty marker. This should be set using the -ldflags during
// compilation.
var Commit string

// Version returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (http://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
	if AppPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, AppPreRelease)
	}

	return version
}
