package build

// DeploymentType selects how sub loggers are wired. It is fixed at compile
// time by the dev build tag.
type DeploymentType byte

const (
	// Development builds hand unit tests stdout loggers when the stdlog
	// tag is set.
	Development DeploymentType = iota

	// Production builds only log through a SubLoggerManager.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
