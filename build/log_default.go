//go:build !stdlog && !nolog

package build

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// LogLevel is the default log level used by stdout sub loggers.
const LogLevel = "info"
