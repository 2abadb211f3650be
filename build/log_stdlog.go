//go:build stdlog

package build

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// LogLevel is the log level applied to the stdout sub loggers handed out to
// unit tests.
const LogLevel = "debug"
