//go:build nolog

package build

// LoggingType is a log type that writes no logs.
const LoggingType = LogTypeNone

// LogLevel is unused when logging is compiled out.
const LogLevel = "off"
