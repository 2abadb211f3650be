package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog/v2"
)

// LogType indicates the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and the rotating log file.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogWriter is a stub type whose behavior can be changed using the build flags
// "stdlog" and "nolog". The default behavior is to write to both stdout and the
// RotatorPipe. Passing "stdlog" will cause it only to write to stdout, and
// "nolog" implements Write as a no-op.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator.
	// It only needs to be set for the default logging type.
	RotatorPipe io.Writer
}

// Write writes the byte slice to the outputs selected by the build flags.
func (w *LogWriter) Write(b []byte) (int, error) {
	switch LoggingType {
	case LogTypeNone:
		return len(b), nil

	case LogTypeStdOut:
		_, _ = os.Stdout.Write(b)
		return len(b), nil
	}

	_, _ = os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		_, _ = w.RotatorPipe.Write(b)
	}

	return len(b), nil
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. This is primarily intended for use with stdlog, as the actual
// writer is shared amongst all instantiations.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch Deployment {

	// For production builds, generate a new subsystem logger from the
	// primary log backend. If no function is provided, logging will be
	// disabled.
	case Production:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	// For development builds, we must handle two distinct types of logging:
	// unit tests and running the live daemon.
	case Development:
		switch LoggingType {

		// Default logging is used when running the standalone daemon.
		case LogTypeDefault:
			if genSubLogger != nil {
				return genSubLogger(subsystem)
			}

		// Logging to stdout is used in unit tests. It is not important
		// that they share the same handler, since all output is written
		// to stdout anyway.
		case LogTypeStdOut:
			handler := btclog.NewDefaultHandler(&LogWriter{})
			logger := btclog.NewSLogger(handler).SubSystem(subsystem)

			level, _ := btclog.LevelFromString(LogLevel)
			logger.SetLevel(level)

			return logger
		}
	}

	return btclog.Disabled
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a sorted slice of the names of the
	// registered subsystems.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given logger. An appropriate error is returned
// if anything is invalid.
//
// The accepted format is either a single level applied to every subsystem, or
// an optional global level followed by comma separated subsystem=level pairs,
// e.g. "info,CNSS=debug,IFCE=trace".
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat is as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		logger.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	subLoggers := logger.SubLoggers()
	for _, logLevelPair := range levels {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2",
				logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}

// sortedKeys returns the subsystem names of the map in lexical order.
func (s SubLoggers) sortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
