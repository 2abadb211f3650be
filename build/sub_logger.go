package build

import (
	"io"
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// SubLoggerManager manages a set of subsystem loggers that all share one
// handler. Level changes made through the manager apply to the registered
// sub loggers as well as to any generated later on.
type SubLoggerManager struct {
	cfg     *LogConfig
	handler btclog.Handler
	root    btclog.Logger

	loggers SubLoggers
	mu      sync.Mutex
}

// A compile time check to ensure SubLoggerManager implements the
// LeveledSubLogger interface.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager constructs a new SubLoggerManager whose loggers write to
// stdout and, if given, the rotating log file. Outputs disabled in the config
// are skipped.
func NewSubLoggerManager(cfg *LogConfig,
	fileWriter io.Writer) *SubLoggerManager {

	var (
		writers []io.Writer
		opts    []btclog.HandlerOption
	)
	if !cfg.Console.Disable {
		writers = append(writers, &LogWriter{})
		opts = cfg.Console.HandlerOptions()
	}
	if fileWriter != nil && !cfg.File.Disable {
		writers = append(writers, fileWriter)

		// The file config wins when both outputs are active, as the
		// log file is what ends up in bug reports.
		opts = cfg.File.HandlerOptions()
	}

	var w io.Writer = io.Discard
	if len(writers) > 0 {
		w = io.MultiWriter(writers...)
	}

	handler := btclog.NewDefaultHandler(w, opts...)

	return &SubLoggerManager{
		cfg:     cfg,
		handler: handler,
		root:    btclog.NewSLogger(handler),
		loggers: make(SubLoggers),
	}
}

// GenSubLogger creates a new sub-logger and adds it to the set managed by the
// SubLoggerManager.
func (r *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.loggers[subsystem]; ok {
		return logger
	}

	logger := r.root.SubSystem(subsystem)
	r.loggers[subsystem] = logger

	return logger
}

// RegisterSubLogger registers the given logger under the subsystem name.
func (r *SubLoggerManager) RegisterSubLogger(subsystem string,
	logger btclog.Logger) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.loggers[subsystem] = logger
}

// SubLoggers returns all currently registered subsystem loggers for this log
// writer.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.loggers))
	for k, v := range r.loggers {
		loggers[k] = v
	}

	return loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SupportedSubsystems() []string {
	return r.SubLoggers().sortedKeys()
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically created as
// needed.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	r.mu.Lock()
	logger, ok := r.loggers[subsystemID]
	r.mu.Unlock()

	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level. It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
//
// NOTE: This is part of the LeveledSubLogger interface.
func (r *SubLoggerManager) SetLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, logger := range r.loggers {
		logger.SetLevel(level)
	}
}
