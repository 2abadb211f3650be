package spvd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/spvcfg"
)

const (
	defaultLogLevel = "info"
)

var (
	// DefaultSpvdDir is the default directory where spvd tries to find
	// its configuration file and store its data. This is a directory in
	// the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Spvd on Windows
	//   ~/.spvd on Linux
	//   ~/Library/Application Support/Spvd on MacOS
	DefaultSpvdDir = btcutil.AppDataDir("spvd", false)

	// DefaultConfigFile is the default full path of spvd's configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultSpvdDir, spvcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultSpvdDir, spvcfg.DefaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultSpvdDir, spvcfg.DefaultLogDirname)
)

// Config defines the configuration options for spvd.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	SpvdDir    string `long:"spvddir" description:"The base directory that contains spvd's data, logs and configuration file."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store spvd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Chain *spvcfg.Chain `group:"chain" namespace:"chain"`

	Network *spvcfg.Network `group:"network" namespace:"network"`

	Pool *spvcfg.Pool `group:"pool" namespace:"pool"`

	Fetch *spvcfg.Fetch `group:"fetch" namespace:"fetch"`

	Trust *spvcfg.Trust `group:"trust" namespace:"trust"`

	DB *spvcfg.DB `group:"db" namespace:"db"`

	Prometheus spvcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	// LogRotator is the file output of all loggers.
	LogRotator *build.RotatingLogWriter

	// LogMgr owns the subsystem loggers.
	LogMgr *build.SubLoggerManager

	// ActiveNetParams are the parameters of the configured network.
	ActiveNetParams *chaincfg.Params

	// networkDir is the data directory of the configured network.
	networkDir string
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		SpvdDir:    DefaultSpvdDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		LogConfig:  build.DefaultLogConfig(),
		Chain:      spvcfg.DefaultChain(),
		Network:    spvcfg.DefaultNetwork(),
		Pool:       spvcfg.DefaultPool(),
		Fetch:      spvcfg.DefaultFetch(),
		Trust:      spvcfg.DefaultTrust(),
		DB:         spvcfg.DefaultDB(),
		Prometheus: spvcfg.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their spvddir, then we should assume they intend to use
	// the config file within it.
	configFileDir := spvcfg.CleanAndExpandPath(preCfg.SpvdDir)
	configFilePath := spvcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultSpvdDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, spvcfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		spvdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided spvd directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	spvdDir := spvcfg.CleanAndExpandPath(cfg.SpvdDir)
	if spvdDir != DefaultSpvdDir {
		cfg.DataDir = filepath.Join(spvdDir, spvcfg.DefaultDataDirname)
		cfg.LogDir = filepath.Join(spvdDir, spvcfg.DefaultLogDirname)
	}

	funcName := "ValidateConfig"
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf(funcName+": "+format, args...)
	}

	cfg.DataDir = spvcfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = spvcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Chain.CheckpointFile = spvcfg.CleanAndExpandPath(
		cfg.Chain.CheckpointFile,
	)
	cfg.Network.TLSCertPath = spvcfg.CleanAndExpandPath(
		cfg.Network.TLSCertPath,
	)

	err := spvcfg.Validate(
		cfg.LogConfig, cfg.Chain, cfg.Network, cfg.Pool, cfg.Fetch,
		cfg.Trust, cfg.DB,
	)
	if err != nil {
		return nil, mkErr("%w", err)
	}

	if cfg.Prometheus.Enable && cfg.Prometheus.Listen == "" {
		return nil, mkErr("prometheus.listen must be set when " +
			"prometheus is enabled")
	}

	cfg.ActiveNetParams, err = cfg.Chain.Params()
	if err != nil {
		return nil, mkErr("%w", err)
	}

	// Data and logs are namespaced per network, so switching networks
	// never mixes headers.
	network := spvcfg.NormalizeNetwork(cfg.ActiveNetParams.Name)
	cfg.networkDir = filepath.Join(cfg.DataDir, network)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		mgr := build.NewSubLoggerManager(cfg.LogConfig, nil)
		SetupLoggers(mgr)
		fmt.Println("Supported subsystems", mgr.SupportedSubsystems())
		os.Exit(0)
	}

	cfg.LogRotator = build.NewRotatingLogWriter()
	if !cfg.LogConfig.File.Disable {
		err := cfg.LogRotator.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, spvcfg.DefaultLogFilename),
		)
		if err != nil {
			return nil, mkErr("log rotation setup failed: %w", err)
		}
	}

	// Initialize logging at the default logging level.
	cfg.LogMgr = build.NewSubLoggerManager(cfg.LogConfig, cfg.LogRotator)
	SetupLoggers(cfg.LogMgr)

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogMgr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, mkErr("%w", err)
	}

	return &cfg, nil
}

// NetworkDir returns the data directory of the configured network.
func (c *Config) NetworkDir() string {
	return c.networkDir
}
