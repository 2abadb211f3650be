package spvcfg

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigFilename is the default configuration file name spvd
	// tries to load.
	DefaultConfigFilename = "spvd.conf"

	// DefaultDataDirname is the directory the header database lives in,
	// below the spvd home directory.
	DefaultDataDirname = "data"

	// DefaultLogDirname is the log directory below the home directory.
	DefaultLogDirname = "logs"

	// DefaultLogFilename is the name of the log file.
	DefaultLogFilename = "spvd.log"
)

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// NormalizeNetwork returns the common name of a network type used to create
// file paths. This allows differently versioned networks to use the same path.
func NormalizeNetwork(network string) string {
	if strings.HasPrefix(network, "testnet") {
		return "testnet"
	}

	return network
}
