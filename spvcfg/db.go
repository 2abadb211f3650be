package spvcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/spvd/headerstore"
)

// DB holds the header database options.
//
//nolint:ll
type DB struct {
	NoFreelistSync bool `long:"nofreelistsync" description:"Do not sync the bbolt freelist to disk. Speeds up opening at the cost of a longer recovery after a crash."`

	Timeout time.Duration `long:"timeout" description:"How long to wait for the database file lock."`
}

// DefaultDB returns the database options with default values.
func DefaultDB() *DB {
	return &DB{
		NoFreelistSync: true,
		Timeout:        kvdb.DefaultDBTimeout,
	}
}

// StoreConfig returns the header store config for a database in dbPath.
func (db *DB) StoreConfig(dbPath string, readOnly bool) *headerstore.Config {
	return &headerstore.Config{
		DBPath:         dbPath,
		DBFileName:     headerstore.DefaultDBFileName,
		NoFreelistSync: db.NoFreelistSync,
		DBTimeout:      db.Timeout,
		ReadOnly:       readOnly,
	}
}

// Validate checks the database options.
func (db *DB) Validate() error {
	if db.Timeout <= 0 {
		return fmt.Errorf("db timeout must be positive")
	}

	return nil
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
