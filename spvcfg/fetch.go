package spvcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/spvd/iface"
)

// Fetch holds the options of header downloads.
//
//nolint:ll
type Fetch struct {
	BatchSize      uint32        `long:"batchsize" description:"Number of headers requested at once."`
	MaxAttempts    int           `long:"maxattempts" description:"How often a batch is requested from a server before it is dropped."`
	RetryInterval  time.Duration `long:"retryinterval" description:"The first delay between attempts. It doubles on every retry."`
	ClaimQueueSize int           `long:"claimqueuesize" description:"Number of tip announcements buffered per server. The oldest is dropped on overflow."`
}

// DefaultFetch returns the fetch options with default values.
func DefaultFetch() *Fetch {
	return &Fetch{
		BatchSize:      iface.DefaultFetchBatchSize,
		MaxAttempts:    iface.DefaultMaxFetchAttempts,
		RetryInterval:  iface.DefaultRetryInterval,
		ClaimQueueSize: iface.DefaultClaimQueueSize,
	}
}

// Validate checks the fetch options.
func (f *Fetch) Validate() error {
	switch {
	case f.BatchSize == 0:
		return fmt.Errorf("fetch batchsize must be positive")
	case f.MaxAttempts < 1:
		return fmt.Errorf("fetch maxattempts must be at least 1")
	case f.RetryInterval <= 0:
		return fmt.Errorf("fetch retryinterval must be positive")
	case f.ClaimQueueSize < 1:
		return fmt.Errorf("fetch claimqueuesize must be at least 1")
	}

	return nil
}

// Compile-time constraint to ensure Fetch implements the Validator interface.
var _ Validator = (*Fetch)(nil)
