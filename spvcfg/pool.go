package spvcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/spvd/consensus"
	"github.com/lightningnetwork/spvd/network"
)

// Pool holds the options of the server pool.
//
//nolint:ll
type Pool struct {
	TargetSize      int `long:"targetsize" description:"Number of servers kept connected."`
	MaxKnownServers int `long:"maxknown" description:"Maximum number of servers remembered from configuration and discovery."`

	BanDuration         time.Duration `long:"banduration" description:"How long a misbehaving server is not connected to."`
	ReconnectInterval   time.Duration `long:"reconnectinterval" description:"Average spacing of new connections."`
	ReconnectBurst      int           `long:"reconnectburst" description:"Number of connections that may be opened at once."`
	MaintenanceInterval time.Duration `long:"maintenanceinterval" description:"How often the pool is refilled and new servers are discovered."`

	PingInterval time.Duration `long:"pinginterval" description:"How often connected servers are pinged."`
	PingTimeout  time.Duration `long:"pingtimeout" description:"Timeout of a single ping."`
	PingAttempts int           `long:"pingattempts" description:"Failed pings after which a server is dropped. 0 disables pinging."`

	MaxResolveFailures int   `long:"maxresolvefailures" description:"Consecutive failures to resolve a server's claim after which it is banned."`
	CaughtUpDelta      int32 `long:"caughtupdelta" description:"How many headers the local tip may trail the best claim while counting as caught up."`
}

// DefaultPool returns the pool options with default values.
func DefaultPool() *Pool {
	return &Pool{
		TargetSize:          network.DefaultTargetPoolSize,
		MaxKnownServers:     network.DefaultMaxKnownServers,
		BanDuration:         network.DefaultBanDuration,
		ReconnectInterval:   network.DefaultReconnectInterval,
		ReconnectBurst:      network.DefaultReconnectBurst,
		MaintenanceInterval: network.DefaultMaintenanceInterval,
		PingInterval:        network.DefaultPingInterval,
		PingTimeout:         network.DefaultPingTimeout,
		PingAttempts:        network.DefaultPingAttempts,
		MaxResolveFailures:  consensus.DefaultMaxResolveFailures,
		CaughtUpDelta:       network.DefaultCaughtUpDelta,
	}
}

// Validate checks the pool options.
func (p *Pool) Validate() error {
	switch {
	case p.TargetSize < 1:
		return fmt.Errorf("pool targetsize must be at least 1")

	case p.MaxKnownServers < p.TargetSize:
		return fmt.Errorf("pool maxknown (%d) below targetsize (%d)",
			p.MaxKnownServers, p.TargetSize)

	case p.BanDuration <= 0 || p.ReconnectInterval <= 0 ||
		p.MaintenanceInterval <= 0:

		return fmt.Errorf("pool intervals must be positive")

	case p.ReconnectBurst < 1:
		return fmt.Errorf("pool reconnectburst must be at least 1")

	case p.PingAttempts < 0:
		return fmt.Errorf("pool pingattempts must not be negative")

	case p.PingAttempts > 0 && (p.PingInterval <= 0 || p.PingTimeout <= 0):
		return fmt.Errorf("pool ping interval and timeout must be " +
			"positive")

	case p.MaxResolveFailures < 1:
		return fmt.Errorf("pool maxresolvefailures must be at least 1")

	case p.CaughtUpDelta < 0:
		return fmt.Errorf("pool caughtupdelta must not be negative")
	}

	return nil
}

// Compile-time constraint to ensure Pool implements the Validator interface.
var _ Validator = (*Pool)(nil)
