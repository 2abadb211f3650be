package spvcfg

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/spvd/headerchain"
)

const (
	// DefaultChainNetwork is the chain followed unless configured otherwise.
	DefaultChainNetwork = "mainnet"
)

// Chain holds the options of the header chain itself.
//
//nolint:ll
type Chain struct {
	Network string `long:"network" description:"The network whose headers are followed." choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"signet" choice:"regtest" choice:"simnet"`

	CheckpointFile string `long:"checkpointfile" description:"A JSON file of [hash, height] checkpoints. The built-in checkpoints of the network are used if unset."`

	MaxFutureDrift time.Duration `long:"maxfuturedrift" description:"How far in the future a header timestamp may lie."`

	InvalidCacheSize int `long:"invalidcachesize" description:"Number of rejected header hashes remembered."`
}

// DefaultChain returns the chain options with default values.
func DefaultChain() *Chain {
	return &Chain{
		Network:          DefaultChainNetwork,
		MaxFutureDrift:   headerchain.DefaultMaxFutureDrift,
		InvalidCacheSize: headerchain.DefaultInvalidCacheSize,
	}
}

// Params returns the consensus parameters of the configured network.
func (c *Chain) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// Checkpoints returns the checkpoint set the chain is anchored on: the
// configured file if any, else the network's built-in checkpoints.
func (c *Chain) Checkpoints() ([]headerchain.Checkpoint, error) {
	if c.CheckpointFile != "" {
		return headerchain.LoadCheckpointFile(
			CleanAndExpandPath(c.CheckpointFile),
		)
	}

	params, err := c.Params()
	if err != nil {
		return nil, err
	}

	return headerchain.CheckpointsFromParams(params), nil
}

// Validate checks the chain options.
func (c *Chain) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if c.MaxFutureDrift <= 0 {
		return fmt.Errorf("maxfuturedrift must be positive")
	}
	if c.InvalidCacheSize <= 0 {
		return fmt.Errorf("invalidcachesize must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Chain implements the Validator interface.
var _ Validator = (*Chain)(nil)
