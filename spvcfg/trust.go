package spvcfg

import (
	"time"

	"github.com/lightningnetwork/spvd/trust"
)

// Trust holds the constants of the server trust table.
//
//nolint:ll
type Trust struct {
	Initial         float64       `long:"initial" description:"Score of a server not seen before."`
	Min             float64       `long:"min" description:"Lowest score a server can fall to."`
	Max             float64       `long:"max" description:"Highest score a server can reach."`
	Reward          float64       `long:"reward" description:"Score added for a successful fetch or agreement with the verified tip."`
	FetchPenalty    float64       `long:"fetchpenalty" description:"Score removed for a failed fetch."`
	DisagreePenalty float64       `long:"disagreepenalty" description:"Score removed for claiming a lighter branch."`
	InvalidPenalty  float64       `long:"invalidpenalty" description:"Score removed for serving an invalid header."`
	HalfLife        time.Duration `long:"halflife" description:"Time after which a score has decayed halfway back to the initial score. 0 disables decay."`
}

// DefaultTrust returns the trust options with default values.
func DefaultTrust() *Trust {
	d := trust.DefaultConfig()

	return &Trust{
		Initial:         d.Initial,
		Min:             d.Min,
		Max:             d.Max,
		Reward:          d.Reward,
		FetchPenalty:    d.FetchPenalty,
		DisagreePenalty: d.DisagreePenalty,
		InvalidPenalty:  d.InvalidPenalty,
		HalfLife:        d.HalfLife,
	}
}

// TableConfig converts the options into a trust table config.
func (t *Trust) TableConfig() *trust.Config {
	return &trust.Config{
		Initial:         t.Initial,
		Min:             t.Min,
		Max:             t.Max,
		Reward:          t.Reward,
		FetchPenalty:    t.FetchPenalty,
		DisagreePenalty: t.DisagreePenalty,
		InvalidPenalty:  t.InvalidPenalty,
		HalfLife:        t.HalfLife,
	}
}

// Validate checks the trust options.
func (t *Trust) Validate() error {
	return t.TableConfig().Validate()
}

// Compile-time constraint to ensure Trust implements the Validator interface.
var _ Validator = (*Trust)(nil)
