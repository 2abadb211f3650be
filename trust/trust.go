package trust

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultInitial is the score a server starts with.
	DefaultInitial = 1.0

	// DefaultMin is the lowest score a server can reach.
	DefaultMin = 0.01

	// DefaultMax is the highest score a server can reach.
	DefaultMax = 10.0

	// DefaultReward is added for a successful fetch or for agreeing with
	// the accepted chain.
	DefaultReward = 0.1

	// DefaultFetchPenalty is subtracted for a failed or timed out fetch.
	DefaultFetchPenalty = 0.25

	// DefaultDisagreePenalty is subtracted when a server pushes a branch
	// that loses the work comparison.
	DefaultDisagreePenalty = 0.5

	// DefaultInvalidPenalty is subtracted when a server serves a header
	// that fails validation.
	DefaultInvalidPenalty = 2.0

	// DefaultHalfLife is the time after which half of the distance to the
	// initial score has decayed.
	DefaultHalfLife = 6 * time.Hour
)

// Event is something a server did that changes its score.
type Event uint8

const (
	// EventFetchSuccess is a fetch that returned usable headers.
	EventFetchSuccess Event = iota

	// EventAgreement is a tip claim that matched the accepted chain.
	EventAgreement

	// EventFetchFailure is a fetch that failed or timed out.
	EventFetchFailure

	// EventLighterBranch is a claimed branch that lost against the local
	// chain.
	EventLighterBranch

	// EventInvalidHeader is a header that failed validation.
	EventInvalidHeader
)

// String returns a human readable name for the event.
func (e Event) String() string {
	switch e {
	case EventFetchSuccess:
		return "fetch_success"
	case EventAgreement:
		return "agreement"
	case EventFetchFailure:
		return "fetch_failure"
	case EventLighterBranch:
		return "lighter_branch"
	case EventInvalidHeader:
		return "invalid_header"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(e))
	}
}

// Config holds the tunable weights of the trust table.
type Config struct {
	Initial         float64
	Min             float64
	Max             float64
	Reward          float64
	FetchPenalty    float64
	DisagreePenalty float64
	InvalidPenalty  float64

	// HalfLife controls how quickly scores drift back to Initial. Zero
	// disables decay.
	HalfLife time.Duration

	// Clock is the time source used for decay.
	Clock clock.Clock
}

// DefaultConfig returns the default trust weights.
func DefaultConfig() *Config {
	return &Config{
		Initial:         DefaultInitial,
		Min:             DefaultMin,
		Max:             DefaultMax,
		Reward:          DefaultReward,
		FetchPenalty:    DefaultFetchPenalty,
		DisagreePenalty: DefaultDisagreePenalty,
		InvalidPenalty:  DefaultInvalidPenalty,
		HalfLife:        DefaultHalfLife,
		Clock:           clock.NewDefaultClock(),
	}
}

// Validate checks that the weights are usable.
func (c *Config) Validate() error {
	switch {
	case c.Min <= 0:
		return fmt.Errorf("trust min must be positive, got %v", c.Min)

	case c.Max < c.Min:
		return fmt.Errorf("trust max %v below min %v", c.Max, c.Min)

	case c.Initial < c.Min || c.Initial > c.Max:
		return fmt.Errorf("trust initial %v outside [%v, %v]",
			c.Initial, c.Min, c.Max)

	case c.Reward < 0 || c.FetchPenalty < 0 || c.DisagreePenalty < 0 ||
		c.InvalidPenalty < 0:

		return fmt.Errorf("trust rewards and penalties must not be " +
			"negative")

	case c.HalfLife < 0:
		return fmt.Errorf("trust half-life must not be negative")
	}

	return nil
}

// delta returns the score change of an event.
func (c *Config) delta(e Event) float64 {
	switch e {
	case EventFetchSuccess, EventAgreement:
		return c.Reward
	case EventFetchFailure:
		return -c.FetchPenalty
	case EventLighterBranch:
		return -c.DisagreePenalty
	case EventInvalidHeader:
		return -c.InvalidPenalty
	default:
		return 0
	}
}

// entry is the stored score of one server.
type entry struct {
	score   float64
	updated time.Time
}

// Table tracks a trust score per server. Scores start at Initial, move with
// recorded events within [Min, Max] and decay back towards Initial over time.
// It is safe for concurrent use.
type Table struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable creates an empty trust table.
func NewTable(cfg *Config) *Table {
	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return &Table{
		cfg:     c,
		entries: make(map[string]*entry),
	}
}

// decayed returns the score of e at now. The caller must hold mu.
func (t *Table) decayed(e *entry, now time.Time) float64 {
	if t.cfg.HalfLife == 0 {
		return e.score
	}

	elapsed := now.Sub(e.updated)
	if elapsed <= 0 {
		return e.score
	}

	factor := math.Pow(0.5, float64(elapsed)/float64(t.cfg.HalfLife))

	return t.cfg.Initial + (e.score-t.cfg.Initial)*factor
}

// Score returns the current score of server. Unknown servers have the initial
// score.
func (t *Table) Score(server string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[server]
	if !ok {
		return t.cfg.Initial
	}

	return t.decayed(e, t.cfg.Clock.Now())
}

// Record applies event to the score of server and returns the new score.
func (t *Table) Record(server string, event Event) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Clock.Now()

	e, ok := t.entries[server]
	if !ok {
		e = &entry{score: t.cfg.Initial, updated: now}
		t.entries[server] = e
	}

	score := t.decayed(e, now) + t.cfg.delta(event)
	score = math.Max(t.cfg.Min, math.Min(t.cfg.Max, score))

	e.score = score
	e.updated = now

	log.Tracef("Trust of %v after %v: %.3f", server, event, score)

	return score
}

// Forget drops the score of server.
func (t *Table) Forget(server string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, server)
}

// Snapshot returns the current score of every known server.
func (t *Table) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Clock.Now()
	scores := make(map[string]float64, len(t.entries))
	for server, e := range t.entries {
		scores[server] = t.decayed(e, now)
	}

	return scores
}

// Rank returns servers ordered by descending score. Ties are broken by name so
// the order is deterministic.
func (t *Table) Rank(servers []string) []string {
	scores := make(map[string]float64, len(servers))
	for _, s := range servers {
		scores[s] = t.Score(s)
	}

	ranked := append([]string(nil), servers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i]], scores[ranked[j]]
		if si != sj {
			return si > sj
		}

		return ranked[i] < ranked[j]
	})

	return ranked
}
