package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/chainevents"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/iface"
	"github.com/lightningnetwork/spvd/lnutils"
	"github.com/lightningnetwork/spvd/trust"
)

const (
	// DefaultMaxResolveFailures is the number of consecutive failed
	// resolutions after which a server is banned.
	DefaultMaxResolveFailures = 3

	// DefaultClaimBufferSize is the capacity of the claim sink.
	DefaultClaimBufferSize = 64
)

var (
	// ErrTooManyFailures is the ban reason for a server whose claims kept
	// failing to resolve.
	ErrTooManyFailures = errors.New("too many failed resolutions")

	// ErrBelowAnchor is returned for a claim below the anchor checkpoint
	// that is not part of the local chain.
	ErrBelowAnchor = errors.New("claim below anchor checkpoint")
)

// Peer is the part of a server interface the selector uses. *iface.Server
// implements it.
type Peer interface {
	// Address identifies the server.
	Address() string

	// FetchHeaders fetches count headers starting at start.
	FetchHeaders(ctx context.Context, start int32,
		count uint32) ([]wire.BlockHeader, error)

	// FetchHeader fetches the header at height.
	FetchHeader(ctx context.Context, height int32) (*wire.BlockHeader,
		error)

	// SetCatchingUp marks the server as the source of a fetch.
	SetCatchingUp()

	// SetSynced records whether the local chain matches the server.
	SetSynced(synced bool)

	// Ban blacklists the server.
	Ban(reason error)

	// Banned reports whether the server was blacklisted.
	Banned() bool
}

// A compile time check to ensure *iface.Server satisfies Peer.
var _ Peer = (*iface.Server)(nil)

// HeaderStore persists accepted headers.
type HeaderStore interface {
	// PersistHeaders replaces everything above ancestor with headers.
	PersistHeaders(ancestor int32, headers []headerchain.StoredHeader) error
}

// Config holds the dependencies of the selector.
type Config struct {
	// Chain is the header chain arbitrated into.
	Chain *headerchain.Chain

	// Store receives every accepted change. Optional.
	Store HeaderStore

	// Events is notified of tip changes and reorgs. Optional.
	Events *chainevents.Server

	// Trust weighs claims and records server behaviour.
	Trust *trust.Table

	// FetchBatchSize is the number of headers connected per catch-up
	// step.
	FetchBatchSize uint32

	// MaxResolveFailures bans a server after that many consecutive failed
	// resolutions.
	MaxResolveFailures int

	// ClaimBufferSize is the capacity of the claim sink.
	ClaimBufferSize int
}

// Stats counts what the selector did.
type Stats struct {
	// Reorgs is the number of accepted branches that replaced headers.
	Reorgs uint64

	// Extensions is the number of headers appended to the tip.
	Extensions uint64

	// Rejections is the number of claims that lost or failed
	// validation.
	Rejections uint64

	// Resolutions is the number of claims that were resolved.
	Resolutions uint64
}

// group is a set of claims for the same tip.
type group struct {
	hash    chainhash.Hash
	height  int32
	weight  float64
	servers []string
}

// job is a claim handed to the resolver.
type job struct {
	peer  Peer
	claim iface.Claim
}

// outcome is the result of a resolution.
type outcome struct {
	job job

	// progressed is set if the chain changed, even if the resolution
	// failed later on.
	progressed bool

	err error
}

// Selector keeps the latest tip claim of every server and arbitrates the
// claims into the header chain. All decisions are made by a single loop; at
// most one resolution runs at a time.
type Selector struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	claimsIn chan iface.Claim
	wake     chan struct{}
	resolved chan outcome

	mu       sync.RWMutex
	peers    map[string]Peer
	claims   map[string]iface.Claim
	settled  map[string]chainhash.Hash
	failures map[string]int

	reorgs      atomic.Uint64
	extensions  atomic.Uint64
	rejections  atomic.Uint64
	resolutions atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a selector.
func New(cfg *Config) *Selector {
	c := *cfg
	if c.Trust == nil {
		c.Trust = trust.NewTable(trust.DefaultConfig())
	}
	if c.FetchBatchSize == 0 {
		c.FetchBatchSize = iface.DefaultFetchBatchSize
	}
	if c.MaxResolveFailures == 0 {
		c.MaxResolveFailures = DefaultMaxResolveFailures
	}
	if c.ClaimBufferSize == 0 {
		c.ClaimBufferSize = DefaultClaimBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Selector{
		cfg:      c,
		claimsIn: make(chan iface.Claim, c.ClaimBufferSize),
		wake:     make(chan struct{}, 1),
		resolved: make(chan outcome, 1),
		peers:    make(map[string]Peer),
		claims:   make(map[string]iface.Claim),
		settled:  make(map[string]chainhash.Hash),
		failures: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the decision loop.
func (s *Selector) Start() error {
	s.started.Do(func() {
		log.Info("Consensus selector starting")

		s.wg.Add(1)
		go s.loop()
	})

	return nil
}

// Stop cancels a running resolution and waits for the loop to exit.
func (s *Selector) Stop() error {
	s.stopped.Do(func() {
		log.Info("Consensus selector shutting down...")
		defer log.Debug("Consensus selector shutdown complete")

		s.cancel()
		s.wg.Wait()
	})

	return nil
}

// ClaimSink returns the channel server interfaces deliver claims to.
func (s *Selector) ClaimSink() chan<- iface.Claim {
	return s.claimsIn
}

// AddPeer registers a server. Claims of unknown servers are ignored, so a
// peer has to be added before it starts.
func (s *Selector) AddPeer(peer Peer) {
	s.mu.Lock()
	s.peers[peer.Address()] = peer
	s.mu.Unlock()

	s.poke()
}

// RemovePeer forgets a server and its claim.
func (s *Selector) RemovePeer(addr string) {
	s.mu.Lock()
	delete(s.peers, addr)
	delete(s.claims, addr)
	delete(s.settled, addr)
	delete(s.failures, addr)
	s.mu.Unlock()

	s.poke()
}

// poke makes the loop re-evaluate the claim table.
func (s *Selector) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Claims returns the live claim of every registered server.
func (s *Selector) Claims() map[string]iface.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claims := make(map[string]iface.Claim, len(s.claims))
	for addr, claim := range s.claims {
		if peer, ok := s.peers[addr]; ok && !peer.Banned() {
			claims[addr] = claim
		}
	}

	return claims
}

// Stats returns the selector counters.
func (s *Selector) Stats() Stats {
	return Stats{
		Reorgs:      s.reorgs.Load(),
		Extensions:  s.extensions.Load(),
		Rejections:  s.rejections.Load(),
		Resolutions: s.resolutions.Load(),
	}
}

// groupClaims partitions claims by tip hash, heaviest trust weight first.
// Ties go to the higher claim.
func (s *Selector) groupClaims(claims map[string]iface.Claim) []*group {
	byHash := make(map[chainhash.Hash]*group)
	for addr, claim := range claims {
		g, ok := byHash[claim.Hash]
		if !ok {
			g = &group{hash: claim.Hash, height: claim.Height}
			byHash[claim.Hash] = g
		}
		g.weight += s.cfg.Trust.Score(addr)
		g.servers = append(g.servers, addr)
	}

	groups := make([]*group, 0, len(byHash))
	for _, g := range byHash {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		gi, gj := groups[i], groups[j]
		switch {
		case gi.weight != gj.weight:
			return gi.weight > gj.weight
		case gi.height != gj.height:
			return gi.height > gj.height
		default:
			return bytes.Compare(gi.hash[:], gj.hash[:]) < 0
		}
	})

	return groups
}

// BestClaim returns the claim of the heaviest group, as announced by its most
// trusted member.
func (s *Selector) BestClaim() fn.Option[iface.Claim] {
	claims := s.Claims()
	groups := s.groupClaims(claims)
	if len(groups) == 0 {
		return fn.None[iface.Claim]()
	}

	best := s.cfg.Trust.Rank(groups[0].servers)[0]

	return fn.Some(claims[best])
}

// IsCaughtUp returns true if the local tip is within delta headers of the
// best claim. Without any claim nothing is known, so it returns false.
func (s *Selector) IsCaughtUp(delta int32) bool {
	if !s.cfg.Chain.Anchored() {
		return false
	}

	height := s.cfg.Chain.Height()

	return fn.MapOptionZ(s.BestClaim(), func(claim iface.Claim) bool {
		return height+delta >= claim.Height
	})
}

// loop is the decision loop. It owns the resolver and re-evaluates the claims
// whenever a claim arrives, a peer changes or a resolution ends.
//
// NOTE: MUST be run as a goroutine.
func (s *Selector) loop() {
	defer s.wg.Done()

	resolving := false
	for {
		select {
		case claim := <-s.claimsIn:
			s.recordClaim(claim)

		case <-s.wake:

		case out := <-s.resolved:
			resolving = false
			s.finish(out)

		case <-s.ctx.Done():
			return
		}

		if resolving {
			continue
		}

		next, ok := s.decide()
		if !ok {
			continue
		}

		resolving = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			out := s.resolve(s.ctx, next)
			select {
			case s.resolved <- out:
			case <-s.ctx.Done():
			}
		}()
	}
}

// recordClaim replaces the live claim of a server.
func (s *Selector) recordClaim(claim iface.Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[claim.Server]; !ok {
		log.Debugf("Ignoring claim of unregistered server %v",
			claim.Server)
		return
	}

	log.Debugf("Server %v claims tip %v at height %d", claim.Server,
		claim.Hash, claim.Height)

	s.claims[claim.Server] = claim
}

// decide picks the next claim to resolve, if any. Claims for headers already
// in the chain need no work; claims matching the tip earn agreement.
func (s *Selector) decide() (job, bool) {
	claims := s.Claims()
	if len(claims) == 0 {
		return job{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An unanchored chain needs its prefix first, from the most trusted
	// server.
	if !s.cfg.Chain.Anchored() {
		servers := make([]string, 0, len(claims))
		for addr := range claims {
			if s.settled[addr] != claims[addr].Hash {
				servers = append(servers, addr)
			}
		}
		if len(servers) == 0 {
			return job{}, false
		}

		best := s.cfg.Trust.Rank(servers)[0]

		return job{peer: s.peers[best], claim: claims[best]}, true
	}

	_, tipHash := s.cfg.Chain.Tip()

	pending := make(map[string]iface.Claim, len(claims))
	for addr, claim := range claims {
		peer := s.peers[addr]

		switch {
		case claim.Hash == tipHash:
			peer.SetSynced(true)
			if s.settled[addr] != claim.Hash {
				s.settled[addr] = claim.Hash
				s.cfg.Trust.Record(addr, trust.EventAgreement)
			}

		// The server is behind or on an older tip we already have.
		case s.known(claim.Hash):
			peer.SetSynced(false)

		case s.settled[addr] == claim.Hash:
			peer.SetSynced(false)

		default:
			pending[addr] = claim
		}
	}

	groups := s.groupClaims(pending)
	if len(groups) == 0 {
		return job{}, false
	}

	log.Tracef("Pending claim groups: %v", lnutils.NewLogClosure(
		func() string {
			var b strings.Builder
			for _, g := range groups {
				fmt.Fprintf(&b, "\n  %v@%d weight=%.2f servers=%v",
					g.hash, g.height, g.weight, g.servers)
			}

			return b.String()
		}),
	)

	g := groups[0]
	best := s.cfg.Trust.Rank(g.servers)[0]

	log.Debugf("Resolving tip %v at height %d claimed by %d server(s) "+
		"with weight %.2f via %v", g.hash, g.height, len(g.servers),
		g.weight, best)

	return job{peer: s.peers[best], claim: pending[best]}, true
}

// known reports whether hash is part of the main chain.
func (s *Selector) known(hash chainhash.Hash) bool {
	_, ok := s.cfg.Chain.HeightOf(hash)
	return ok
}

// finish books the outcome of a resolution.
func (s *Selector) finish(out outcome) {
	s.resolutions.Add(1)

	// The ban is issued without holding mu, it calls back into the owner
	// of the peer.
	if reason := s.book(out); reason != nil {
		out.job.peer.Ban(reason)
	}
}

// book updates the claim bookkeeping and returns a ban reason if the server
// failed too often.
func (s *Selector) book(out outcome) error {
	addr := out.job.claim.Server

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[addr]; !ok {
		return nil
	}

	// A claim that did not move the chain is not retried until the server
	// announces a new tip.
	if !out.progressed {
		s.settled[addr] = out.job.claim.Hash
	}

	switch {
	case out.err == nil:
		s.failures[addr] = 0

	case errors.Is(out.err, context.Canceled) && s.ctx.Err() != nil:

	// The interface already banned itself.
	case out.job.peer.Banned():
		log.Infof("Resolution via %v ended with a ban: %v", addr,
			out.err)

	default:
		s.failures[addr]++
		log.Warnf("Resolving tip %v of %v failed (%d/%d): %v",
			out.job.claim.Hash, addr, s.failures[addr],
			s.cfg.MaxResolveFailures, out.err)

		if s.failures[addr] >= s.cfg.MaxResolveFailures {
			return fmt.Errorf("%w: %d in a row: %w",
				ErrTooManyFailures, s.failures[addr], out.err)
		}
	}

	return nil
}
