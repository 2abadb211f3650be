package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/spvd/chainevents"
	"github.com/lightningnetwork/spvd/consensus"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/iface"
	"github.com/lightningnetwork/spvd/trust"
	"golang.org/x/time/rate"
)

const (
	// DefaultTargetPoolSize is the number of servers kept connected.
	DefaultTargetPoolSize = 4

	// DefaultBanDuration is how long a banned server is not dialed.
	DefaultBanDuration = 24 * time.Hour

	// DefaultReconnectInterval is the average spacing of new
	// connections.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultReconnectBurst is the number of connections that may be
	// opened at once.
	DefaultReconnectBurst = DefaultTargetPoolSize

	// DefaultMaintenanceInterval is how often the pool is topped up and
	// new servers are discovered.
	DefaultMaintenanceInterval = time.Minute

	// DefaultPingInterval is how often connected servers are pinged.
	DefaultPingInterval = time.Minute

	// DefaultPingTimeout bounds a single ping.
	DefaultPingTimeout = 30 * time.Second

	// DefaultPingBackoff is the wait between failed pings.
	DefaultPingBackoff = 5 * time.Second

	// DefaultPingAttempts is the number of failed pings after which a
	// server is dropped.
	DefaultPingAttempts = 3

	// DefaultCaughtUpDelta is how many headers the local tip may trail
	// the best claim while still counting as caught up.
	DefaultCaughtUpDelta = 1

	// DefaultMaxKnownServers bounds the list of known servers.
	DefaultMaxKnownServers = 256

	// discoveryTimeout bounds a peer list request or a DNS seed round.
	discoveryTimeout = 30 * time.Second
)

// ErrHealthCheck is the ban reason for a server that failed its liveness
// check.
var ErrHealthCheck = errors.New("health check failed")

// Config holds everything the orchestrator needs.
type Config struct {
	// Chain is the local header chain.
	Chain *headerchain.Chain

	// Store persists accepted headers. Optional.
	Store consensus.HeaderStore

	// Trust is the shared trust table.
	Trust *trust.Table

	Clock clock.Clock

	// Servers is the configured server list.
	Servers []string

	// DNSSeeds are queried for more servers on startup.
	DNSSeeds []DNSSeed

	// LookupSRV resolves DNS seeds. It defaults to the system resolver.
	LookupSRV LookupSRVFunc

	// NewBackend creates the transport of a server.
	NewBackend BackendFactory

	// Versions is the accepted protocol version range.
	Versions iface.VersionRange

	// Server is the template for every server interface. Address,
	// Backend, Versions, Trust, Clock, Claims and OnDown are filled in.
	Server iface.Config

	TargetPoolSize    int
	MaxKnownServers   int
	BanDuration       time.Duration
	ReconnectInterval time.Duration
	ReconnectBurst    int

	// MaxResolveFailures is passed on to the selector.
	MaxResolveFailures int

	// CaughtUpDelta is the tolerance of IsCaughtUp.
	CaughtUpDelta int32

	// Ticker drives pool maintenance. It defaults to a ticker firing
	// every MaintenanceInterval.
	Ticker              ticker.Ticker
	MaintenanceInterval time.Duration

	// PingAttempts of zero disables the per-server ping monitor.
	PingInterval time.Duration
	PingTimeout  time.Duration
	PingBackoff  time.Duration
	PingAttempts int
}

// candidate is a server the orchestrator knows about.
type candidate struct {
	addr        string
	source      string
	bannedUntil time.Time
	failures    int
}

// member is a connected server.
type member struct {
	server  *iface.Server
	monitor *healthcheck.Monitor

	downOnce sync.Once
}

// down reports a member that stopped working.
type down struct {
	member *member
	err    error
	ban    bool
}

// ServerInfo describes one known server.
type ServerInfo struct {
	Address     string
	Source      string
	State       iface.State
	Trust       float64
	Connected   bool
	BannedUntil time.Time
	Claim       fn.Option[iface.Claim]
}

// Orchestrator owns the pool of server interfaces. It keeps the pool filled
// from the known servers, discovers more, drops and bans misbehaving ones
// and exposes the verified tip.
type Orchestrator struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	events   *chainevents.Server
	selector *consensus.Selector
	seeds    *seedResolver
	limiter  *rate.Limiter

	mu     sync.RWMutex
	known  map[string]*candidate
	active map[string]*member

	downs      chan down
	discovered chan []string

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator. Invalid configured server addresses are an
// error.
func New(cfg *Config) (*Orchestrator, error) {
	c := *cfg
	if c.Chain == nil {
		return nil, errors.New("network: chain required")
	}
	if c.Trust == nil {
		c.Trust = trust.NewTable(trust.DefaultConfig())
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.NewBackend == nil {
		c.NewBackend = NewBackendFactory(&TransportConfig{
			ChainParams: c.Chain.Params(),
		})
	}
	if c.LookupSRV == nil {
		c.LookupSRV = net.DefaultResolver.LookupSRV
	}
	if c.TargetPoolSize <= 0 {
		c.TargetPoolSize = DefaultTargetPoolSize
	}
	if c.MaxKnownServers <= 0 {
		c.MaxKnownServers = DefaultMaxKnownServers
	}
	if c.BanDuration == 0 {
		c.BanDuration = DefaultBanDuration
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = c.TargetPoolSize
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Ticker == nil {
		c.Ticker = ticker.New(c.MaintenanceInterval)
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.CaughtUpDelta < 0 {
		c.CaughtUpDelta = 0
	}

	events := chainevents.NewServer()

	o := &Orchestrator{
		cfg:    c,
		events: events,
		selector: consensus.New(&consensus.Config{
			Chain:              c.Chain,
			Store:              c.Store,
			Events:             events,
			Trust:              c.Trust,
			FetchBatchSize:     c.Server.FetchBatchSize,
			MaxResolveFailures: c.MaxResolveFailures,
		}),
		seeds: &seedResolver{lookupSRV: c.LookupSRV},
		limiter: rate.NewLimiter(
			rate.Every(c.ReconnectInterval), c.ReconnectBurst,
		),
		known:      make(map[string]*candidate),
		active:     make(map[string]*member),
		downs:      make(chan down, c.TargetPoolSize),
		discovered: make(chan []string, 1),
		quit:       make(chan struct{}),
	}

	for _, addr := range c.Servers {
		if err := o.learn(addr, "config"); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// Start launches the event server, the selector and the maintenance loop.
func (o *Orchestrator) Start() error {
	var err error
	o.started.Do(func() {
		log.Infof("Network orchestrator starting with %d known "+
			"servers, pool size %d", len(o.known),
			o.cfg.TargetPoolSize)

		if err = o.events.Start(); err != nil {
			return
		}
		if err = o.selector.Start(); err != nil {
			return
		}

		o.cfg.Ticker.Resume()

		o.wg.Add(1)
		go o.maintain()

		if len(o.cfg.DNSSeeds) > 0 {
			o.wg.Add(1)
			go o.querySeeds()
		}
	})

	return err
}

// Stop disconnects every server and waits for all goroutines.
func (o *Orchestrator) Stop() error {
	o.stopped.Do(func() {
		log.Info("Network orchestrator shutting down...")
		defer log.Debug("Network orchestrator shutdown complete")

		close(o.quit)
		o.wg.Wait()
		o.cfg.Ticker.Stop()

		// In-flight fetches end with the selector, before the servers
		// go away underneath them.
		if err := o.selector.Stop(); err != nil {
			log.Errorf("Unable to stop selector: %v", err)
		}

		o.mu.Lock()
		members := o.active
		o.active = make(map[string]*member)
		o.mu.Unlock()

		for _, m := range members {
			o.teardown(m)
		}

		if err := o.events.Stop(); err != nil {
			log.Errorf("Unable to stop event server: %v", err)
		}
	})

	return nil
}

// learn adds a server to the known list.
func (o *Orchestrator) learn(addr, source string) error {
	canonical, err := NormalizeAddr(addr)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.known[canonical]; ok {
		return nil
	}
	if len(o.known) >= o.cfg.MaxKnownServers {
		return nil
	}

	log.Debugf("Learned server %v from %v", canonical, source)

	o.known[canonical] = &candidate{addr: canonical, source: source}

	return nil
}

// maintain is the pool loop. It reacts to failed servers, discovered
// addresses and the maintenance ticker.
//
// NOTE: MUST be run as a goroutine.
func (o *Orchestrator) maintain() {
	defer o.wg.Done()

	o.fill()

	for {
		select {
		case d := <-o.downs:
			o.handleDown(d)
			o.fill()

		case addrs := <-o.discovered:
			for _, addr := range addrs {
				if err := o.learn(addr, "peer"); err != nil {
					log.Debugf("Ignoring discovered "+
						"server: %v", err)
				}
			}
			o.fill()

		case <-o.cfg.Ticker.Ticks():
			o.fill()
			o.discoverPeers()

		case <-o.quit:
			return
		}
	}
}

// fill connects to servers until the pool is full or the reconnect budget
// is used up. Servers that failed less often are tried first, the most
// trusted among them.
func (o *Orchestrator) fill() {
	o.mu.RLock()
	missing := o.cfg.TargetPoolSize - len(o.active)
	now := o.cfg.Clock.Now()

	var eligible []string
	failures := make(map[string]int)
	for addr, c := range o.known {
		failures[addr] = c.failures
		if _, ok := o.active[addr]; ok {
			continue
		}
		if now.Before(c.bannedUntil) {
			continue
		}
		eligible = append(eligible, addr)
	}
	o.mu.RUnlock()

	if missing <= 0 || len(eligible) == 0 {
		return
	}

	ranked := o.cfg.Trust.Rank(eligible)
	sort.SliceStable(ranked, func(i, j int) bool {
		return failures[ranked[i]] < failures[ranked[j]]
	})

	for _, addr := range ranked {
		if missing == 0 {
			break
		}
		if !o.limiter.Allow() {
			log.Debugf("Reconnect budget used up, %d slots "+
				"left open", missing)
			break
		}

		if err := o.connect(addr); err != nil {
			log.Warnf("Unable to connect to %v: %v", addr, err)
			continue
		}
		missing--
	}
}

// connect starts an interface to addr and adds it to the pool.
func (o *Orchestrator) connect(addr string) error {
	backend, err := o.cfg.NewBackend(addr)
	if err != nil {
		return err
	}

	m := &member{}

	srvCfg := o.cfg.Server
	srvCfg.Address = addr
	srvCfg.Backend = backend
	srvCfg.Versions = o.cfg.Versions
	srvCfg.Trust = o.cfg.Trust
	srvCfg.Clock = o.cfg.Clock
	srvCfg.Claims = o.selector.ClaimSink()
	srvCfg.OnDown = func(_ string, err error, ban bool) {
		o.reportDown(m, err, ban)
	}
	m.server = iface.NewServer(&srvCfg)

	if o.cfg.PingAttempts > 0 {
		m.monitor = healthcheck.NewMonitor(&healthcheck.Config{
			Checks: []*healthcheck.Observation{
				o.pingObservation(m),
			},
			Shutdown: func(format string, params ...interface{}) {
				o.reportDown(m, fmt.Errorf("%w: %v",
					ErrHealthCheck,
					fmt.Sprintf(format, params...)), true)
			},
		})
	}

	o.mu.Lock()
	o.active[addr] = m
	o.mu.Unlock()

	o.selector.AddPeer(m.server)

	if err := m.server.Start(); err != nil {
		o.mu.Lock()
		delete(o.active, addr)
		o.mu.Unlock()
		o.selector.RemovePeer(addr)

		return err
	}

	if m.monitor != nil {
		if err := m.monitor.Start(); err != nil {
			log.Errorf("Unable to monitor %v: %v", addr, err)
		}
	}

	return nil
}

// pingObservation is the liveness check of one server.
func (o *Orchestrator) pingObservation(m *member) *healthcheck.Observation {
	return healthcheck.NewObservation(
		"ping "+m.server.Address(),
		func() error {
			// A server still connecting has nothing to answer
			// with yet.
			if m.server.State() < iface.StateSubscribedIdle {
				return nil
			}

			ctx, cancel := context.WithTimeout(
				context.Background(), o.cfg.PingTimeout,
			)
			defer cancel()

			return m.server.Ping(ctx)
		},
		o.cfg.PingInterval, o.cfg.PingTimeout, o.cfg.PingBackoff,
		o.cfg.PingAttempts,
	)
}

// reportDown hands a failed member to the maintenance loop, once.
func (o *Orchestrator) reportDown(m *member, err error, ban bool) {
	m.downOnce.Do(func() {
		select {
		case o.downs <- down{member: m, err: err, ban: ban}:
		case <-o.quit:
		}
	})
}

// handleDown removes a failed server from the pool and bans it if asked to.
func (o *Orchestrator) handleDown(d down) {
	addr := d.member.server.Address()

	o.mu.Lock()
	if o.active[addr] == d.member {
		delete(o.active, addr)
	}

	c, ok := o.known[addr]
	if ok {
		c.failures++
		if d.ban {
			c.bannedUntil = o.cfg.Clock.Now().Add(o.cfg.BanDuration)
		}
	}
	remaining := len(o.active)
	o.mu.Unlock()

	if d.ban {
		log.Warnf("Banning %v for %v: %v", addr, o.cfg.BanDuration,
			d.err)
	} else {
		log.Infof("Lost %v: %v", addr, d.err)
	}

	o.teardown(d.member)

	if remaining == 0 {
		log.Warnf("No servers connected, keeping tip at height %d "+
			"until one is", o.cfg.Chain.Height())
	}
}

// teardown stops a member and forgets its claim.
func (o *Orchestrator) teardown(m *member) {
	o.selector.RemovePeer(m.server.Address())

	if m.monitor != nil {
		if err := m.monitor.Stop(); err != nil {
			log.Debugf("Stopping monitor of %v: %v",
				m.server.Address(), err)
		}
	}

	if err := m.server.Stop(); err != nil {
		log.Debugf("Stopping %v: %v", m.server.Address(), err)
	}
}

// discoverPeers asks a random connected server for the servers it knows.
func (o *Orchestrator) discoverPeers() {
	o.mu.RLock()
	if len(o.known) >= o.cfg.MaxKnownServers {
		o.mu.RUnlock()
		return
	}

	var servers []*iface.Server
	for _, m := range o.active {
		if m.server.State() >= iface.StateSubscribedIdle {
			servers = append(servers, m.server)
		}
	}
	o.mu.RUnlock()

	if len(servers) == 0 {
		return
	}
	server := servers[rand.IntN(len(servers))]

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := o.discoveryCtx()
		defer cancel()

		peers, err := server.Peers(ctx)
		if err != nil {
			log.Debugf("Peer list of %v: %v", server.Address(), err)
			return
		}

		log.Debugf("%v knows %d servers", server.Address(), len(peers))

		select {
		case o.discovered <- peers:
		case <-o.quit:
		}
	}()
}

// querySeeds adds the servers published by the DNS seeds.
//
// NOTE: MUST be run as a goroutine.
func (o *Orchestrator) querySeeds() {
	defer o.wg.Done()

	ctx, cancel := o.discoveryCtx()
	defer cancel()

	addrs := o.seeds.querySeeds(ctx, o.cfg.DNSSeeds)
	if len(addrs) == 0 {
		return
	}

	select {
	case o.discovered <- addrs:
	case <-o.quit:
	}
}

// discoveryCtx returns a context bounded by the discovery timeout and
// shutdown.
func (o *Orchestrator) discoveryCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(
		context.Background(), discoveryTimeout,
	)
	go func() {
		select {
		case <-o.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// CurrentTip returns the height and hash of the verified best header.
func (o *Orchestrator) CurrentTip() (int32, chainhash.Hash) {
	return o.cfg.Chain.Tip()
}

// connected returns the number of servers with a live subscription.
func (o *Orchestrator) connected() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := 0
	for _, m := range o.active {
		if m.server.State() >= iface.StateSubscribedIdle {
			n++
		}
	}

	return n
}

// Degraded returns true while no server is connected. The tip is retained
// but not advanced.
func (o *Orchestrator) Degraded() bool {
	return o.connected() == 0
}

// IsCaughtUp returns true if at least one server is connected and the local
// tip is within CaughtUpDelta of the best claim.
func (o *Orchestrator) IsCaughtUp() bool {
	if o.Degraded() {
		return false
	}

	return o.selector.IsCaughtUp(o.cfg.CaughtUpDelta)
}

// SubscribeChainEvents returns a client receiving every tip change and
// reorg. The current tip is delivered first if one was announced.
func (o *Orchestrator) SubscribeChainEvents() (*chainevents.Client, error) {
	return o.events.Subscribe()
}

// SelectorStats returns the counters of the consensus selector.
func (o *Orchestrator) SelectorStats() consensus.Stats {
	return o.selector.Stats()
}

// Servers describes every known server, connected ones first.
func (o *Orchestrator) Servers() []ServerInfo {
	o.mu.RLock()
	infos := make([]ServerInfo, 0, len(o.known))
	for addr, c := range o.known {
		info := ServerInfo{
			Address:     addr,
			Source:      c.source,
			State:       iface.StateDisconnected,
			Trust:       o.cfg.Trust.Score(addr),
			BannedUntil: c.bannedUntil,
			Claim:       fn.None[iface.Claim](),
		}
		if m, ok := o.active[addr]; ok {
			info.Connected = true
			info.State = m.server.State()
			info.Claim = m.server.LatestClaim()
		}
		infos = append(infos, info)
	}
	o.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Connected != infos[j].Connected {
			return infos[i].Connected
		}

		return infos[i].Address < infos[j].Address
	})

	return infos
}
