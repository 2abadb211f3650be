package iface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/trust"
)

const (
	// DefaultConnectTimeout bounds dialing a server.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultHandshakeTimeout bounds the version negotiation.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds a single request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultFetchBatchSize is the number of headers requested at once.
	DefaultFetchBatchSize = 2016

	// DefaultMaxFetchAttempts is how often one batch is tried before the
	// server is given up on.
	DefaultMaxFetchAttempts = 4

	// DefaultRetryInterval is the first backoff delay between attempts.
	DefaultRetryInterval = 500 * time.Millisecond

	// DefaultClaimQueueSize is the number of tip claims buffered per
	// server before the oldest one is dropped.
	DefaultClaimQueueSize = 8
)

// State is the connection state of a server interface.
type State uint32

const (
	// StateDisconnected means there is no usable connection.
	StateDisconnected State = iota

	// StateConnecting means the transport is being dialed.
	StateConnecting

	// StateHandshaking means the protocol version is being negotiated.
	StateHandshaking

	// StateSubscribedIdle means tip announcements are flowing and nothing
	// is being fetched.
	StateSubscribedIdle

	// StateCatchingUp means headers are being fetched from the server.
	StateCatchingUp

	// StateSynced means the local chain matches the server's tip.
	StateSynced
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribedIdle:
		return "subscribed"
	case StateCatchingUp:
		return "catching_up"
	case StateSynced:
		return "synced"
	default:
		return fmt.Sprintf("unknown<%d>", uint32(s))
	}
}

// Claim is a server's announcement of its best header. Only the latest claim
// of a server matters.
type Claim struct {
	Server   string
	Height   int32
	Hash     chainhash.Hash
	Header   wire.BlockHeader
	Observed time.Time
}

// Config holds everything a server interface needs.
type Config struct {
	// Address identifies the server.
	Address string

	// Backend is the transport used to talk to the server.
	Backend Backend

	// Versions is the accepted protocol version range.
	Versions VersionRange

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	// FetchBatchSize is the largest number of headers requested at once.
	FetchBatchSize uint32

	// MaxFetchAttempts is how often a batch is tried before the server is
	// banned.
	MaxFetchAttempts int

	// RetryInterval is the first backoff delay between fetch attempts.
	RetryInterval time.Duration

	// ClaimQueueSize bounds the per-server claim buffer.
	ClaimQueueSize int

	// Trust is the table fetch outcomes are recorded in.
	Trust *trust.Table

	// Clock stamps claims.
	Clock clock.Clock

	// Claims is the single consumer every claim is forwarded to.
	Claims chan<- Claim

	// OnDown is called once when the interface stops working on its own,
	// with the cause and whether the server should be banned. It is not
	// called for Stop.
	//
	// NOTE: It runs on the interface's goroutines and must not call Stop.
	OnDown func(addr string, err error, ban bool)
}

// Server is the client's view of one remote server. It connects, negotiates
// the protocol, forwards tip claims and serves header fetches with retries.
type Server struct {
	cfg Config

	state   atomic.Uint32
	version atomic.Pointer[ProtocolVersion]
	latest  atomic.Pointer[Claim]
	banned  atomic.Bool
	dropped atomic.Uint64

	// queue buffers claims between the subscription reader and the
	// consumer. When full, the oldest claim is dropped.
	queue chan Claim

	gm         *fn.GoroutineManager
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	started  sync.Once
	stopped  sync.Once
	downOnce sync.Once
}

// NewServer creates a server interface. Zero config values are replaced by
// their defaults.
func NewServer(cfg *Config) *Server {
	c := *cfg
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.FetchBatchSize == 0 {
		c.FetchBatchSize = DefaultFetchBatchSize
	}
	if c.MaxFetchAttempts <= 0 {
		c.MaxFetchAttempts = DefaultMaxFetchAttempts
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ClaimQueueSize <= 0 {
		c.ClaimQueueSize = DefaultClaimQueueSize
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Trust == nil {
		c.Trust = trust.NewTable(trust.DefaultConfig())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        c,
		queue:      make(chan Claim, c.ClaimQueueSize),
		gm:         fn.NewGoroutineManager(),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

// Address returns the address of the server.
func (s *Server) Address() string {
	return s.cfg.Address
}

// State returns the current connection state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// setState moves the interface into state.
func (s *Server) setState(state State) {
	old := State(s.state.Swap(uint32(state)))
	if old != state {
		log.Debugf("Server %v: %v -> %v", s.cfg.Address, old, state)
	}
}

// Version returns the negotiated protocol version, if any.
func (s *Server) Version() fn.Option[ProtocolVersion] {
	return fn.OptionFromPtr(s.version.Load())
}

// LatestClaim returns the most recent tip claim of the server, if any.
func (s *Server) LatestClaim() fn.Option[Claim] {
	return fn.OptionFromPtr(s.latest.Load())
}

// Dropped returns the number of claims dropped because the consumer fell
// behind.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Banned returns true once the server was blacklisted.
func (s *Server) Banned() bool {
	return s.banned.Load()
}

// Start connects to the server in the background.
func (s *Server) Start() error {
	var err error
	s.started.Do(func() {
		log.Infof("Starting interface to %v", s.cfg.Address)

		if !s.gm.Go(s.lifeCtx, s.run) {
			err = ErrDisconnected
		}
	})

	return err
}

// Stop disconnects from the server, cancelling any in-flight request, and
// waits for all goroutines to exit.
func (s *Server) Stop() error {
	var err error
	s.stopped.Do(func() {
		log.Debugf("Stopping interface to %v", s.cfg.Address)

		s.lifeCancel()
		s.gm.Stop()
		err = s.cfg.Backend.Close()
		s.setState(StateDisconnected)
	})

	return err
}

// goDown marks the interface as broken and reports it once.
func (s *Server) goDown(err error, ban bool) {
	s.downOnce.Do(func() {
		if ban {
			s.banned.Store(true)
		}

		s.setState(StateDisconnected)
		s.lifeCancel()
		_ = s.cfg.Backend.Close()

		log.Infof("Interface to %v down (ban=%v): %v", s.cfg.Address,
			ban, err)

		if s.cfg.OnDown != nil {
			s.cfg.OnDown(s.cfg.Address, err, ban)
		}
	})
}

// run drives the connection through its states and then reads tip
// announcements until the subscription ends.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) run(ctx context.Context) {
	s.setState(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := s.cfg.Backend.Connect(connectCtx)
	cancel()
	if err != nil {
		s.goDown(ClassifyNetError(err), false)
		return
	}

	s.setState(StateHandshaking)

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	version, err := s.cfg.Backend.Handshake(hsCtx, s.cfg.Versions)
	cancel()
	switch {
	case err != nil:
		err = ClassifyNetError(err)
		s.goDown(err, IsProtocolError(err))
		return

	case !s.cfg.Versions.Contains(version):
		s.goDown(fmt.Errorf("%w: server negotiated %v, accepted %v",
			ErrIncompatibleProtocol, version, s.cfg.Versions), true)
		return
	}
	s.version.Store(&version)

	log.Infof("Connected to %v using protocol %v", s.cfg.Address, version)

	updates, err := s.cfg.Backend.SubscribeHeaders(ctx)
	if err != nil {
		err = ClassifyNetError(err)
		s.goDown(err, IsProtocolError(err))
		return
	}

	s.setState(StateSubscribedIdle)

	if !s.gm.Go(ctx, s.forwardClaims) {
		return
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				s.goDown(fmt.Errorf("%w: header subscription "+
					"closed", ErrDisconnected), false)
				return
			}

			if update.Height < 0 {
				s.goDown(fmt.Errorf("%w: negative tip height",
					ErrMalformedResponse), true)
				return
			}

			claim := Claim{
				Server:   s.cfg.Address,
				Height:   update.Height,
				Hash:     update.Header.BlockHash(),
				Header:   update.Header,
				Observed: s.cfg.Clock.Now(),
			}
			s.latest.Store(&claim)
			s.enqueue(claim)

		case <-ctx.Done():
			return
		}
	}
}

// enqueue adds a claim to the bounded queue, dropping the oldest buffered
// claim if it is full. It never blocks.
func (s *Server) enqueue(claim Claim) {
	for {
		select {
		case s.queue <- claim:
			return
		default:
		}

		select {
		case old := <-s.queue:
			s.dropped.Add(1)
			log.Warnf("Claim queue of %v full, dropped claim for "+
				"height %d", s.cfg.Address, old.Height)
		default:
		}
	}
}

// forwardClaims hands queued claims to the consumer.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) forwardClaims(ctx context.Context) {
	for {
		select {
		case claim := <-s.queue:
			select {
			case s.cfg.Claims <- claim:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// SetCatchingUp marks the server as the source of an ongoing fetch.
func (s *Server) SetCatchingUp() {
	s.state.CompareAndSwap(
		uint32(StateSubscribedIdle), uint32(StateCatchingUp),
	)
	s.state.CompareAndSwap(uint32(StateSynced), uint32(StateCatchingUp))
}

// SetSynced records whether the local chain matches the server's tip.
func (s *Server) SetSynced(synced bool) {
	from := []State{StateSubscribedIdle, StateCatchingUp}
	to := StateSynced
	if !synced {
		from = []State{StateSynced, StateCatchingUp}
		to = StateSubscribedIdle
	}

	for _, f := range from {
		if s.state.CompareAndSwap(uint32(f), uint32(to)) {
			log.Tracef("Server %v: %v -> %v", s.cfg.Address, f, to)
			return
		}
	}
}

// requestCtx derives a context that ends with the caller's context, the
// interface's lifetime or the request timeout, whichever comes first.
func (s *Server) requestCtx(ctx context.Context) (context.Context,
	context.CancelFunc) {

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	stop := context.AfterFunc(s.lifeCtx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// usable returns an error if no requests can be made right now.
func (s *Server) usable() error {
	switch {
	case s.banned.Load():
		return fmt.Errorf("%w: %v", ErrBanned, s.cfg.Address)

	case s.lifeCtx.Err() != nil || s.State() == StateDisconnected:
		return fmt.Errorf("%w: %v", ErrDisconnected, s.cfg.Address)
	}

	return nil
}

// FetchHeaders fetches count headers starting at height start in batches of
// FetchBatchSize. Each batch is retried with exponential backoff; running out
// of attempts bans the server. Fewer headers than requested are returned only
// if the server ran out of headers. Delivering a run of several headers earns
// the server trust.
func (s *Server) FetchHeaders(ctx context.Context, start int32,
	count uint32) ([]wire.BlockHeader, error) {

	headers, err := s.fetchHeaders(ctx, start, count)
	if err != nil {
		return nil, err
	}

	if count > 1 && len(headers) > 0 {
		s.cfg.Trust.Record(s.cfg.Address, trust.EventFetchSuccess)
	}

	return headers, nil
}

func (s *Server) fetchHeaders(ctx context.Context, start int32,
	count uint32) ([]wire.BlockHeader, error) {

	if err := s.usable(); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, fmt.Errorf("invalid start height %d", start)
	}

	// A disconnect cancels the fetch.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifeCtx, cancel)
	defer stop()

	headers := make([]wire.BlockHeader, 0, count)
	for uint32(len(headers)) < count {
		offset := uint32(len(headers))
		n := min(s.cfg.FetchBatchSize, count-offset)

		batch, err := s.fetchBatch(ctx, uint32(start)+offset, n)
		if err != nil {
			return nil, err
		}

		headers = append(headers, batch...)
		if uint32(len(batch)) < n {
			break
		}
	}

	return headers, nil
}

// FetchHeader fetches the single header at height. Lookups like these back
// the ancestor search and do not change the server's trust.
func (s *Server) FetchHeader(ctx context.Context,
	height int32) (*wire.BlockHeader, error) {

	headers, err := s.fetchHeaders(ctx, height, 1)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: %v has no header at height %d",
			ErrMalformedResponse, s.cfg.Address, height)
	}

	return &headers[0], nil
}

// fetchBatch fetches one batch with retries.
func (s *Server) fetchBatch(ctx context.Context, start,
	count uint32) ([]wire.BlockHeader, error) {

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.cfg.RetryInterval
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			expBackoff, uint64(s.cfg.MaxFetchAttempts-1),
		), ctx,
	)

	var headers []wire.BlockHeader
	fetch := func() error {
		reqCtx, cancel := s.requestCtx(ctx)
		defer cancel()

		batch, err := s.cfg.Backend.FetchHeaders(reqCtx, start, count)
		if err != nil {
			err = ClassifyNetError(err)
			if IsProtocolError(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		if uint32(len(batch)) > count {
			return backoff.Permanent(fmt.Errorf("%w: asked for %d "+
				"headers, got %d", ErrMalformedResponse, count,
				len(batch)))
		}

		headers = batch
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Debugf("Fetching %d headers at %d from %v failed, "+
			"retrying in %v: %v", count, start, s.cfg.Address,
			wait, err)
	}

	err := backoff.RetryNotify(fetch, policy, notify)
	switch {
	case err == nil:
		return headers, nil

	// The caller gave up or the interface went away, that is not the
	// server's fault.
	case ctx.Err() != nil:
		if s.lifeCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected,
				s.cfg.Address)
		}

		return nil, ctx.Err()
	}

	s.cfg.Trust.Record(s.cfg.Address, trust.EventFetchFailure)

	err = fmt.Errorf("fetching headers [%d, %d) from %v: %w", start,
		start+count, s.cfg.Address, err)
	s.goDown(err, true)

	return nil, err
}

// Ping checks that the server answers.
func (s *Server) Ping(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	ctx, cancel := s.requestCtx(ctx)
	defer cancel()

	return ClassifyNetError(s.cfg.Backend.Ping(ctx))
}

// Peers asks the server for other servers it knows.
func (s *Server) Peers(ctx context.Context) ([]string, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	ctx, cancel := s.requestCtx(ctx)
	defer cancel()

	peers, err := s.cfg.Backend.Peers(ctx)
	if err != nil {
		return nil, ClassifyNetError(err)
	}

	return peers, nil
}

// Ban blacklists the server, for example after it served an invalid header.
func (s *Server) Ban(reason error) {
	s.goDown(reason, true)
}

// ErrIsBan reports whether err ended an interface with a ban.
func ErrIsBan(err error) bool {
	return errors.Is(err, ErrBanned) || IsProtocolError(err)
}
