package esplora

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/spvd/iface"
)

// DefaultPollInterval is how often the tip is polled.
const DefaultPollInterval = 30 * time.Second

// BackendConfig configures an Esplora backend.
type BackendConfig struct {
	// URL is the base URL of the API.
	URL string

	// ChainParams is used to check that the API serves our chain.
	ChainParams *chaincfg.Params

	RequestTimeout time.Duration
	PollInterval   time.Duration
	HTTPClient     *http.Client

	// Ticker drives tip polling. It defaults to a ticker firing every
	// PollInterval.
	Ticker ticker.Ticker
}

// Backend implements iface.Backend by polling an Esplora API. Esplora has no
// push notifications, so tip changes are found by polling the tip hash.
type Backend struct {
	cfg    BackendConfig
	client *Client

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// A compile time check to ensure Backend satisfies iface.Backend.
var _ iface.Backend = (*Backend)(nil)

// NewBackend creates a backend for one API endpoint.
func NewBackend(cfg *BackendConfig) *Backend {
	c := *cfg
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Ticker == nil {
		c.Ticker = ticker.New(c.PollInterval)
	}

	return &Backend{
		cfg: c,
		client: NewClient(&ClientConfig{
			URL:            c.URL,
			RequestTimeout: c.RequestTimeout,
			HTTPClient:     c.HTTPClient,
		}),
	}
}

// mapErr maps client errors onto the server interface taxonomy.
func mapErr(err error) error {
	var statusErr *StatusError
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrBadResponse):
		return fmt.Errorf("%w: %w", iface.ErrMalformedResponse, err)

	case errors.As(err, &statusErr):
		return fmt.Errorf("%w: %w", iface.ErrUnreachable, err)

	default:
		return iface.ClassifyNetError(err)
	}
}

// Connect checks that the API answers. HTTP needs no persistent connection.
func (b *Backend) Connect(ctx context.Context) error {
	_, err := b.client.GetTipHeight(ctx)
	return mapErr(err)
}

// Handshake checks that the API serves our chain. The REST API is not
// versioned, so the highest accepted version is reported.
func (b *Backend) Handshake(ctx context.Context,
	versions iface.VersionRange) (iface.ProtocolVersion, error) {

	if b.cfg.ChainParams == nil {
		return versions.Max, nil
	}

	genesis, err := b.client.GetBlockHashByHeight(ctx, 0)
	if err != nil {
		return iface.ProtocolVersion{}, mapErr(err)
	}
	if genesis != *b.cfg.ChainParams.GenesisHash {
		return iface.ProtocolVersion{}, fmt.Errorf("%w: %v serves "+
			"genesis %v, expected %v (%v)",
			iface.ErrIncompatibleProtocol, b.client.URL(), genesis,
			b.cfg.ChainParams.GenesisHash, b.cfg.ChainParams.Name)
	}

	return versions.Max, nil
}

// tip fetches the current tip as an update.
func (b *Backend) tip(ctx context.Context) (iface.TipUpdate,
	chainhash.Hash, error) {

	hash, err := b.client.GetTipHash(ctx)
	if err != nil {
		return iface.TipUpdate{}, hash, err
	}

	header, err := b.client.GetBlockHeader(ctx, hash)
	if err != nil {
		return iface.TipUpdate{}, hash, err
	}

	height, err := b.client.GetTipHeight(ctx)
	if err != nil {
		return iface.TipUpdate{}, hash, err
	}

	return iface.TipUpdate{Height: height, Header: *header}, hash, nil
}

// SubscribeHeaders polls the tip and announces every change. The current tip
// is delivered first.
func (b *Backend) SubscribeHeaders(
	ctx context.Context) (<-chan iface.TipUpdate, error) {

	first, lastHash, err := b.tip(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	ctx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: backend closed",
			iface.ErrDisconnected)
	}
	b.cancel = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	updates := make(chan iface.TipUpdate, 1)
	updates <- first

	b.cfg.Ticker.Resume()

	go func() {
		defer b.wg.Done()
		defer close(updates)
		defer b.cfg.Ticker.Stop()

		for {
			select {
			case <-b.cfg.Ticker.Ticks():
			case <-ctx.Done():
				return
			}

			hash, err := b.client.GetTipHash(ctx)
			if err != nil {
				log.Debugf("Polling tip of %v: %v",
					b.client.URL(), err)
				continue
			}
			if hash == lastHash {
				continue
			}

			update, hash, err := b.tip(ctx)
			if err != nil {
				log.Debugf("Fetching tip of %v: %v",
					b.client.URL(), err)
				continue
			}
			lastHash = hash

			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

// FetchHeaders returns up to count headers starting at start, reading the
// block pages of ten that the API offers.
func (b *Backend) FetchHeaders(ctx context.Context, start,
	count uint32) ([]wire.BlockHeader, error) {

	tip, err := b.client.GetTipHeight(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	if count == 0 || int64(start) > int64(tip) {
		return nil, nil
	}

	first := int32(start)
	last := int32(min(int64(start)+int64(count)-1, int64(tip)))

	headers := make([]wire.BlockHeader, last-first+1)
	filled := make([]bool, len(headers))

	for lo := first; lo <= last; lo += blocksPerPage {
		top := min(lo+blocksPerPage-1, last)

		blocks, err := b.client.GetBlocks(ctx, top)
		if err != nil {
			return nil, mapErr(err)
		}

		for i := range blocks {
			height := blocks[i].Height
			if height < lo || height > top {
				continue
			}

			header, err := blocks[i].Header()
			if err != nil {
				return nil, mapErr(err)
			}

			headers[height-first] = header
			filled[height-first] = true
		}
	}

	for i, ok := range filled {
		if !ok {
			return nil, mapErr(fmt.Errorf("%w: block %d missing "+
				"from pages", ErrBadResponse, first+int32(i)))
		}
	}

	return headers, nil
}

// Ping checks that the API answers.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.GetTipHeight(ctx)
	return mapErr(err)
}

// Peers returns nothing, Esplora has no peer discovery.
func (b *Backend) Peers(ctx context.Context) ([]string, error) {
	return nil, nil
}

// Close stops tip polling.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()

	return nil
}
