package electrum

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	goelectrum "github.com/checksum0/go-electrum/electrum"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/iface"
)

const (
	methodVersion         = "server.version"
	methodFeatures        = "server.features"
	methodPing            = "server.ping"
	methodPeers           = "server.peers.subscribe"
	methodHeadersSub      = "blockchain.headers.subscribe"
	methodBlockHeader     = "blockchain.block.header"
	methodBlockHeaders    = "blockchain.block.headers"
	headerSize            = wire.MaxBlockHeaderPayload
	defaultClientNameBase = "spvd"
)

// ErrProxyUnsupported is returned when a raw socket server would have to be
// dialed around the configured proxy.
var ErrProxyUnsupported = errors.New("tcp and ssl servers cannot be " +
	"reached through a proxy")

// rpcClient is the part of the Electrum protocol the backend uses. The
// go-electrum client serves tcp and ssl servers, wsClient WebSocket ones.
type rpcClient interface {
	ServerVersion(ctx context.Context) (string, string, error)

	ServerFeatures(
		ctx context.Context) (*goelectrum.ServerFeaturesResult, error)

	SubscribeHeaders(ctx context.Context) (
		<-chan *goelectrum.SubscribeHeadersResult, error)

	GetBlockHeader(ctx context.Context, height uint32,
		checkpointHeight ...uint32) (*goelectrum.GetBlockHeaderResult,
		error)

	GetBlockHeaders(ctx context.Context, startHeight, count uint32,
		checkpointHeight ...uint32) (*goelectrum.GetBlockHeadersResult,
		error)

	Ping(ctx context.Context) error

	ServerPeers(ctx context.Context) (interface{}, error)

	Shutdown()
}

// A compile time check to ensure the go-electrum client fits rpcClient.
var _ rpcClient = (*goelectrum.Client)(nil)

// BackendConfig configures an Electrum backend.
type BackendConfig struct {
	// Addr is the server to talk to.
	Addr ServerAddr

	// ChainParams is used to check that the server follows our chain.
	ChainParams *chaincfg.Params

	// ClientName is announced in server.version on WebSocket servers.
	ClientName string

	TLSConfig *tls.Config

	// Dialer routes WebSocket connections, for example through a proxy.
	// When it is set raw socket servers are refused, as go-electrum
	// always dials them directly.
	Dialer DialFunc

	MaxMessageSize int
}

// session is one live connection to the server.
type session struct {
	client rpcClient

	// lost is closed once the connection is gone, err says why.
	lost     chan struct{}
	lostOnce sync.Once
	err      error

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(client rpcClient, errs <-chan error) *session {
	s := &session{
		client: client,
		lost:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	go func() {
		select {
		case err := <-errs:
			s.fail(err)
		case <-s.closed:
		}
	}()

	return s
}

func (s *session) fail(err error) {
	s.lostOnce.Do(func() {
		s.err = err
		close(s.lost)
	})
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.fail(ErrClientClosed)
		s.client.Shutdown()
	})
}

// Backend implements iface.Backend on top of an Electrum server.
type Backend struct {
	cfg BackendConfig

	mu   sync.Mutex
	sess *session
}

// A compile time check to ensure Backend satisfies iface.Backend.
var _ iface.Backend = (*Backend)(nil)

// NewBackend creates a backend for one server. It does not connect.
func NewBackend(cfg *BackendConfig) *Backend {
	c := *cfg
	if c.ClientName == "" {
		c.ClientName = defaultClientNameBase + "/" + build.Version()
	}

	return &Backend{cfg: c}
}

// Connect dials the server.
func (b *Backend) Connect(ctx context.Context) error {
	addr := b.cfg.Addr

	var sess *session
	switch addr.Transport {
	case TransportTCP, TransportTLS:
		if b.cfg.Dialer != nil {
			return fmt.Errorf("%w: %v: %w", iface.ErrUnreachable,
				addr, ErrProxyUnsupported)
		}

		var (
			client *goelectrum.Client
			err    error
		)
		if addr.Transport == TransportTCP {
			client, err = goelectrum.NewClientTCP(
				ctx, addr.HostPort(),
			)
		} else {
			client, err = goelectrum.NewClientSSL(
				ctx, addr.HostPort(),
				serverTLS(b.cfg.TLSConfig, addr.Host),
			)
		}
		if err != nil {
			return fmt.Errorf("dial %v: %w", addr, err)
		}
		sess = newSession(client, client.Error)

	case TransportWS, TransportWSS:
		client, err := dialWS(ctx, &wsConfig{
			Addr:           addr,
			TLSConfig:      b.cfg.TLSConfig,
			Dialer:         b.cfg.Dialer,
			ClientName:     b.cfg.ClientName,
			MaxMessageSize: b.cfg.MaxMessageSize,
		})
		if err != nil {
			return err
		}
		sess = newSession(client, client.errs)

	default:
		return fmt.Errorf("%w: unsupported transport %v",
			iface.ErrUnreachable, addr.Transport)
	}

	b.mu.Lock()
	old := b.sess
	b.sess = sess
	b.mu.Unlock()

	if old != nil {
		old.close()
	}

	return nil
}

// connected returns the live session.
func (b *Backend) connected() (*session, error) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()

	if sess == nil {
		return nil, fmt.Errorf("%w: not connected to %v",
			iface.ErrDisconnected, b.cfg.Addr)
	}

	select {
	case <-sess.lost:
		return nil, fmt.Errorf("%w: %v: %w", iface.ErrDisconnected,
			b.cfg.Addr, sess.err)
	default:
	}

	return sess, nil
}

// call runs one request. It is cut short when the connection drops and maps
// failures onto the transport errors of iface. Errors answered by the server
// are wrapped in ErrServerError.
func (b *Backend) call(ctx context.Context,
	f func(context.Context, rpcClient) error) error {

	sess, err := b.connected()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sess.lost:
			cancel()
		case <-ctx.Done():
		}
	}()

	err = f(ctx, sess.client)

	select {
	case <-sess.lost:
		if err != nil {
			return fmt.Errorf("%w: %v: %w", iface.ErrDisconnected,
				b.cfg.Addr, sess.err)
		}
	default:
	}

	var netErr net.Error
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrClientClosed):
		return fmt.Errorf("%w: %w", iface.ErrDisconnected, err)

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled), errors.As(err, &netErr):

		return iface.ClassifyNetError(err)

	case errors.Is(err, ErrServerError):
		return err

	default:
		return fmt.Errorf("%w: %w", ErrServerError, err)
	}
}

func malformed(method string, err error) error {
	return fmt.Errorf("%w: %v: %w", iface.ErrMalformedResponse, method,
		err)
}

// Handshake negotiates the protocol version and makes sure the server
// follows our chain.
func (b *Backend) Handshake(ctx context.Context,
	versions iface.VersionRange) (iface.ProtocolVersion, error) {

	var (
		none                iface.ProtocolVersion
		software, agreedStr string
	)
	err := b.call(ctx, func(ctx context.Context, c rpcClient) error {
		var err error
		software, agreedStr, err = c.ServerVersion(ctx)
		return err
	})
	switch {
	case errors.Is(err, ErrServerError):
		return none, fmt.Errorf("%w: %w", iface.ErrIncompatibleProtocol,
			err)

	case err != nil:
		return none, err
	}

	version, err := iface.ParseProtocolVersion(agreedStr)
	if err != nil {
		return none, malformed(methodVersion, err)
	}
	if !versions.Contains(version) {
		return none, fmt.Errorf("%w: %v speaks %v",
			iface.ErrIncompatibleProtocol, software, version)
	}

	log.Debugf("Server %v runs %v, protocol %v", b.cfg.Addr, software,
		version)

	if b.cfg.ChainParams == nil {
		return version, nil
	}

	genesis, err := b.genesisHash(ctx)
	if err != nil {
		log.Debugf("Server %v did not reveal its genesis: %v",
			b.cfg.Addr, err)
		return version, nil
	}

	want := b.cfg.ChainParams.GenesisHash.String()
	if genesis != "" && genesis != want {
		return none, fmt.Errorf("%w: server genesis %v, expected %v "+
			"(%v)", iface.ErrIncompatibleProtocol, genesis, want,
			b.cfg.ChainParams.Name)
	}

	return version, nil
}

// genesisHash asks the server for the genesis of its chain, from
// server.features or else from the header at height zero.
func (b *Backend) genesisHash(ctx context.Context) (string, error) {
	var features *goelectrum.ServerFeaturesResult
	err := b.call(ctx, func(ctx context.Context, c rpcClient) error {
		var err error
		features, err = c.ServerFeatures(ctx)
		return err
	})
	if err == nil && features != nil && features.GenesisHash != "" {
		return features.GenesisHash, nil
	}

	var header *goelectrum.GetBlockHeaderResult
	err = b.call(ctx, func(ctx context.Context, c rpcClient) error {
		var err error
		header, err = c.GetBlockHeader(ctx, 0)
		return err
	})
	if err != nil {
		return "", err
	}

	headers, err := decodeHeaders(header.Header)
	if err != nil || len(headers) != 1 {
		return "", malformed(methodBlockHeader,
			fmt.Errorf("genesis header %q", header.Header))
	}

	return headers[0].BlockHash().String(), nil
}

// tipUpdate converts a header notification.
func tipUpdate(res *goelectrum.SubscribeHeadersResult) (iface.TipUpdate,
	error) {

	if res == nil {
		return iface.TipUpdate{}, errors.New("empty notification")
	}

	headers, err := decodeHeaders(res.Hex)
	if err != nil {
		return iface.TipUpdate{}, err
	}
	if len(headers) != 1 {
		return iface.TipUpdate{}, fmt.Errorf("expected one header, "+
			"got %d", len(headers))
	}

	return iface.TipUpdate{
		Height: int32(res.Height),
		Header: headers[0],
	}, nil
}

// decodeHeaders decodes a hex string of concatenated serialized headers.
func decodeHeaders(s string) ([]wire.BlockHeader, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw)%headerSize != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of "+
			"headers", len(raw))
	}

	headers := make([]wire.BlockHeader, len(raw)/headerSize)
	r := bytes.NewReader(raw)
	for i := range headers {
		if err := headers[i].Deserialize(r); err != nil {
			return nil, err
		}
	}

	return headers, nil
}

// SubscribeHeaders subscribes to tip announcements. The current tip is
// delivered first. The channel is closed when ctx ends or the connection
// drops.
func (b *Backend) SubscribeHeaders(
	ctx context.Context) (<-chan iface.TipUpdate, error) {

	sess, err := b.connected()
	if err != nil {
		return nil, err
	}

	var results <-chan *goelectrum.SubscribeHeadersResult
	err = b.call(ctx, func(ctx context.Context, c rpcClient) error {
		var err error
		results, err = c.SubscribeHeaders(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var first *goelectrum.SubscribeHeadersResult
	select {
	case first = <-results:
	case <-sess.lost:
		return nil, fmt.Errorf("%w: %v: %w", iface.ErrDisconnected,
			b.cfg.Addr, sess.err)
	case <-ctx.Done():
		return nil, iface.ClassifyNetError(ctx.Err())
	}

	update, err := tipUpdate(first)
	if err != nil {
		return nil, malformed(methodHeadersSub, err)
	}

	updates := make(chan iface.TipUpdate, 1)
	updates <- update

	go func() {
		defer close(updates)

		for {
			var res *goelectrum.SubscribeHeadersResult
			select {
			case r, ok := <-results:
				if !ok {
					return
				}
				res = r

			case <-sess.lost:
				return

			case <-ctx.Done():
				return
			}

			update, err := tipUpdate(res)
			if err != nil {
				log.Warnf("Malformed header notification "+
					"from %v: %v", b.cfg.Addr, err)
				continue
			}

			select {
			case updates <- update:
			case <-sess.lost:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

// FetchHeaders returns up to count headers starting at start. Servers cap
// the size of one answer, so it keeps asking until it has count headers or
// the server runs out.
func (b *Backend) FetchHeaders(ctx context.Context, start,
	count uint32) ([]wire.BlockHeader, error) {

	headers := make([]wire.BlockHeader, 0, count)
	for uint32(len(headers)) < count {
		next := start + uint32(len(headers))
		want := count - uint32(len(headers))

		var result *goelectrum.GetBlockHeadersResult
		err := b.call(ctx, func(ctx context.Context, c rpcClient) error {
			var err error
			result, err = c.GetBlockHeaders(ctx, next, want)
			return err
		})
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, malformed(methodBlockHeaders,
				errors.New("empty result"))
		}

		batch, err := decodeHeaders(result.Headers)
		if err != nil {
			return nil, malformed(methodBlockHeaders, err)
		}
		if uint32(len(batch)) != result.Count || result.Count > want {
			return nil, malformed(methodBlockHeaders,
				fmt.Errorf("asked for %d headers, count %d, "+
					"got %d", want, result.Count,
					len(batch)))
		}

		headers = append(headers, batch...)

		// Anything short of the server's cap means we reached its
		// tip.
		capped := result.Max != 0 && result.Count >= result.Max
		if result.Count == 0 || (result.Count < want && !capped) {
			break
		}
	}

	return headers, nil
}

// Ping checks that the server answers.
func (b *Backend) Ping(ctx context.Context) error {
	return b.call(ctx, func(ctx context.Context, c rpcClient) error {
		return c.Ping(ctx)
	})
}

// Peers returns the servers the server knows about in host:port:t|s form.
func (b *Backend) Peers(ctx context.Context) ([]string, error) {
	var result interface{}
	err := b.call(ctx, func(ctx context.Context, c rpcClient) error {
		var err error
		result, err = c.ServerPeers(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	// go-electrum hands back decoded JSON, so it is re-encoded to walk
	// the entries the same way for every transport.
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, malformed(methodPeers, err)
	}

	// Each entry is [ip, hostname, [features...]].
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, malformed(methodPeers, err)
	}

	var peers []string
	for _, entry := range entries {
		if len(entry) < 3 {
			continue
		}

		var (
			host     string
			features []string
		)
		if json.Unmarshal(entry[1], &host) != nil ||
			json.Unmarshal(entry[2], &features) != nil {

			continue
		}

		for _, addr := range parsePeerFeatures(host, features) {
			peers = append(peers, addr.String())
		}
	}

	return peers, nil
}

// Close closes the connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()

	if sess != nil {
		sess.close()
	}

	return nil
}
