package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	goelectrum "github.com/checksum0/go-electrum/electrum"
	"github.com/gorilla/websocket"
)

var (
	// ErrClientClosed is returned for requests on a closed client.
	ErrClientClosed = errors.New("electrum client closed")

	// ErrServerError wraps an error object returned by the server.
	ErrServerError = errors.New("electrum server error")

	// ErrAlreadySubscribed is returned when a method is subscribed twice.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

const (
	// DefaultMaxMessageSize bounds a single incoming JSON message. A full
	// batch of 2016 hex encoded headers is about 320 KB.
	DefaultMaxMessageSize = 4 << 20

	// defaultDialTimeout applies when the caller's context has no
	// deadline.
	defaultDialTimeout = 15 * time.Second

	// notificationBuffer is the per subscription notification buffer.
	notificationBuffer = 16

	// requestedProtocol is the protocol version asked for in
	// server.version. It matches what go-electrum requests on raw sockets,
	// so every transport negotiates the same way.
	requestedProtocol = "1.4"
)

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network,
	address string) (net.Conn, error)

// wsConfig holds the configuration of a WebSocket client.
type wsConfig struct {
	Addr       ServerAddr
	TLSConfig  *tls.Config
	Dialer     DialFunc
	ClientName string

	MaxMessageSize int
}

// message is the union of every frame a server sends: responses carry an
// id, notifications a method.
type message struct {
	ID     *uint64           `json:"id"`
	Method string            `json:"method"`
	Params json.RawMessage   `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// response is a resolved request.
type response struct {
	result json.RawMessage
	err    error
}

// wsClient speaks the Electrum protocol with one JSON-RPC message per
// WebSocket frame. go-electrum only frames raw sockets, so WebSocket servers
// get their own client with the same call surface.
type wsClient struct {
	addr       ServerAddr
	clientName string
	conn       *websocket.Conn

	nextID atomic.Uint64

	writeMtx sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan response
	subs    map[string]chan json.RawMessage
	err     error

	// errs receives the reason the connection failed, once.
	errs chan error

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// A compile time check to ensure wsClient can stand in for go-electrum.
var _ rpcClient = (*wsClient)(nil)

// dialWS connects to a ws or wss server and starts reading from it.
func dialWS(ctx context.Context, cfg *wsConfig) (*wsClient, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = (&net.Dialer{}).DialContext
	}

	tlsConfig := serverTLS(cfg.TLSConfig, cfg.Addr.Host)

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	wsDialer := websocket.Dialer{
		NetDialContext:  dialer,
		TLSClientConfig: tlsConfig,
	}
	conn, resp, err := wsDialer.DialContext(ctx, cfg.Addr.url(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", cfg.Addr, err)
	}
	conn.SetReadLimit(int64(maxSize))

	c := &wsClient{
		addr:       cfg.Addr,
		clientName: cfg.ClientName,
		conn:       conn,
		pending:    make(map[uint64]chan response),
		subs:       make(map[string]chan json.RawMessage),
		errs:       make(chan error, 1),
		quit:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Err returns the reason the connection ended, if it did.
func (c *wsClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// request calls method and decodes the result into v, if v is not nil.
func (c *wsClient) request(ctx context.Context, method string,
	params []interface{}, v interface{}) error {

	id := c.nextID.Add(1)

	if params == nil {
		params = []interface{}{}
	}
	req, err := btcjson.NewRequest(btcjson.RpcVersion2, id, method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	respChan := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	log.Tracef("%v <- %s", c.addr, data)

	deadline, _ := ctx.Deadline()
	c.writeMtx.Lock()
	err = c.conn.SetWriteDeadline(deadline)
	if err == nil {
		err = c.conn.WriteMessage(websocket.TextMessage, data)
	}
	c.writeMtx.Unlock()
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("sending %v: %w", method, c.Err())
	}

	select {
	case resp := <-respChan:
		if resp.err != nil {
			return fmt.Errorf("%v: %w", method, resp.err)
		}
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(resp.result, v); err != nil {
			return fmt.Errorf("%v: decoding result: %w", method, err)
		}

		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-c.quit:
		return c.Err()
	}
}

// subscribe calls a subscription method, decodes its initial result into v
// and returns a channel of notification params. The channel is closed with
// the connection.
func (c *wsClient) subscribe(ctx context.Context, method string,
	v interface{}) (<-chan json.RawMessage, error) {

	notifications := make(chan json.RawMessage, notificationBuffer)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if _, ok := c.subs[method]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrAlreadySubscribed, method)
	}
	c.subs[method] = notifications
	c.mu.Unlock()

	if err := c.request(ctx, method, nil, v); err != nil {
		c.mu.Lock()
		if c.subs[method] == notifications {
			delete(c.subs, method)
		}
		c.mu.Unlock()

		return nil, err
	}

	return notifications, nil
}

// ServerVersion negotiates the protocol version and returns the server
// software and the agreed version.
func (c *wsClient) ServerVersion(ctx context.Context) (string, string,
	error) {

	var result []string
	err := c.request(
		ctx, methodVersion,
		[]interface{}{c.clientName, requestedProtocol}, &result,
	)
	if err != nil {
		return "", "", err
	}
	if len(result) < 2 {
		return "", "", fmt.Errorf("%v: short result %v",
			methodVersion, result)
	}

	return result[0], result[1], nil
}

// ServerFeatures returns the features the server announces.
func (c *wsClient) ServerFeatures(
	ctx context.Context) (*goelectrum.ServerFeaturesResult, error) {

	var result goelectrum.ServerFeaturesResult
	if err := c.request(ctx, methodFeatures, nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// SubscribeHeaders subscribes to tip announcements. The current tip is the
// first value on the channel.
func (c *wsClient) SubscribeHeaders(ctx context.Context) (
	<-chan *goelectrum.SubscribeHeadersResult, error) {

	var first goelectrum.SubscribeHeadersResult
	notifications, err := c.subscribe(ctx, methodHeadersSub, &first)
	if err != nil {
		return nil, err
	}

	results := make(chan *goelectrum.SubscribeHeadersResult, 1)
	results <- &first

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(results)

		for params := range notifications {
			var notes []*goelectrum.SubscribeHeadersResult
			if err := json.Unmarshal(params, &notes); err != nil {
				log.Warnf("Malformed header notification "+
					"from %v: %v", c.addr, err)
				continue
			}

			for _, note := range notes {
				select {
				case results <- note:
				case <-c.quit:
					return
				}
			}
		}
	}()

	return results, nil
}

// GetBlockHeader returns the header at height.
func (c *wsClient) GetBlockHeader(ctx context.Context, height uint32,
	_ ...uint32) (*goelectrum.GetBlockHeaderResult, error) {

	var header string
	err := c.request(
		ctx, methodBlockHeader, []interface{}{height, 0}, &header,
	)
	if err != nil {
		return nil, err
	}

	return &goelectrum.GetBlockHeaderResult{Header: header}, nil
}

// GetBlockHeaders returns up to count concatenated headers starting at
// startHeight.
func (c *wsClient) GetBlockHeaders(ctx context.Context, startHeight,
	count uint32,
	_ ...uint32) (*goelectrum.GetBlockHeadersResult, error) {

	var result goelectrum.GetBlockHeadersResult
	err := c.request(
		ctx, methodBlockHeaders, []interface{}{startHeight, count},
		&result,
	)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// Ping checks that the server answers.
func (c *wsClient) Ping(ctx context.Context) error {
	return c.request(ctx, methodPing, nil, nil)
}

// ServerPeers returns the raw server.peers.subscribe result.
func (c *wsClient) ServerPeers(ctx context.Context) (interface{}, error) {
	var result json.RawMessage
	if err := c.request(ctx, methodPeers, nil, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// Shutdown tears down the connection and fails all pending requests.
func (c *wsClient) Shutdown() {
	c.shutdown(ErrClientClosed)
	c.wg.Wait()
}

// shutdown records the first reason the connection ended and releases
// everything waiting on it.
func (c *wsClient) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %w", ErrClientClosed, reason)
		if errors.Is(reason, ErrClientClosed) {
			c.err = reason
		}
		c.mu.Unlock()

		c.errs <- c.err
		close(c.quit)
		c.conn.Close()

		log.Debugf("Connection to %v closed: %v", c.addr, reason)
	})
}

// readLoop dispatches incoming messages until the connection fails.
//
// NOTE: This MUST be run as a goroutine.
func (c *wsClient) readLoop() {
	defer c.wg.Done()

	defer func() {
		c.mu.Lock()
		for method, ch := range c.subs {
			close(ch)
			delete(c.subs, method)
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		log.Tracef("%v -> %s", c.addr, data)

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.shutdown(fmt.Errorf("malformed message: %w", err))
			return
		}

		switch {
		case msg.ID != nil:
			c.resolve(*msg.ID, &msg)

		case msg.Method != "":
			if !c.notify(msg.Method, msg.Params) {
				return
			}

		default:
			log.Warnf("Ignoring message without id or method "+
				"from %v", c.addr)
		}
	}
}

// resolve hands a response to its waiting request.
func (c *wsClient) resolve(id uint64, msg *message) {
	c.mu.Lock()
	respChan, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		log.Debugf("Response from %v for unknown request %d", c.addr,
			id)
		return
	}

	resp := response{result: msg.Result}
	if msg.Error != nil {
		resp.err = fmt.Errorf("%w: %v", ErrServerError, msg.Error)
	}

	// Duplicate responses are dropped.
	select {
	case respChan <- resp:
	default:
	}
}

// notify delivers notification params to the subscriber of method. It returns
// false if the client shut down while waiting.
func (c *wsClient) notify(method string, params json.RawMessage) bool {
	c.mu.Lock()
	ch, ok := c.subs[method]
	c.mu.Unlock()

	if !ok {
		log.Debugf("Unsolicited %v notification from %v", method,
			c.addr)
		return true
	}

	select {
	case ch <- params:
		return true
	case <-c.quit:
		return false
	}
}

// serverTLS returns a copy of cfg for talking to host.
func serverTLS(cfg *tls.Config, host string) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	return cfg
}
