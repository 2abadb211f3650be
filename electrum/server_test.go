package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// handler answers one request. A non-nil RPC error is sent instead of the
// result.
type handler func(params []json.RawMessage) (interface{}, *btcjson.RPCError)

// request is what the fake server decodes from the client.
type request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeConn is one client connection of the fake server.
type fakeConn interface {
	read() ([]byte, error)
	write(msg []byte) error
	close()
}

type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex
}

func (l *lineConn) read() ([]byte, error) {
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}

	return l.scanner.Bytes(), nil
}

func (l *lineConn) write(msg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.conn.Write(append(msg, '\n'))
	return err
}

func (l *lineConn) close() {
	l.conn.Close()
}

type frameConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (f *frameConn) read() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *frameConn) write(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.conn.WriteMessage(websocket.TextMessage, msg)
}

func (f *frameConn) close() {
	f.conn.Close()
}

// fakeServer answers JSON-RPC requests with registered handlers.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	handlers map[string]handler
	seen     []request
	conns    []fakeConn
}

func newServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:        t,
		handlers: make(map[string]handler),
	}
}

// newFakeServer starts a newline delimited JSON-RPC server on a local TCP
// port.
func newFakeServer(t *testing.T) (*fakeServer, ServerAddr) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := newServer(t)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			scanner := bufio.NewScanner(conn)
			scanner.Buffer(nil, DefaultMaxMessageSize)
			go s.serve(&lineConn{conn: conn, scanner: scanner})
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		s.disconnect()
	})

	tcpAddr := listener.Addr().(*net.TCPAddr)

	return s, ServerAddr{
		Host:      tcpAddr.IP.String(),
		Port:      tcpAddr.Port,
		Transport: TransportTCP,
	}
}

// newFakeWSServer starts a server with one JSON-RPC message per WebSocket
// frame.
func newFakeWSServer(t *testing.T) (*fakeServer, ServerAddr) {
	t.Helper()

	s := newServer(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			s.serve(&frameConn{conn: conn})
		},
	))
	t.Cleanup(func() {
		s.disconnect()
		srv.Close()
	})

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	host, port, err := net.SplitHostPort(hostPort)
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	return s, ServerAddr{
		Host:      host,
		Port:      portNum,
		Transport: TransportWS,
		Path:      "/electrum",
	}
}

func (s *fakeServer) handle(method string, h handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[method] = h
}

func (s *fakeServer) requests(method string) []request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []request
	for _, r := range s.seen {
		if r.Method == method {
			out = append(out, r)
		}
	}

	return out
}

func (s *fakeServer) serve(conn fakeConn) {
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		data, err := conn.read()
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		s.mu.Lock()
		s.seen = append(s.seen, req)
		h, ok := s.handlers[req.Method]
		s.mu.Unlock()

		msg := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		switch {
		case !ok:
			msg["error"] = btcjson.RPCError{
				Code: -32601, Message: "unknown method",
			}

		default:
			result, rpcErr := h(req.Params)
			if rpcErr != nil {
				msg["error"] = rpcErr
			} else {
				msg["result"] = result
			}
		}

		s.send(conn, msg)
	}
}

// notify pushes a notification to every client.
func (s *fakeServer) notify(method string, params ...interface{}) {
	s.mu.Lock()
	conns := append([]fakeConn(nil), s.conns...)
	s.mu.Unlock()

	for _, conn := range conns {
		s.send(conn, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  method,
			"params":  params,
		})
	}
}

// waitConnected blocks until a client is connected.
func (s *fakeServer) waitConnected() {
	require.Eventually(s.t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		return len(s.conns) > 0
	}, testTimeout, 10*time.Millisecond)
}

// disconnect drops every client connection.
func (s *fakeServer) disconnect() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

func (s *fakeServer) send(conn fakeConn, msg interface{}) {
	data, err := json.Marshal(msg)
	require.NoError(s.t, err)

	_ = conn.write(data)
}

// testHeaders returns the regtest genesis header and n headers on top.
func testHeaders(n int) []wire.BlockHeader {
	prev := chaincfg.RegressionNetParams.GenesisBlock.Header
	headers := []wire.BlockHeader{prev}
	for i := 0; i < n; i++ {
		next := wire.BlockHeader{
			Version:   4,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Timestamp.Add(10 * time.Minute),
			Bits:      prev.Bits,
			Nonce:     uint32(i),
		}
		headers = append(headers, next)
		prev = next
	}

	return headers
}

func encodeHeaders(t *testing.T, headers []wire.BlockHeader) string {
	t.Helper()

	var buf bytes.Buffer
	for i := range headers {
		require.NoError(t, headers[i].Serialize(&buf))
	}

	return hex.EncodeToString(buf.Bytes())
}

// tipNotification is a blockchain.headers.subscribe payload.
func tipNotification(t *testing.T, headers []wire.BlockHeader,
	height int) map[string]interface{} {

	return map[string]interface{}{
		"hex":    encodeHeaders(t, headers[height:height+1]),
		"height": height,
	}
}

// serveChain installs handlers that serve headers the way an Electrum server
// does, capping answers at maxCount.
func (s *fakeServer) serveChain(t *testing.T, headers []wire.BlockHeader,
	maxCount uint32) {

	tip := len(headers) - 1

	s.handle(methodHeadersSub, func(_ []json.RawMessage) (interface{},
		*btcjson.RPCError) {

		return tipNotification(t, headers, tip), nil
	})

	s.handle(methodBlockHeader, func(params []json.RawMessage) (
		interface{}, *btcjson.RPCError) {

		var height int
		require.NoError(t, json.Unmarshal(params[0], &height))
		if height >= len(headers) {
			return nil, &btcjson.RPCError{
				Code: 1, Message: "height out of range",
			}
		}

		return encodeHeaders(t, headers[height:height+1]), nil
	})

	s.handle(methodBlockHeaders, func(params []json.RawMessage) (
		interface{}, *btcjson.RPCError) {

		var start, count uint32
		require.NoError(t, json.Unmarshal(params[0], &start))
		require.NoError(t, json.Unmarshal(params[1], &count))

		count = min(count, maxCount)
		end := min(int(start+count), len(headers))
		if int(start) >= len(headers) {
			end = int(start)
		}

		var batch []wire.BlockHeader
		if int(start) < end {
			batch = headers[start:end]
		}

		return map[string]interface{}{
			"count": len(batch),
			"hex":   encodeHeaders(t, batch),
			"max":   maxCount,
		}, nil
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}
