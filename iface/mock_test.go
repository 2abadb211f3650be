package iface

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// mockBackend is a scripted in-memory Backend.
type mockBackend struct {
	mu sync.Mutex

	version    ProtocolVersion
	connectErr error
	handErr    error

	headers []wire.BlockHeader
	updates chan TipUpdate

	// fetchErrs are returned by successive FetchHeaders calls before the
	// headers are served.
	fetchErrs  []error
	fetchCalls int
	requests   [][2]uint32

	// block makes FetchHeaders wait for the context.
	block bool

	closed bool
}

func newMockBackend(headers []wire.BlockHeader) *mockBackend {
	return &mockBackend{
		version: ProtocolVersion{Major: 1, Minor: 4},
		headers: headers,
		updates: make(chan TipUpdate, 16),
	}
}

func (m *mockBackend) Connect(ctx context.Context) error {
	return m.connectErr
}

func (m *mockBackend) Handshake(ctx context.Context,
	_ VersionRange) (ProtocolVersion, error) {

	return m.version, m.handErr
}

func (m *mockBackend) SubscribeHeaders(
	ctx context.Context) (<-chan TipUpdate, error) {

	return m.updates, nil
}

func (m *mockBackend) FetchHeaders(ctx context.Context, start,
	count uint32) ([]wire.BlockHeader, error) {

	m.mu.Lock()
	m.fetchCalls++
	m.requests = append(m.requests, [2]uint32{start, count})
	block := m.block
	var err error
	if len(m.fetchErrs) > 0 {
		err, m.fetchErrs = m.fetchErrs[0], m.fetchErrs[1:]
	}
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	if int(start) >= len(m.headers) {
		return nil, nil
	}
	end := min(int(start+count), len(m.headers))

	return append([]wire.BlockHeader(nil), m.headers[start:end]...), nil
}

func (m *mockBackend) Ping(ctx context.Context) error {
	return nil
}

func (m *mockBackend) Peers(ctx context.Context) ([]string, error) {
	return []string{"peer.example:50002:s"}, nil
}

func (m *mockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *mockBackend) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *mockBackend) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fetchCalls
}
