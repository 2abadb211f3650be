package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/spvd/electrum"
	"github.com/lightningnetwork/spvd/esplora"
	"github.com/lightningnetwork/spvd/iface"
)

// esploraPrefix marks an Esplora API URL in the server list.
const esploraPrefix = "esplora+"

// ErrInvalidAddress is returned for server addresses no transport accepts.
var ErrInvalidAddress = errors.New("invalid server address")

// BackendFactory creates the transport for a server address.
type BackendFactory func(addr string) (iface.Backend, error)

// TransportConfig holds what the default backend factory needs.
type TransportConfig struct {
	ChainParams *chaincfg.Params

	// TLSConfig is used for TLS and secure WebSocket servers.
	TLSConfig *tls.Config

	// Dialer replaces the network dialer of Electrum connections, for
	// example to route through a proxy.
	Dialer electrum.DialFunc

	RequestTimeout time.Duration

	// PollInterval is the tip polling interval of Esplora servers.
	PollInterval time.Duration
}

// NormalizeAddr returns the canonical form of a server address, so the same
// server is not known twice under different spellings.
func NormalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)

	if strings.HasPrefix(addr, esploraPrefix) {
		url := strings.TrimPrefix(addr, esploraPrefix)
		if !strings.HasPrefix(url, "http://") &&
			!strings.HasPrefix(url, "https://") {

			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}

		return esploraPrefix + strings.TrimRight(url, "/"), nil
	}

	parsed, err := electrum.ParseServerAddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	return parsed.String(), nil
}

// NewBackendFactory returns a factory that picks the transport from the
// address: esplora+http(s) URLs use the Esplora API, everything else is an
// Electrum server.
func NewBackendFactory(cfg *TransportConfig) BackendFactory {
	return func(addr string) (iface.Backend, error) {
		if strings.HasPrefix(addr, esploraPrefix) {
			url, err := NormalizeAddr(addr)
			if err != nil {
				return nil, err
			}

			return esplora.NewBackend(&esplora.BackendConfig{
				URL:            strings.TrimPrefix(url, esploraPrefix),
				ChainParams:    cfg.ChainParams,
				RequestTimeout: cfg.RequestTimeout,
				PollInterval:   cfg.PollInterval,
			}), nil
		}

		parsed, err := electrum.ParseServerAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}

		return electrum.NewBackend(&electrum.BackendConfig{
			Addr:        parsed,
			ChainParams: cfg.ChainParams,
			TLSConfig:   cfg.TLSConfig,
			Dialer:      cfg.Dialer,
		}), nil
	}
}
