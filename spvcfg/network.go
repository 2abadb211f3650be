package spvcfg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/lightningnetwork/spvd/electrum"
	"github.com/lightningnetwork/spvd/esplora"
	"github.com/lightningnetwork/spvd/iface"
	"github.com/lightningnetwork/spvd/network"
)

const (
	// DefaultProtocolMin and DefaultProtocolMax bound the Electrum
	// protocol versions negotiated with servers.
	DefaultProtocolMin = "1.4"
	DefaultProtocolMax = "1.4.2"
)

// Network holds the options of how servers are found and reached.
//
//nolint:ll
type Network struct {
	Servers []string `long:"server" description:"A server to connect to, as host:port:t|s, tcp://, ssl://, ws://, wss:// or esplora+https:// URL. Can be set multiple times."`

	DNSSeeds []string `long:"dnsseed" description:"A domain publishing Electrum servers as SRV records, optionally followed by a comma and a shim host resolving to its name server. Can be set multiple times."`

	ProtocolMin string `long:"protocolmin" description:"The lowest accepted Electrum protocol version."`
	ProtocolMax string `long:"protocolmax" description:"The highest accepted Electrum protocol version."`

	TLSCertPath   string `long:"tlscertpath" description:"A PEM file of additional certificates trusted for TLS servers."`
	TLSSkipVerify bool   `long:"tlsskipverify" description:"Skip TLS certificate verification. Insecure, use for testing only."`

	Proxy string `long:"proxy" description:"Connect to WebSocket Electrum servers through this SOCKS5 proxy (host:port). Raw tcp and ssl servers are refused while it is set."`

	ConnectTimeout      time.Duration `long:"connecttimeout" description:"Timeout for dialing a server."`
	HandshakeTimeout    time.Duration `long:"handshaketimeout" description:"Timeout for the protocol version negotiation."`
	RequestTimeout      time.Duration `long:"requesttimeout" description:"Timeout for a single request to a server."`
	EsploraPollInterval time.Duration `long:"esplorapollinterval" description:"Interval at which Esplora servers are polled for a new tip."`
}

// DefaultNetwork returns the network options with default values.
func DefaultNetwork() *Network {
	return &Network{
		ProtocolMin:         DefaultProtocolMin,
		ProtocolMax:         DefaultProtocolMax,
		ConnectTimeout:      iface.DefaultConnectTimeout,
		HandshakeTimeout:    iface.DefaultHandshakeTimeout,
		RequestTimeout:      iface.DefaultRequestTimeout,
		EsploraPollInterval: esplora.DefaultPollInterval,
	}
}

// Versions returns the accepted protocol version range.
func (n *Network) Versions() (iface.VersionRange, error) {
	lo, err := iface.ParseProtocolVersion(n.ProtocolMin)
	if err != nil {
		return iface.VersionRange{}, fmt.Errorf("protocolmin: %w", err)
	}
	hi, err := iface.ParseProtocolVersion(n.ProtocolMax)
	if err != nil {
		return iface.VersionRange{}, fmt.Errorf("protocolmax: %w", err)
	}

	return iface.VersionRange{Min: lo, Max: hi}, nil
}

// Seeds parses the configured DNS seeds.
func (n *Network) Seeds() ([]network.DNSSeed, error) {
	seeds := make([]network.DNSSeed, 0, len(n.DNSSeeds))
	for _, s := range n.DNSSeeds {
		seed, err := network.ParseDNSSeed(s)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}

	return seeds, nil
}

// TLSConfig returns the TLS settings used for secure servers.
func (n *Network) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,

		//nolint:gosec
		InsecureSkipVerify: n.TLSSkipVerify,
	}

	if n.TLSCertPath == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(CleanAndExpandPath(n.TLSCertPath))
	if err != nil {
		return nil, err
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %v", n.TLSCertPath)
	}
	cfg.RootCAs = pool

	return cfg, nil
}

// Dialer returns the dialer for Electrum connections, or nil to dial
// directly.
func (n *Network) Dialer() electrum.DialFunc {
	if n.Proxy == "" {
		return nil
	}

	proxy := &socks.Proxy{
		Addr:         n.Proxy,
		TorIsolation: true,
	}

	return func(ctx context.Context, netw,
		addr string) (net.Conn, error) {

		timeout := n.ConnectTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}

		return proxy.DialTimeout(netw, addr, timeout)
	}
}

// Validate checks the network options.
func (n *Network) Validate() error {
	versions, err := n.Versions()
	if err != nil {
		return err
	}
	if versions.Min.Cmp(versions.Max) > 0 {
		return fmt.Errorf("protocolmin %v above protocolmax %v",
			versions.Min, versions.Max)
	}

	for _, s := range n.Servers {
		if _, err := network.NormalizeAddr(s); err != nil {
			return err
		}

		addr, err := electrum.ParseServerAddr(s)
		if err != nil || n.Proxy == "" {
			continue
		}
		if addr.Transport == electrum.TransportTCP ||
			addr.Transport == electrum.TransportTLS {

			return fmt.Errorf("server %v: %w", addr,
				electrum.ErrProxyUnsupported)
		}
	}
	if _, err := n.Seeds(); err != nil {
		return err
	}

	if n.ConnectTimeout <= 0 || n.HandshakeTimeout <= 0 ||
		n.RequestTimeout <= 0 {

		return fmt.Errorf("network timeouts must be positive")
	}
	if n.EsploraPollInterval <= 0 {
		return fmt.Errorf("esplorapollinterval must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Network implements the Validator
// interface.
var _ Validator = (*Network)(nil)
