package electrum

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultTCPPort is the conventional plaintext Electrum port.
	DefaultTCPPort = 50001

	// DefaultTLSPort is the conventional TLS Electrum port.
	DefaultTLSPort = 50002
)

// Transport is the wire framing used to reach an Electrum server.
type Transport uint8

const (
	// TransportTCP is newline delimited JSON over plain TCP.
	TransportTCP Transport = iota

	// TransportTLS is newline delimited JSON over TLS.
	TransportTLS

	// TransportWS is one JSON message per WebSocket frame.
	TransportWS

	// TransportWSS is WebSocket over TLS.
	TransportWSS
)

// String returns the URL scheme of the transport.
func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "ssl"
	case TransportWS:
		return "ws"
	case TransportWSS:
		return "wss"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(t))
	}
}

// secure returns true if the transport is encrypted.
func (t Transport) secure() bool {
	return t == TransportTLS || t == TransportWSS
}

// ServerAddr is the address of an Electrum server.
type ServerAddr struct {
	Host      string
	Port      int
	Transport Transport

	// Path is the request path of WebSocket servers.
	Path string
}

// ParseServerAddr parses either the compact host:port:t|s form or a URL with
// one of the tcp, ssl, tls, ws or wss schemes. A missing port defaults to the
// conventional one for the transport.
func ParseServerAddr(s string) (ServerAddr, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		return parseServerURL(s)
	}

	// The protocol letter comes last: host:port:s. IPv6 hosts are
	// bracketed so the last colon is always the separator.
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return ServerAddr{}, fmt.Errorf("electrum address %q lacks "+
			"a protocol suffix", s)
	}

	var addr ServerAddr
	switch s[idx+1:] {
	case "t":
		addr.Transport = TransportTCP
	case "s":
		addr.Transport = TransportTLS
	default:
		return ServerAddr{}, fmt.Errorf("electrum address %q has "+
			"unknown protocol %q", s, s[idx+1:])
	}

	host, port, err := net.SplitHostPort(s[:idx])
	if err != nil {
		return ServerAddr{}, fmt.Errorf("electrum address %q: %w",
			s, err)
	}
	addr.Host = host
	addr.Port, err = parsePort(port)
	if err != nil {
		return ServerAddr{}, fmt.Errorf("electrum address %q: %w",
			s, err)
	}

	return addr, nil
}

// parseServerURL parses the URL form of an address.
func parseServerURL(s string) (ServerAddr, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ServerAddr{}, fmt.Errorf("electrum address %q: %w",
			s, err)
	}

	var addr ServerAddr
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		addr.Transport = TransportTCP
	case "ssl", "tls":
		addr.Transport = TransportTLS
	case "ws":
		addr.Transport = TransportWS
	case "wss":
		addr.Transport = TransportWSS
	default:
		return ServerAddr{}, fmt.Errorf("electrum address %q has "+
			"unknown scheme %q", s, u.Scheme)
	}

	addr.Host = u.Hostname()
	if addr.Host == "" {
		return ServerAddr{}, fmt.Errorf("electrum address %q lacks "+
			"a host", s)
	}

	switch {
	case u.Port() != "":
		addr.Port, err = parsePort(u.Port())
		if err != nil {
			return ServerAddr{}, fmt.Errorf("electrum address "+
				"%q: %w", s, err)
		}

	case addr.Transport.secure():
		addr.Port = DefaultTLSPort

	default:
		addr.Port = DefaultTCPPort
	}

	if addr.Transport == TransportWS || addr.Transport == TransportWSS {
		addr.Path = u.EscapedPath()
	}

	return addr, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}

	return port, nil
}

// HostPort returns the dialable host:port of the server.
func (a ServerAddr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String returns the canonical form of the address: host:port:t|s for raw
// sockets and a URL for WebSockets.
func (a ServerAddr) String() string {
	switch a.Transport {
	case TransportTCP:
		return a.HostPort() + ":t"
	case TransportTLS:
		return a.HostPort() + ":s"
	default:
		return a.url()
	}
}

// url returns the WebSocket URL of the server.
func (a ServerAddr) url() string {
	u := url.URL{
		Scheme: a.Transport.String(),
		Host:   a.HostPort(),
		Path:   a.Path,
	}

	return u.String()
}

// parsePeerFeatures turns one server.peers.subscribe entry into addresses.
// Features look like "v1.4", "s50002" or "t50001"; a letter without a number
// means the default port.
func parsePeerFeatures(host string, features []string) []ServerAddr {
	var addrs []ServerAddr
	for _, f := range features {
		if len(f) == 0 {
			continue
		}

		var addr ServerAddr
		switch f[0] {
		case 's':
			addr = ServerAddr{
				Host: host, Port: DefaultTLSPort,
				Transport: TransportTLS,
			}
		case 't':
			addr = ServerAddr{
				Host: host, Port: DefaultTCPPort,
				Transport: TransportTCP,
			}
		default:
			continue
		}

		if len(f) > 1 {
			port, err := parsePort(f[1:])
			if err != nil {
				continue
			}
			addr.Port = port
		}

		addrs = append(addrs, addr)
	}

	return addrs
}
