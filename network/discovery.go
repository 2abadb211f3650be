package network

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/lightningnetwork/spvd/electrum"
	"github.com/lightningnetwork/spvd/lnutils"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	// srvServiceTCP and srvServiceTLS are the SRV services seeds publish
	// plaintext and TLS Electrum servers under.
	srvServiceTCP = "electrum"
	srvServiceTLS = "electrums"

	// maxSeedQueries bounds the number of concurrent seed queries.
	maxSeedQueries = 4
)

// LookupSRVFunc resolves SRV records the way net.Resolver.LookupSRV does.
type LookupSRVFunc func(ctx context.Context, service, proto,
	name string) (string, []*net.SRV, error)

// DNSSeed is a domain publishing Electrum servers as SRV records.
type DNSSeed struct {
	// Host is queried for _electrum._tcp and _electrums._tcp records.
	Host string

	// SOAShim, if set, names a host that resolves to the authoritative
	// name server of Host. It is queried directly over TCP when the
	// system resolver fails, which it does for large answers.
	SOAShim string
}

// ParseDNSSeed parses a seed in the form host[,soashim].
func ParseDNSSeed(s string) (DNSSeed, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 2 || strings.TrimSpace(parts[0]) == "" {
		return DNSSeed{}, fmt.Errorf("invalid dns seed %q", s)
	}

	seed := DNSSeed{Host: strings.TrimSpace(parts[0])}
	if len(parts) == 2 {
		seed.SOAShim = strings.TrimSpace(parts[1])
	}

	return seed, nil
}

// seedResolver queries DNS seeds for server addresses.
type seedResolver struct {
	lookupSRV LookupSRVFunc
	dialer    net.Dialer
}

// querySeeds asks every seed for servers in parallel. Seeds that fail are
// logged and skipped.
func (r *seedResolver) querySeeds(ctx context.Context,
	seeds []DNSSeed) []string {

	var (
		mu    sync.Mutex
		addrs []string
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSeedQueries)

	for _, seed := range seeds {
		for _, service := range []string{srvServiceTCP, srvServiceTLS} {
			g.Go(func() error {
				found, err := r.querySeed(ctx, seed, service)
				if err != nil {
					log.Debugf("DNS seed %v (%v): %v",
						seed.Host, service, err)
					return nil
				}

				mu.Lock()
				addrs = append(addrs, found...)
				mu.Unlock()

				return nil
			})
		}
	}

	// Failures are per seed and never returned.
	_ = g.Wait()

	log.Debugf("DNS seeds returned %d servers", len(addrs))

	return addrs
}

// querySeed looks up the SRV records of one service at a seed, falling back
// to a direct query of the authoritative server.
func (r *seedResolver) querySeed(ctx context.Context, seed DNSSeed,
	service string) ([]string, error) {

	_, records, err := r.lookupSRV(ctx, service, "tcp", seed.Host)
	if err != nil {
		if seed.SOAShim == "" {
			return nil, err
		}

		log.Tracef("SRV lookup at %v failed, falling back to %v: %v",
			seed.Host, seed.SOAShim, err)

		records, err = r.fallbackSRV(ctx, seed, service)
		if err != nil {
			return nil, err
		}
	}

	log.Tracef("SRV records of %v: %v", seed.Host,
		lnutils.SpewLogClosure(records))

	transport := electrum.TransportTCP
	if service == srvServiceTLS {
		transport = electrum.TransportTLS
	}

	addrs := make([]string, 0, len(records))
	for _, rec := range records {
		addr := electrum.ServerAddr{
			Host:      strings.TrimSuffix(rec.Target, "."),
			Port:      int(rec.Port),
			Transport: transport,
		}
		addrs = append(addrs, addr.String())
	}

	return addrs, nil
}

// fallbackSRV queries the authoritative name server of a seed over TCP. Its
// address is what the SOA shim resolves to.
func (r *seedResolver) fallbackSRV(ctx context.Context, seed DNSSeed,
	service string) ([]*net.SRV, error) {

	hosts, err := net.DefaultResolver.LookupHost(ctx, seed.SOAShim)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("shim %v has no address", seed.SOAShim)
	}

	conn, err := r.dialer.DialContext(
		ctx, "tcp", net.JoinHostPort(hosts[0], "53"),
	)
	if err != nil {
		return nil, err
	}

	dnsConn := &dns.Conn{Conn: conn}
	defer dnsConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(
		dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", service, seed.Host)),
		dns.TypeSRV,
	)
	if err := dnsConn.WriteMsg(msg); err != nil {
		return nil, err
	}

	resp, err := dnsConn.ReadMsg()
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV query for %v failed: %v", seed.Host,
			dns.RcodeToString[resp.Rcode])
	}

	var records []*net.SRV
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}

		records = append(records, &net.SRV{
			Target:   srv.Target,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}

	return records, nil
}
