package federation

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/annex-node/annex/internal/apperr"
)

// HTTP client bounds for outbound federation calls.
const (
	connectTimeout = 5 * time.Second
	totalTimeout   = 15 * time.Second
)

// NewHardenedClient builds an *http.Client for outbound federation calls:
// redirects are disabled, connect/total timeouts are explicit, and every
// dial re-resolves and re-checks the target address immediately before
// connecting so a DNS answer that flips from public to private between
// resolution and connect (DNS rebinding) cannot reach an internal host.
func NewHardenedClient() *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialGuarded(ctx, dialer, network, addr)
		},
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: totalTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   totalTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// dialGuarded resolves addr, rejects any resolved IP that is
// private/loopback/link-local/unspecified or multicast, then dials the
// specific IP it validated rather than the original hostname, closing the
// TOCTOU window between resolution and connect.
func dialGuarded(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "split host/port")
	}

	var resolver net.Resolver
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "resolve federation peer host")
	}
	if len(ips) == 0 {
		return nil, apperr.New(apperr.Transient, "no addresses resolved for %q", host)
	}

	var lastErr error
	for _, ipAddr := range ips {
		if err := rejectUnsafeIP(ipAddr.IP); err != nil {
			lastErr = err
			continue
		}
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = apperr.New(apperr.Forbidden, "all resolved addresses for %q were rejected", host)
	}
	return nil, lastErr
}

// rejectUnsafeIP blocks loopback, private, link-local, unspecified, and
// multicast ranges, per §4.10's private/loopback/link-local blocking
// requirement.
func rejectUnsafeIP(ip net.IP) error {
	if ip == nil {
		return apperr.New(apperr.Forbidden, "nil resolved address")
	}
	switch {
	case ip.IsLoopback():
		return apperr.New(apperr.Forbidden, "refusing to connect to loopback address %s", ip)
	case ip.IsPrivate():
		return apperr.New(apperr.Forbidden, "refusing to connect to private address %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return apperr.New(apperr.Forbidden, "refusing to connect to link-local address %s", ip)
	case ip.IsUnspecified():
		return apperr.New(apperr.Forbidden, "refusing to connect to unspecified address %s", ip)
	case ip.IsMulticast():
		return apperr.New(apperr.Forbidden, "refusing to connect to multicast address %s", ip)
	}
	return nil
}
