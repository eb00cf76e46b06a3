// Package dns resolves the signaling host, falling back to public resolvers
// when the system one fails. Answers are cached so reconnects after a
// network change do not depend on the local resolver coming back first.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	localTimeout  = time.Second
	publicTimeout = 2 * time.Second
	cacheTTL      = 10 * time.Minute
)

var publicDNS = []string{
	"1.1.1.1",              // Cloudflare
	"1.0.0.1",              // Cloudflare
	"2606:4700:4700::1111", // Cloudflare
	"8.8.8.8",              // Google
	"8.8.4.4",              // Google
	"2001:4860:4860::8888", // Google
	"9.9.9.9",              // Quad9
	"149.112.112.112",      // Quad9
	"208.67.222.222",       // Cisco OpenDNS
}

// Resolver looks hosts up locally first and races public servers when that
// fails.
type Resolver struct {
	// Local and Public are swappable for tests.
	Local  func(ctx context.Context, host string) ([]string, error)
	Public func(ctx context.Context, host, server string) ([]string, error)

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]entry
	now   func() time.Time
}

type entry struct {
	ip      string
	expires time.Time
}

func NewResolver() *Resolver {
	return &Resolver{
		Local:  localLookup,
		Public: publicLookup,
		cache:  make(map[string]entry),
		now:    time.Now,
	}
}

var defaultResolver = NewResolver()

// Lookup resolves host with the shared resolver.
func Lookup(ctx context.Context, host string) (string, error) {
	return defaultResolver.Lookup(ctx, host)
}

// Lookup returns one address for host, preferring IPv4. Concurrent lookups
// of the same host share one query.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	if ip, ok := r.cached(host); ok {
		return ip, nil
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		ip, err := r.resolve(ctx, host)
		if err != nil {
			if stale, ok := r.stale(host); ok {
				return stale, nil
			}
			return "", err
		}
		r.mu.Lock()
		r.cache[host] = entry{ip: ip, expires: r.now().Add(cacheTTL)}
		r.mu.Unlock()
		return ip, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) cached(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[host]
	if !ok || r.now().After(e.expires) {
		return "", false
	}
	return e.ip, true
}

// stale returns the last answer for host even if it has expired.
func (r *Resolver) stale(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[host]
	return e.ip, ok
}

func (r *Resolver) resolve(ctx context.Context, host string) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, localTimeout)
	ips, err := r.Local(lctx, host)
	cancel()
	if err == nil {
		if ip, ok := preferIPv4(ips); ok {
			return ip, nil
		}
	}
	return r.race(ctx, host)
}

// race queries every public server at once and keeps the first answer.
func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, publicTimeout)
	defer cancel()

	results := make(chan result, len(publicDNS))
	for _, server := range publicDNS {
		go func() {
			ips, err := r.Public(ctx, host, server)
			ip, ok := preferIPv4(ips)
			if err == nil && !ok {
				err = errors.New("no addresses returned")
			}
			results <- result{ip: ip, err: err}
		}()
	}

	failures := 0
	for range publicDNS {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: public DNS race timed out", host)
		}
	}

	return "", fmt.Errorf("resolve %s: all %d public DNS servers failed", host, failures)
}

func localLookup(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

func publicLookup(ctx context.Context, host, server string) ([]string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}
	return r.LookupHost(ctx, host)
}

func preferIPv4(ips []string) (string, bool) {
	if len(ips) == 0 {
		return "", false
	}
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, true
		}
	}
	return ips[0], true
}
