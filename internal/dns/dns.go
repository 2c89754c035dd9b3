package dns

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/firefart/dmarcanalyzer/internal/config"
)

type cacheEntry struct {
	names     []string
	timestamp time.Time
}

// CachedDNSResolver resolves record source addresses to host names for the
// report listing. Results, including failed lookups, are cached so repeated
// source addresses do not hit the DNS server again.
type CachedDNSResolver struct {
	ctx          context.Context
	timeout      time.Duration
	cacheTimeout time.Duration
	resolver     *net.Resolver
	mutex        sync.Mutex
	dnsCache     map[string]cacheEntry
	logger       *slog.Logger
}

func NewCachedDNSResolver(ctx context.Context, server string, connectTimeout, timeout time.Duration, cacheTimeout time.Duration, logger *slog.Logger) *CachedDNSResolver {
	resolver := net.DefaultResolver
	if server != "" {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{
					Timeout: connectTimeout,
				}
				return d.DialContext(ctx, network, server)
			},
		}
	}
	return &CachedDNSResolver{
		ctx:          ctx,
		timeout:      timeout,
		cacheTimeout: cacheTimeout,
		resolver:     resolver,
		dnsCache:     make(map[string]cacheEntry),
		logger:       logger,
	}
}

// FromConfig creates a resolver from the dns section of the configuration.
func FromConfig(ctx context.Context, conf config.DNSConfig, logger *slog.Logger) *CachedDNSResolver {
	return NewCachedDNSResolver(ctx, conf.Server, conf.ConnectTimeout.Duration, conf.Timeout.Duration, conf.CacheTimeout.Duration, logger)
}

// CachedDNSLookup performs a reverse lookup of ip and caches the result to
// not hammer your DNS server.
func (r *CachedDNSResolver) CachedDNSLookup(ip string) ([]string, error) {
	r.logger.Debug("resolving", "ip", ip)
	if val, ok := r.getCacheEntry(ip); ok {
		return val, nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	names, err := r.resolver.LookupAddr(ctx, ip)
	if err != nil {
		// store dummy entry so we do not reresolve the ip
		r.updateCache(ip, []string{})
		return nil, err
	}

	// remove trailing dot from names
	for i := range names {
		names[i] = strings.TrimSuffix(names[i], ".")
	}
	r.updateCache(ip, names)
	return names, nil
}

func (r *CachedDNSResolver) updateCache(ip string, names []string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.dnsCache[ip] = cacheEntry{
		names:     names,
		timestamp: time.Now(),
	}
}

func (r *CachedDNSResolver) getCacheEntry(ip string) ([]string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	val, ok := r.dnsCache[ip]
	if !ok {
		return nil, false
	}
	// check if the cache expired
	if time.Since(val.timestamp) > r.cacheTimeout {
		r.logger.Debug("deleting stale DNS entry", "ip", ip, "stored", val.timestamp)
		delete(r.dnsCache, ip)
		return nil, false
	}
	return val.names, true
}
