package dns

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcanalyzer/internal/config"
)

func TestGetCacheEntry(t *testing.T) {
	t.Parallel()

	// test expire
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dns := NewCachedDNSResolver(context.Background(), "8.8.8.8:53", 1*time.Second, 10*time.Second, 1*time.Microsecond, logger)
	dns.updateCache("1.1.1.1", []string{"asdf.com", "ghjkl.com"})
	time.Sleep(1 * time.Millisecond)
	res, ok := dns.getCacheEntry("1.1.1.1")
	assert.False(t, ok, "cache not expired: %v", res)
	assert.Empty(t, dns.dnsCache)

	dns = NewCachedDNSResolver(context.Background(), "8.8.8.8:53", 1*time.Second, 10*time.Second, 1*time.Hour, logger)
	dns.updateCache("1.1.1.1", []string{"asdf.com", "ghjkl.com"})
	res, ok = dns.getCacheEntry("1.1.1.1")
	require.True(t, ok, "cache expired and should not be")
	assert.Equal(t, []string{"asdf.com", "ghjkl.com"}, res)
}

func TestCachedFailedLookup(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dns := FromConfig(context.Background(), config.DNSConfig{
		Server:         "127.0.0.1:1",
		ConnectTimeout: config.Duration{Duration: time.Second},
		Timeout:        config.Duration{Duration: time.Second},
		CacheTimeout:   config.Duration{Duration: time.Hour},
	}, logger)

	// a failed lookup is cached as an empty result
	dns.updateCache("192.0.2.1", []string{})
	res, err := dns.CachedDNSLookup("192.0.2.1")
	require.NoError(t, err)
	assert.Empty(t, res)
}
