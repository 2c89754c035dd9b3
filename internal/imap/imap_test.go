package imap

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcanalyzer/internal/config"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = s.Serve(l)
	}()
	t.Cleanup(func() { s.Close() })
	return l.Addr().String()
}

func testConfig(host string) config.IMAPConfig {
	return config.IMAPConfig{
		Host:    host,
		SSL:     false,
		User:    "username",
		Pass:    "password",
		Folder:  "INBOX",
		Timeout: config.Duration{Duration: 5 * time.Second},
	}
}

func TestMailbox(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := startTestServer(t)

	m, err := Connect(context.Background(), testConfig(host), logger)
	require.NoError(t, err)
	defer m.Logout()

	require.NoError(t, m.EnsureFolder("processed"))
	// second call is a no-op
	require.NoError(t, m.EnsureFolder("processed"))

	count, err := m.Select("INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	uids, err := m.List()
	require.NoError(t, err)
	require.Len(t, uids, 1)

	body, err := m.Fetch(uids[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "From: contact@example.org")

	require.NoError(t, m.Move(uids[0], "processed"))
	require.NoError(t, m.Expunge())

	uids, err = m.List()
	require.NoError(t, err)
	assert.Empty(t, uids)

	count, err = m.Select("processed")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
}

func TestSelectMissingFolder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := startTestServer(t)

	m, err := Connect(context.Background(), testConfig(host), logger)
	require.NoError(t, err)
	defer m.Logout()

	_, err = m.Select("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestConnectWrongPassword(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := startTestServer(t)

	conf := testConfig(host)
	conf.Pass = "wrong"
	_, err := Connect(context.Background(), conf, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not login")
}
