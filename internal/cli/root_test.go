package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
	"github.com/firefart/dmarcanalyzer/internal/dmarc/dmarctest"
	"github.com/firefart/dmarcanalyzer/internal/store"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dmarcanalyzer", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"fetch", "serve", "domains", "stats", "reports", "report"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"fetch", "serve"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("folder"), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "domains", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestFetchRequiresConfig(t *testing.T) {
	_, err := execute(t, "fetch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "please provide a valid config file")
}

func createTestDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer st.Close()

	begin := time.Now().Add(-24 * time.Hour).Unix()
	for _, r := range []struct{ id, domain string }{
		{"report-1", "example.com"},
		{"report-2", "example.org"},
	} {
		report, err := dmarc.Parse(&dmarc.Payload{XML: dmarctest.ReportXML(r.id, r.domain, begin)})
		require.NoError(t, err)
		_, err = st.InsertReport(context.Background(), report)
		require.NoError(t, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDomainsCommand(t *testing.T) {
	db := createTestDatabase(t)

	out, err := execute(t, "domains", "--database", db)
	require.NoError(t, err)
	assert.Equal(t, "example.com\nexample.org\n", out)

	out, err = execute(t, "domains", "--database", db, "--format", "json")
	require.NoError(t, err)
	var domains []string
	require.NoError(t, json.Unmarshal([]byte(out), &domains))
	assert.Equal(t, []string{"example.com", "example.org"}, domains)
}

func TestStatsCommand(t *testing.T) {
	db := createTestDatabase(t)

	out, err := execute(t, "stats", "--database", db, "--format", "json")
	require.NoError(t, err)
	var stats map[string]store.BasicStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, store.BasicStats{DKIMPassed: 3, SPFPassed: 3, DKIMFailed: 2, SPFFailed: 2}, stats["example.com"])

	out, err = execute(t, "stats", "--database", db, "--dispositions")
	require.NoError(t, err)
	assert.Contains(t, out, "quarantine")

	_, err = execute(t, "stats", "--database", db, "--days", "-1")
	require.Error(t, err)
}

func TestReportsCommand(t *testing.T) {
	db := createTestDatabase(t)

	out, err := execute(t, "reports", "example.com", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, out, "report-1")
	assert.NotContains(t, out, "report-2")
}

func TestReportCommand(t *testing.T) {
	db := createTestDatabase(t)

	out, err := execute(t, "report", "report-1", "--database", db)
	require.NoError(t, err)
	assert.Contains(t, out, "203.0.113.10")
	assert.Contains(t, out, "spammer.example")

	out, err = execute(t, "report", "report-1", "--database", db, "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, "<report_id>report-1</report_id>")

	out, err = execute(t, "report", "report-1", "--database", db, "--xml")
	require.NoError(t, err)
	assert.Contains(t, out, "<entry><report_id>report-1</report_id>")

	_, err = execute(t, "report", "missing", "--database", db)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, false)
	logger.Debug("hidden")
	logger.Info("visible", "key", "value")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "visible", line["msg"])
	assert.Equal(t, "value", line["key"])
	assert.NotContains(t, buf.String(), "hidden")
}
