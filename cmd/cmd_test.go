package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/cortex/cortextest"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

const testAPIKey = "cli-key"

// writeConfig writes a config file pointing at srv. omit drops one cortex key.
func writeConfig(t *testing.T, srv *cortextest.Server, omit string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	fields := map[string]string{
		"cortex_protocol": u.Scheme,
		"cortex_host":     u.Hostname(),
		"cortex_port":     u.Port(),
	}
	var b strings.Builder
	b.WriteString("cortex:\n")
	for _, k := range []string{"cortex_protocol", "cortex_host", "cortex_port"} {
		if k == omit {
			continue
		}
		fmt.Fprintf(&b, "  %s: %q\n", k, fields[k])
	}
	b.WriteString("logging:\n  loglevel: INFO\n")
	b.WriteString("client:\n  max_retries: 1\n")
	fmt.Fprintf(&b, "storage:\n  passwords:\n    - '{\"%s\": \"%s\"}'\n", "cortex_api_key", testAPIKey)

	path := filepath.Join(t.TempDir(), "ta-cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRunAndJobsCommands(t *testing.T) {
	srv := cortextest.NewServer(testAPIKey, cortextest.DefaultAnalyzers()...)
	defer srv.Close()
	cfg := writeConfig(t, srv, "")
	db := filepath.Join(t.TempDir(), "jobs.db")

	out, err := executeCommand("--config", cfg, "--db", db,
		"run", "--data", "8.8.8.8", "--data-type", "ip", "--sid", "cli-sid", "--analyzers", "all")
	require.NoError(t, err)

	var handles []cortex.Job
	require.NoError(t, json.Unmarshal([]byte(out), &handles))
	require.Len(t, handles, 2)
	for _, r := range srv.Runs() {
		assert.Equal(t, "sid:cli-sid", r.Observable.Message)
		assert.True(t, r.Force)
	}

	out, err = executeCommand("--config", cfg, "--db", db, "jobs", "--json", "--sid", "cli-sid")
	require.NoError(t, err)
	var stored []store.Job
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.Len(t, stored, 2)
	for _, j := range stored {
		assert.Equal(t, "cli", j.Source)
		assert.Equal(t, "8.8.8.8", j.Data)
	}
}

func TestRunWrongDataTypeExitCode(t *testing.T) {
	srv := cortextest.NewServer(testAPIKey, cortextest.DefaultAnalyzers()...)
	defer srv.Close()
	cfg := writeConfig(t, srv, "")
	db := filepath.Join(t.TempDir(), "jobs.db")

	_, err := executeCommand("--config", cfg, "--db", db,
		"run", "--data", "x", "--data-type", "bogus", "--analyzers", "all")
	require.Error(t, err)
	assert.Equal(t, exitcode.WrongDataType, exitcode.Code(err))

	_, err = executeCommand("--config", cfg, "--db", db,
		"run", "--data", "8.8.8.8", "--data-type", "ip", "--analyzers", "Nope_1_0")
	require.Error(t, err)
	assert.Equal(t, exitcode.AnalyzerNotFound, exitcode.Code(err))
}

func TestSettingsMissingFieldExitCode(t *testing.T) {
	srv := cortextest.NewServer(testAPIKey)
	defer srv.Close()
	cfg := writeConfig(t, srv, "cortex_host")

	_, err := executeCommand("--config", cfg, "settings")
	require.Error(t, err)
	assert.Equal(t, exitcode.FieldMissing, exitcode.Code(err))
	assert.Contains(t, err.Error(), `No "cortex_host" setting set in "Configuration"`)
}

func TestSettingsCommandMasksKey(t *testing.T) {
	srv := cortextest.NewServer(testAPIKey)
	defer srv.Close()
	cfg := writeConfig(t, srv, "")

	out, err := executeCommand("--config", cfg, "settings")
	require.NoError(t, err)
	assert.Contains(t, out, "URL: "+srv.URL)
	assert.Contains(t, out, "cortex_api_key = ***-key")
	assert.NotContains(t, out, testAPIKey)
}

func TestEffectiveLevel(t *testing.T) {
	tests := []struct {
		flag, configured, want string
	}{
		{"", "", "info"},
		{"", "DEBUG", "debug"},
		{"", "WARNING", "warn"},
		{"", "CRITICAL", "error"},
		{"error", "DEBUG", "error"},
		{"verbose", "", "info"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, effectiveLevel(tt.flag, tt.configured), "flag=%q configured=%q", tt.flag, tt.configured)
	}
}

func TestNewLoggersGating(t *testing.T) {
	var buf bytes.Buffer
	logger, debug := newLoggers("run", "info", &buf)
	debug.Printf("hidden")
	logger.Printf("Submitted 2 job(s)")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[run] ")

	buf.Reset()
	logger, debug = newLoggers("run", "debug", &buf)
	debug.Printf("JOB sent")
	assert.Contains(t, buf.String(), "[run] DEBUG ")

	buf.Reset()
	logger, _ = newLoggers("run", "error", &buf)
	logger.Printf("Submitted 2 job(s)")
	assert.Empty(t, buf.String())
	logger.Printf("Failed to store job x: disk full")
	assert.Contains(t, buf.String(), "Failed to store job")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2024-04-30T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Day())

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func TestSplitPatterns(t *testing.T) {
	assert.Equal(t, []string{"*.jsonl", "*.csv"}, splitPatterns(" *.jsonl, ,*.csv "))
	assert.Nil(t, splitPatterns(""))
}

func TestResolvePathRelativeToBase(t *testing.T) {
	assert.Equal(t, filepath.Join("/base", "data", "x.db"), resolvePathRelativeToBase("/base", "./data/x.db"))
	assert.Equal(t, "/abs/x.db", resolvePathRelativeToBase("/base", "/abs/x.db"))
	assert.Equal(t, ":memory:", resolvePathRelativeToBase("/base", ":memory:"))
}

func TestSettingsSourceFor(t *testing.T) {
	_, err := settingsSourceFor(Config{Settings: SettingsConfig{Source: "ldap"}})
	assert.Error(t, err)

	src, err := settingsSourceFor(Config{Settings: SettingsConfig{Source: "splunkd"}, Splunkd: SplunkdConfig{URL: "https://splunk:8089", SessionKey: "k"}})
	require.NoError(t, err)
	assert.NotNil(t, src)
}

type recordingPublisher struct {
	msgs []bus.ObservableMessage
}

func (p *recordingPublisher) PublishObservable(ctx context.Context, msg bus.ObservableMessage) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestEnqueueObservables(t *testing.T) {
	in := strings.NewReader(`{"data":"8.8.8.8","dataType":"ip","tlp":"RED"}` + "\n\n" +
		`{"data":"evil.example","data_type":"domain","analyzers":["A_1_0","B_1_0"],"sid":"s1"}` + "\n")
	msgs, err := observablesFrom(in)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "3", msgs[0].TLP)
	assert.Equal(t, "2", msgs[0].PAP)
	assert.Equal(t, "all", msgs[0].Analyzers)
	assert.Equal(t, "A_1_0;B_1_0", msgs[1].Analyzers)
	assert.Equal(t, "s1", msgs[1].SID)

	var out bytes.Buffer
	pub := &recordingPublisher{}
	require.NoError(t, publishObservables(context.Background(), pub, msgs, &out))
	assert.Len(t, pub.msgs, 2)
	assert.Contains(t, out.String(), "Queued 2 observable(s) on observables")

	_, err = observablesFrom(strings.NewReader(`{"data":"8.8.8.8","dataType":"ip"}` + "\n" + `{"dataType":"ip"}` + "\n"))
	require.Error(t, err)
	assert.Equal(t, exitcode.FieldMissing, exitcode.Code(err))
	assert.Contains(t, err.Error(), "line 2")

	_, err = executeCommand("--redis", "", "enqueue", "--data", "8.8.8.8", "--data-type", "ip")
	assert.Error(t, err)
}

type trimmingBus struct {
	*bus.NullBus
	stream string
	maxLen int64
}

func (b *trimmingBus) CleanupOldMessages(ctx context.Context, stream string, maxLen int64) error {
	b.stream, b.maxLen = stream, maxLen
	return nil
}

func TestCollectMetricsTrimsJobsStream(t *testing.T) {
	tb := &trimmingBus{NullBus: bus.NewNullBus(log.New(io.Discard, "", 0))}
	var buf bytes.Buffer
	sc := &ServiceCoordinator{
		bus:        tb,
		logger:     log.New(&buf, "", 0),
		ctx:        context.Background(),
		jobsMaxLen: 500,
	}
	sc.collectMetrics()
	assert.Equal(t, bus.JobsStream, tb.stream)
	assert.Equal(t, int64(500), tb.maxLen)
	assert.Contains(t, buf.String(), "Bus stats")

	tb.stream = ""
	sc.jobsMaxLen = 0
	sc.collectMetrics()
	assert.Empty(t, tb.stream)
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand("version")
	require.NoError(t, err)
	assert.Contains(t, out, "ta-cortex ")
	assert.Contains(t, out, "Data types: domain, file")
	assert.Contains(t, out, "AMBER=2")
}
