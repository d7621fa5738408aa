package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/cache"
	"github.com/Ashfaaq98/ta-cortex/internal/session"
	"github.com/Ashfaaq98/ta-cortex/internal/settings"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

// runtime bundles what a command needs to talk to Cortex and record jobs.
type runtime struct {
	cfg      Config
	level    string
	out      io.Writer
	settings *settings.Settings
	logger   *log.Logger
	debug    *log.Logger
	store    *store.Store
	bus      bus.Bus
	cache    *cache.Manager
	session  *session.Session
}

type openOptions struct {
	// component is the log prefix, e.g. "run" gives "[run] ".
	component string
	// source labels stored jobs and audit entries.
	source string
	sid    string
	// needSettings fails the command when the cortex page is incomplete.
	needSettings bool
	needSession  bool
	needStore    bool
	// logWriter defaults to stderr; stdout carries command results.
	logWriter io.Writer
}

// openRuntime loads settings and opens the store, bus, cache and Cortex
// session requested by o. Close must be called on success.
func openRuntime(ctx context.Context, o openOptions) (*runtime, error) {
	cfg := GetConfig()
	out := o.logWriter
	if out == nil {
		out = os.Stderr
	}

	rt := &runtime{cfg: cfg, out: out}
	rt.level = effectiveLevel(cfg.Log.Level, "")
	rt.logger, rt.debug = newLoggers(o.component, rt.level, out)

	if o.needSettings || o.needSession {
		s, err := loadSettings(ctx, cfg, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.settings = s
	} else if s, err := loadSettings(ctx, cfg, log.New(io.Discard, "", 0)); err == nil {
		rt.settings = s
	}
	if rt.settings != nil {
		rt.level = effectiveLevel(cfg.Log.Level, rt.settings.LogLevel())
		rt.logger, rt.debug = newLoggers(o.component, rt.level, out)
	}
	rt.debug.Printf("Log level %s, settings from %s", rt.level, cfg.Settings.Source)

	if o.needStore || o.needSession {
		path := resolvePathRelativeToBase(getWorkingDir(), cfg.Database.Path)
		st, err := store.NewStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		rt.store = st
	}

	if !o.needSession {
		return rt, nil
	}

	rt.bus = bus.NewBus(cfg.Redis.URL, rt.logger)
	rt.cache = cache.NewManager(cfg.Redis.URL != "", cfg.Redis.URL, cfg.Cache.Size, rt.logger)

	sess, err := session.Open(ctx, rt.settings.URL(), rt.settings.APIKey(), session.Options{
		Logger:     rt.logger,
		Debug:      rt.debug,
		SID:        o.sid,
		Source:     o.source,
		Store:      rt.store,
		Bus:        rt.bus,
		Cache:      rt.cache,
		CacheTTL:   cfg.Cache.TTL,
		VerifyTLS:  rt.settings.VerifyTLS(),
		Timeout:    cfg.Client.Timeout,
		RPS:        cfg.Client.RPS,
		MaxRetries: cfg.Client.MaxRetries,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.session = sess
	return rt, nil
}

// Close releases everything openRuntime opened.
func (rt *runtime) Close() {
	if rt.session != nil {
		rt.session.Close()
	}
	if rt.cache != nil {
		rt.cache.Close()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// settingsSourceFor returns the configured settings source.
func settingsSourceFor(cfg Config) (settings.Source, error) {
	switch strings.ToLower(cfg.Settings.Source) {
	case "", "file":
		return settings.NewFileSource(viper.GetViper()), nil
	case "splunkd":
		src := settings.NewSplunkdSource(cfg.Splunkd.URL, cfg.Splunkd.VerifyTLS)
		src.SessionKey = cfg.Splunkd.SessionKey
		src.Username = cfg.Splunkd.Username
		src.Password = cfg.Splunkd.Password
		return src, nil
	default:
		return nil, fmt.Errorf("unknown settings source %q (use file or splunkd)", cfg.Settings.Source)
	}
}

func loadSettings(ctx context.Context, cfg Config, logger *log.Logger) (*settings.Settings, error) {
	src, err := settingsSourceFor(cfg)
	if err != nil {
		return nil, err
	}
	return settings.Load(ctx, src, logger)
}

// effectiveLevel picks the --log-level flag, then logging.loglevel, then info.
// Splunk level names (WARNING, CRITICAL) are folded onto ours.
func effectiveLevel(flag, configured string) string {
	level := strings.ToLower(strings.TrimSpace(flag))
	if level == "" {
		level = strings.ToLower(strings.TrimSpace(configured))
	}
	switch level {
	case "debug", "info", "warn", "error":
		return level
	case "warning":
		return "warn"
	case "critical", "fatal":
		return "error"
	default:
		return "info"
	}
}

// newLoggers returns the component logger and its debug logger. The debug
// logger discards unless level is debug.
func newLoggers(component, level string, w io.Writer) (*log.Logger, *log.Logger) {
	prefix := "[" + component + "] "
	var dst io.Writer = w
	switch level {
	case "warn":
		dst = &levelFilterWriter{writer: w, keywords: warnKeywords}
	case "error":
		dst = &levelFilterWriter{writer: w, keywords: errorKeywords}
	}
	logger := log.New(dst, prefix, log.LstdFlags)
	if level != "debug" {
		return logger, log.New(io.Discard, "", 0)
	}
	return logger, log.New(w, prefix+"DEBUG ", log.LstdFlags)
}

var (
	errorKeywords = []string{"error", "failed", "panic", "invalid", "unavailable"}
	warnKeywords  = append([]string{"warn", "dropping", "retrying", "falling back", "disabled"}, errorKeywords...)
)

// levelFilterWriter only writes log lines containing one of its keywords.
type levelFilterWriter struct {
	writer   io.Writer
	keywords []string
}

func (w *levelFilterWriter) Write(p []byte) (n int, err error) {
	lc := strings.ToLower(string(p))
	for _, k := range w.keywords {
		if strings.Contains(lc, k) {
			return w.writer.Write(p)
		}
	}
	return len(p), nil
}

// setupFileLogger opens logs/ta-cortex-<name>.log under the working
// directory, or returns nil when it cannot be created.
func setupFileLogger(name string) *os.File {
	logDir := filepath.Join(getWorkingDir(), "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil
	}

	logPath := filepath.Join(logDir, "ta-cortex-"+name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	return logFile
}

// getWorkingDir returns the current working directory.
// Falls back to the executable directory if os.Getwd fails.
func getWorkingDir() string {
	if wd, err := os.Getwd(); err == nil && wd != "" {
		return wd
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// resolvePathRelativeToBase resolves a possibly relative path against a base directory.
// Absolute paths and ":memory:" are returned unchanged.
func resolvePathRelativeToBase(base, p string) string {
	if filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	p = strings.TrimPrefix(p, "./")
	return filepath.Join(base, p)
}

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}
