// Package settings loads the Cortex connection parameters and API key from
// a configuration source.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
)

// Page names.
const (
	PageCortex  = "cortex"
	PageLogging = "logging"
)

// Keys of the cortex page.
const (
	KeyProtocol  = "cortex_protocol"
	KeyHost      = "cortex_host"
	KeyPort      = "cortex_port"
	KeyAPIKey    = "cortex_api_key"
	KeyVerifyTLS = "cortex_verify_tls"
	KeyLogLevel  = "loglevel"
)

var requiredFields = []string{KeyProtocol, KeyHost, KeyPort, KeyAPIKey}

// Source provides configuration pages and stored credentials.
type Source interface {
	// Page returns the key/value content of a configuration page.
	Page(ctx context.Context, name string) (map[string]string, error)
	// Passwords returns the clear text of every stored credential.
	Passwords(ctx context.Context) ([]string, error)
}

// Settings holds the loaded pages.
type Settings struct {
	cortex  map[string]string
	logging map[string]string
	url     string
	apiKey  string
	logger  *log.Logger
}

// Load reads both pages from src, resolves the API key from stored
// credentials and checks the required fields.
func Load(ctx context.Context, src Source, logger *log.Logger) (*Settings, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	cortex, err := src.Page(ctx, PageCortex)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s settings: %w", PageCortex, err)
	}
	logging, err := src.Page(ctx, PageLogging)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s settings: %w", PageLogging, err)
	}
	if cortex == nil {
		cortex = map[string]string{}
	}
	if logging == nil {
		logging = map[string]string{}
	}

	passwords, err := src.Passwords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored passwords: %w", err)
	}
	if key, ok := apiKeyFrom(passwords); ok {
		cortex[KeyAPIKey] = key
	}

	for _, field := range requiredFields {
		if _, ok := cortex[field]; !ok {
			return nil, exitcode.New(exitcode.FieldMissing, exitcode.TagFieldMissing,
				"No %q setting set in \"Configuration\", please configure your Cortex instance under \"Configuration\"", field)
		}
	}

	return &Settings{
		cortex:  cortex,
		logging: logging,
		url:     cortex[KeyProtocol] + "://" + cortex[KeyHost] + ":" + cortex[KeyPort],
		apiKey:  cortex[KeyAPIKey],
		logger:  logger,
	}, nil
}

// apiKeyFrom returns the key of the last credential holding a JSON object
// with a cortex_api_key member.
func apiKeyFrom(passwords []string) (key string, found bool) {
	for _, p := range passwords {
		if !strings.Contains(p, KeyAPIKey) {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(p), &doc); err != nil {
			continue
		}
		if v, ok := doc[KeyAPIKey]; ok && v != nil {
			key, found = stringify(v), true
		}
	}
	return key, found
}

// URL returns protocol://host:port of the Cortex instance.
func (s *Settings) URL() string { return s.url }

// APIKey returns the Cortex API key.
func (s *Settings) APIKey() string { return s.apiKey }

// Get returns a setting of page. Unknown pages and keys are logged and
// reported with ok=false.
func (s *Settings) Get(page, key string) (string, bool) {
	var content map[string]string
	switch page {
	case PageCortex:
		content = s.cortex
	case PageLogging:
		content = s.logging
	}
	v, ok := content[key]
	if !ok {
		s.logger.Printf("This settings %q doesn't exist for the page %s", key, page)
		return "", false
	}
	return v, true
}

// VerifyTLS reports whether the Cortex certificate must be verified.
// Defaults to true.
func (s *Settings) VerifyTLS() bool {
	v, ok := s.cortex[KeyVerifyTLS]
	if !ok || v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// LogLevel returns logging.loglevel, or "" when unset.
func (s *Settings) LogLevel() string {
	return s.logging[KeyLogLevel]
}

// Masked returns both pages with the API key hidden, for display.
func (s *Settings) Masked() map[string]map[string]string {
	cortex := make(map[string]string, len(s.cortex))
	for k, v := range s.cortex {
		if k == KeyAPIKey {
			v = mask(v)
		}
		cortex[k] = v
	}
	logging := make(map[string]string, len(s.logging))
	for k, v := range s.logging {
		logging[k] = v
	}
	return map[string]map[string]string{PageCortex: cortex, PageLogging: logging}
}

func mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
