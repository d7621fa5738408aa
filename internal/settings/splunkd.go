package settings

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default Splunk namespace of the add-on.
const (
	DefaultApp   = "TA_cortex"
	DefaultOwner = "nobody"
)

// SplunkdSource reads the add-on configuration through the Splunk
// management REST API.
type SplunkdSource struct {
	BaseURL    string
	SessionKey string
	Username   string
	Password   string
	App        string
	Owner      string

	httpClient *http.Client
}

// NewSplunkdSource builds a source for baseURL (e.g. https://localhost:8089).
// verifyTLS=false accepts the self-signed management certificate.
func NewSplunkdSource(baseURL string, verifyTLS bool) *SplunkdSource {
	return &SplunkdSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		App:     DefaultApp,
		Owner:   DefaultOwner,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyTLS},
			},
		},
	}
}

type splunkFeed struct {
	Entry []struct {
		Name    string                 `json:"name"`
		Content map[string]interface{} `json:"content"`
	} `json:"entry"`
}

func (s *SplunkdSource) Page(ctx context.Context, name string) (map[string]string, error) {
	var feed splunkFeed
	if err := s.get(ctx, "TA_cortex_settings/"+url.PathEscape(name), &feed); err != nil {
		return nil, err
	}
	if len(feed.Entry) == 0 {
		return nil, fmt.Errorf("settings page %s has no entry", name)
	}
	content := make(map[string]string, len(feed.Entry[0].Content))
	for k, v := range feed.Entry[0].Content {
		if strings.HasPrefix(k, "eai:") {
			continue
		}
		content[k] = stringify(v)
	}
	return content, nil
}

func (s *SplunkdSource) Passwords(ctx context.Context) ([]string, error) {
	var feed splunkFeed
	if err := s.get(ctx, "storage/passwords", &feed); err != nil {
		return nil, err
	}
	passwords := make([]string, 0, len(feed.Entry))
	for _, e := range feed.Entry {
		if p, ok := e.Content["clear_password"]; ok {
			passwords = append(passwords, stringify(p))
		}
	}
	return passwords, nil
}

func (s *SplunkdSource) get(ctx context.Context, endpoint string, out interface{}) error {
	u := fmt.Sprintf("%s/servicesNS/%s/%s/%s?output_mode=json&count=0",
		s.BaseURL, url.PathEscape(s.Owner), url.PathEscape(s.App), endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	switch {
	case s.SessionKey != "":
		req.Header.Set("Authorization", "Splunk "+s.SessionKey)
	case s.Username != "":
		req.SetBasicAuth(s.Username, s.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunkd request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read splunkd response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunkd GET %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode splunkd response: %w", err)
	}
	return nil
}
