package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Keys known per page, so environment overrides apply even when the file
// does not mention them.
var knownKeys = map[string][]string{
	PageCortex:  {KeyProtocol, KeyHost, KeyPort, KeyAPIKey, KeyVerifyTLS},
	PageLogging: {KeyLogLevel},
}

// FileSource reads pages from a viper configuration:
//
//	cortex:
//	  cortex_protocol: https
//	  cortex_host: cortex.local
//	  cortex_port: 9001
//	logging:
//	  loglevel: INFO
//	storage:
//	  passwords:
//	    - '{"cortex_api_key": "..."}'
//	  passwords_file: /etc/ta-cortex/passwords.json
type FileSource struct {
	v *viper.Viper
}

// NewFileSource wraps an already configured viper instance.
func NewFileSource(v *viper.Viper) *FileSource {
	return &FileSource{v: v}
}

// OpenFileSource reads the configuration file at path with TA_CORTEX_
// environment overrides.
func OpenFileSource(path string) (*FileSource, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TA_CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return &FileSource{v: v}, nil
}

func (f *FileSource) Page(ctx context.Context, name string) (map[string]string, error) {
	content := make(map[string]string)
	for key, value := range f.v.GetStringMap(name) {
		content[key] = stringify(value)
	}
	for _, key := range knownKeys[name] {
		full := name + "." + key
		if f.v.IsSet(full) {
			content[key] = f.v.GetString(full)
		}
	}
	return content, nil
}

func (f *FileSource) Passwords(ctx context.Context) ([]string, error) {
	passwords := append([]string(nil), f.v.GetStringSlice("storage.passwords")...)

	path := f.v.GetString("storage.passwords_file")
	if path == "" {
		return passwords, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read passwords file: %w", err)
	}
	var stored []json.RawMessage
	if err := json.Unmarshal(b, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal passwords file: %w", err)
	}
	for _, raw := range stored {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			passwords = append(passwords, s)
			continue
		}
		passwords = append(passwords, string(raw))
	}
	return passwords, nil
}
