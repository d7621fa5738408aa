package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile        string
	dbPath         string
	redisURL       string
	logLevel       string
	settingsSource string
	splunkdURL     string
	sessionKey     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ta-cortex",
	Short: "Send indicators from Splunk to Cortex analyzers",
	Long: `ta-cortex submits observables (IPs, domains, hashes, URLs...) to the
analyzers of a Cortex instance and keeps track of the returned jobs.

Features:
- One-shot submission from the command line or a Splunk search
- Folder, HTTP and Redis Streams front ends
- SQLite job store with an audit trail
- Terminal browser over submitted jobs and their reports`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ta-cortex.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/ta-cortex.db", "SQLite job store path")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis connection URL (empty disables the bus and shared cache)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to logging.loglevel")
	rootCmd.PersistentFlags().StringVar(&settingsSource, "settings-source", "file", "Where Cortex settings are read from: file or splunkd")
	rootCmd.PersistentFlags().StringVar(&splunkdURL, "splunkd-url", "https://127.0.0.1:8089", "Splunk management URL for --settings-source=splunkd")
	rootCmd.PersistentFlags().StringVar(&sessionKey, "session-key", "", "Splunk session key for --settings-source=splunkd")

	// Bind flags to viper
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("settings.source", rootCmd.PersistentFlags().Lookup("settings-source"))
	viper.BindPFlag("splunkd.url", rootCmd.PersistentFlags().Lookup("splunkd-url"))
	viper.BindPFlag("splunkd.session_key", rootCmd.PersistentFlags().Lookup("session-key"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ta-cortex")
	}

	// TA_CORTEX_CORTEX_CORTEX_HOST overrides cortex.cortex_host, and so on.
	viper.SetEnvPrefix("TA_CORTEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	viper.SetDefault("database.path", "./data/ta-cortex.db")
	viper.SetDefault("settings.source", "file")
	viper.SetDefault("splunkd.url", "https://127.0.0.1:8089")
	viper.SetDefault("splunkd.verify_tls", false)
	viper.SetDefault("client.timeout", "30s")
	viper.SetDefault("client.rps", 10)
	viper.SetDefault("client.max_retries", 3)
	viper.SetDefault("cache.size", 1000)
	viper.SetDefault("cache.ttl", "10m")
}

// GetConfig returns the current configuration values
func GetConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("redis.url"),
		},
		Log: LogConfig{
			Level: viper.GetString("log.level"),
		},
		Settings: SettingsConfig{
			Source: viper.GetString("settings.source"),
		},
		Splunkd: SplunkdConfig{
			URL:        viper.GetString("splunkd.url"),
			SessionKey: viper.GetString("splunkd.session_key"),
			Username:   viper.GetString("splunkd.username"),
			Password:   viper.GetString("splunkd.password"),
			VerifyTLS:  viper.GetBool("splunkd.verify_tls"),
		},
		Client: ClientConfig{
			Timeout:    viper.GetDuration("client.timeout"),
			RPS:        viper.GetInt("client.rps"),
			MaxRetries: viper.GetInt("client.max_retries"),
		},
		Cache: CacheConfig{
			Size: viper.GetInt("cache.size"),
			TTL:  viper.GetDuration("cache.ttl"),
		},
	}
}

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Settings SettingsConfig `mapstructure:"settings"`
	Splunkd  SplunkdConfig  `mapstructure:"splunkd"`
	Client   ClientConfig   `mapstructure:"client"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SettingsConfig selects where the cortex and logging pages come from.
type SettingsConfig struct {
	Source string `mapstructure:"source"`
}

type SplunkdConfig struct {
	URL        string `mapstructure:"url"`
	SessionKey string `mapstructure:"session_key"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	VerifyTLS  bool   `mapstructure:"verify_tls"`
}

// ClientConfig tunes the Cortex HTTP client.
type ClientConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        int           `mapstructure:"rps"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}
