package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all tracker configuration
type Config struct {
	Stream     StreamConfig     `mapstructure:"stream"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Control    ControlConfig    `mapstructure:"control"`
}

type StreamConfig struct {
	URLEnv            string `mapstructure:"url_env"`
	TokenEnv          string `mapstructure:"token_env"`
	ReconnectDelayMs  int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs    int    `mapstructure:"ping_interval_ms"`
	CheckpointRetries int    `mapstructure:"checkpoint_retries"`
	ClearFilterWaitMs int    `mapstructure:"clear_filter_wait_ms"`
}

type RPCConfig struct {
	URLEnv         string `mapstructure:"url_env"`
	FallbackURLEnv string `mapstructure:"fallback_url_env"`
	FallbackURL    string `mapstructure:"fallback_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type MonitoringConfig struct {
	MaxDurationEnv           string `mapstructure:"max_duration_env"`
	MaxDurationSeconds       int    `mapstructure:"max_duration_seconds"`
	SampleIntervalMs         int    `mapstructure:"sample_interval_ms"`
	CleanupWaitMs            int    `mapstructure:"cleanup_wait_ms"`
	SamplerErrorLimit        int    `mapstructure:"sampler_error_limit"`
	CreatorCountDelaySeconds int    `mapstructure:"creator_count_delay_seconds"`
}

type StorageConfig struct {
	Driver         string `mapstructure:"driver"`
	SQLitePath     string `mapstructure:"sqlite_path"`
	PostgresURLEnv string `mapstructure:"postgres_url_env"`
}

type MetadataConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PageLimit      int    `mapstructure:"page_limit"`
}

type OracleConfig struct {
	PriceAPIURL    string `mapstructure:"price_api_url"`
	PollSeconds    int    `mapstructure:"poll_seconds"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type ControlConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager. A missing config file is not an
// error; defaults plus environment variables are enough to run.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set Defaults (Hardening)
	v.SetDefault("stream.url_env", "STREAM_URL")
	v.SetDefault("stream.token_env", "STREAM_TOKEN")
	v.SetDefault("stream.reconnect_delay_ms", 1000)
	v.SetDefault("stream.ping_interval_ms", 30000)
	v.SetDefault("stream.checkpoint_retries", 5)
	v.SetDefault("stream.clear_filter_wait_ms", 200)
	v.SetDefault("rpc.url_env", "SOLANA_RPC_URL")
	v.SetDefault("rpc.fallback_url_env", "SOLANA_RPC_FALLBACK_URL")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.timeout_seconds", 10)
	v.SetDefault("monitoring.max_duration_env", "POOL_MONITORING_MAX_DURATION")
	v.SetDefault("monitoring.max_duration_seconds", 60)
	v.SetDefault("monitoring.sample_interval_ms", 1000)
	v.SetDefault("monitoring.cleanup_wait_ms", 500)
	v.SetDefault("monitoring.sampler_error_limit", 5)
	v.SetDefault("monitoring.creator_count_delay_seconds", 45)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/tracker.db")
	v.SetDefault("storage.postgres_url_env", "DATABASE_URL")
	v.BindEnv("storage.driver", "DATABASE_DRIVER")
	v.BindEnv("storage.sqlite_path", "DATABASE_PATH")
	v.SetDefault("metadata.base_url", "https://api.shyft.to/sol/v1")
	v.SetDefault("metadata.api_key_env", "METADATA_API_KEY")
	v.SetDefault("metadata.timeout_seconds", 10)
	v.SetDefault("metadata.page_limit", 100)
	v.SetDefault("oracle.price_api_url", "https://lite-api.jup.ag/price/v3")
	v.SetDefault("oracle.poll_seconds", 30)
	v.SetDefault("oracle.timeout_seconds", 10)
	v.SetDefault("control.listen_host", "127.0.0.1")
	v.SetDefault("control.listen_port", 8077)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fileLoaded = false
			log.Warn().Str("file", configPath).Msg("config file not found, using defaults and environment")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("config file changed, reloading")
			m.reload()
		})
	}

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// Validate checks that the required environment variables are present.
// The tracker cannot start without a stream endpoint and an RPC endpoint.
func (m *Manager) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if os.Getenv(m.config.Stream.URLEnv) == "" {
		return fmt.Errorf("missing required config: %s", m.config.Stream.URLEnv)
	}
	if os.Getenv(m.config.RPC.URLEnv) == "" {
		return fmt.Errorf("missing required config: %s", m.config.RPC.URLEnv)
	}
	return nil
}

// GetStreamURL returns the stream websocket URL with the auth token injected
func (m *Manager) GetStreamURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := os.Getenv(m.config.Stream.URLEnv)
	token := os.Getenv(m.config.Stream.TokenEnv)
	return injectKey(url, "token", token)
}

// GetRPCURL returns the primary chain RPC URL
func (m *Manager) GetRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.URLEnv)
}

// GetFallbackRPCURL returns the fallback chain RPC URL; the configured
// default public endpoint is used when the env var is unset.
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if url := os.Getenv(m.config.RPC.FallbackURLEnv); url != "" {
		return url
	}
	return m.config.RPC.FallbackURL
}

// GetMetadataAPIKey loads the metadata API key from environment
func (m *Manager) GetMetadataAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Metadata.APIKeyEnv)
}

// GetPostgresURL loads the postgres DSN from environment
func (m *Manager) GetPostgresURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Storage.PostgresURLEnv)
}

// GetMaxMonitoringDuration returns the pool monitoring session lifetime.
// The environment variable (seconds) overrides the file value.
func (m *Manager) GetMaxMonitoringDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seconds := m.config.Monitoring.MaxDurationSeconds
	if raw := os.Getenv(m.config.Monitoring.MaxDurationEnv); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			log.Warn().Str("value", raw).Msg("invalid monitoring max duration override, using configured value")
		} else {
			seconds = n
		}
	}
	return time.Duration(seconds) * time.Second
}

// GetSampleInterval returns the pool price sampling interval as duration
func (m *Manager) GetSampleInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitoring.SampleIntervalMs) * time.Millisecond
}

// GetCleanupWait returns the shutdown cleanup window as duration
func (m *Manager) GetCleanupWait() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitoring.CleanupWaitMs) * time.Millisecond
}

// GetCreatorCountDelay returns the delay before the creator token count runs
func (m *Manager) GetCreatorCountDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Monitoring.CreatorCountDelaySeconds) * time.Second
}

// GetReconnectDelay returns the stream reconnect delay as duration
func (m *Manager) GetReconnectDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Stream.ReconnectDelayMs) * time.Millisecond
}

// GetClearFilterWait returns the pause between the clear-filter update and
// the stream connection close.
func (m *Manager) GetClearFilterWait() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Stream.ClearFilterWaitMs) * time.Millisecond
}

// GetControlListen returns the control API listen host and port. CONTROL_ADDR
// (host:port) overrides the configured values.
func (m *Manager) GetControlListen() (string, int) {
	m.mu.RLock()
	host := m.config.Control.ListenHost
	port := m.config.Control.ListenPort
	m.mu.RUnlock()

	if addr := os.Getenv("CONTROL_ADDR"); addr != "" {
		h, p, err := net.SplitHostPort(addr)
		if err == nil {
			if n, convErr := strconv.Atoi(p); convErr == nil && n > 0 {
				return h, n
			}
		}
		log.Warn().Str("value", addr).Msg("invalid control address override, using configured value")
	}
	return host, port
}

// injectKey appends a query parameter to a URL unless it is already present
// or the value is empty.
func injectKey(url, param, value string) string {
	if url == "" || value == "" {
		return url
	}
	if strings.Contains(url, param+"=") {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + value
	}
	return url + "?" + param + "=" + value
}
