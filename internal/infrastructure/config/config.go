package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	mib = 1024 * 1024

	defaultDataDirName = ".exthost"
)

// Config holds all host configuration.
type Config struct {
	Server     ServerConfig
	RateLimit  RateLimitConfig
	Supervisor SupervisorConfig
	Sandbox    SandboxConfig
	Broker     BrokerConfig
	Paths      PathsConfig
	Policy     PolicyConfig
	Logging    LogConfig
}

// ServerConfig holds HTTP gateway configuration.
type ServerConfig struct {
	Port        string   `envconfig:"EXTHOST_PORT" default:"7300"`
	Host        string   `envconfig:"EXTHOST_HOST" default:"127.0.0.1"`
	CORSOrigins []string `envconfig:"EXTHOST_CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
}

// RateLimitConfig holds gateway and UI-message rate limits.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"EXTHOST_RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"EXTHOST_RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"EXTHOST_RATE_LIMIT_ENABLED" default:"true"`

	// Per-extension window.showMessage throttle.
	MessagesPerSecond float64 `envconfig:"EXTHOST_UI_MESSAGES_PER_SECOND" default:"5"`
	MessageBurst      int     `envconfig:"EXTHOST_UI_MESSAGE_BURST" default:"10"`
}

// SupervisorConfig holds runtime child process settings.
type SupervisorConfig struct {
	// RuntimeCommand overrides the runtime binary. Empty means re-exec the
	// current executable with the "runtime" subcommand.
	RuntimeCommand    string        `envconfig:"EXTHOST_RUNTIME_COMMAND"`
	RequestTimeout    time.Duration `envconfig:"EXTHOST_REQUEST_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"EXTHOST_HEARTBEAT_INTERVAL" default:"20s"`
	HeartbeatTimeout  time.Duration `envconfig:"EXTHOST_HEARTBEAT_TIMEOUT" default:"7s"`
	ShutdownTimeout   time.Duration `envconfig:"EXTHOST_SHUTDOWN_TIMEOUT" default:"2s"`
}

// SandboxConfig holds settings for extension contexts inside the runtime.
type SandboxConfig struct {
	DeactivateTimeout time.Duration `envconfig:"EXTHOST_DEACTIVATE_TIMEOUT" default:"2s"`
	ActivateTimeout   time.Duration `envconfig:"EXTHOST_ACTIVATE_TIMEOUT" default:"30s"`
}

// BrokerConfig holds workspace and process broker limits.
type BrokerConfig struct {
	MaxReadBytes            int64         `envconfig:"EXTHOST_MAX_READ_BYTES" default:"8388608"`
	MaxWriteBytes           int64         `envconfig:"EXTHOST_MAX_WRITE_BYTES" default:"8388608"`
	MaxDirEntries           int           `envconfig:"EXTHOST_MAX_DIR_ENTRIES" default:"5000"`
	MaxFindResults          int           `envconfig:"EXTHOST_MAX_FIND_RESULTS" default:"2000"`
	MaxSessions             int           `envconfig:"EXTHOST_MAX_SESSIONS" default:"24"`
	MaxSessionsPerWindow    int           `envconfig:"EXTHOST_MAX_SESSIONS_PER_WINDOW" default:"8"`
	MaxSessionsPerExtension int           `envconfig:"EXTHOST_MAX_SESSIONS_PER_EXTENSION" default:"4"`
	MaxMessageBytes         int           `envconfig:"EXTHOST_MAX_MESSAGE_BYTES" default:"16777216"`
	StopGrace               time.Duration `envconfig:"EXTHOST_SESSION_STOP_GRACE" default:"2s"`
	CrashLoopThreshold      int           `envconfig:"EXTHOST_CRASH_LOOP_THRESHOLD" default:"3"`
	CrashLoopWindow         time.Duration `envconfig:"EXTHOST_CRASH_LOOP_WINDOW" default:"30s"`
	CrashLoopCooldown       time.Duration `envconfig:"EXTHOST_CRASH_LOOP_COOLDOWN" default:"60s"`
}

// PathsConfig holds on-disk locations. Empty fields derive from DataDir.
type PathsConfig struct {
	DataDir      string `envconfig:"EXTHOST_DATA_DIR"`
	SettingsFile string `envconfig:"EXTHOST_SETTINGS_FILE"`
}

// PolicyConfig holds per-extension capability overrides, encoded as
// "publisher.name:cap1;cap2,other.ext:cap".
type PolicyConfig struct {
	Overrides map[string]string `envconfig:"EXTHOST_POLICY_OVERRIDES"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"EXTHOST_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"EXTHOST_LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Paths.DataDir = resolveDataDir(cfg.Paths.DataDir)
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "7300",
			Host:        "127.0.0.1",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
			MessagesPerSecond: 5,
			MessageBurst:      10,
		},
		Supervisor: SupervisorConfig{
			RequestTimeout:    10 * time.Second,
			HeartbeatInterval: 20 * time.Second,
			HeartbeatTimeout:  7 * time.Second,
			ShutdownTimeout:   2 * time.Second,
		},
		Sandbox: SandboxConfig{
			DeactivateTimeout: 2 * time.Second,
			ActivateTimeout:   30 * time.Second,
		},
		Broker: BrokerConfig{
			MaxReadBytes:            8 * mib,
			MaxWriteBytes:           8 * mib,
			MaxDirEntries:           5000,
			MaxFindResults:          2000,
			MaxSessions:             24,
			MaxSessionsPerWindow:    8,
			MaxSessionsPerExtension: 4,
			MaxMessageBytes:         16 * mib,
			StopGrace:               2 * time.Second,
			CrashLoopThreshold:      3,
			CrashLoopWindow:         30 * time.Second,
			CrashLoopCooldown:       60 * time.Second,
		},
		Paths: PathsConfig{
			DataDir: resolveDataDir(""),
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// PolicyOverrides decodes the override map into capability lists.
func (c *Config) PolicyOverrides() map[string][]string {
	out := make(map[string][]string, len(c.Policy.Overrides))
	for ext, raw := range c.Policy.Overrides {
		for _, capability := range strings.Split(raw, ";") {
			if capability = strings.TrimSpace(capability); capability != "" {
				out[ext] = append(out[ext], capability)
			}
		}
	}
	return out
}

func resolveDataDir(dir string) string {
	if dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultDataDirName)
	}
	return filepath.Join(home, defaultDataDirName)
}
