package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment prefix for every forge setting (FORGE_WORKERS, ...).
const Prefix = "forge"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Workspace holds staging, the handoff bus and the run database.
	Workspace string `envconfig:"WORKSPACE" default:".agentforge"`
	// ConfigDir is the committed artifact directory, relative to the target project.
	ConfigDir   string `envconfig:"CONFIG_DIR" default:".agents"`
	DBPath      string `envconfig:"DB_PATH"`      // defaults to <workspace>/forge.db
	CatalogPath string `envconfig:"CATALOG_PATH"` // empty = embedded catalog

	// Generation pool
	Workers     int           `envconfig:"WORKERS" default:"0"` // 0 = runtime.NumCPU()
	QueueSize   int           `envconfig:"QUEUE_SIZE" default:"256"`
	TaskTimeout time.Duration `envconfig:"TASK_TIMEOUT" default:"1m"`

	// Selection
	SelectionThreshold float64 `envconfig:"SELECTION_THRESHOLD" default:"0.5"`
	SelectionTopK      int     `envconfig:"SELECTION_TOP_K" default:"0"` // 0 = unbounded

	// Orchestration
	PhaseTimeout      time.Duration `envconfig:"PHASE_TIMEOUT" default:"5m"`
	ValidationWorkers int           `envconfig:"VALIDATION_WORKERS" default:"4"`
	TokenBudget       int           `envconfig:"TOKEN_BUDGET" default:"200000"`

	// Handoff bus
	HandoffWait       time.Duration `envconfig:"HANDOFF_WAIT" default:"2s"`
	HandoffTTL        time.Duration `envconfig:"HANDOFF_TTL" default:"10m"`
	HandoffMaxPayload int           `envconfig:"HANDOFF_MAX_PAYLOAD" default:"1048576"`

	// HTTP API (forge serve)
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8095"`
	AuthMode    string `envconfig:"AUTH_MODE" default:"none"` // "none", "api-key", "jwt"
	APIKey      string `envconfig:"API_KEY"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	CORSOrigins string `envconfig:"CORS_ORIGINS"`
	// ProjectRoot confines project paths submitted over HTTP. Empty allows any.
	ProjectRoot    string `envconfig:"PROJECT_ROOT"`
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"40"`

	// Event forwarding (optional)
	NATSURL     string `envconfig:"NATS_URL"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"forge.events"`

	// SlackWebhookURL receives COMMITTED and FAILED notifications when set.
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`

	// Retention for persisted runs
	Retention time.Duration `envconfig:"RETENTION" default:"720h"`
}

// WorkerCount returns the configured pool size, falling back to the core count.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// DatabasePath returns the run database location.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.Workspace, "forge.db")
}

// NATSEnabled returns true if event forwarding to NATS is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != ""
}

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("workspace is required")
	}
	if strings.TrimSpace(c.ConfigDir) == "" || filepath.IsAbs(c.ConfigDir) {
		return fmt.Errorf("config dir must be a relative path, got %q", c.ConfigDir)
	}
	if c.SelectionThreshold < 0 || c.SelectionThreshold > 1 {
		return fmt.Errorf("selection threshold must be within [0,1], got %v", c.SelectionThreshold)
	}
	if c.SelectionTopK < 0 {
		return fmt.Errorf("selection top-k must not be negative, got %d", c.SelectionTopK)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.HandoffMaxPayload <= 0 {
		return fmt.Errorf("handoff max payload must be positive, got %d", c.HandoffMaxPayload)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.PhaseTimeout <= 0 || c.TaskTimeout <= 0 {
		return fmt.Errorf("phase and task timeouts must be positive")
	}
	switch c.AuthMode {
	case "none":
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("auth mode api-key requires FORGE_API_KEY")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("auth mode jwt requires FORGE_JWT_SECRET")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	return nil
}

// Load reads configuration from FORGE_* environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
