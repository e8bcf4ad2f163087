// Package config loads Orca's process configuration from a YAML file,
// environment variables, and runtime overrides, in that order of increasing
// precedence. The functional-options loader and env-expansion idiom follow
// internal/config.LoadFileConfig in the teacher; the defaults-then-file
// overlay follows internal/delivery/server/bootstrap.LoadConfig.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/emily-flambe/orca-sub001/internal/scheduler"
	"github.com/emily-flambe/orca-sub001/internal/tracing"
)

// EnvLookup abstracts environment variable resolution so tests can inject a
// fake without mutating the process environment.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ProjectConfig binds one tracker project to the repo it dispatches into.
type ProjectConfig struct {
	ProjectID string `yaml:"project_id"`
	RepoRoot  string `yaml:"repo_root"`
}

// FileConfig is the on-disk YAML shape.
type FileConfig struct {
	StorePath      string          `yaml:"store_path"`
	SystemLogPath  string          `yaml:"system_log_path"`
	DefaultRepoRoot string         `yaml:"default_repo_root"`
	Projects       []ProjectConfig `yaml:"projects"`

	Tracker struct {
		Endpoint  string   `yaml:"endpoint"`
		APIKey    string   `yaml:"api_key"`
		CacheSize int      `yaml:"cache_size"`
		TeamIDs   []string `yaml:"team_ids"`
	} `yaml:"tracker"`

	Webhook struct {
		Secret     string   `yaml:"secret"`
		ProjectIDs []string `yaml:"project_ids"`
	} `yaml:"webhook"`

	Scheduler struct {
		TickIntervalSeconds  int     `yaml:"tick_interval_seconds"`
		SessionTimeoutMin    int     `yaml:"session_timeout_minutes"`
		ConcurrencyCap       int     `yaml:"concurrency_cap"`
		BudgetWindowHours    int     `yaml:"budget_window_hours"`
		BudgetMaxCostUSD     float64 `yaml:"budget_max_cost_usd"`
		MaxRetries           int     `yaml:"max_retries"`
		MaxTurns             int     `yaml:"max_turns"`
		ExecutablePath       string  `yaml:"executable_path"`
		CooldownSeconds      int     `yaml:"cooldown_seconds"`
	} `yaml:"scheduler"`

	HTTP struct {
		Addr             string   `yaml:"addr"`
		AllowedOrigins   []string `yaml:"allowed_origins"`
		RequestTimeoutMs int      `yaml:"request_timeout_ms"`
		RateLimitPerMin  int      `yaml:"rate_limit_per_min"`
	} `yaml:"http"`

	Cleanup struct {
		IntervalMinutes  int `yaml:"interval_minutes"`
		BranchMaxAgeMins int `yaml:"branch_max_age_minutes"`
	} `yaml:"cleanup"`

	Tracing struct {
		Exporter       string  `yaml:"exporter"`
		ServiceName    string  `yaml:"service_name"`
		OTLPEndpoint   string  `yaml:"otlp_endpoint"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
		SampleRatio    float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
}

// Config is the fully resolved, typed configuration Orca runs with.
type Config struct {
	StorePath       string
	SystemLogPath   string
	DefaultRepoRoot string
	Projects        []ProjectConfig

	TrackerEndpoint  string
	TrackerAPIKey    string
	TrackerCacheSize int
	TrackerTeamIDs   []string

	WebhookSecret     string
	WebhookProjectIDs map[string]bool

	Scheduler scheduler.Config

	HTTPAddr           string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	RateLimitPerMin    int

	CleanupInterval  time.Duration
	BranchMaxAge     time.Duration

	Tracing tracing.Config
}

// Option customizes Load's behavior, primarily for tests.
type Option func(*loadOptions)

type loadOptions struct {
	configPath string
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
}

// WithConfigPath forces loading from a specific file instead of viper's
// search path.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithEnv injects a custom environment lookup, used by tests.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader injects a custom file reader, used by tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

func defaultFileConfig() FileConfig {
	var fc FileConfig
	fc.StorePath = "orca-state.json"
	fc.SystemLogPath = "orca.log"
	fc.Scheduler.TickIntervalSeconds = 10
	fc.Scheduler.SessionTimeoutMin = 30
	fc.Scheduler.ConcurrencyCap = 5
	fc.Scheduler.BudgetWindowHours = 4
	fc.Scheduler.BudgetMaxCostUSD = 50
	fc.Scheduler.MaxRetries = 3
	fc.Scheduler.MaxTurns = 40
	fc.Scheduler.CooldownSeconds = 30
	fc.HTTP.Addr = ":8080"
	fc.HTTP.RequestTimeoutMs = 30000
	fc.HTTP.RateLimitPerMin = 600
	fc.Cleanup.IntervalMinutes = 15
	fc.Cleanup.BranchMaxAgeMins = 60
	fc.Tracing.Exporter = string(tracing.ExporterOTLP)
	fc.Tracing.ServiceName = "orca"
	fc.Tracing.SampleRatio = 1
	return fc
}

// Load resolves Orca's configuration: defaults, overlaid by the YAML file
// (read via viper so a bare config path, $HOME, or the working directory
// all resolve the same way the corpus's cobra entry point configures
// viper), overlaid by ORCA_-prefixed environment variables such as
// ORCA_STORE_PATH, ORCA_HTTP_ADDR and ORCA_CONCURRENCY_CAP.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	fc := defaultFileConfig()

	// viper resolves *where* the config file lives (explicit path, or its
	// search path of "." and "$HOME/.orca"); the actual YAML is decoded with
	// yaml.v3 into our typed FileConfig, matching the corpus's own split
	// between viper-driven discovery and gopkg.in/yaml.v3-driven parsing.
	configPath := options.configPath
	if configPath == "" {
		v := viper.New()
		v.SetConfigName("orca")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.orca")
		if err := v.ReadInConfig(); err == nil {
			configPath = v.ConfigFileUsed()
		}
	}

	if configPath != "" {
		data, err := options.readFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if len(strings.TrimSpace(string(data))) > 0 {
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(&fc, options.envLookup)

	return toConfig(fc), nil
}

func applyEnvOverrides(fc *FileConfig, lookup EnvLookup) {
	if v, ok := lookup("ORCA_STORE_PATH"); ok && v != "" {
		fc.StorePath = v
	}
	if v, ok := lookup("ORCA_SYSTEM_LOG_PATH"); ok && v != "" {
		fc.SystemLogPath = v
	}
	if v, ok := lookup("ORCA_TRACKER_ENDPOINT"); ok && v != "" {
		fc.Tracker.Endpoint = v
	}
	if v, ok := lookup("ORCA_TRACKER_API_KEY"); ok && v != "" {
		fc.Tracker.APIKey = v
	}
	if v, ok := lookup("ORCA_WEBHOOK_SECRET"); ok && v != "" {
		fc.Webhook.Secret = v
	}
	if v, ok := lookup("ORCA_HTTP_ADDR"); ok && v != "" {
		fc.HTTP.Addr = v
	}
	if v, ok := lookup("ORCA_CONCURRENCY_CAP"); ok && v != "" {
		if n, err := parseInt(v); err == nil {
			fc.Scheduler.ConcurrencyCap = n
		}
	}
	if v, ok := lookup("ORCA_BUDGET_MAX_COST_USD"); ok && v != "" {
		if f, err := parseFloat(v); err == nil {
			fc.Scheduler.BudgetMaxCostUSD = f
		}
	}
	if v, ok := lookup("ORCA_TRACING_EXPORTER"); ok && v != "" {
		fc.Tracing.Exporter = v
	}
	if v, ok := lookup("ORCA_TRACING_OTLP_ENDPOINT"); ok && v != "" {
		fc.Tracing.OTLPEndpoint = v
	}
}

func toConfig(fc FileConfig) Config {
	webhookProjectIDs := make(map[string]bool, len(fc.Webhook.ProjectIDs))
	for _, id := range fc.Webhook.ProjectIDs {
		webhookProjectIDs[id] = true
	}

	return Config{
		StorePath:       fc.StorePath,
		SystemLogPath:   fc.SystemLogPath,
		DefaultRepoRoot: fc.DefaultRepoRoot,
		Projects:        fc.Projects,

		TrackerEndpoint:  fc.Tracker.Endpoint,
		TrackerAPIKey:    fc.Tracker.APIKey,
		TrackerCacheSize: fc.Tracker.CacheSize,
		TrackerTeamIDs:   fc.Tracker.TeamIDs,

		WebhookSecret:     fc.Webhook.Secret,
		WebhookProjectIDs: webhookProjectIDs,

		Scheduler: scheduler.Config{
			TickInterval:          time.Duration(fc.Scheduler.TickIntervalSeconds) * time.Second,
			SessionTimeout:        time.Duration(fc.Scheduler.SessionTimeoutMin) * time.Minute,
			ConcurrencyCap:        fc.Scheduler.ConcurrencyCap,
			BudgetWindow:          time.Duration(fc.Scheduler.BudgetWindowHours) * time.Hour,
			BudgetMaxCostUSD:      fc.Scheduler.BudgetMaxCostUSD,
			MaxRetries:            fc.Scheduler.MaxRetries,
			MaxTurns:              fc.Scheduler.MaxTurns,
			ExecutablePath:        fc.Scheduler.ExecutablePath,
			TransientFailureLimit: scheduler.DefaultConfig().TransientFailureLimit,
			CooldownDuration:      time.Duration(fc.Scheduler.CooldownSeconds) * time.Second,
		},

		HTTPAddr:        fc.HTTP.Addr,
		AllowedOrigins:  fc.HTTP.AllowedOrigins,
		RequestTimeout:  time.Duration(fc.HTTP.RequestTimeoutMs) * time.Millisecond,
		RateLimitPerMin: fc.HTTP.RateLimitPerMin,

		CleanupInterval: time.Duration(fc.Cleanup.IntervalMinutes) * time.Minute,
		BranchMaxAge:    time.Duration(fc.Cleanup.BranchMaxAgeMins) * time.Minute,

		Tracing: tracing.Config{
			Exporter:       tracing.Exporter(fc.Tracing.Exporter),
			ServiceName:    fc.Tracing.ServiceName,
			OTLPEndpoint:   fc.Tracing.OTLPEndpoint,
			JaegerEndpoint: fc.Tracing.JaegerEndpoint,
			ZipkinEndpoint: fc.Tracing.ZipkinEndpoint,
			SampleRatio:    fc.Tracing.SampleRatio,
		},
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
