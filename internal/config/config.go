package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models swarmctl.yml.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	State      StateConfig      `yaml:"state" json:"state"`
	Agents     AgentsConfig     `yaml:"agents" json:"agents"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	Approval   ApprovalConfig   `yaml:"approval" json:"approval"`
	Delivery   DeliveryConfig   `yaml:"delivery" json:"delivery"`
	Alerts     AlertsConfig     `yaml:"alerts" json:"alerts"`
	Auth       AuthConfig       `yaml:"auth" json:"auth"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

type StateConfig struct {
	Path                   string `yaml:"path" json:"path"`
	TaskHistoryLimit       int    `yaml:"task_history_limit" json:"task_history_limit"`
	DeliveryHistoryLimit   int    `yaml:"delivery_history_limit" json:"delivery_history_limit"`
	InvocationHistoryLimit int    `yaml:"invocation_history_limit" json:"invocation_history_limit"`
}

type AgentsConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

type DispatcherConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

type ApprovalConfig struct {
	TaskTypes []string `yaml:"task_types" json:"task_types"`
}

type DeliveryConfig struct {
	Milestones    MilestoneDelivery `yaml:"milestones" json:"milestones"`
	DemandSummary EndpointConfig    `yaml:"demand_summary" json:"demand_summary"`
}

// EndpointConfig describes one signed ingest target.
type EndpointConfig struct {
	IngestURL     string        `yaml:"ingest_url" json:"ingest_url"`
	SigningSecret string        `yaml:"signing_secret" json:"-"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	Timeout       time.Duration `yaml:"-" json:"timeout"`
	SweepInterval time.Duration `yaml:"-" json:"sweep_interval"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw       string `yaml:"timeout" json:"-"`
	SweepIntervalRaw string `yaml:"sweep_interval" json:"-"`
}

type MilestoneDelivery struct {
	EndpointConfig `yaml:",inline" json:",inline"`
	Feed           FeedConfig `yaml:"feed" json:"feed"`
}

type FeedConfig struct {
	Path       string    `yaml:"path" json:"path"`
	MaxEntries int       `yaml:"max_entries" json:"max_entries"`
	Git        GitConfig `yaml:"git" json:"git"`
}

type GitConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Remote  string `yaml:"remote" json:"remote"`
	Branch  string `yaml:"branch" json:"branch"`
}

type AlertsConfig struct {
	WebhookSecret string        `yaml:"webhook_secret" json:"-"`
	NotifyURL     string        `yaml:"notify_url" json:"notify_url"`
	Window        time.Duration `yaml:"-" json:"window"`
	StaleAfter    time.Duration `yaml:"-" json:"stale_after"`
	GCInterval    time.Duration `yaml:"-" json:"gc_interval"`

	WindowRaw     string `yaml:"window" json:"-"`
	StaleAfterRaw string `yaml:"stale_after" json:"-"`
	GCIntervalRaw string `yaml:"gc_interval" json:"-"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" json:"-"`
	Keys        []APIKey      `yaml:"keys" json:"keys"`
	GracePeriod time.Duration `yaml:"-" json:"grace_period"`

	GracePeriodRaw string `yaml:"grace_period" json:"-"`
}

// APIKey is one entry of the rotating bearer key set. Only the SHA-256 of the
// key is stored in config.
type APIKey struct {
	ID        string    `yaml:"id" json:"id"`
	Version   int       `yaml:"version" json:"version"`
	KeySHA256 string    `yaml:"key_sha256" json:"-"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
}

type WatchConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Dir      string `yaml:"dir" json:"dir"`
	TaskType string `yaml:"task_type" json:"task_type"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with swarmctl init", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(workspace)
	return cfg, nil
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); os.IsNotExist(err) {
		cfg, err := Default()
		if err != nil {
			return nil, err
		}
		cfg.resolvePaths(workspace)
		return cfg, nil
	}
	return Load(workspace)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "swarmctl.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default renders the built-in template. The template expands SWARMCTL_*
// environment variables, so a bad value surfaces here as a validation error.
func Default() (*Config, error) {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		return nil, fmt.Errorf("default config (from SWARMCTL_* environment): %w", err)
	}
	return cfg, nil
}

// FromYAML expands ${VAR} references, parses, applies defaults and validates.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.milestones.timeout", cfg.Delivery.Milestones.TimeoutRaw, &cfg.Delivery.Milestones.Timeout},
		{"delivery.milestones.sweep_interval", cfg.Delivery.Milestones.SweepIntervalRaw, &cfg.Delivery.Milestones.SweepInterval},
		{"delivery.demand_summary.timeout", cfg.Delivery.DemandSummary.TimeoutRaw, &cfg.Delivery.DemandSummary.Timeout},
		{"delivery.demand_summary.sweep_interval", cfg.Delivery.DemandSummary.SweepIntervalRaw, &cfg.Delivery.DemandSummary.SweepInterval},
		{"alerts.window", cfg.Alerts.WindowRaw, &cfg.Alerts.Window},
		{"alerts.stale_after", cfg.Alerts.StaleAfterRaw, &cfg.Alerts.StaleAfter},
		{"alerts.gc_interval", cfg.Alerts.GCIntervalRaw, &cfg.Alerts.GCInterval},
		{"auth.grace_period", cfg.Auth.GracePeriodRaw, &cfg.Auth.GracePeriod},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(".swarmctl", "state.json")
	}
	if c.State.TaskHistoryLimit <= 0 {
		c.State.TaskHistoryLimit = 50
	}
	if c.State.DeliveryHistoryLimit <= 0 {
		c.State.DeliveryHistoryLimit = 200
	}
	if c.State.InvocationHistoryLimit <= 0 {
		c.State.InvocationHistoryLimit = 500
	}
	if c.Agents.Dir == "" {
		c.Agents.Dir = "agents"
	}
	if c.Dispatcher.Concurrency <= 0 {
		c.Dispatcher.Concurrency = 2
	}
	if c.Approval.TaskTypes == nil {
		c.Approval.TaskTypes = []string{"agent-deploy", "build-refactor"}
	}
	for _, ep := range []*EndpointConfig{&c.Delivery.Milestones.EndpointConfig, &c.Delivery.DemandSummary} {
		if ep.MaxAttempts <= 0 {
			ep.MaxAttempts = 3
		}
		if ep.Timeout <= 0 {
			ep.Timeout = 10 * time.Second
		}
		if ep.SweepInterval <= 0 {
			ep.SweepInterval = time.Minute
		}
	}
	if c.Delivery.Milestones.Feed.Path == "" {
		c.Delivery.Milestones.Feed.Path = filepath.Join(".swarmctl", "milestones.json")
	}
	if c.Delivery.Milestones.Feed.MaxEntries <= 0 {
		c.Delivery.Milestones.Feed.MaxEntries = 500
	}
	if c.Delivery.Milestones.Feed.Git.Remote == "" {
		c.Delivery.Milestones.Feed.Git.Remote = "origin"
	}
	if c.Alerts.Window <= 0 {
		c.Alerts.Window = 10 * time.Minute
	}
	if c.Alerts.StaleAfter <= 0 {
		c.Alerts.StaleAfter = 2 * time.Hour
	}
	if c.Alerts.GCInterval <= 0 {
		c.Alerts.GCInterval = time.Hour
	}
	if c.Auth.GracePeriod <= 0 {
		c.Auth.GracePeriod = 7 * 24 * time.Hour
	}
	if c.Watch.TaskType == "" {
		c.Watch.TaskType = "doc-parse"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// resolvePaths anchors relative paths at the workspace directory.
func (c *Config) resolvePaths(workspace string) {
	if workspace == "" {
		workspace = "."
	}
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workspace, p)
	}
	c.State.Path = anchor(c.State.Path)
	c.Agents.Dir = anchor(c.Agents.Dir)
	c.Delivery.Milestones.Feed.Path = anchor(c.Delivery.Milestones.Feed.Path)
	c.Watch.Dir = anchor(c.Watch.Dir)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	for _, t := range c.Approval.TaskTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("approval.task_types contains empty type")
		}
	}
	for name, ep := range map[string]EndpointConfig{
		"delivery.milestones":     c.Delivery.Milestones.EndpointConfig,
		"delivery.demand_summary": c.Delivery.DemandSummary,
	} {
		if ep.IngestURL == "" {
			continue
		}
		u, err := url.Parse(ep.IngestURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s.ingest_url must be an absolute http(s) url", name)
		}
	}
	if c.Alerts.StaleAfter < c.Alerts.Window {
		return fmt.Errorf("alerts.stale_after must be >= alerts.window")
	}
	seen := map[string]bool{}
	for i, k := range c.Auth.Keys {
		if k.ID == "" {
			return fmt.Errorf("auth.keys[%d].id is required", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("auth.keys contains duplicate id %s", k.ID)
		}
		seen[k.ID] = true
		if len(k.KeySHA256) != 64 {
			return fmt.Errorf("auth.keys[%s].key_sha256 must be a hex sha256 digest", k.ID)
		}
		if !k.ExpiresAt.IsZero() && !k.CreatedAt.IsZero() && !k.ExpiresAt.After(k.CreatedAt) {
			return fmt.Errorf("auth.keys[%s] expires before it is created", k.ID)
		}
	}
	if c.Watch.Enabled && c.Watch.Dir == "" {
		return fmt.Errorf("watch.dir is required when watch is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: /v1

state:
  path: .swarmctl/state.json
  task_history_limit: 50
  delivery_history_limit: 200
  invocation_history_limit: 500

agents:
  dir: agents

dispatcher:
  concurrency: 2

approval:
  task_types: [agent-deploy, build-refactor]

delivery:
  milestones:
    ingest_url: ${SWARMCTL_MILESTONE_INGEST_URL}
    signing_secret: ${SWARMCTL_MILESTONE_SIGNING_SECRET}
    timeout: 10s
    max_attempts: 3
    sweep_interval: 1m
    feed:
      path: .swarmctl/milestones.json
      max_entries: 500
      git:
        enabled: false
        remote: origin
  demand_summary:
    ingest_url: ${SWARMCTL_DEMAND_INGEST_URL}
    signing_secret: ${SWARMCTL_DEMAND_SIGNING_SECRET}
    timeout: 10s
    max_attempts: 3
    sweep_interval: 1m

alerts:
  webhook_secret: ${SWARMCTL_ALERT_WEBHOOK_SECRET}
  notify_url: ${SWARMCTL_ALERT_NOTIFY_URL}
  window: 10m
  stale_after: 2h
  gc_interval: 1h

auth:
  jwt_secret: ${SWARMCTL_JWT_SECRET}
  grace_period: 168h
  keys: []

watch:
  enabled: false
  dir: docs
  task_type: doc-parse

logging:
  level: info
  format: text

metrics:
  enabled: true
`
