// Package config loads and validates the remotesync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/remotesync/internal/model"
)

// Collection sources.
const (
	SourceHTTP          = "http"
	SourceHomeAssistant = "homeassistant"
)

// Watermark backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Timestamp strategies.
const (
	TimestampsGlobal   = "global"
	TimestampsPerScope = "per_scope"
)

const (
	defaultPollInterval = 30 * time.Second
	minPollInterval     = 10 * time.Second
	maxPollInterval     = time.Hour
	defaultHTTPTimeout  = 30 * time.Second
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite file holding local records and, with the
	// sqlite backend, watermarks. Defaults to ~/.local/share/remotesync/state.db.
	DatabasePath string `yaml:"database_path"`

	// WatermarkBackend selects where watermarks live: "sqlite" (default) or
	// "postgres".
	WatermarkBackend string `yaml:"watermark_backend"`

	// PostgresURL is required with the postgres backend.
	PostgresURL string `yaml:"postgres_url"`

	// PollInterval controls how often the daemon syncs every job.
	// Minimum 10s, maximum 1h. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MetricsAddr, when set, serves Prometheus metrics on this address in
	// daemon mode (e.g. ":9464").
	MetricsAddr string `yaml:"metrics_addr"`

	HTTP          *HTTPConfig          `yaml:"http,omitempty"`
	HomeAssistant *HomeAssistantConfig `yaml:"homeassistant,omitempty"`

	// Defaults is merged into every collection for the keys the collection
	// leaves unset.
	Defaults Collection `yaml:"defaults"`

	Collections []Collection `yaml:"collections"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// HTTPConfig configures the REST API source.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// HomeAssistantConfig configures the Home Assistant source.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Collection declares one synchronized collection.
type Collection struct {
	Name string `yaml:"name"`

	// Source is "http" (default) or "homeassistant".
	Source string `yaml:"source"`

	// REST endpoint settings (source http).
	Path       string `yaml:"path"`
	RecordsKey string `yaml:"records_key"`
	IDField    string `yaml:"id_field"`
	PerPage    int    `yaml:"per_page"`
	ScopeParam string `yaml:"scope_param"`

	// EntityID is the todo entity (source homeassistant).
	EntityID string `yaml:"entity_id"`

	IDKey          string `yaml:"id_key"`
	SyncedAllAtKey string `yaml:"synced_all_at_key"`
	DataKey        string `yaml:"data_key"`
	OnlyUpdated    *bool  `yaml:"only_updated"`
	Remove         *bool  `yaml:"remove"`

	Fields  []string `yaml:"fields"`
	Include []string `yaml:"include"`

	// LocalAttributes maps local field name to remote field name.
	LocalAttributes map[string]string `yaml:"local_attributes"`

	// Scopes lists the scopes the daemon syncs, as "kind:id". Empty means
	// the global scope only.
	Scopes []string `yaml:"scopes"`

	// InitialSyncSince bounds the first incremental fetch: an RFC 3339
	// timestamp or a look-back duration such as "720h".
	InitialSyncSince string `yaml:"initial_sync_since"`

	// TimestampStrategy is "global" or "per_scope". Defaults to per_scope
	// when any scope is configured.
	TimestampStrategy string `yaml:"timestamp_strategy"`

	scopes   []model.Scope
	since    time.Time
	lookback time.Duration
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "remotesync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// envOverrides are secrets and paths that may come from the environment
// instead of the file. Set values win over the file.
type envOverrides struct {
	DatabasePath string `env:"REMOTESYNC_DATABASE_PATH"`
	PostgresURL  string `env:"REMOTESYNC_POSTGRES_URL"`
	APIToken     string `env:"REMOTESYNC_API_TOKEN"`
	HAToken      string `env:"REMOTESYNC_HA_TOKEN"`
}

// DefaultPath returns the default config file path: ~/.config/remotesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "remotesync", "config.yaml"), nil
}

// Load reads the configuration file at path, applies environment overrides
// and collection defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if o.DatabasePath != "" {
		c.DatabasePath = o.DatabasePath
	}
	if o.PostgresURL != "" {
		c.PostgresURL = o.PostgresURL
	}
	if o.APIToken != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.Token = o.APIToken
	}
	if o.HAToken != "" {
		if c.HomeAssistant == nil {
			c.HomeAssistant = &HomeAssistantConfig{}
		}
		c.HomeAssistant.Token = o.HAToken
	}
	return nil
}

// applyDefaults fills every unset collection key from the defaults block.
// The collection name is never inherited. Pointers are not dereferenced so
// an explicit "remove: false" survives a default of true.
func (c *Config) applyDefaults() error {
	defaults := c.Defaults
	defaults.Name = ""
	for i := range c.Collections {
		if err := mergo.Merge(&c.Collections[i], defaults, mergo.WithoutDereference); err != nil {
			return fmt.Errorf("merging defaults into collection %q: %w", c.Collections[i].Name, err)
		}
	}
	return nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > maxPollInterval {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	switch c.WatermarkBackend {
	case "":
		c.WatermarkBackend = BackendSQLite
	case BackendSQLite:
	case BackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required with watermark_backend %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("watermark_backend %q must be %q or %q", c.WatermarkBackend, BackendSQLite, BackendPostgres)
	}

	if c.HTTP != nil {
		if err := validateURL("http.base_url", c.HTTP.BaseURL); err != nil {
			return err
		}
		if c.HTTP.Timeout == 0 {
			c.HTTP.Timeout = defaultHTTPTimeout
		}
	}
	if c.HomeAssistant != nil {
		if err := validateURL("homeassistant.url", c.HomeAssistant.URL); err != nil {
			return err
		}
		if c.HomeAssistant.Token == "" {
			return fmt.Errorf("homeassistant.token is required")
		}
	}

	if len(c.Collections) == 0 {
		return fmt.Errorf("collections must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Collections))
	for i := range c.Collections {
		col := &c.Collections[i]
		if col.Name == "" {
			return fmt.Errorf("collections[%d] has an empty name", i)
		}
		if seen[col.Name] {
			return fmt.Errorf("collection %q is declared twice", col.Name)
		}
		seen[col.Name] = true
		if err := c.validateCollection(col); err != nil {
			return fmt.Errorf("collection %q: %w", col.Name, err)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (c *Config) validateCollection(col *Collection) error {
	switch col.Source {
	case "", SourceHTTP:
		col.Source = SourceHTTP
		if c.HTTP == nil {
			return fmt.Errorf("source %q needs an http block", SourceHTTP)
		}
		if col.PerPage < 0 {
			return fmt.Errorf("per_page %d must not be negative", col.PerPage)
		}
	case SourceHomeAssistant:
		if c.HomeAssistant == nil {
			return fmt.Errorf("source %q needs a homeassistant block", SourceHomeAssistant)
		}
		if col.EntityID == "" {
			return fmt.Errorf("entity_id is required for source %q", SourceHomeAssistant)
		}
		if col.Incremental() {
			return fmt.Errorf("source %q reports no deletions or change times and must use full sync", SourceHomeAssistant)
		}
	default:
		return fmt.Errorf("source %q must be %q or %q", col.Source, SourceHTTP, SourceHomeAssistant)
	}

	for local, remote := range col.LocalAttributes {
		if local == "" || remote == "" {
			return fmt.Errorf("local_attributes maps %q to %q", local, remote)
		}
	}

	col.scopes = col.scopes[:0]
	for _, s := range col.Scopes {
		scope, err := model.ParseScope(s)
		if err != nil {
			return err
		}
		col.scopes = append(col.scopes, scope)
	}
	if len(col.scopes) == 0 {
		col.scopes = []model.Scope{model.GlobalScope}
	}

	switch col.TimestampStrategy {
	case "":
		col.TimestampStrategy = TimestampsGlobal
		for _, s := range col.scopes {
			if !s.IsGlobal() {
				col.TimestampStrategy = TimestampsPerScope
			}
		}
	case TimestampsGlobal, TimestampsPerScope:
	default:
		return fmt.Errorf("timestamp_strategy %q must be %q or %q", col.TimestampStrategy, TimestampsGlobal, TimestampsPerScope)
	}

	if col.InitialSyncSince != "" {
		if t, err := time.Parse(time.RFC3339, col.InitialSyncSince); err == nil {
			col.since = t
		} else if d, err := time.ParseDuration(col.InitialSyncSince); err == nil && d > 0 {
			col.lookback = d
		} else {
			return fmt.Errorf("initial_sync_since %q must be an RFC 3339 time or a positive duration", col.InitialSyncSince)
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q must be a valid http or https URL", key, raw)
	}
	return nil
}

// Incremental reports whether the collection keeps a watermark.
func (c Collection) Incremental() bool {
	if c.OnlyUpdated != nil {
		return *c.OnlyUpdated
	}
	return c.SyncedAllAtKey != ""
}

// RemoveEnabled reports whether deletion is enabled.
func (c Collection) RemoveEnabled() bool {
	return c.Remove != nil && *c.Remove
}

// ParsedScopes returns the configured scopes; at least the global scope.
// Only valid after Load.
func (c Collection) ParsedScopes() []model.Scope {
	return c.scopes
}

// HasFloor reports whether initial_sync_since is set.
func (c Collection) HasFloor() bool {
	return !c.since.IsZero() || c.lookback > 0
}

// Floor returns the initial_sync_since bound at now, or zero when unset.
func (c Collection) Floor(now time.Time) time.Time {
	if c.lookback > 0 {
		return now.Add(-c.lookback)
	}
	return c.since
}
