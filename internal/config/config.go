// Package config loads the server configuration: a YAML file, overridable
// by environment variables for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"Strata/internal/core/systemstreams"
	"Strata/internal/core/users"
)

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
	Host string `yaml:"host"`
}

// RegisterConfig points at the cluster's service-register. URL is required
// unless the deployment runs DNS-less.
type RegisterConfig struct {
	// URL is the service-register base URL ("serviceInfoUrl" of cluster
	// deployments).
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// StorageConfig holds the filesystem layout.
type StorageConfig struct {
	// DataDir holds the per-user event databases.
	DataDir string `yaml:"dataDir"`
	// IndexPath is the shared users/sessions/platform database file.
	IndexPath string `yaml:"indexPath"`
	// PreviewsDir is the on-disk preview cache.
	PreviewsDir string `yaml:"previewsDir"`
	// AttachmentsDir holds event attachment bodies.
	AttachmentsDir string `yaml:"attachmentsDir"`
}

// AuthConfig carries password and session policy.
type AuthConfig struct {
	Password users.PasswordRules `yaml:"password"`
	// SessionMaxAgeSeconds bounds personal-session validity; 0 uses the
	// default (14 days).
	SessionMaxAgeSeconds float64 `yaml:"sessionMaxAgeSeconds"`
}

// NATSConfig enables change notifications when a URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// PreviewsConfig drives the preview cache sweep.
type PreviewsConfig struct {
	// SweepSchedule is a cron expression ("@hourly", "0 3 * * *", ...).
	SweepSchedule string `yaml:"sweepSchedule"`
	// MaxAgeHours evicts previews not accessed within this window.
	MaxAgeHours int `yaml:"maxAgeHours"`
}

// LogConfig tunes zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`

	// DNSLess runs the node standalone: uniqueness is enforced locally and
	// no service-register is contacted.
	DNSLess bool `yaml:"dnsLess"`
	// APIDomain builds per-user API endpoints: https://<username>.<domain>/.
	APIDomain string `yaml:"apiDomain"`

	Register RegisterConfig `yaml:"register"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	NATS     NATSConfig     `yaml:"nats"`
	Previews PreviewsConfig `yaml:"previews"`
	Log      LogConfig      `yaml:"log"`

	// SystemStreams declares the operator's custom account/other streams.
	SystemStreams systemstreams.Config `yaml:"systemStreams"`

	// InvitationTokens restricts registration to the listed tokens; empty
	// means open registration.
	InvitationTokens []string `yaml:"invitationTokens"`
}

// Default returns the configuration used when no file or override says
// otherwise.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", Host: "0.0.0.0"},
		Storage: StorageConfig{
			DataDir:        "data/users",
			IndexPath:      "data/index.db",
			PreviewsDir:    "data/previews",
			AttachmentsDir: "data/attachments",
		},
		Auth: AuthConfig{
			Password: users.PasswordRules{MinLength: 8, MaxLength: 100},
		},
		Previews: PreviewsConfig{SweepSchedule: "@hourly", MaxAgeHours: 24},
		Log:      LogConfig{Level: "info"},
		APIDomain: "localhost",
	}
}

// Load reads path (optional: "" skips the file), applies environment
// overrides, and validates. The returned error wraps ErrMissingRequired
// when a required value is absent; main exits with code 2 on it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STRATA_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("STRATA_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("STRATA_INDEX_PATH"); v != "" {
		c.Storage.IndexPath = v
	}
	if v := os.Getenv("STRATA_REGISTER_URL"); v != "" {
		c.Register.URL = v
	}
	if v := os.Getenv("STRATA_API_DOMAIN"); v != "" {
		c.APIDomain = v
	}
	if v := os.Getenv("STRATA_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("STRATA_DNS_LESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DNSLess = b
		}
	}
}

// MissingRequiredError reports configuration without which the process
// cannot start. main exits with code 2 on it.
type MissingRequiredError struct {
	Field string
}

func (e *MissingRequiredError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if !c.DNSLess && c.Register.URL == "" {
		return &MissingRequiredError{Field: "register.url (required in cluster mode)"}
	}
	if c.Storage.DataDir == "" {
		return &MissingRequiredError{Field: "storage.dataDir"}
	}
	if c.Storage.IndexPath == "" {
		return &MissingRequiredError{Field: "storage.indexPath"}
	}
	if c.Auth.Password.MinLength <= 0 {
		c.Auth.Password.MinLength = 8
	}
	if c.Auth.Password.MaxLength < c.Auth.Password.MinLength {
		return fmt.Errorf("auth.password: maxLength %d below minLength %d",
			c.Auth.Password.MaxLength, c.Auth.Password.MinLength)
	}
	return nil
}
