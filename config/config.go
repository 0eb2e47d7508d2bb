// Package config loads the process-wide configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// IssuerConfig identifies the open-badge issuer registered at startup.
type IssuerConfig struct {
	Origin string `yaml:"issuer_origin"`
	Name   string `yaml:"issuer_name"`
	URL    string `yaml:"issuer_url"`
	Email  string `yaml:"issuer_email"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

type Config struct {
	// Connection strings, all required.
	DatabaseURI     string `yaml:"database_uri"`
	DatanommerDBURI string `yaml:"datanommer_db_uri"`
	FasjsonBaseURL  string `yaml:"fasjson_base_url"`

	// Rules tree: a git checkout of badge YAML definitions.  badges_repo is
	// accepted as an alias used by older deployments.
	BadgesDirectory string `yaml:"badges_directory"`
	BadgesRepo      string `yaml:"badges_repo"`

	BadgeIssuer    IssuerConfig `yaml:"badge_issuer"`
	DatagrepperURL string       `yaml:"datagrepper_url"`

	// Seconds to sleep before evaluating a message, letting the archival
	// store settle the same message first.
	ConsumeDelay int `yaml:"consume_delay"`

	// Identity-translation hosts, regexp-escaped into the translators.
	IDProviderHostname string `yaml:"id_provider_hostname"`
	DistgitHostname    string `yaml:"distgit_hostname"`

	// Domain appended to account names to form assertion emails.
	PrimaryDomain string `yaml:"primary_domain"`

	// Rule hot-reload cadence, seconds.
	RulesReloadInterval int  `yaml:"rules_reload_interval"`
	ReloadAtStartup     bool `yaml:"reload_at_startup"`

	// Directory-service HTTP timeout, seconds.
	HTTPTimeout int `yaml:"http_timeout"`

	Logging LoggingConfig `yaml:"logging"`
}

func defaults() Config {
	return Config{
		ConsumeDelay:        3,
		PrimaryDomain:       "fedoraproject.org",
		RulesReloadInterval: 900,
		ReloadAtStartup:     true,
		HTTPTimeout:         10,
		Logging:             LoggingConfig{Level: "info"},
	}
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.BadgesDirectory == "" {
		cfg.BadgesDirectory = cfg.BadgesRepo
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"database_uri", c.DatabaseURI},
		{"datanommer_db_uri", c.DatanommerDBURI},
		{"fasjson_base_url", c.FasjsonBaseURL},
		{"badges_directory", c.BadgesDirectory},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("config field %q is required", field.name)
		}
	}
	if c.ConsumeDelay < 0 {
		return fmt.Errorf("consume_delay must not be negative")
	}
	return nil
}

func (c *Config) ConsumeDelayDuration() time.Duration {
	return time.Duration(c.ConsumeDelay) * time.Second
}

func (c *Config) ReloadInterval() time.Duration {
	return time.Duration(c.RulesReloadInterval) * time.Second
}

func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

// BuildLogger constructs the process logger from the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("bad logging level %q: %w", c.Logging.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if !c.Logging.JSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
