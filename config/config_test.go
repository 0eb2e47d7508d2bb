package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasgurus/badgestone/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
database_uri: postgres://tahrir
datanommer_db_uri: postgres://datanommer
fasjson_base_url: https://fasjson.example.com
badges_directory: /srv/badges
datagrepper_url: https://apps.example.com/datagrepper
badge_issuer:
  issuer_origin: https://badges.example.com
  issuer_name: Example Badges
  issuer_url: https://example.com
  issuer_email: badges@example.com
consume_delay: 1
id_provider_hostname: id.example.com
distgit_hostname: src.example.com
logging:
  level: debug
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres://tahrir", cfg.DatabaseURI)
	require.Equal(t, time.Second, cfg.ConsumeDelayDuration())
	require.Equal(t, "Example Badges", cfg.BadgeIssuer.Name)
	require.Equal(t, "debug", cfg.Logging.Level)

	t.Run("defaults", func(t *testing.T) {
		require.Equal(t, "fedoraproject.org", cfg.PrimaryDomain)
		require.Equal(t, 15*time.Minute, cfg.ReloadInterval())
		require.Equal(t, 10*time.Second, cfg.HTTPTimeoutDuration())
		require.True(t, cfg.ReloadAtStartup)
	})
}

func TestLoadDefaultConsumeDelay(t *testing.T) {
	path := writeConfig(t, `
database_uri: a
datanommer_db_uri: b
fasjson_base_url: c
badges_directory: d
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.ConsumeDelayDuration())
}

func TestValidate(t *testing.T) {
	t.Run("missing required field", func(t *testing.T) {
		path := writeConfig(t, `
database_uri: a
fasjson_base_url: c
badges_directory: d
`)
		_, err := config.Load(path)
		require.ErrorContains(t, err, "datanommer_db_uri")
	})

	t.Run("negative consume delay", func(t *testing.T) {
		path := writeConfig(t, `
database_uri: a
datanommer_db_uri: b
fasjson_base_url: c
badges_directory: d
consume_delay: -1
`)
		_, err := config.Load(path)
		require.Error(t, err)
	})

	t.Run("badges_repo is accepted as an alias", func(t *testing.T) {
		path := writeConfig(t, `
database_uri: a
datanommer_db_uri: b
fasjson_base_url: c
badges_repo: /srv/badges
`)
		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Equal(t, "/srv/badges", cfg.BadgesDirectory)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load("/nonexistent/config.yaml")
		require.Error(t, err)
	})
}

func TestBuildLogger(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "info", JSON: true}}
	log, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, log)

	cfg.Logging.Level = "nope"
	_, err = cfg.BuildLogger()
	require.Error(t, err)
}
