package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
source:
  org: acme
  token: secret
  poll_interval: 5
  round_timeout: 2m
platform:
  org: abc123
  api_key: a-abc123-key
  auth_token: tok
features:
  device_filter: true
  create_devices: false
scripts:
  EVENT:
    script_code: "function transform(e) { return e; }"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Source.Org)
	assert.Equal(t, 5, cfg.Source.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.PollDuration())
	assert.Equal(t, 2*time.Minute, cfg.Source.RoundTimeout)
	assert.Equal(t, "https://api.snsr.net/v2/acme/accounts", cfg.Source.AccountsURL)
	assert.Equal(t, "https://api.snsr.net/v2/:org/:place/events?time=-5m", cfg.Source.EventsURL)
	assert.Equal(t, "https://api.snsr.net/v2/:org/:place/activities?time=-5m", cfg.Source.ActivitiesURL)
	assert.True(t, cfg.Source.StrictTimestamps)

	assert.Equal(t, "ssl://abc123.messaging.internetofthings.ibmcloud.com:8883", cfg.Platform.Broker)
	assert.Equal(t, "https://abc123.internetofthings.ibmcloud.com", cfg.Platform.HTTPBaseURL)
	assert.Equal(t, "Wally", cfg.Platform.DeviceType)
	assert.Equal(t, "tok", cfg.Platform.DeviceToken)
	assert.NotEmpty(t, cfg.Platform.AppID)

	assert.True(t, cfg.Features.DeviceFilter)
	assert.False(t, cfg.Features.CreateDevices)
	assert.Contains(t, cfg.Scripts, "event")
	assert.Equal(t, 50000, cfg.Inventory.Limit)
}

func TestLoadConfigLegacyEnv(t *testing.T) {
	t.Setenv("WALLY_ORG", "envorg")
	t.Setenv("WALLY_TOKEN", "envtoken")
	t.Setenv("WALLY_POLL_INTERVAL", "3")
	t.Setenv("WALLY_FILTER_DEVICES", "true")
	t.Setenv("SENSOR_TRANS_PLATFORM_ORG", "p1")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "envorg", cfg.Source.Org)
	assert.Equal(t, "envtoken", cfg.Source.Token)
	assert.Equal(t, 3, cfg.Source.PollInterval)
	assert.True(t, cfg.Features.DeviceFilter)
	assert.True(t, cfg.Features.CreateDevices)
	assert.Equal(t, "p1", cfg.Platform.Org)
}

func TestLoadConfigEnvOnly(t *testing.T) {
	t.Setenv("WALLY_ORG", "envorg")
	t.Setenv("WALLY_TOKEN", "envtoken")
	t.Setenv("SENSOR_TRANS_PLATFORM_ORG", "p1")
	t.Setenv("SENSOR_TRANS_PLATFORM_API_KEY", "a-p1-key")
	t.Setenv("SENSOR_TRANS_PLATFORM_AUTH_TOKEN", "p1-token")
	t.Setenv("SENSOR_TRANS_INVENTORY_AUTH", "Basic abc")
	t.Setenv("SENSOR_TRANS_INVENTORY_TENANT_ID", "tenant-1")
	t.Setenv("SENSOR_TRANS_SOURCE_ROUND_TIMEOUT", "30s")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "p1", cfg.Platform.Org)
	assert.Equal(t, "a-p1-key", cfg.Platform.APIKey)
	assert.Equal(t, "p1-token", cfg.Platform.AuthToken)
	assert.Equal(t, "p1-token", cfg.Platform.DeviceToken)
	assert.Equal(t, "ssl://p1.messaging.internetofthings.ibmcloud.com:8883", cfg.Platform.Broker)
	assert.Equal(t, "Basic abc", cfg.Inventory.Auth)
	assert.Equal(t, "tenant-1", cfg.Inventory.TenantID)
	assert.Equal(t, 30*time.Second, cfg.Source.RoundTimeout)
}

func TestConfigKeys(t *testing.T) {
	keys := configKeys(reflect.TypeOf(Config{}), "")

	assert.Contains(t, keys, "platform.api_key")
	assert.Contains(t, keys, "inventory.tenant_id")
	assert.Contains(t, keys, "storage.influxdb.flush_interval")
	assert.Contains(t, keys, "source.round_timeout")
	for _, key := range keys {
		assert.NotEqual(t, "scripts", key)
	}

	assert.Equal(t, "SENSOR_TRANS_STORAGE_FILE_PATH", envName("storage.file.path"))
}

func TestValidate(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
source:
  org: acme
  token: secret
  poll_interval: 0
platform:
  org: abc
`))
	assert.ErrorIs(t, err, ErrInvalidPollInterval)

	_, err = LoadConfig(writeConfig(t, `
platform:
  org: abc
`))
	assert.ErrorIs(t, err, ErrMissingSourceCredentials)

	_, err = LoadConfig(writeConfig(t, `
source:
  org: acme
  token: secret
`))
	assert.ErrorIs(t, err, ErrMissingPlatform)
}

func TestToggles(t *testing.T) {
	tg := NewToggles(FeaturesConfig{DeviceFilter: true})
	assert.True(t, tg.DeviceFilter())
	assert.False(t, tg.CreateDevices())

	tg.Apply(FeaturesConfig{CreateDevices: true})
	assert.False(t, tg.DeviceFilter())
	assert.True(t, tg.CreateDevices())
}
