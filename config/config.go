package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/sensor-trans/logger"
)

// EnvPrefix prefixes every config key when read from the environment,
// e.g. SENSOR_TRANS_PLATFORM_ORG.
const EnvPrefix = "SENSOR_TRANS"

// Config represents the application configuration
type Config struct {
	Source    SourceConfig            `mapstructure:"source"`
	Inventory InventoryConfig         `mapstructure:"inventory"`
	Platform  PlatformConfig          `mapstructure:"platform"`
	Features  FeaturesConfig          `mapstructure:"features"`
	Scripts   map[string]ScriptConfig `mapstructure:"scripts"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Logger    LoggerConfig            `mapstructure:"logger"`
}

// SourceConfig represents the sensor source (Wally cloud) connection
type SourceConfig struct {
	Org                   string        `mapstructure:"org"`
	Token                 string        `mapstructure:"token"`
	BaseURL               string        `mapstructure:"base_url"`
	AccountsURL           string        `mapstructure:"accounts_url"`
	EventsURL             string        `mapstructure:"events_url"`
	ActivitiesURL         string        `mapstructure:"activities_url"`
	PollInterval          int           `mapstructure:"poll_interval"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	RoundTimeout          time.Duration `mapstructure:"round_timeout"`
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	StrictTimestamps      bool          `mapstructure:"strict_timestamps"`
}

// InventoryConfig represents the device inventory REST API
type InventoryConfig struct {
	Host         string        `mapstructure:"host"`
	Path         string        `mapstructure:"path"`
	Auth         string        `mapstructure:"auth"`
	TenantID     string        `mapstructure:"tenant_id"`
	Role         string        `mapstructure:"role"`
	Vendor       string        `mapstructure:"vendor"`
	Limit        int           `mapstructure:"limit"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetryTime time.Duration `mapstructure:"max_retry_time"`
}

// PlatformConfig represents the downstream IoT platform
type PlatformConfig struct {
	Org                     string        `mapstructure:"org"`
	AppID                   string        `mapstructure:"app_id"`
	APIKey                  string        `mapstructure:"api_key"`
	AuthToken               string        `mapstructure:"auth_token"`
	DeviceToken             string        `mapstructure:"device_token"`
	Domain                  string        `mapstructure:"domain"`
	Broker                  string        `mapstructure:"broker"`
	HTTPBaseURL             string        `mapstructure:"http_base_url"`
	DeviceType              string        `mapstructure:"device_type"`
	Manufacturer            string        `mapstructure:"manufacturer"`
	QoS                     int           `mapstructure:"qos"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	Concurrency             int           `mapstructure:"concurrency"`
	RetryFailedRegistration bool          `mapstructure:"retry_failed_registration"`
}

// FeaturesConfig holds the feature switches that can change at runtime
type FeaturesConfig struct {
	DeviceFilter  bool `mapstructure:"device_filter"`
	CreateDevices bool `mapstructure:"create_devices"`
}

// ScriptConfig represents a JavaScript event script, keyed by data_type
type ScriptConfig struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig represents the logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
	Caller     bool   `mapstructure:"caller"`
}

// StorageConfig represents the event archive configuration
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	InfluxDB InfluxDBStorageConfig `mapstructure:"influxdb"`
}

// FileStorageConfig represents the JSON file archive
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig represents the SQL archive
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// InfluxDBStorageConfig represents the time series archive
type InfluxDBStorageConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval"`
}

// ConfigChangeCallback is the callback invoked when the config file changes
type ConfigChangeCallback func(cfg *Config) error

// legacyEnv maps the environment variables of earlier deployments onto keys.
var legacyEnv = map[string]string{
	"source.poll_interval":    "WALLY_POLL_INTERVAL",
	"source.org":              "WALLY_ORG",
	"source.token":            "WALLY_TOKEN",
	"features.create_devices": "WALLY_CREATE_DEVICES",
	"features.device_filter":  "WALLY_FILTER_DEVICES",
	"logger.level":            "LOG_LEVEL",
}

var (
	current   *viper.Viper
	currentMu sync.Mutex
)

// LoadConfig loads the configuration from the given path. A missing file is
// not an error; defaults and environment variables are used instead.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
		logger.Warn("config file %s not found, using defaults and environment", configPath)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	currentMu.Lock()
	current = v
	currentMu.Unlock()

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows, so every key is
	// bound explicitly.
	for _, key := range configKeys(reflect.TypeOf(Config{}), "") {
		names := []string{key, envName(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		_ = v.BindEnv(names...)
	}

	return v
}

// envName returns the prefixed environment variable of key
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// configKeys lists the dotted mapstructure keys of the leaf fields of t.
// Maps are skipped; their keys are not known in advance.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		switch {
		case field.Type.Kind() == reflect.Map:
			continue
		case field.Type.Kind() == reflect.Struct:
			keys = append(keys, configKeys(field.Type, key)...)
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if debug := strings.ToLower(os.Getenv("DEBUG")); debug == "true" || debug == "1" {
		cfg.Logger.Level = "debug"
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WatchConfig watches the config file and invokes callback with the new config
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	currentMu.Lock()
	v := current
	currentMu.Unlock()
	if v == nil {
		return errors.New("config not loaded")
	}

	v.SetConfigFile(absPath)
	v.WatchConfig()

	var mu sync.Mutex
	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config updated and applied")
	})

	return nil
}
