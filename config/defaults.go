package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	defaultSourceBaseURL = "https://api.snsr.net/v2"
	defaultDomain        = "internetofthings.ibmcloud.com"
	defaultDeviceType    = "Wally"
)

var (
	// ErrInvalidPollInterval is returned when the polling interval is below one minute
	ErrInvalidPollInterval = errors.New("config: source.poll_interval must be >= 1 minute")
	// ErrMissingSourceCredentials is returned when org or token are empty
	ErrMissingSourceCredentials = errors.New("config: source.org and source.token are required")
	// ErrMissingPlatform is returned when the downstream platform is not configured
	ErrMissingPlatform = errors.New("config: platform.org and platform.device_type are required")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", defaultSourceBaseURL)
	v.SetDefault("source.poll_interval", 1)
	v.SetDefault("source.request_timeout", 30*time.Second)
	v.SetDefault("source.round_timeout", 10*time.Minute)
	v.SetDefault("source.max_concurrent_requests", 0)
	v.SetDefault("source.strict_timestamps", true)

	v.SetDefault("inventory.host", "http://localhost:10010")
	v.SetDefault("inventory.path", "api/v1")
	v.SetDefault("inventory.role", "administrator")
	v.SetDefault("inventory.vendor", defaultDeviceType)
	v.SetDefault("inventory.limit", 50000)
	v.SetDefault("inventory.timeout", 30*time.Second)
	v.SetDefault("inventory.max_retry_time", 30*time.Second)

	v.SetDefault("platform.domain", defaultDomain)
	v.SetDefault("platform.device_type", defaultDeviceType)
	v.SetDefault("platform.manufacturer", defaultDeviceType)
	v.SetDefault("platform.qos", 0)
	v.SetDefault("platform.timeout", 10*time.Second)
	v.SetDefault("platform.concurrency", 16)
	v.SetDefault("platform.retry_failed_registration", false)

	v.SetDefault("features.device_filter", false)
	v.SetDefault("features.create_devices", true)

	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("storage.influxdb.bucket", "sensor_events")
	v.SetDefault("storage.influxdb.batch_size", 100)
	v.SetDefault("storage.influxdb.flush_interval", 10)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

// applyDerived fills URLs and identifiers that depend on other keys.
func (c *Config) applyDerived() {
	base := strings.TrimRight(c.Source.BaseURL, "/")
	if c.Source.AccountsURL == "" {
		c.Source.AccountsURL = fmt.Sprintf("%s/%s/accounts", base, c.Source.Org)
	}
	if c.Source.EventsURL == "" {
		c.Source.EventsURL = fmt.Sprintf("%s/:org/:place/events?time=-%dm", base, c.Source.PollInterval)
	}
	if c.Source.ActivitiesURL == "" {
		c.Source.ActivitiesURL = fmt.Sprintf("%s/:org/:place/activities?time=-%dm", base, c.Source.PollInterval)
	}

	p := &c.Platform
	if p.AppID == "" {
		p.AppID = "sensor-trans-" + uuid.NewString()[:8]
	}
	if p.Broker == "" && p.Org != "" {
		p.Broker = fmt.Sprintf("ssl://%s.messaging.%s:8883", p.Org, p.Domain)
	}
	if p.HTTPBaseURL == "" && p.Org != "" {
		p.HTTPBaseURL = fmt.Sprintf("https://%s.%s", p.Org, p.Domain)
	}
	if p.DeviceToken == "" {
		p.DeviceToken = p.AuthToken
	}
}

// PollDuration returns the polling interval as a duration
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.Source.PollInterval) * time.Minute
}

// Validate checks the values needed to start polling
func (c *Config) Validate() error {
	if c.Source.PollInterval < 1 {
		return ErrInvalidPollInterval
	}
	if c.Source.Org == "" || c.Source.Token == "" {
		return ErrMissingSourceCredentials
	}
	if c.Platform.Org == "" || c.Platform.DeviceType == "" {
		return ErrMissingPlatform
	}
	if c.Platform.QoS < 0 || c.Platform.QoS > 2 {
		return fmt.Errorf("config: platform.qos must be 0, 1 or 2, got %d", c.Platform.QoS)
	}
	return nil
}
