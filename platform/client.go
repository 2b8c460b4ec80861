// Package platform is the client of the downstream IoT platform: device
// types and devices are managed over its REST API, events are published
// over MQTT.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/mqtt"
)

const apiPrefix = "/api/v0002"

// Publisher is the MQTT side of the platform connection
type Publisher interface {
	Connect() error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect()
}

// DeviceInfo describes a device at registration
type DeviceInfo struct {
	SerialNumber        string `json:"serialNumber,omitempty"`
	Manufacturer        string `json:"manufacturer,omitempty"`
	Description         string `json:"description,omitempty"`
	HwVersion           string `json:"hwVersion,omitempty"`
	DescriptiveLocation string `json:"descriptiveLocation,omitempty"`
}

type deviceTypeRequest struct {
	ID string `json:"id"`
}

type deviceRequest struct {
	DeviceID   string     `json:"deviceId"`
	AuthToken  string     `json:"authToken,omitempty"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// Client is the platform client
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	authToken  string
	qos        byte
	publisher  Publisher
}

// NewClient creates a platform client using an MQTT application connection
func NewClient(cfg config.PlatformConfig) (*Client, error) {
	pub, err := mqtt.NewClient(mqtt.Options{
		Broker:   cfg.Broker,
		ClientID: fmt.Sprintf("a:%s:%s", cfg.Org, cfg.AppID),
		Username: cfg.APIKey,
		Password: cfg.AuthToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}

	return NewClientWithPublisher(cfg, pub, nil), nil
}

// NewClientWithPublisher creates a platform client with the given MQTT
// publisher and HTTP client
func NewClientWithPublisher(cfg config.PlatformConfig, pub Publisher, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.HTTPBaseURL, "/"),
		apiKey:     cfg.APIKey,
		authToken:  cfg.AuthToken,
		qos:        byte(cfg.QoS),
		publisher:  pub,
	}
}

// Connect opens the MQTT connection
func (c *Client) Connect() error {
	return c.publisher.Connect()
}

// Close disconnects from the broker
func (c *Client) Close() {
	c.publisher.Disconnect()
}

// RegisterDeviceType creates a device type. An existing type is reported
// as an *APIError with status 409; see IsConflict.
func (c *Client) RegisterDeviceType(ctx context.Context, name string) error {
	return c.post(ctx, apiPrefix+"/device/types", deviceTypeRequest{ID: name})
}

// RegisterDevice creates a device of deviceType
func (c *Client) RegisterDevice(ctx context.Context, deviceType, serial, authToken string, info DeviceInfo) error {
	path := fmt.Sprintf("%s/device/types/%s/devices", apiPrefix, url.PathEscape(deviceType))
	return c.post(ctx, path, deviceRequest{
		DeviceID:   serial,
		AuthToken:  authToken,
		DeviceInfo: info,
	})
}

// PublishEvent publishes an event on behalf of a device
func (c *Client) PublishEvent(ctx context.Context, deviceType, deviceID, event, format string, payload []byte) error {
	return c.publisher.Publish(ctx, EventTopic(deviceType, deviceID, event, format), c.qos, payload)
}

// EventTopic returns the application topic of a device event
func EventTopic(deviceType, deviceID, event, format string) string {
	return fmt.Sprintf("iot-2/type/%s/id/%s/evt/%s/fmt/%s", deviceType, deviceID, event, format)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.apiKey, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Path: path, Body: string(respBody)}
	}

	logger.Debug("platform POST %s: %d", path, resp.StatusCode)
	return nil
}

// APIError is a non-2xx platform REST response
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: %s returned %d: %s", e.Path, e.Status, e.Body)
}

// IsConflict reports whether err is a 409 from the platform
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}
