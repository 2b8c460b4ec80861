// Package inventory reads device ownership from the inventory REST API.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
)

var errUnexpectedStatusCode = errors.New("unexpected status code")

// UserLookup maps a vendor device id to the owning user id
type UserLookup map[string]string

// Has reports whether id is a known device
func (u UserLookup) Has(id string) bool {
	_, ok := u[id]
	return ok
}

// Device is one inventory record
type Device struct {
	VendorID string `json:"vendorId"`
	UserID   string `json:"userId"`
}

type deviceList struct {
	Items []Device `json:"items"`
}

// Client talks to the inventory API
type Client struct {
	httpClient   *http.Client
	host         string
	path         string
	auth         string
	tenantID     string
	role         string
	vendor       string
	limit        int
	maxRetryTime time.Duration
	resources    *Registry
}

// NewClient creates an inventory client from configuration
func NewClient(cfg config.InventoryConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient:   httpClient,
		host:         strings.TrimRight(cfg.Host, "/"),
		path:         strings.Trim(cfg.Path, "/"),
		auth:         cfg.Auth,
		tenantID:     cfg.TenantID,
		role:         cfg.Role,
		vendor:       cfg.Vendor,
		limit:        cfg.Limit,
		maxRetryTime: cfg.MaxRetryTime,
		resources:    NewRegistry(nil),
	}
}

// UserLookup fetches every device of the vendor and maps vendor id to user
// id. Errors are logged and an empty lookup is returned.
func (c *Client) UserLookup(ctx context.Context) UserLookup {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.limit))
	query.Set("vendor", c.vendor)

	body, err := c.FindAll(ctx, "device", query)
	if err != nil {
		logger.Error("failed to get all devices: %v", err)
		return UserLookup{}
	}

	var list deviceList
	if err := json.Unmarshal(body, &list); err != nil {
		logger.Error("failed to decode devices: %v", err)
		return UserLookup{}
	}

	lookup := make(UserLookup, len(list.Items))
	for _, d := range list.Items {
		lookup[d.VendorID] = d.UserID
	}

	logger.Info("got all devices: %d", len(lookup))
	return lookup
}

// FindAll fetches all records of a type, retrying transient failures
func (c *Client) FindAll(ctx context.Context, recordType string, query url.Values) ([]byte, error) {
	resource := c.resources.Resolve(recordType)

	operation := func() ([]byte, error) {
		return resource.FindAll(ctx, c, query)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	opts := []backoff.RetryOption{backoff.WithBackOff(bo)}
	if c.maxRetryTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.maxRetryTime))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	return backoff.Retry(ctx, operation, opts...)
}

func (c *Client) buildURL(parts ...string) string {
	segments := []string{c.host}
	if c.path != "" {
		segments = append(segments, c.path)
	}
	segments = append(segments, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req.Header.Set("Accept", "application/json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-Id", c.tenantID)
	}
	if c.role != "" {
		req.Header.Set("X-Role", c.role)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%w: %d, response: %s", errUnexpectedStatusCode, resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	return body, nil
}
