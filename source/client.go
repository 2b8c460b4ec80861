// Package source fetches places and per-place reading feeds from the Wally
// sensor cloud.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
)

var errUnexpectedStatusCode = errors.New("unexpected status code")

// Feed identifies one of the two reading feeds of a place
type Feed string

const (
	// FeedEvents is the sensor events feed
	FeedEvents Feed = "events"
	// FeedActivities is the derived activities feed
	FeedActivities Feed = "activities"
)

// Client talks to the sensor source
type Client struct {
	httpClient    *http.Client
	org           string
	token         string
	accountsURL   string
	feedURLs      map[Feed]string
	maxConcurrent int
}

// NewClient creates a sensor source client from configuration
func NewClient(cfg config.SourceConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient:  httpClient,
		org:         cfg.Org,
		token:       cfg.Token,
		accountsURL: cfg.AccountsURL,
		feedURLs: map[Feed]string{
			FeedEvents:     cfg.EventsURL,
			FeedActivities: cfg.ActivitiesURL,
		},
		maxConcurrent: cfg.MaxConcurrentRequests,
	}
}

// ListPlaces returns the places of every account. Errors are logged and an
// empty list is returned.
func (c *Client) ListPlaces(ctx context.Context) []Place {
	var accounts []Account
	if err := c.getJSON(ctx, c.accountsURL, &accounts); err != nil {
		logger.Error("failed to list account places: %v", err)
		return []Place{}
	}

	places := make([]Place, 0, len(accounts))
	for _, account := range accounts {
		places = append(places, account.Places...)
	}

	logger.Debug("got %d places from %d accounts", len(places), len(accounts))
	return places
}

// ListReadings fetches one feed for one place. It returns nil when the body
// is empty or on any error.
func (c *Client) ListReadings(ctx context.Context, urlTemplate string, place Place) ReadingBatch {
	requestURL := c.expand(urlTemplate, place)

	var batch ReadingBatch
	if err := c.getJSON(ctx, requestURL, &batch); err != nil {
		logger.Warn("failed to get sensor data for place %s: %v", place.ID, err)
		return nil
	}

	if len(batch) == 0 {
		return nil
	}

	logger.Debug("got readings for %d sensors from place %s", len(batch), place.ID)
	return batch
}

// FetchAll issues the events and activities request of every place
// concurrently and returns the non-empty batches. Results are paired with
// their request by index, so completion order does not matter.
func (c *Client) FetchAll(ctx context.Context, places []Place) []ReadingBatch {
	logger.Info("getting sensor data for %d places", len(places))

	type request struct {
		place Place
		url   string
	}

	requests := make([]request, 0, 2*len(places))
	for _, feed := range []Feed{FeedEvents, FeedActivities} {
		for _, place := range places {
			requests = append(requests, request{place: place, url: c.feedURLs[feed]})
		}
	}

	results := make([]ReadingBatch, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	if c.maxConcurrent > 0 {
		g.SetLimit(c.maxConcurrent)
	}

	for i, req := range requests {
		g.Go(func() error {
			results[i] = c.ListReadings(gctx, req.url, req.place)
			return nil
		})
	}
	_ = g.Wait()

	batches := make([]ReadingBatch, 0, len(results))
	for _, batch := range results {
		if batch != nil {
			batches = append(batches, batch)
		}
	}

	logger.Info("data length: %d", len(batches))
	return batches
}

func (c *Client) expand(urlTemplate string, place Place) string {
	u := strings.ReplaceAll(urlTemplate, ":place", place.ID.String())
	return strings.ReplaceAll(u, ":org", c.org)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d, response: %s", errUnexpectedStatusCode, resp.StatusCode, string(body))
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
