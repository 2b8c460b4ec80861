package inventory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-trans/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retry time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.InventoryConfig{
		Host:         srv.URL,
		Path:         "/api/v1/",
		Auth:         "Bearer api-token",
		TenantID:     "tenant-1",
		Role:         "administrator",
		Vendor:       "Wally",
		Limit:        50000,
		MaxRetryTime: retry,
	}, srv.Client())
}

func TestUserLookup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices", r.URL.Path)
		assert.Equal(t, "50000", r.URL.Query().Get("limit"))
		assert.Equal(t, "Wally", r.URL.Query().Get("vendor"))
		assert.Equal(t, "Bearer api-token", r.Header.Get("Authorization"))
		assert.Equal(t, "tenant-1", r.Header.Get("X-Tenant-Id"))
		assert.Equal(t, "administrator", r.Header.Get("X-Role"))
		_, _ = w.Write([]byte(`{"items": [{"vendorId": "S1", "userId": "u1"}, {"vendorId": "G1", "userId": "u2"}]}`))
	}, 0)

	lookup := c.UserLookup(context.Background())
	assert.Equal(t, UserLookup{"S1": "u1", "G1": "u2"}, lookup)
	assert.True(t, lookup.Has("G1"))
	assert.False(t, lookup.Has("S9"))
}

func TestUserLookupRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"items": [{"vendorId": "S1", "userId": "u1"}]}`))
	}, 10*time.Second)

	lookup := c.UserLookup(context.Background())
	assert.Equal(t, UserLookup{"S1": "u1"}, lookup)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUserLookupDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}, 10*time.Second)

	lookup := c.UserLookup(context.Background())
	assert.NotNil(t, lookup)
	assert.Empty(t, lookup)
	assert.Equal(t, int32(1), calls.Load())
}

type staticResource struct{ body string }

func (s staticResource) FindAll(context.Context, *Client, url.Values) ([]byte, error) {
	return []byte(s.body), nil
}

func TestRegistryResolvesCustomHandlers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	}, 0)
	c.resources = NewRegistry(map[string]Resource{"device": staticResource{`{"items":[{"vendorId":"X","userId":"y"}]}`}})

	assert.Equal(t, UserLookup{"X": "y"}, c.UserLookup(context.Background()))

	_, isDefault := c.resources.Resolve("shield").(restResource)
	assert.True(t, isDefault)
}

func TestPluralize(t *testing.T) {
	assert.Equal(t, "devices", pluralize("device"))
	assert.Equal(t, "policies", pluralize("policy"))
	assert.Equal(t, "gateways", pluralize("gateway"))
	assert.Equal(t, "users", pluralize("users"))
	require.Equal(t, "", pluralize(""))
}
