package inventory

import (
	"context"
	"net/url"
	"strings"
)

// Resource fetches records of one type from the inventory API
type Resource interface {
	FindAll(ctx context.Context, c *Client, query url.Values) ([]byte, error)
}

// restResource is the default handler: GET {host}/{path}/{plural type}
type restResource struct {
	name string
}

func (r restResource) FindAll(ctx context.Context, c *Client, query url.Values) ([]byte, error) {
	return c.get(ctx, c.buildURL(pluralize(r.name)), query)
}

// Registry resolves a record type to its handler. Unknown types use the
// default REST handler.
type Registry struct {
	handlers map[string]Resource
}

// NewRegistry creates a registry with the given custom handlers
func NewRegistry(custom map[string]Resource) *Registry {
	handlers := make(map[string]Resource, len(custom))
	for name, h := range custom {
		handlers[name] = h
	}
	return &Registry{handlers: handlers}
}

// Resolve returns the handler for a record type
func (r *Registry) Resolve(recordType string) Resource {
	if h, ok := r.handlers[recordType]; ok {
		return h
	}
	return restResource{name: recordType}
}

// pluralize covers the regular English plurals used by the API paths.
func pluralize(name string) string {
	switch {
	case name == "":
		return name
	case strings.HasSuffix(name, "s"):
		return name
	case strings.HasSuffix(name, "y") && !strings.HasSuffix(name, "ay") && !strings.HasSuffix(name, "ey"):
		return strings.TrimSuffix(name, "y") + "ies"
	default:
		return name + "s"
	}
}
