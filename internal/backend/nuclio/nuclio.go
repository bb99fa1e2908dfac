// Package nuclio reports the status of Nuclio functions through the
// dashboard HTTP API.
package nuclio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
)

const namespaceHeader = "X-Nuclio-Function-Namespace"

// Fetcher queries GET {base}/api/functions/{name}.
type Fetcher struct {
	base      string
	namespace string
	client    *http.Client
	limiter   *rate.Limiter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithNamespace sets the function namespace header.
func WithNamespace(ns string) Option {
	return func(f *Fetcher) { f.namespace = ns }
}

// New returns a Fetcher for the dashboard at base, allowing qps requests per
// second.
func New(base string, qps float64, opts ...Option) *Fetcher {
	if qps <= 0 {
		qps = 5
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	f := &Fetcher{
		base:    strings.TrimRight(base, "/"),
		client:  http.DefaultClient,
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Capabilities implements backend.StatusFetcher.
func (f *Fetcher) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "nuclio-dashboard",
		Kinds:       []string{"nuclio"},
		Description: "Nuclio function deployment state",
	}
}

// FetchStatus implements backend.StatusFetcher. The returned payload is the
// dashboard's function document with a found flag prepended.
func (f *Fetcher) FetchStatus(ctx context.Context, ref string, timeout time.Duration) (*attrs.Map, error) {
	return backend.Fetch(ctx, "nuclio", ref, timeout, func(ctx context.Context) (*attrs.Map, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/api/functions/"+url.PathEscape(ref), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if f.namespace != "" {
			req.Header.Set(namespaceHeader, f.namespace)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backend.NotFound(ref, f.namespace), nil
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%w: dashboard returned %d: %s", backend.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var doc attrs.Map
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode function %s: %w", ref, err)
		}
		out := attrs.New()
		out.Set("found", true)
		doc.Range(func(k string, v any) bool {
			out.Set(k, v)
			return true
		})
		return out, nil
	})
}
