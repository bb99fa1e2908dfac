package backend_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
)

// stubFetcher is a minimal StatusFetcher for registry tests.
type stubFetcher struct {
	name string
}

func (s *stubFetcher) FetchStatus(_ context.Context, ref string, _ time.Duration) (*attrs.Map, error) {
	m := attrs.New()
	m.Set("name", ref)
	return m, nil
}

func (s *stubFetcher) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: s.name}
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register("serving", &stubFetcher{name: "deployments"})
	reg.Register("job", &stubFetcher{name: "jobs"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d fetchers, want 2", len(list))
	}
	if list[0].Kind != "job" || list[1].Kind != "serving" {
		t.Errorf("List() order = %s, %s; want job, serving", list[0].Kind, list[1].Kind)
	}
	if list[0].Capabilities.Name != "jobs" {
		t.Errorf("capabilities name = %q, want jobs", list[0].Capabilities.Name)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register("job", &stubFetcher{name: "jobs"})

	f, err := reg.Resolve("job")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.Capabilities().Name != "jobs" {
		t.Errorf("resolved name = %q, want jobs", f.Capabilities().Name)
	}
	if _, err := reg.Resolve("nuclio"); err == nil {
		t.Error("expected error for unregistered kind, got nil")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register("job", &stubFetcher{name: "old"})
	reg.Register("job", &stubFetcher{name: "new"})

	f, _ := reg.Resolve("job")
	if f.Capabilities().Name != "new" {
		t.Errorf("resolved name = %q, want new", f.Capabilities().Name)
	}
}

func TestFetchClassifiesErrors(t *testing.T) {
	tests := []struct {
		name  string
		query func(ctx context.Context) (*attrs.Map, error)
		want  error
	}{
		{
			name: "deadline",
			query: func(ctx context.Context) (*attrs.Map, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			want: backend.ErrTimeout,
		},
		{
			name: "refused",
			query: func(context.Context) (*attrs.Map, error) {
				return nil, fmt.Errorf("dial tcp: connection refused")
			},
			want: backend.ErrUnavailable,
		},
		{
			name: "already classified",
			query: func(context.Context) (*attrs.Map, error) {
				return nil, backend.ErrTimeout
			},
			want: backend.ErrTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := backend.Fetch(context.Background(), "job", "default/x", 20*time.Millisecond, tt.query)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var se *backend.StatusError
			if !errors.As(err, &se) || se.Kind != "job" || se.Ref != "default/x" {
				t.Errorf("StatusError = %+v", se)
			}
		})
	}
}

func TestFetchSuccess(t *testing.T) {
	want := backend.NotFound("x", "default")
	got, err := backend.Fetch(context.Background(), "job", "default/x", time.Second, func(context.Context) (*attrs.Map, error) {
		return want, nil
	})
	if err != nil || got != want {
		t.Errorf("Fetch = %v, %v", got, err)
	}
	if found, _ := got.Get("found"); found != false {
		t.Errorf("found = %v, want false", found)
	}
}
