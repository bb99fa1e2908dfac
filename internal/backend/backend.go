package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
)

var (
	// ErrTimeout means the backend did not answer within the caller's timeout.
	ErrTimeout = errors.New("backend status timed out")
	// ErrUnavailable means the backend could not be reached or refused the query.
	ErrUnavailable = errors.New("backend unavailable")
)

// StatusFetcher queries the current status of externally executed work.
type StatusFetcher interface {
	// FetchStatus returns the raw status payload for ref. It must give up
	// after timeout and report ErrTimeout or ErrUnavailable wrapped in a
	// StatusError. A resource that does not exist yet is not an error; the
	// payload reports found=false.
	FetchStatus(ctx context.Context, ref string, timeout time.Duration) (*attrs.Map, error)

	// Capabilities describes the adapter.
	Capabilities() Capabilities
}

// Capabilities describes what a status fetcher serves.
type Capabilities struct {
	Name        string   `json:"name"`
	Kinds       []string `json:"kinds"`
	Description string   `json:"description,omitempty"`
}

// StatusError wraps a failed status query with the kind and external ref.
type StatusError struct {
	Kind string
	Ref  string
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s status %s: %v", e.Kind, e.Ref, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Fetch runs query under timeout and classifies its failure. Deadline
// expiry becomes ErrTimeout; any other error becomes ErrUnavailable unless
// it already carries one of the two.
func Fetch(ctx context.Context, kind, ref string, timeout time.Duration, query func(ctx context.Context) (*attrs.Map, error)) (*attrs.Map, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	payload, err := query(ctx)
	if err == nil {
		return payload, nil
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil, &StatusError{Kind: kind, Ref: ref, Err: err}
}

// NotFound is the payload reported for a resource that does not exist.
func NotFound(name, namespace string) *attrs.Map {
	m := attrs.New()
	m.Set("name", name)
	if namespace != "" {
		m.Set("namespace", namespace)
	}
	m.Set("found", false)
	return m
}
