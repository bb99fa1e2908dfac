// Package kinds registers the built-in kinds.
package kinds

import (
	"fmt"

	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/kinds/job"
	"github.com/seantiz/runsync/internal/kinds/nuclio"
	"github.com/seantiz/runsync/internal/kinds/serving"
)

// RegisterDefaults registers job, nuclio and serving in r.
func RegisterDefaults(r *kind.Registry) error {
	entries := []struct {
		name  string
		entry kind.Entry
	}{
		{job.Kind, job.Entry()},
		{nuclio.Kind, nuclio.Entry()},
		{serving.Kind, serving.Entry(r)},
	}
	for _, e := range entries {
		if err := r.Register(e.name, e.entry); err != nil {
			return fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	return nil
}
