package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Poller is one entry of the pollers file.
type Poller struct {
	Name       string
	Kinds      []string
	Interval   time.Duration
	Reschedule bool
}

type pollerFile struct {
	Pollers []struct {
		Name       string   `yaml:"name"`
		Kinds      []string `yaml:"kinds"`
		Interval   string   `yaml:"interval"`
		Reschedule *bool    `yaml:"reschedule"`
	} `yaml:"pollers"`
}

var descriptorParser = cron.NewParser(cron.Descriptor)

// LoadPollers reads a pollers file:
//
//	pollers:
//	  - name: batch
//	    kinds: [job, serving]
//	    interval: "@every 30s"
//	    reschedule: false
//
// reschedule defaults to true (fixed delay).
func LoadPollers(path string) ([]Poller, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pollers file: %w", err)
	}
	return ParsePollers(data)
}

// ParsePollers decodes pollers file content.
func ParsePollers(data []byte) ([]Poller, error) {
	var f pollerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pollers file: %w", err)
	}

	seen := make(map[string]bool, len(f.Pollers))
	out := make([]Poller, 0, len(f.Pollers))
	for i, p := range f.Pollers {
		if p.Name == "" {
			return nil, fmt.Errorf("pollers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("pollers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if len(p.Kinds) == 0 {
			return nil, fmt.Errorf("poller %s: kinds is required", p.Name)
		}
		interval, err := ParseInterval(p.Interval)
		if err != nil {
			return nil, fmt.Errorf("poller %s: %w", p.Name, err)
		}
		reschedule := true
		if p.Reschedule != nil {
			reschedule = *p.Reschedule
		}
		out = append(out, Poller{Name: p.Name, Kinds: p.Kinds, Interval: interval, Reschedule: reschedule})
	}
	return out, nil
}

// ParseInterval accepts a Go duration ("30s") or a constant-delay cron
// descriptor ("@every 30s"). Calendar schedules are rejected: pollers only
// run on fixed delays.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("interval is required")
	}
	if !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("interval %q: %w", s, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("interval %q: must be positive", s)
		}
		return d, nil
	}

	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", s, err)
	}
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, fmt.Errorf("interval %q: only @every schedules are supported", s)
	}
	return every.Delay, nil
}
