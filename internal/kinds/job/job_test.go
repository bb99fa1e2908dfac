package job

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/model"
)

var attrsEqual = cmp.Comparer(func(a, b *attrs.Map) bool { return a.Equal(b) })

func TestRoundTrip(t *testing.T) {
	extra := attrs.New()
	extra.Set("priority", "high")
	extra.Set("labels", attrs.FromMap(map[string]any{"team": "ml"}))

	tests := []struct {
		name string
		spec Spec
	}{
		{"minimal", Spec{Image: "busybox"}},
		{"full", Spec{
			Image:        "python:3.12",
			Command:      []string{"python", "train.py"},
			Args:         []string{"--epochs", "3"},
			Env:          map[string]string{"A": "1", "B": "2"},
			Namespace:    "ml",
			JobName:      "train-1",
			BackoffLimit: 2,
			Extra:        extra,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Converter.Convert(tt.spec)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			got, err := Converter.ReverseConvert(m)
			if err != nil {
				t.Fatalf("ReverseConvert: %v", err)
			}
			if diff := cmp.Diff(tt.spec, got, attrsEqual); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownKeysSurvive(t *testing.T) {
	in := attrs.New()
	in.Set("zzz", int64(1))
	in.Set("image", "busybox")
	in.Set("aaa", "kept")
	in.Set("nested", attrs.FromMap(map[string]any{"k": "v"}))

	spec, err := Converter.ReverseConvert(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Converter.Convert(spec)
	if err != nil {
		t.Fatal(err)
	}
	spec2, _ := Converter.ReverseConvert(out)
	out2, _ := Converter.Convert(spec2)
	if !out.Equal(out2) {
		t.Errorf("second pass differs: %v vs %v", out.ToMap(), out2.ToMap())
	}
	want := []string{"image", "zzz", "aaa", "nested"}
	if got := out.Keys(); !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestReverseConvertErrors(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		key  string
	}{
		{"missing image", map[string]any{"command": []any{"x"}}, "image"},
		{"bad command", map[string]any{"image": "x", "command": "echo"}, "command"},
		{"bad backoff", map[string]any{"image": "x", "backoff_limit": "two"}, "backoff_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Converter.ReverseConvert(attrs.FromMap(tt.in))
			var ce *convert.ConversionError
			if !errors.As(err, &ce) || ce.Key != tt.key {
				t.Errorf("err = %v, want ConversionError on %s", err, tt.key)
			}
		})
	}
}

func TestExternalRef(t *testing.T) {
	rec := &model.Record{ID: "01HZXABC", Name: "train"}
	tests := []struct {
		spec Spec
		rec  *model.Record
		want string
	}{
		{Spec{JobName: "j", Namespace: "ml"}, rec, "ml/j"},
		{Spec{}, rec, "train"},
		{Spec{}, &model.Record{ID: "01HZXABC"}, "01hzxabc"},
	}
	for _, tt := range tests {
		if got := tt.spec.ExternalRef(tt.rec); got != tt.want {
			t.Errorf("ExternalRef = %q, want %q", got, tt.want)
		}
	}
}

func TestPhase(t *testing.T) {
	cond := func(typ, status, msg string) *attrs.Map {
		return attrs.FromMap(map[string]any{"type": typ, "status": status, "message": msg})
	}
	tests := []struct {
		name    string
		payload map[string]any
		want    model.Phase
	}{
		{"not found", map[string]any{"found": false}, model.PhasePending},
		{"queued", map[string]any{"found": true, "active": int64(0)}, model.PhasePending},
		{"active", map[string]any{"found": true, "active": int64(1)}, model.PhaseRunning},
		{"complete", map[string]any{"found": true, "conditions": []any{cond("Complete", "True", "")}}, model.PhaseSucceeded},
		{"failed", map[string]any{"found": true, "conditions": []any{cond("Failed", "True", "BackoffLimitExceeded")}}, model.PhaseFailed},
		{"condition false", map[string]any{"found": true, "conditions": []any{cond("Failed", "False", "")}}, model.PhasePending},
	}
	factory := Entry().Accessor
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := factory(attrs.FromMap(tt.payload))
			if acc.Phase() != tt.want {
				t.Errorf("Phase() = %s, want %s", acc.Phase(), tt.want)
			}
		})
	}
	acc := factory(attrs.FromMap(map[string]any{"found": true, "conditions": []any{cond("Failed", "True", "BackoffLimitExceeded")}}))
	if acc.Message() != "BackoffLimitExceeded" {
		t.Errorf("Message() = %q", acc.Message())
	}
}
