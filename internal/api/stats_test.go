package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/runsync/internal/model"
)

func getStats(t *testing.T, ts *httptest.Server) statsResponse {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts)
	if stats.Total != 0 || stats.Active != 0 {
		t.Errorf("total = %d active = %d, want 0", stats.Total, stats.Active)
	}
	if stats.Pollers != 1 {
		t.Errorf("pollers = %d, want 1", stats.Pollers)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv, fetcher := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	fetcher.set("done", model.PhaseSucceeded)
	var finished []string
	for range 3 {
		rec := decodeRecord(t, postRun(t, ts, `{"kind":"sample","spec":{"target":"done"}}`, nil))
		finished = append(finished, rec.ID)
	}
	pending := decodeRecord(t, postRun(t, ts, `{"kind":"sample","spec":{"target":"waiting"}}`, nil))

	for _, id := range finished {
		waitForRunState(t, srv, id, model.StateCompleted)
	}
	waitForRunState(t, srv, pending.ID, model.StateReady)

	stats := getStats(t, ts)
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.Active != 1 {
		t.Errorf("active = %d, want 1", stats.Active)
	}
	if stats.ByState["completed"] != 3 || stats.ByState["ready"] != 1 {
		t.Errorf("by_state = %v", stats.ByState)
	}
	if stats.ByKind[testKind] != 4 {
		t.Errorf("by_kind = %v", stats.ByKind)
	}
}
