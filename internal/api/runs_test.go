package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/runsync/internal/model"
)

func postRun(t *testing.T, ts *httptest.Server, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/runs", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	return resp
}

func decodeRecord(t *testing.T, resp *http.Response) model.Record {
	t.Helper()
	defer resp.Body.Close()
	var rec model.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func waitForRunState(t *testing.T, srv *Server, id string, want model.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := srv.engine.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %q", id, want)
}

func TestSubmitRun(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts, `{"kind":"sample","project":"p","name":"a","spec":{"target":"a","extra":{"z":1,"b":2}}}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	rec := decodeRecord(t, resp)
	if len(rec.ID) != 26 {
		t.Errorf("id = %q, want ULID", rec.ID)
	}
	if rec.Kind != testKind || rec.Entity != model.EntityRun || rec.Project != "p" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Spec == nil || !rec.Spec.Has("target") {
		t.Errorf("spec = %v, want normalized spec", rec.Spec)
	}
}

func TestSubmitRunErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing kind", `{"spec":{}}`, http.StatusBadRequest},
		{"unsupported kind", `{"kind":"spark","spec":{}}`, http.StatusBadRequest},
		{"missing field", `{"kind":"sample","spec":{}}`, http.StatusBadRequest},
		{"wrong type", `{"kind":"sample","spec":{"target":5}}`, http.StatusBadRequest},
		{"unknown entity", `{"kind":"sample","entity":"dataset","spec":{"target":"x"}}`, http.StatusBadRequest},
		{"untracked entity", `{"kind":"sample","entity":"artifact","spec":{"target":"x"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts, tt.body, nil)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error body = %v, %v", body, err)
			}
		})
	}
}

func TestSubmitRunIdempotencyHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"kind":"sample","spec":{"target":"once"}}`
	hdr := map[string]string{idempotencyHeader: "abc"}
	first := decodeRecord(t, postRun(t, ts, body, hdr))
	second := decodeRecord(t, postRun(t, ts, body, hdr))
	if first.ID != second.ID {
		t.Errorf("ids differ: %s and %s", first.ID, second.ID)
	}
}

func TestGetRun(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := decodeRecord(t, postRun(t, ts, `{"kind":"sample","spec":{"target":"g"}}`, nil))

	resp, err := http.Get(ts.URL + "/v1/runs/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decodeRecord(t, resp); got.ID != created.ID {
		t.Errorf("id = %s, want %s", got.ID, created.ID)
	}

	resp, err = http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, p := range []string{"a", "a", "b"} {
		resp := postRun(t, ts, `{"kind":"sample","project":"`+p+`","spec":{"target":"t"}}`, nil)
		resp.Body.Close()
	}

	tests := []struct {
		query     string
		wantTotal int
		wantLen   int
		wantLimit int
	}{
		{"", 3, 3, defaultListLimit},
		{"?project=a", 2, 2, defaultListLimit},
		{"?kind=other", 0, 0, defaultListLimit},
		{"?limit=1", 3, 1, 1},
		{"?limit=1000", 3, 3, defaultListLimit},
		{"?offset=2", 3, 1, defaultListLimit},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/v1/runs" + tt.query)
		if err != nil {
			t.Fatal(err)
		}
		var list listRunsResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			t.Fatalf("%s: decode: %v", tt.query, err)
		}
		resp.Body.Close()
		if list.Total != tt.wantTotal || len(list.Runs) != tt.wantLen || list.Limit != tt.wantLimit {
			t.Errorf("%q: total=%d len=%d limit=%d, want %d %d %d",
				tt.query, list.Total, len(list.Runs), list.Limit, tt.wantTotal, tt.wantLen, tt.wantLimit)
		}
	}
}

func TestCancelRun(t *testing.T) {
	srv, fetcher := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	fetcher.set("c", model.PhaseRunning)
	created := decodeRecord(t, postRun(t, ts, `{"kind":"sample","spec":{"target":"c"}}`, nil))
	waitForRunState(t, srv, created.ID, model.StateRunning)

	del := func(id string) *http.Response {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := del(created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	if rec := decodeRecord(t, resp); rec.State != model.StateStop {
		t.Errorf("state = %q, want stop", rec.State)
	}

	resp = del(created.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}

	resp = del("nonexistent")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing cancel status = %d, want 404", resp.StatusCode)
	}
}
