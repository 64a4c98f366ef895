package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talgya/chainsim/internal/archive"
	"github.com/talgya/chainsim/internal/config"
	"github.com/talgya/chainsim/internal/engine"
)

func newTestServer(t *testing.T, periods int, withDB bool) (*Server, *httptest.Server) {
	t.Helper()
	sc, err := config.Builtin("beer")
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	sc.MaxPeriods = periods
	sim, err := engine.New(sc)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	s := &Server{Sim: sim, Clock: engine.NewClock(time.Millisecond), AdminKey: "secret"}
	if withDB {
		db, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), "runs.sqlite"))
		if err != nil {
			t.Fatalf("archive.Open: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		s.DB = db
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestStatusAndSnapshot(t *testing.T) {
	_, ts := newTestServer(t, 5, false)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["scenario"] != "beer" || status["phase"] != "awaiting_decisions" || status["period"] != float64(1) {
		t.Fatalf("status %v", status)
	}

	resp, err = http.Get(ts.URL + "/api/v1/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap engine.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Echelons) != 4 || snap.Demand["beer"] != 4 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestAdvanceRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, 5, false)

	if resp := post(t, ts.URL+"/api/v1/advance", "", `{}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/v1/advance", "wrong", `{}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp.StatusCode)
	}
}

func TestAdvanceValidatesOrders(t *testing.T) {
	s, ts := newTestServer(t, 5, false)

	tests := []struct {
		body string
		want int
	}{
		{`{"orders": {"retailer": -3}}`, http.StatusBadRequest},
		{`{"orders": {"pub": 3}}`, http.StatusBadRequest},
		{`{"orders": {"retailer": "lots"}}`, http.StatusBadRequest},
		{`{"orders": {"retailer": 2.5}}`, http.StatusBadRequest},
		{`{"orders": {"retailer": 9223372036854775807}}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		resp := post(t, ts.URL+"/api/v1/advance", "secret", tc.body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.body, resp.StatusCode, tc.want)
		}
	}
	if s.Sim.Period() != 1 {
		t.Fatalf("rejected requests advanced the simulation to %d", s.Sim.Period())
	}

	resp := post(t, ts.URL+"/api/v1/advance", "secret", `{"orders": {"retailer": 7}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var res engine.PeriodResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Period != 1 || res.Decisions["retailer"].Order != 7 || res.Decisions["retailer"].Degraded {
		t.Fatalf("result %+v", res)
	}
}

func TestAdvanceToCompletionArchives(t *testing.T) {
	s, ts := newTestServer(t, 2, true)

	for i := 0; i < 2; i++ {
		resp := post(t, ts.URL+"/api/v1/advance", "secret", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("advance %d: status %d", i+1, resp.StatusCode)
		}
	}
	resp := post(t, ts.URL+"/api/v1/advance", "secret", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("advance past horizon: %d, want 409", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/v1/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var runs []archive.RunSummary
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != s.Sim.RunID() {
		t.Fatalf("runs %+v", runs)
	}

	resp, err = http.Get(ts.URL + "/api/v1/runs/" + runs[0].ID + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rows []archive.HistoryRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(rows) != 2*4 || rows[0].Period != 1 {
		t.Fatalf("archived history %+v", rows)
	}

	resp, err = http.Get(ts.URL + "/api/v1/runs/no-such-run/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run: status %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/report")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rep engine.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Complete || rep.Periods != 2 {
		t.Fatalf("report %+v", rep)
	}
}

func TestRunsWithoutArchive(t *testing.T) {
	_, ts := newTestServer(t, 2, false)
	resp, err := http.Get(ts.URL + "/api/v1/runs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/runs/any/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("history status %d, want 404", resp.StatusCode)
	}
}

func TestEventsFilterAndReset(t *testing.T) {
	s, ts := newTestServer(t, 5, false)
	first := s.Sim.RunID()

	resp := post(t, ts.URL+"/api/v1/advance", "secret", "")
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/v1/events?severity=warning")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var events []engine.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected degraded-decision warnings")
	}
	for _, e := range events {
		if e.Severity != engine.SeverityWarning {
			t.Fatalf("filter let through %+v", e)
		}
	}

	resp = post(t, ts.URL+"/api/v1/reset", "secret", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d", resp.StatusCode)
	}
	if s.Sim.RunID() == first || s.Sim.Period() != 1 {
		t.Fatalf("reset did not restart: run %s period %d", s.Sim.RunID(), s.Sim.Period())
	}
}

func TestAutoplayRunsToCompletion(t *testing.T) {
	s, ts := newTestServer(t, 3, false)

	resp := post(t, ts.URL+"/api/v1/autoplay", "secret", `{"action": "start", "interval_ms": 1}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !s.Sim.Complete() {
		if time.Now().After(deadline) {
			t.Fatalf("autoplay stuck at period %d", s.Sim.Period())
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = post(t, ts.URL+"/api/v1/autoplay", "secret", `{"action": "warp"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action: %d", resp.StatusCode)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other clients are independent")
	}
	if got := rl.RetryAfter("a"); got != 61 {
		t.Fatalf("RetryAfter = %d, want 61", got)
	}
	now = now.Add(time.Minute)
	if !rl.Allow("a") {
		t.Fatal("window should have reset")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4242"
	if got := clientIP(r); got != "10.0.0.5" {
		t.Fatalf("clientIP = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Fatalf("clientIP = %q", got)
	}
}
