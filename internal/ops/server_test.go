package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

type fakeCounter struct {
	counts map[models.Status]int
	err    error
}

func (f *fakeCounter) CountByStatus(context.Context) (map[models.Status]int, error) {
	return f.counts, f.err
}

type fakeHistory struct {
	runs []*models.CleanupRun
}

func (f *fakeHistory) ListRecent(context.Context, int) ([]*models.CleanupRun, error) {
	return f.runs, nil
}

func newTestServer(t *testing.T, counter messageCounter, history runHistory) *Server {
	t.Helper()
	store, err := filestore.New(t.TempDir(), filestore.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewServer("127.0.0.1:0", store, counter, history)
}

func TestHealthzOK(t *testing.T) {
	s := newTestServer(t, &fakeCounter{}, &fakeHistory{})

	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStatsCombinesZonesAndStatuses(t *testing.T) {
	counter := &fakeCounter{counts: map[models.Status]int{
		models.StatusFetched:       3,
		models.StatusSummaryFailed: 1,
	}}
	s := newTestServer(t, counter, &fakeHistory{})

	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Zones) != 3 {
		t.Fatalf("expected three zones, got %+v", resp.Zones)
	}
	if resp.Messages["FETCHED"] != 3 || resp.Messages["SUMMARY_FAILED"] != 1 {
		t.Fatalf("unexpected message counts: %+v", resp.Messages)
	}
}

func TestStatsCounterErrorIs500(t *testing.T) {
	s := newTestServer(t, &fakeCounter{err: errors.New("db gone")}, &fakeHistory{})

	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCleanupRunsEndpoint(t *testing.T) {
	history := &fakeHistory{runs: []*models.CleanupRun{{
		ID:         1,
		RunType:    models.RunTypeFileStore,
		Zone:       "processed",
		StartedAt:  time.Date(2026, 2, 10, 3, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 2, 10, 3, 0, 5, 0, time.UTC),
		Deleted:    12,
	}}}
	s := newTestServer(t, &fakeCounter{}, history)

	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cleanup-runs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Runs []*models.CleanupRun `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].Deleted != 12 {
		t.Fatalf("unexpected runs: %+v", resp.Runs)
	}
}
