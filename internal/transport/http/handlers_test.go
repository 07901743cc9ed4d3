package transporthttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/machineTelemetry/internal/config"
	"example.com/machineTelemetry/internal/ingest"
	"example.com/machineTelemetry/internal/metrics"
	"example.com/machineTelemetry/internal/stats"
	"example.com/machineTelemetry/internal/storage/memory"
)

var testNow = time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func newDeps(t *testing.T, mutate func(*config.Config)) *ServerDeps {
	t.Helper()
	cfg := config.Defaults()
	cfg.StoreDriver = config.DriverMemory
	cfg.QueueMaxSize = 1
	if mutate != nil {
		mutate(&cfg)
	}
	store := memory.New()
	m := metrics.New()
	proc := ingest.NewProcessor(store, fixedNow, m)
	return &ServerDeps{
		Cfg:       cfg,
		Processor: proc,
		Ingestor:  ingest.NewIngestor(proc, cfg.QueueMaxSize, cfg.BatchMaxSize, cfg.BatchMaxWait),
		Stats:     stats.NewService(store, m),
		Store:     store,
		Metrics:   m,
		Now:       fixedNow,
	}
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const batchBody = `[
 {"eventId":"E-1","eventTime":"2026-01-15T10:12:03.123Z","receivedTime":"2026-01-15T10:12:04.500Z","machineId":"M-001","factoryId":"F01","lineId":"L01","durationMs":1000,"defectCount":2},
 {"eventId":"E-1","eventTime":"2026-01-15T10:12:03.123Z","receivedTime":"2026-01-15T10:12:09.000Z","machineId":"M-001","factoryId":"F01","lineId":"L01","durationMs":1000,"defectCount":2},
 {"eventId":"E-2","eventTime":"2026-01-15T11:00:00Z","receivedTime":"2026-01-15T11:00:01Z","machineId":"M-001","factoryId":"F01","lineId":"L02","durationMs":-5,"defectCount":0},
 {"eventId":"E-3","eventTime":"2026-01-15T11:00:00Z","machineId":"M-001","factoryId":"F01","lineId":"L02","durationMs":"long","defectCount":0}
]`

func TestPostBatch(t *testing.T) {
	d := newDeps(t, nil)
	h := d.Router()

	rec := do(t, h, http.MethodPost, "/events/batch", "application/json", batchBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	res := decode[ingest.BatchResult](t, rec)
	if res.Accepted != 1 || res.Deduped != 1 || res.Updated != 0 || res.Rejected != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Rejections) != 2 || res.Rejections[0].EventID != "E-2" || res.Rejections[1].EventID != "E-3" {
		t.Fatalf("rejections = %+v", res.Rejections)
	}
	for _, rj := range res.Rejections {
		if rj.Reason != ingest.ReasonInvalid {
			t.Fatalf("reason = %s, want INVALID", rj.Reason)
		}
	}

	if got := testutil.ToFloat64(d.Metrics.EventsTotal.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("accepted counter = %v, want 1", got)
	}
}

func TestPostBatchRequestErrors(t *testing.T) {
	h := newDeps(t, func(c *config.Config) { c.MaxBodyBytes = 64 }).Router()
	tests := []struct {
		name, method, ct, body string
		want                   int
	}{
		{"not an array", http.MethodPost, "application/json", `{"eventId":"E-1"}`, http.StatusBadRequest},
		{"wrong content type", http.MethodPost, "text/plain", `[]`, http.StatusUnsupportedMediaType},
		{"wrong method", http.MethodGet, "", "", http.StatusMethodNotAllowed},
		{"body too large", http.MethodPost, "application/json", "[" + strings.Repeat(`{},`, 40) + "{}]", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, "/events/batch", tc.ct, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body=%s)", rec.Code, tc.want, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("content type = %q", ct)
			}
			p := decode[Problem](t, rec)
			if p.Instance != "/events/batch" || p.Status != tc.want {
				t.Fatalf("problem = %+v, want instance /events/batch and status %d", p, tc.want)
			}
			if !strings.HasPrefix(p.Type, problemTypePrefix) {
				t.Fatalf("problem type = %q", p.Type)
			}
		})
	}
}

func TestPostBatchEmptyArray(t *testing.T) {
	rec := do(t, newDeps(t, nil).Router(), http.MethodPost, "/events/batch", "application/json", `[]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"rejections":[]`) {
		t.Fatalf("body = %s, want an empty rejections list", rec.Body.String())
	}
}

func TestPostEventQueues(t *testing.T) {
	d := newDeps(t, nil)
	h := d.Router()
	one := `{"eventId":"E-1","eventTime":"2026-01-15T10:12:03Z","machineId":"M-001","factoryId":"F01","lineId":"L01","durationMs":10,"defectCount":0}`

	if rec := do(t, h, http.MethodPost, "/events", "application/json", one); rec.Code != http.StatusAccepted {
		t.Fatalf("first post status = %d body=%s", rec.Code, rec.Body.String())
	}
	// queue capacity is 1 and nothing drains it
	if rec := do(t, h, http.MethodPost, "/events", "application/json", one); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second post status = %d, want 503", rec.Code)
	}
	if got := testutil.ToFloat64(d.Metrics.QueueDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
}

func TestPostEventValidation(t *testing.T) {
	rec := do(t, newDeps(t, nil).Router(), http.MethodPost, "/events", "application/json",
		`{"eventId":"E-1","eventTime":"2026-01-15T13:00:00Z","durationMs":10}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	p := decode[Problem](t, rec)
	if p.Type != "urn:machine-telemetry:problem:validation-failed" || p.Instance != "/events" {
		t.Fatalf("problem = %+v", p)
	}
	if len(p.Errors["eventTime"]) == 0 {
		t.Fatalf("problem errors = %v, want an eventTime entry", p.Errors)
	}
}

func TestMachineStats(t *testing.T) {
	h := newDeps(t, nil).Router()
	do(t, h, http.MethodPost, "/events/batch", "application/json", batchBody)

	rec := do(t, h, http.MethodGet, "/events/stats?machineId=M-001&start=2026-01-15T00:00:00Z&end=2026-01-16T00:00:00Z", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[stats.MachineStats](t, rec)
	if got.MachineID != "M-001" || got.EventsCount != 1 || got.DefectsCount != 2 || got.Status != stats.StatusHealthy {
		t.Fatalf("stats = %+v", got)
	}
}

func TestMachineStatsBadParams(t *testing.T) {
	h := newDeps(t, nil).Router()
	for _, target := range []string{
		"/events/stats?machineId=M-001&start=2026-01-15T00:00:00Z",
		"/events/stats?machineId=M-001&start=today&end=2026-01-16T00:00:00Z",
	} {
		if rec := do(t, h, http.MethodGet, target, "", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestTopDefectLines(t *testing.T) {
	h := newDeps(t, nil).Router()
	body := `[
 {"eventId":"A","eventTime":"2026-01-15T10:00:00Z","machineId":"M-1","factoryId":"F01","lineId":"L01","durationMs":1,"defectCount":10},
 {"eventId":"B","eventTime":"2026-01-15T10:00:00Z","machineId":"M-2","factoryId":"F01","lineId":"L02","durationMs":1,"defectCount":5}
]`
	do(t, h, http.MethodPost, "/events/batch", "application/json", body)

	rec := do(t, h, http.MethodGet, "/events/stats/top-defect-lines?factoryId=F01&from=2026-01-15T00:00:00Z&to=2026-01-16T00:00:00Z&limit=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[[]stats.LineDefects](t, rec)
	if len(got) != 1 || got[0].LineID != "L01" || got[0].TotalDefects != 10 || got[0].DefectsPercent != 1000 {
		t.Fatalf("lines = %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/events/stats/top-defect-lines?factoryId=F01&from=2026-01-15T00:00:00Z&to=2026-01-16T00:00:00Z", "", "")
	if got := decode[[]stats.LineDefects](t, rec); len(got) != 2 {
		t.Fatalf("default limit returned %d lines, want 2", len(got))
	}
}

func TestTopDefectLinesBadLimit(t *testing.T) {
	h := newDeps(t, nil).Router()
	for _, limit := range []string{"ten", "-1"} {
		rec := do(t, h, http.MethodGet, "/events/stats/top-defect-lines?factoryId=F01&from=2026-01-15T00:00:00Z&to=2026-01-16T00:00:00Z&limit="+limit, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newDeps(t, nil).Router()
	for _, path := range []string{"/healthz", "/readyz"} {
		if rec := do(t, h, http.MethodGet, path, "", ""); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}

	do(t, h, http.MethodPost, "/events/batch", "application/json", batchBody)
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "events_ingested_total") {
		t.Fatal("metrics output lacks events_ingested_total")
	}
}
