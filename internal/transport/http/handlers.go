package transporthttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/machineTelemetry/internal/config"
	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/ingest"
	"example.com/machineTelemetry/internal/metrics"
	"example.com/machineTelemetry/internal/stats"
	"example.com/machineTelemetry/internal/storage"
)

type ServerDeps struct {
	Cfg       config.Config
	Processor *ingest.Processor
	Ingestor  *ingest.Ingestor
	Stats     *stats.Service
	Store     storage.Store
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	WriteProblem(w, r, http.StatusMethodNotAllowed, "method not allowed", "use "+allow, nil)
}

func fieldProblems(errs []domain.FieldError, prefix string) map[string][]string {
	prob := map[string][]string{}
	for _, fe := range errs {
		prob[prefix+fe.Field] = append(prob[prefix+fe.Field], fe.Msg)
	}
	return prob
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := d.Store.(storage.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			log.Printf("[api] readyz: store ping failed: %v", err)
			WriteProblem(w, r, http.StatusServiceUnavailable, "not ready", "store not reachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Events (batch) ---

// decodeBatch reads a JSON array of events. Elements that do not decode are
// kept as malformed events so that they are rejected individually.
func decodeBatch(r *http.Request) ([]domain.IncomingEvent, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	events := make([]domain.IncomingEvent, len(raw))
	for i, msg := range raw {
		if err := json.Unmarshal(msg, &events[i]); err != nil {
			events[i] = domain.IncomingEvent{EventID: peekEventID(msg), Malformed: true}
		}
	}
	return events, nil
}

func peekEventID(msg json.RawMessage) string {
	var head struct {
		EventID string `json:"eventId"`
	}
	_ = json.Unmarshal(msg, &head)
	return head.EventID
}

func (d *ServerDeps) HandlePostBatch(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	events, err := decodeBatch(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid json", "body must be a JSON array of events: "+err.Error(), nil)
		return
	}

	res := d.Processor.ProcessBatch(r.Context(), events)
	log.Printf("[api] batch processed: size=%d accepted=%d deduped=%d updated=%d rejected=%d failed=%d",
		len(events), res.Accepted, res.Deduped, res.Updated, res.Rejected, res.Failed)
	writeJSON(w, http.StatusOK, res)
}

// --- Events (single, async) ---

func (d *ServerDeps) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var ev domain.IncomingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if _, errs := domain.Validate(ev, d.Now()); len(errs) > 0 {
		WriteProblem(w, r, http.StatusBadRequest, "validation failed", "one or more fields are invalid", fieldProblems(errs, ""))
		return
	}

	if ok := d.Ingestor.Enqueue(ev); !ok {
		if d.Metrics != nil {
			d.Metrics.QueueDropped.Inc()
		}
		WriteProblem(w, r, http.StatusServiceUnavailable, "overloaded", "ingest queue is full, please retry", nil)
		return
	}
	log.Printf("[api] queued 1 event: id=%s machine=%s", ev.EventID, ev.MachineID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- Stats ---

// requireParams returns the named query parameters, or writes a 400 listing
// the missing ones.
func requireParams(w http.ResponseWriter, r *http.Request, names ...string) ([]string, bool) {
	q := r.URL.Query()
	vals := make([]string, len(names))
	missing := map[string][]string{}
	for i, n := range names {
		vals[i] = strings.TrimSpace(q.Get(n))
		if vals[i] == "" {
			missing[n] = []string{"required"}
		}
	}
	if len(missing) > 0 {
		WriteProblem(w, r, http.StatusBadRequest, "invalid parameters", "missing query parameters", missing)
		return nil, false
	}
	return vals, true
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, stats.ErrInvalidRange), errors.Is(err, stats.ErrInvalidLimit):
		WriteProblem(w, r, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
	default:
		log.Printf("[api] query failed: %v", err)
		WriteProblem(w, r, http.StatusInternalServerError, "query error", err.Error(), nil)
	}
}

func (d *ServerDeps) HandleMachineStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requireParams(w, r, "machineId", "start", "end")
	if !ok {
		return
	}
	res, err := d.Stats.MachineStats(r.Context(), p[0], p[1], p[2])
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *ServerDeps) HandleTopDefectLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requireParams(w, r, "factoryId", "from", "to")
	if !ok {
		return
	}
	limit := stats.DefaultTopLinesLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "invalid parameters", "limit must be an integer", nil)
			return
		}
		limit = n
	}
	res, err := d.Stats.TopDefectLines(r.Context(), p[0], p[1], p[2], limit)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.HandleHealthz)
	mux.HandleFunc("/readyz", d.HandleReadyz)
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics.Handler())
	}

	var postBatch http.Handler = http.HandlerFunc(d.HandlePostBatch)
	postBatch = BodyLimit(d.Cfg.MaxBodyBytes)(postBatch)
	postBatch = RequireJSON(postBatch)
	mux.Handle("/events/batch", postBatch)

	var postEvent http.Handler = http.HandlerFunc(d.HandlePostEvent)
	postEvent = BodyLimit(d.Cfg.MaxBodyBytes)(postEvent)
	postEvent = RequireJSON(postEvent)
	mux.Handle("/events", postEvent)

	// both stats routes draw from one bucket
	limit := RateLimitPerMinute(d.Cfg.RateLimitStatsPerMin, d.Now)
	mux.Handle("/events/stats", limit(http.HandlerFunc(d.HandleMachineStats)))
	mux.Handle("/events/stats/top-defect-lines", limit(http.HandlerFunc(d.HandleTopDefectLines)))

	return mux
}
