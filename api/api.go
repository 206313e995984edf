// Package api serves the collected metrics as JSON over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"funcmetrics/collector"
	"funcmetrics/logger"
	"funcmetrics/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWindow is the /samples time range when from and to are omitted.
const DefaultWindow = time.Hour

// Reporter is the read side of the collector.
type Reporter interface {
	Metrics(identifier string) collector.Report
	AllMetrics() []collector.Report
}

// Connections hands out the connection /samples reads through. It must not
// be the batch writer's: a sink handle serves one consumer at a time.
type Connections interface {
	Get(ctx context.Context) (storage.Conn, error)
}

type Report struct {
	Function        string  `json:"function"`
	CallCount       uint64  `json:"call_count"`
	AverageDuration float64 `json:"average_duration"`
	ErrorCount      uint64  `json:"error_count"`
}

type Sample struct {
	ID            int64     `json:"id"`
	Function      string    `json:"function"`
	ExecutionTime float64   `json:"execution_time"`
	ErrorOccurred bool      `json:"error_occurred"`
	ObservedAt    time.Time `json:"observed_at"`
}

type Message struct {
	Msg string `json:"msg"`
}

// Handler serves the read-only endpoints.
type Handler struct {
	reports Reporter
	conns   Connections
	log     *zap.Logger
	now     func() time.Time
}

// New builds a Handler. conns may be nil, in which case /samples answers 503.
func New(reports Reporter, conns Connections, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{reports: reports, conns: conns, log: log, now: time.Now}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	// http://localhost:9102/functions
	mux.HandleFunc("GET /functions", h.withLog(h.handleFunctions))
	// http://localhost:9102/function?id=example_function
	mux.HandleFunc("GET /function", h.withLog(h.handleFunction))
	// http://localhost:9102/samples?function=example_function&from=2024-01-01T00:00:00Z
	mux.HandleFunc("GET /samples", h.withLog(h.handleSamples))
}

func (h *Handler) withLog(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithRequestID(h.log, uuid.NewString())
		log.Debug("request", zap.String("method", r.Method), zap.String("url", r.URL.String()))
		next(w, r.WithContext(logger.WithContext(r.Context(), log)))
	}
}

func (h *Handler) handleFunctions(w http.ResponseWriter, r *http.Request) {
	all := h.reports.AllMetrics()
	out := make([]Report, 0, len(all))
	for _, rep := range all {
		out = append(out, toReport(rep))
	}
	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *Handler) handleFunction(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeJSON(w, r, http.StatusBadRequest, Message{"missing id"})
		return
	}
	h.writeJSON(w, r, http.StatusOK, toReport(h.reports.Metrics(id)))
}

func (h *Handler) handleSamples(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)
	query := r.URL.Query()

	to := h.now().UTC()
	if v := query.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeJSON(w, r, http.StatusBadRequest, Message{"to must be an RFC3339 timestamp"})
			return
		}
		to = t
	}
	from := to.Add(-DefaultWindow)
	if v := query.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeJSON(w, r, http.StatusBadRequest, Message{"from must be an RFC3339 timestamp"})
			return
		}
		from = t
	}
	if from.After(to) {
		h.writeJSON(w, r, http.StatusBadRequest, Message{"from is after to"})
		return
	}

	if h.conns == nil {
		h.writeJSON(w, r, http.StatusServiceUnavailable, Message{"no sink configured"})
		return
	}
	conn, err := h.conns.Get(r.Context())
	if err != nil {
		log.Warn("sink unavailable", zap.Error(err))
		h.writeJSON(w, r, http.StatusServiceUnavailable, Message{"sink unavailable"})
		return
	}
	q, ok := conn.(storage.Querier)
	if !ok {
		h.writeJSON(w, r, http.StatusNotImplemented, Message{"sink cannot be queried"})
		return
	}

	records, err := q.Query(r.Context(), query.Get("function"), from, to)
	if err != nil {
		if errors.Is(err, storage.ErrClosed) {
			h.writeJSON(w, r, http.StatusServiceUnavailable, Message{"sink unavailable"})
			return
		}
		log.Error("query samples", zap.Error(err))
		h.writeJSON(w, r, http.StatusInternalServerError, Message{"Internal server error"})
		return
	}

	out := make([]Sample, 0, len(records))
	for _, rec := range records {
		out = append(out, Sample{
			ID:            rec.ID,
			Function:      rec.Identifier,
			ExecutionTime: rec.DurationSeconds,
			ErrorOccurred: rec.Failed,
			ObservedAt:    rec.ObservedAt,
		})
	}
	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(r.Context(), h.log).Warn("write response", zap.Error(err))
	}
}

func toReport(r collector.Report) Report {
	return Report{
		Function:        r.Identifier,
		CallCount:       r.CallCount,
		AverageDuration: r.AverageDuration,
		ErrorCount:      r.ErrorCount,
	}
}
