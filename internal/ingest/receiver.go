// Package ingest exposes the HTTP surface through which detection layers
// submit events to the correlation engine.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/config"
	"github.com/lvonguyen/agentguard/internal/correlation"
	"github.com/lvonguyen/agentguard/internal/scanner"
)

// Scanner runs the static scanner for the on-demand scan endpoint.
type Scanner interface {
	Scan(ctx context.Context, root string) (*scanner.Result, error)
}

// Stats tracks receiver activity.
type Stats struct {
	EventsReceived int64     `json:"events_received"`
	EventsRejected int64     `json:"events_rejected"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// Receiver accepts layer events over HTTP and hands them to the engine.
// Authentication is fail-closed: with no token configured in the
// environment, every request is rejected.
type Receiver struct {
	cfg    config.ServerConfig
	engine *correlation.Engine
	scan   Scanner
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewReceiver builds a receiver over the engine. sc may be nil, which
// disables the scan endpoint.
func NewReceiver(cfg config.ServerConfig, engine *correlation.Engine, sc Scanner, log *zap.Logger) *Receiver {
	return &Receiver{cfg: cfg, engine: engine, scan: sc, log: log}
}

// Routes returns the router for mounting under the API prefix.
func (r *Receiver) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(r.authenticate)
	router.Post("/events/{layer}", r.handleEvent)
	router.Post("/events/{layer}/batch", r.handleBatch)
	router.Post("/scan", r.handleScan)
	return router
}

// Stats returns a copy of the receiver counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// authenticate enforces the bearer token from the configured environment
// variable. An unset or empty token rejects all traffic.
func (r *Receiver) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		expected := os.Getenv(r.cfg.TokenEnv)
		if expected == "" {
			r.reject(w, http.StatusServiceUnavailable, "ingest token not configured")
			return
		}

		auth := req.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.reject(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, req)
	})
}

type eventResponse struct {
	Accepted     int                            `json:"accepted"`
	Correlations []*correlation.CorrelationEvent `json:"correlations,omitempty"`
}

// handleEvent ingests a single event for the layer in the path.
func (r *Receiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	layer := chi.URLParam(req, "layer")

	body, err := r.readBody(req)
	if err != nil {
		r.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	var in correlation.IngestEvent
	if err := json.Unmarshal(body, &in); err != nil {
		r.reject(w, http.StatusBadRequest, "malformed event")
		return
	}

	correlations, err := r.engine.Ingest(req.Context(), layer, in)
	if err != nil {
		r.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	r.record(1, len(body))
	writeJSON(w, http.StatusAccepted, eventResponse{Accepted: 1, Correlations: correlations})
}

// handleBatch ingests a JSON array of events for one layer. The batch is
// processed in order; the first invalid event fails the request without
// rolling back earlier appends.
func (r *Receiver) handleBatch(w http.ResponseWriter, req *http.Request) {
	layer := chi.URLParam(req, "layer")

	body, err := r.readBody(req)
	if err != nil {
		r.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	var batch []correlation.IngestEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		r.reject(w, http.StatusBadRequest, "malformed batch")
		return
	}
	if len(batch) == 0 {
		r.reject(w, http.StatusBadRequest, "empty batch")
		return
	}
	if r.cfg.MaxBatchSize > 0 && len(batch) > r.cfg.MaxBatchSize {
		r.reject(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch exceeds %d events", r.cfg.MaxBatchSize))
		return
	}

	var all []*correlation.CorrelationEvent
	for i, in := range batch {
		correlations, err := r.engine.Ingest(req.Context(), layer, in)
		if err != nil {
			r.record(i, len(body))
			r.reject(w, http.StatusBadRequest, fmt.Sprintf("event %d: %s", i, err))
			return
		}
		all = append(all, correlations...)
	}

	r.record(len(batch), len(body))
	writeJSON(w, http.StatusAccepted, eventResponse{Accepted: len(batch), Correlations: all})
}

type scanRequest struct {
	Path             string `json:"path"`
	AgentID          string `json:"agent_id"`
	SourceRepository string `json:"source_repository,omitempty"`
}

type scanResponse struct {
	Result       *scanner.Result                 `json:"result"`
	Ingested     int                             `json:"ingested"`
	Correlations []*correlation.CorrelationEvent `json:"correlations,omitempty"`
}

// handleScan runs the static scanner over a path on this host, lifts the
// findings into skill_scanner events, and feeds them through the engine.
func (r *Receiver) handleScan(w http.ResponseWriter, req *http.Request) {
	if r.scan == nil {
		r.reject(w, http.StatusServiceUnavailable, "scanner not configured")
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		r.reject(w, http.StatusBadRequest, err.Error())
		return
	}
	var in scanRequest
	if err := json.Unmarshal(body, &in); err != nil {
		r.reject(w, http.StatusBadRequest, "malformed scan request")
		return
	}
	if in.Path == "" {
		r.reject(w, http.StatusBadRequest, "path is required")
		return
	}

	res, err := r.scan.Scan(req.Context(), in.Path)
	if err != nil {
		if errors.Is(err, scanner.ErrPathNotFound) {
			r.reject(w, http.StatusNotFound, err.Error())
			return
		}
		r.reject(w, http.StatusInternalServerError, "scan failed")
		return
	}

	events := correlation.WrapFindings(res, in.AgentID, in.SourceRepository)
	var all []*correlation.CorrelationEvent
	for _, ev := range events {
		correlations, err := r.engine.Ingest(req.Context(), string(correlation.LayerSkillScanner), ev)
		if err != nil {
			r.reject(w, http.StatusInternalServerError, err.Error())
			return
		}
		all = append(all, correlations...)
	}

	r.record(len(events), len(body))
	writeJSON(w, http.StatusOK, scanResponse{Result: res, Ingested: len(events), Correlations: all})
}

func (r *Receiver) readBody(req *http.Request) ([]byte, error) {
	limit := int64(r.cfg.MaxEventSize)
	if limit <= 0 {
		limit = 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}

func (r *Receiver) record(events, bytes int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(events)
	r.stats.BytesReceived += int64(bytes)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()
}

func (r *Receiver) reject(w http.ResponseWriter, status int, msg string) {
	r.mu.Lock()
	r.stats.EventsRejected++
	r.mu.Unlock()
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
