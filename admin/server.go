package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"seqtx"
	"seqtx/circuit"
	"seqtx/sweep"
)

// AdminServer serves the admin JSON API.
type AdminServer struct {
	addr           string
	admin          Admin
	breaker        circuit.Breaker
	sweeper        *sweep.Worker
	eventStore     *EventStore
	metricsHandler http.Handler
	logger         *zap.Logger
	mux            *http.ServeMux
	server         *http.Server

	mu      sync.Mutex
	running bool
}

// AdminServerOption configures an AdminServer.
type AdminServerOption func(*AdminServer)

// WithAddr sets the server address.
func WithAddr(addr string) AdminServerOption {
	return func(s *AdminServer) {
		s.addr = addr
	}
}

// WithAdminImpl sets the admin implementation.
func WithAdminImpl(admin Admin) AdminServerOption {
	return func(s *AdminServer) {
		s.admin = admin
	}
}

// WithServerBreaker sets the circuit breaker for the server.
func WithServerBreaker(breaker circuit.Breaker) AdminServerOption {
	return func(s *AdminServer) {
		s.breaker = breaker
	}
}

// WithServerSweeper sets the sweep worker whose statistics are reported.
func WithServerSweeper(w *sweep.Worker) AdminServerOption {
	return func(s *AdminServer) {
		s.sweeper = w
	}
}

// WithEventStore sets the event store for the server.
func WithEventStore(eventStore *EventStore) AdminServerOption {
	return func(s *AdminServer) {
		s.eventStore = eventStore
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) AdminServerOption {
	return func(s *AdminServer) {
		s.metricsHandler = h
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(l *zap.Logger) AdminServerOption {
	return func(s *AdminServer) {
		s.logger = l
	}
}

// NewAdminServer creates an admin server.
func NewAdminServer(opts ...AdminServerOption) *AdminServer {
	s := &AdminServer{
		addr:   ":8080",
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("admin")

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *AdminServer) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// Series
	s.mux.HandleFunc("GET /api/series", s.handleListSeries)
	s.mux.HandleFunc("GET /api/series/{seriesID}", s.handleGetSeries)
	s.mux.HandleFunc("POST /api/series/{seriesID}/compact", s.handleCompactSeries)
	s.mux.HandleFunc("DELETE /api/series/{seriesID}", s.handleClearSeries)
	s.mux.HandleFunc("GET /api/series/{seriesID}/transactions/{txID}/successful", s.handleIsSuccessful)

	// Stats
	s.mux.HandleFunc("GET /api/stats", s.handleGetStats)
	s.mux.HandleFunc("GET /api/sweep/stats", s.handleGetSweepStats)

	// Circuit breakers
	s.mux.HandleFunc("GET /api/circuit-breakers", s.handleGetCircuitBreakers)
	s.mux.HandleFunc("POST /api/circuit-breakers/{service}/reset", s.handleResetCircuitBreaker)

	// Events
	s.mux.HandleFunc("GET /api/events", s.handleListEvents)

	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// clean shutdown, including when Stop ran first.
func (s *AdminServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("admin server listening", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop shuts the server down. A server that has not started yet will not
// start afterwards.
func (s *AdminServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// APIResponse is the envelope of every API response.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeCorruption          = "CORRUPTION"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}

// writeFailure maps a coordinator error to a status and code.
func (s *AdminServer) writeFailure(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, ErrCodeInternalError
	switch {
	case errors.Is(err, seqtx.ErrInvalidRequest):
		status, code = http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, seqtx.ErrNoSuchTransaction):
		status, code = http.StatusNotFound, ErrCodeTransactionNotFound
	case errors.Is(err, seqtx.ErrVersionConflict):
		status, code = http.StatusConflict, ErrCodeConflict
	case errors.Is(err, seqtx.ErrCorruption), errors.Is(err, seqtx.ErrInvariantViolation):
		status, code = http.StatusInternalServerError, ErrCodeCorruption
	case errors.Is(err, seqtx.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("admin request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func (s *AdminServer) requireAdmin(w http.ResponseWriter) bool {
	if s.admin == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "admin not configured")
		return false
	}
	return true
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{"status": "ok"})
}

// handleListSeries GET /api/series
func (s *AdminServer) handleListSeries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w) {
		return
	}
	series, err := s.admin.ListSeries(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if series == nil {
		series = []string{}
	}
	writeSuccess(w, SeriesListResponse{Series: series, Total: len(series)})
}

// handleGetSeries GET /api/series/{seriesID}?compact=true
func (s *AdminServer) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w) {
		return
	}
	compact := false
	if v := r.URL.Query().Get("compact"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "compact must be a boolean")
			return
		}
		compact = parsed
	}

	detail, err := s.admin.GetSeries(r.Context(), r.PathValue("seriesID"), compact)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w, detail)
}

// handleCompactSeries POST /api/series/{seriesID}/compact
func (s *AdminServer) handleCompactSeries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w) {
		return
	}
	detail, err := s.admin.CompactSeries(r.Context(), r.PathValue("seriesID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w, detail)
}

// handleClearSeries DELETE /api/series/{seriesID}
func (s *AdminServer) handleClearSeries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w) {
		return
	}
	seriesID := r.PathValue("seriesID")
	if err := s.admin.ClearSeries(r.Context(), seriesID); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w, map[string]string{"message": fmt.Sprintf("series %s cleared", seriesID)})
}

// handleIsSuccessful GET /api/series/{seriesID}/transactions/{txID}/successful?as_of_before=RFC3339
func (s *AdminServer) handleIsSuccessful(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w) {
		return
	}
	var asOfBefore time.Time
	if v := r.URL.Query().Get("as_of_before"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "as_of_before must be RFC3339")
			return
		}
		asOfBefore = parsed
	}

	seriesID, txID := r.PathValue("seriesID"), r.PathValue("txID")
	ok, err := s.admin.IsSuccessful(r.Context(), seriesID, txID, asOfBefore)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w, SuccessResponse{SeriesID: seriesID, TransactionID: txID, Successful: ok})
}

// handleGetStats GET /api/stats
func (s *AdminServer) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w) {
		return
	}
	stats, err := s.admin.GetStats(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w, stats)
}

// handleGetSweepStats GET /api/sweep/stats
func (s *AdminServer) handleGetSweepStats(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "sweep worker not configured")
		return
	}
	stats := s.sweeper.Stats()
	writeSuccess(w, SweepStatsResponse{
		IsRunning:      stats.IsRunning,
		ScannedCount:   stats.ScannedCount,
		ProcessedCount: stats.ProcessedCount,
		FailedCount:    stats.FailedCount,
		SkippedCount:   stats.SkippedCount,
	})
}

// handleGetCircuitBreakers GET /api/circuit-breakers
func (s *AdminServer) handleGetCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "circuit breaker not configured")
		return
	}

	services := breakerServices(s.breaker)
	response := make([]CircuitBreakerInfo, 0, len(services))
	for _, service := range services {
		cb := s.breaker.Get(service)
		counts := cb.Counts()
		response = append(response, CircuitBreakerInfo{
			Service:              service,
			State:                cb.State().String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		})
	}
	writeSuccess(w, response)
}

// handleResetCircuitBreaker POST /api/circuit-breakers/{service}/reset
func (s *AdminServer) handleResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "circuit breaker not configured")
		return
	}

	service := r.PathValue("service")
	s.breaker.Get(service).Reset()
	s.logger.Warn("circuit breaker reset by operator", zap.String("service", service))

	writeSuccess(w, map[string]string{"message": fmt.Sprintf("circuit breaker %s reset", service)})
}

// handleListEvents GET /api/events
func (s *AdminServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "event store not configured")
		return
	}

	filter := parseEventFilter(r)
	writeSuccess(w, EventsListResponse{
		Events:     s.eventStore.List(filter),
		Total:      s.eventStore.Count(filter),
		EventTypes: s.eventStore.EventTypes(),
	})
}

func parseEventFilter(r *http.Request) EventFilter {
	q := r.URL.Query()
	filter := EventFilter{
		Type:          q.Get("type"),
		SeriesID:      q.Get("series_id"),
		TransactionID: q.Get("tx_id"),
		Limit:         100,
	}

	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 1000 {
		filter.Limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		filter.Offset = o
	}
	return filter
}

// ============================================================================
// API Response Models
// ============================================================================

// SeriesListResponse lists series.
type SeriesListResponse struct {
	Series []string `json:"series"`
	Total  int      `json:"total"`
}

// SuccessResponse answers an IsSuccessful query.
type SuccessResponse struct {
	SeriesID      string `json:"series_id"`
	TransactionID string `json:"transaction_id"`
	Successful    bool   `json:"successful"`
}

// SweepStatsResponse reports sweep worker counters.
type SweepStatsResponse struct {
	IsRunning      bool  `json:"is_running"`
	ScannedCount   int64 `json:"scanned_count"`
	ProcessedCount int64 `json:"processed_count"`
	FailedCount    int64 `json:"failed_count"`
	SkippedCount   int64 `json:"skipped_count"`
}

// CircuitBreakerInfo reports one circuit breaker.
type CircuitBreakerInfo struct {
	Service              string `json:"service"`
	State                string `json:"state"`
	Requests             int64  `json:"requests"`
	TotalSuccesses       int64  `json:"total_successes"`
	TotalFailures        int64  `json:"total_failures"`
	ConsecutiveSuccesses int64  `json:"consecutive_successes"`
	ConsecutiveFailures  int64  `json:"consecutive_failures"`
}

// EventsListResponse is a page of the event log.
type EventsListResponse struct {
	Events     []StoredEvent `json:"events"`
	Total      int           `json:"total"`
	EventTypes []string      `json:"event_types"`
}
