package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"battery-fault-monitor/internal/db"
	"battery-fault-monitor/internal/metrics"
	"battery-fault-monitor/internal/models"
	"battery-fault-monitor/internal/parser"
)

const (
	defaultTelemetryLimit  = 5000
	defaultPredictionLimit = 50
	defaultQueryLimit      = 100
)

// Server represents the telemetry store API server
type Server struct {
	store  db.Store
	router *mux.Router
	hub    *Hub
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(store db.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.handleHealth))).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.Handle("/ws/predictions", s.hub).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware)

	// Store endpoints used by the simulator and predictor
	api.HandleFunc("/can-data", s.handleLatestTelemetry).Methods("GET")
	api.HandleFunc("/can-data", s.handleCreateTelemetry).Methods("POST")
	api.HandleFunc("/can-data/batch", s.handleBatchTelemetry).Methods("POST")
	api.HandleFunc("/predictions", s.handleListPredictions).Methods("GET")
	api.HandleFunc("/predictions", s.handleCreatePrediction).Methods("POST")

	// Fleet endpoints
	api.HandleFunc("/v1/telemetry", s.handleQueryTelemetry).Methods("GET")
	api.HandleFunc("/v1/buses", s.handleListBuses).Methods("GET")
	api.HandleFunc("/v1/buses/{bus_id}/summary", s.handleBusSummary).Methods("GET")
	api.HandleFunc("/v1/stats", s.handleStats).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the prediction feed.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

func (s *Server) storeFailure(w http.ResponseWriter, op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	s.logger.Error("store operation failed", "op", op, "error", err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "healthy", "feed_clients": s.hub.Clients()})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	limit, err := intParam(r, "limit", defaultTelemetryLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.store.QueryTelemetry(r.Context(), models.TelemetryQuery{
		BusID: r.URL.Query().Get("bus_id"),
		Limit: limit,
	})
	if err != nil {
		s.storeFailure(w, "latest_telemetry", err)
		return
	}
	if results == nil {
		results = []models.TelemetrySample{}
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleQueryTelemetry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	q := models.TelemetryQuery{
		BusID:     r.URL.Query().Get("bus_id"),
		FaultOnly: r.URL.Query().Get("fault_only") == "true",
	}

	var err error
	if q.Limit, err = intParam(r, "limit", defaultQueryLimit); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Offset, err = intParam(r, "offset", 0); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		if q.StartTime, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "start_time must be RFC3339")
			return
		}
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		if q.EndTime, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "end_time must be RFC3339")
			return
		}
	}

	results, err := s.store.QueryTelemetry(r.Context(), q)
	if err != nil {
		s.storeFailure(w, "query_telemetry", err)
		return
	}
	if results == nil {
		results = []models.TelemetrySample{}
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func prepareSample(t *models.TelemetrySample, now time.Time) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	t.Timestamp = t.Timestamp.UTC().Truncate(models.TimestampPrecision)
	if errs := parser.ValidateSample(t); len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (s *Server) handleCreateTelemetry(w http.ResponseWriter, r *http.Request) {
	var t models.TelemetrySample
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := prepareSample(&t, time.Now()); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.InsertTelemetry(r.Context(), &t); err != nil {
		s.storeFailure(w, "insert_telemetry", err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("api").Inc()

	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleBatchTelemetry(w http.ResponseWriter, r *http.Request) {
	var records []models.TelemetrySample
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array: "+err.Error())
		return
	}

	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	now := time.Now()
	for i := range records {
		if err := prepareSample(&records[i], now); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
	}

	count, err := s.store.InsertTelemetryBatch(r.Context(), records)
	if err != nil {
		s.storeFailure(w, "insert_telemetry_batch", err)
		return
	}
	metrics.SamplesIngested.WithLabelValues("api_batch").Add(float64(count))

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleCreatePrediction(w http.ResponseWriter, r *http.Request) {
	var p models.PredictionRecord
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if p.BusID == "" || p.FaultType == "" {
		respondError(w, http.StatusBadRequest, "bus_id and fault_type are required")
		return
	}
	if p.PredictedAt.IsZero() {
		p.PredictedAt = time.Now().UTC()
	}

	if err := s.store.InsertPrediction(r.Context(), &p); err != nil {
		s.storeFailure(w, "insert_prediction", err)
		return
	}
	s.hub.Broadcast(p)

	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultPredictionLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	preds, err := s.store.LatestPredictions(r.Context(), r.URL.Query().Get("bus_id"), limit)
	if err != nil {
		s.storeFailure(w, "list_predictions", err)
		return
	}
	if preds == nil {
		preds = []models.PredictionRecord{}
	}

	respondWithMeta(w, preds, &meta{Total: len(preds), Limit: limit})
}

func (s *Server) handleListBuses(w http.ResponseWriter, r *http.Request) {
	buses, err := s.store.ListBuses(r.Context())
	if err != nil {
		s.storeFailure(w, "list_buses", err)
		return
	}
	if buses == nil {
		buses = []string{}
	}
	respondJSON(w, http.StatusOK, buses)
}

func (s *Server) handleBusSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	busID := mux.Vars(r)["bus_id"]

	summary, err := s.store.GetBusSummary(r.Context(), busID)
	if errors.Is(err, db.ErrBusNotFound) {
		respondError(w, http.StatusNotFound, "no data found for bus")
		return
	}
	if err != nil {
		s.storeFailure(w, "bus_summary", err)
		return
	}

	respondWithMeta(w, summary, &meta{QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.storeFailure(w, "stats", err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
