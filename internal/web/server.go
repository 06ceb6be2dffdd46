package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/becomeliminal/nim-go-sdk/core"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/metrics"
	"github.com/sentinel-pma/sentinel/internal/rebalancer"
	"github.com/sentinel-pma/sentinel/internal/sentinel"
	"github.com/sentinel-pma/sentinel/internal/state"
	"github.com/sentinel-pma/sentinel/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

const requestIDHeader = "X-Request-ID"

// Config holds the dependencies of the web server. Everything except Evaluator is optional.
type Config struct {
	Port        string
	Evaluator   *sentinel.Evaluator
	Sweeper     *sentinel.Sweeper
	Counter     state.SweepCounter
	HealthCheck func(ctx context.Context) error // Storage backend health check
	Tools       map[string]core.Tool           // Agent tools exposed under /api/tools/{name}
	Prompt      string                         // Agent system prompt served at /api/agent/prompt
}

// WebServer serves the reallocation API, health and metrics endpoints
type WebServer struct {
	router    *mux.Router
	port      string
	server    *http.Server
	evaluator *sentinel.Evaluator
	sweeper   *sentinel.Sweeper
	counter   state.SweepCounter
	health    func(ctx context.Context) error
	tools     map[string]core.Tool
	prompt    string
	startedAt time.Time
}

// NewWebServer creates a new web server instance
func NewWebServer(cfg Config) *WebServer {
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      port,
		evaluator: cfg.Evaluator,
		sweeper:   cfg.Sweeper,
		counter:   cfg.Counter,
		health:    cfg.HealthCheck,
		tools:     cfg.Tools,
		prompt:    cfg.Prompt,
		startedAt: time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Routes browsers call cross-origin with a preflight also accept OPTIONS, which corsMiddleware answers.
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/thresholds", ws.handleGetThresholds).Methods("GET")
	api.HandleFunc("/reallocation/check", ws.handleCheckReallocation).Methods("POST", "OPTIONS")
	api.HandleFunc("/positions/{owner}", ws.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{owner}/evaluate", ws.handleEvaluatePosition).Methods("POST", "OPTIONS")
	api.HandleFunc("/positions/{owner}/{protocol}/{token}", ws.handleForgetPosition).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/evaluations", ws.handleGetEvaluations).Methods("GET")
	api.HandleFunc("/evaluations/summary", ws.handleGetEvaluationSummary).Methods("GET")
	api.HandleFunc("/sweep", ws.handleRunSweep).Methods("POST", "OPTIONS")
	api.HandleFunc("/agent/prompt", ws.handleGetPrompt).Methods("GET")
	api.HandleFunc("/tools/{name}", ws.handleExecuteTool).Methods("POST", "OPTIONS")

	ws.router.Use(ws.requestIDMiddleware)
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the root HTTP handler
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start starts the web server. It returns http.ErrServerClosed after Shutdown.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return ws.server.ListenAndServe()
}

// Shutdown gracefully stops the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false
	storageHealthy := true
	if ws.health != nil {
		if err := ws.health(r.Context()); err != nil {
			webLogger.Error().Err(err).Msg("Storage health check failed")
			storageHealthy = false
			hasErrors = true
		}
	}

	sweepInfo := map[string]interface{}{"current_sweep": 0}
	if ws.counter != nil {
		if current, err := ws.counter.Current(r.Context()); err == nil {
			sweepInfo["current_sweep"] = current
		}
	}
	if ws.evaluator != nil {
		if summary, err := ws.evaluator.Log().Summary(r.Context()); err == nil {
			sweepInfo["last_evaluated_at"] = summary.LastEvaluatedAt
			sweepInfo["total_evaluations"] = summary.TotalEvaluations
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if hasErrors {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.startedAt).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "sentinel-reallocation-engine",
			"version": "1.0.0",
		},
		"sentinel_status": map[string]interface{}{
			"storage_healthy": storageHealthy,
			"sweep_info":      sweepInfo,
		},
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetThresholds returns the active reallocation thresholds
func (ws *WebServer) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"thresholds": ws.evaluator.Thresholds(),
		"timestamp":  time.Now().UTC(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

type checkRequest struct {
	CurrentValueUSD *float64        `json:"current_value_usd"`
	CurrentAPY      *float64        `json:"current_apy"`
	TargetAPY       *float64        `json:"target_apy"`
	AgeHours        *float64        `json:"age_hours"`
	Thresholds      json.RawMessage `json:"thresholds,omitempty"` // Partial override of the active thresholds
}

// handleCheckReallocation runs the engine on caller-supplied numbers without touching tracked state
func (ws *WebServer) handleCheckReallocation(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CurrentValueUSD == nil || req.CurrentAPY == nil || req.TargetAPY == nil || req.AgeHours == nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "current_value_usd, current_apy, target_apy and age_hours are required")
		return
	}

	thresholds := ws.evaluator.Thresholds()
	if len(req.Thresholds) > 0 {
		if err := json.Unmarshal(req.Thresholds, &thresholds); err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid thresholds")
			return
		}
	}

	snapshot := types.PositionSnapshot{
		CurrentValueUSD: *req.CurrentValueUSD,
		CurrentAPYPct:   *req.CurrentAPY,
		AgeHours:        *req.AgeHours,
	}
	verdict, err := rebalancer.Evaluate(snapshot, types.ReallocationCandidate{TargetAPYPct: *req.TargetAPY}, thresholds)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues(sentinel.SourceAPI).Inc()
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.Evaluations.WithLabelValues(string(verdict.Gate), sentinel.SourceAPI).Inc()

	response := map[string]interface{}{
		"verdict":    verdict,
		"thresholds": thresholds,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

type positionView struct {
	types.TrackedPosition
	AgeHours float64 `json:"age_hours"`
}

// handleGetPositions returns the tracked positions of an owner
func (ws *WebServer) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	tracker := ws.evaluator.Tracker()

	positions, err := tracker.List(r.Context(), owner)
	if err != nil {
		webLogger.Error().Err(err).Str("owner", owner).Msg("Failed to list positions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	now := tracker.Now()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{TrackedPosition: p, AgeHours: p.AgeHours(now)})
	}

	response := map[string]interface{}{
		"owner":     owner,
		"positions": views,
		"count":     len(views),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

type evaluateRequest struct {
	Protocol       string   `json:"protocol"`
	Token          string   `json:"token"`
	TargetProtocol string   `json:"target_protocol"`
	TargetAPY      *float64 `json:"target_apy"`
}

// handleEvaluatePosition evaluates a tracked position against a target and records the verdict
func (ws *WebServer) handleEvaluatePosition(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TargetAPY == nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "target_apy is required")
		return
	}

	key := types.PositionKey{Owner: owner, Protocol: req.Protocol, Token: req.Token}
	candidate := types.ReallocationCandidate{TargetProtocol: req.TargetProtocol, TargetAPYPct: *req.TargetAPY}

	record, err := ws.evaluator.EvaluateTracked(r.Context(), key, candidate, sentinel.SourceAPI)
	switch {
	case errors.Is(err, sentinel.ErrPositionNotTracked):
		ws.writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, state.ErrInvalidKey), errors.Is(err, rebalancer.ErrInvalidInput), errors.Is(err, rebalancer.ErrInvalidThresholds):
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		webLogger.Error().Err(err).Str("owner", owner).Msg("Failed to evaluate position")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to evaluate position")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, record)
}

// handleForgetPosition stops tracking a position
func (ws *WebServer) handleForgetPosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := types.PositionKey{Owner: vars["owner"], Protocol: vars["protocol"], Token: vars["token"]}

	removed, err := ws.evaluator.Tracker().Forget(r.Context(), key)
	if errors.Is(err, state.ErrInvalidKey) {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to remove position")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to remove position")
		return
	}
	if !removed {
		ws.writeErrorResponse(w, http.StatusNotFound, "Position not tracked")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"removed": true, "key": key})
}

// handleGetEvaluations returns the most recent evaluation records
func (ws *WebServer) handleGetEvaluations(w http.ResponseWriter, r *http.Request) {
	limit := config.DefaultEvaluationLogLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 500 {
			limit = parsedLimit
		}
	}

	records, err := ws.evaluator.Log().Recent(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent evaluations")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve evaluations")
		return
	}

	response := map[string]interface{}{
		"evaluations": records,
		"count":       len(records),
		"limit":       limit,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetEvaluationSummary returns aggregate evaluation statistics
func (ws *WebServer) handleGetEvaluationSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := ws.evaluator.Log().Summary(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get evaluation summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve evaluation summary")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

// handleRunSweep runs a sweep immediately
func (ws *WebServer) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if ws.sweeper == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Sweeper not configured")
		return
	}
	result, err := ws.sweeper.RunOnce(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Manual sweep failed")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, result)
}

// handleGetPrompt returns the agent system prompt
func (ws *WebServer) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"prompt": ws.prompt})
}

// handleExecuteTool executes an agent tool with the request body as its input
func (ws *WebServer) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tool, ok := ws.tools[name]
	if !ok {
		ws.writeErrorResponse(w, http.StatusNotFound, "Unknown tool: "+name)
		return
	}

	input, err := io.ReadAll(r.Body)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(input) == 0 {
		input = []byte("{}")
	}

	result, err := tool.Execute(r.Context(), &core.ToolParams{
		UserID:    r.Header.Get("X-User-ID"),
		Input:     input,
		RequestID: r.Header.Get(requestIDHeader),
	})
	if err != nil {
		webLogger.Error().Err(err).Str("tool", name).Msg("Tool execution failed")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Tool execution failed")
		return
	}

	statusCode := http.StatusOK
	if !result.Success {
		statusCode = http.StatusUnprocessableEntity
	}
	ws.writeJSONResponse(w, statusCode, result)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// requestIDMiddleware propagates or assigns a request ID
func (ws *WebServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get(requestIDHeader)).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
