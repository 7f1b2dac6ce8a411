package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/execution"
	"github.com/kirillm/trigger-bot/internal/manager"
	"github.com/kirillm/trigger-bot/internal/metrics"
	"github.com/kirillm/trigger-bot/internal/notify"
	"github.com/kirillm/trigger-bot/internal/policy"
	"github.com/kirillm/trigger-bot/internal/scheduler"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// Deps компоненты движка, доступные через API
type Deps struct {
	Manager    *manager.Manager
	Scheduler  *scheduler.Scheduler
	Cache      *execution.PriceCache
	KillSwitch *execution.KillSwitch
	Policy     *policy.Engine     // может быть nil
	Dispatcher *notify.Dispatcher // может быть nil
}

// Config адрес и доступ к API
type Config struct {
	Host           string // пусто = все интерфейсы
	Port           int
	AllowedOrigins []string
	AdminKey       string
	UserKeys       map[string]string // userID -> ключ
}

type Server struct {
	logger         *utils.Logger
	deps           Deps
	router         *mux.Router
	host           string
	port           int
	allowedOrigins []string
	keys           keyring
	startedAt      time.Time
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type KillSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

func NewServer(logger *utils.Logger, deps Deps, cfg Config) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		logger:         logger,
		deps:           deps,
		router:         mux.NewRouter(),
		host:           cfg.Host,
		port:           cfg.Port,
		allowedOrigins: cfg.AllowedOrigins,
		keys:           newKeyring(cfg.AdminKey, cfg.UserKeys),
		startedAt:      time.Now(),
	}
	if len(s.keys) == 0 {
		logger.Warn("🔒 No API keys configured, /api rejects every request")
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/killswitch", s.handleGetKillSwitch).Methods("GET")
	api.HandleFunc("/killswitch", s.handleSetKillSwitch).Methods("POST")

	user := api.PathPrefix("/users/{user}").Subrouter()

	// Grid ladders
	user.HandleFunc("/ladders", s.handleListLadders).Methods("GET")
	user.HandleFunc("/ladders", s.handleCreateLadder).Methods("POST")
	user.HandleFunc("/ladders/{id}", s.handleGetLadder).Methods("GET")
	user.HandleFunc("/ladders/{id}", s.handleUpdateLadder).Methods("PATCH")
	user.HandleFunc("/ladders/{id}", s.handleDeleteLadder).Methods("DELETE")
	user.HandleFunc("/ladders/{id}/start", s.handleStartLadder).Methods("POST")
	user.HandleFunc("/ladders/{id}/stop", s.handleStopLadder).Methods("POST")

	// Trigger orders
	user.HandleFunc("/triggers", s.handleListTriggers).Methods("GET")
	user.HandleFunc("/triggers", s.handleCreateTrigger).Methods("POST")
	user.HandleFunc("/triggers/stats", s.handleTriggerStats).Methods("GET")
	user.HandleFunc("/triggers/{id}", s.handleGetTrigger).Methods("GET")
	user.HandleFunc("/triggers/{id}", s.handleUpdateTrigger).Methods("PATCH")
	user.HandleFunc("/triggers/{id}", s.handleCancelTrigger).Methods("DELETE")

	user.HandleFunc("/logs", s.handleOrderLogs).Methods("GET")
}

// Handler роутер с CORS
func (s *Server) Handler() http.Handler {
	if len(s.allowedOrigins) == 0 {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", APIKeyHeader},
	})
	return c.Handler(s.router)
}

// Start слушает порт до отмены ctx
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("🌐 Starting HTTP server on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info("🌐 HTTP server stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleStatus - watchers, price cache, kill switch, risk metrics
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"watchers":    s.deps.Scheduler.Watchers(),
		"generation":  s.deps.Scheduler.Generation(),
		"price_cache": s.deps.Cache.Stats(),
		"kill_switch": s.deps.KillSwitch.GetStatus(),
	}
	if s.deps.Policy != nil {
		status["risk"] = s.deps.Policy.GetMetrics()
	}
	if s.deps.Dispatcher != nil {
		status["notifications"] = s.deps.Dispatcher.Stats()
	}
	s.sendSuccess(w, status)
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, s.deps.KillSwitch.GetStatus())
}

func (s *Server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Active {
		if req.Reason == "" {
			req.Reason = "manual"
		}
		s.deps.KillSwitch.Activate(req.Reason)
	} else {
		s.deps.KillSwitch.Deactivate()
	}
	s.sendSuccess(w, s.deps.KillSwitch.GetStatus())
}

func (s *Server) handleListLadders(w http.ResponseWriter, r *http.Request) {
	ladders, err := s.deps.Manager.ListLadders(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, ladders)
}

func (s *Server) handleCreateLadder(w http.ResponseWriter, r *http.Request) {
	var l domain.GridLadder
	if !s.decode(w, r, &l) {
		return
	}
	l.UserID = mux.Vars(r)["user"]

	created, err := s.deps.Manager.CreateLadder(r.Context(), &l)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, Response{Success: true, Data: created})
}

func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := s.deps.Manager.LadderStatus(r.Context(), vars["user"], vars["id"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, report)
}

func (s *Server) handleUpdateLadder(w http.ResponseWriter, r *http.Request) {
	var patch manager.LadderPatch
	if !s.decode(w, r, &patch) {
		return
	}
	vars := mux.Vars(r)
	l, err := s.deps.Manager.UpdateLadder(r.Context(), vars["user"], vars["id"], patch)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, l)
}

func (s *Server) handleDeleteLadder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Manager.DeleteLadder(r.Context(), vars["user"], vars["id"]); err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, map[string]string{"deleted": vars["id"]})
}

func (s *Server) handleStartLadder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	l, err := s.deps.Manager.StartLadder(r.Context(), vars["user"], vars["id"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, l)
}

func (s *Server) handleStopLadder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	l, err := s.deps.Manager.StopLadder(r.Context(), vars["user"], vars["id"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, l)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	status := getQueryParam(r, "status", "")
	triggers, err := s.deps.Manager.ListTriggers(r.Context(), mux.Vars(r)["user"], status)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, triggers)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var o domain.TriggerOrder
	if !s.decode(w, r, &o) {
		return
	}
	o.UserID = mux.Vars(r)["user"]

	created, err := s.deps.Manager.CreateTrigger(r.Context(), &o)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, Response{Success: true, Data: created})
}

func (s *Server) handleTriggerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Manager.TriggerStats(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, stats)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := s.deps.Manager.GetTrigger(r.Context(), vars["user"], vars["id"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, o)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var patch manager.TriggerPatch
	if !s.decode(w, r, &patch) {
		return
	}
	vars := mux.Vars(r)
	o, err := s.deps.Manager.UpdateTrigger(r.Context(), vars["user"], vars["id"], patch)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, o)
}

func (s *Server) handleCancelTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, err := s.deps.Manager.CancelTrigger(r.Context(), vars["user"], vars["id"])
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, o)
}

func (s *Server) handleOrderLogs(w http.ResponseWriter, r *http.Request) {
	limit := getQueryParamInt(r, "limit", 100)
	logs, err := s.deps.Manager.OrderLogs(r.Context(), mux.Vars(r)["user"], limit)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, logs)
}

// Helper methods
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	s.sendJSON(w, statusCode, Response{Success: false, Error: message})
}

func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("❌ API error: %v", err)
	}
	s.sendError(w, err.Error(), code)
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRiskLimitExceeded), errors.Is(err, domain.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrEmergencyStop):
		return http.StatusLocked
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrUnknownOutcome):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Helper function to parse query parameter
func getQueryParam(r *http.Request, key string, defaultValue string) string {
	if value := r.URL.Query().Get(key); value != "" {
		return value
	}
	return defaultValue
}

// Helper function to parse int query parameter
func getQueryParamInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
