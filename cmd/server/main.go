package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/trackerrules/bundle"
	"github.com/liamcoop/trackerrules/config"
	"github.com/liamcoop/trackerrules/internal/logger"
	"github.com/liamcoop/trackerrules/models"
	"github.com/liamcoop/trackerrules/programengine"
	"github.com/liamcoop/trackerrules/rules"
)

const maxBodyBytes = 4 << 20

type Server struct {
	db      *sql.DB // nil when programs are kept in memory
	manager *programengine.Manager
	cfg     *config.Config
	router  *chi.Mux
}

// NewServer connects to the configured database and loads every program
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithDB(db, cfg)
}

// NewServerWithDB creates a server over an open database
func NewServerWithDB(db *sql.DB, cfg *config.Config) (*Server, error) {
	manager := programengine.NewManager(db, cfg.EngineOptions()...)

	logger.Info("Loading programs from database")
	if err := manager.LoadAllPrograms(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load programs: %w", err)
	}

	return newServer(db, manager, cfg), nil
}

func newServer(db *sql.DB, manager *programengine.Manager, cfg *config.Config) *Server {
	s := &Server{
		db:      db,
		manager: manager,
		cfg:     cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	r.Get("/api/v1/health", s.handleHealth)

	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/programs", func(r chi.Router) {
		r.Get("/", s.handleListPrograms)
		r.Post("/", s.handleCreateProgram)
		r.Post("/import", s.handleImportBundle)

		r.Route("/{programId}", func(r chi.Router) {
			r.Get("/", s.handleGetProgram)
			r.Delete("/", s.handleDeleteProgram)
			r.Post("/reload", s.handleReloadProgram)
			r.Get("/bundle", s.handleExportBundle)

			r.Get("/variables", s.handleListVariables)
			r.Post("/variables", s.handleCreateVariable)
			r.Delete("/variables/{name}", s.handleDeleteVariable)

			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request with slog and counts error responses
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.CountHTTPStatus(status)
		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:             "healthy",
		ProgramsLoaded:     len(s.manager.ListPrograms()),
		Evaluations:        logger.Evaluations.Load(),
		ExpressionFailures: logger.ExpressionFailures.Load(),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ProgramID == "" {
		respondError(w, http.StatusBadRequest, "programId is required", nil)
		return
	}

	engine, err := s.manager.GetEngine(req.ProgramID)
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	startTime := time.Now()

	var effects []rules.Effect
	if req.Event != nil {
		effects, err = engine.EvaluateEvent(r.Context(), *req.Event, req.Context)
	} else {
		if req.Context.Enrollment == nil {
			respondError(w, http.StatusBadRequest, "event or context.enrollment is required", nil)
			return
		}
		effects, err = engine.EvaluateEnrollment(r.Context(), req.Context)
	}
	if err != nil {
		logger.Error("Evaluation failed", "program_id", req.ProgramID, "error", err)
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}

	if effects == nil {
		effects = []rules.Effect{}
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		Effects:        effects,
		EvaluationTime: time.Since(startTime).String(),
	})
}

func (s *Server) handleListPrograms(w http.ResponseWriter, r *http.Request) {
	resp := ProgramsListResponse{Programs: []ProgramResponse{}}
	for _, pe := range s.manager.ListPrograms() {
		resp.Programs = append(resp.Programs, programResponse(pe))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateProgram(w http.ResponseWriter, r *http.Request) {
	var req CreateProgramRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pe, err := s.manager.CreateProgram(r.Context(), req.Name)
	if err != nil {
		respondServiceError(w, "failed to create program", err)
		return
	}

	respondJSON(w, http.StatusCreated, programResponse(pe))
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	pe, err := s.manager.Program(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}
	respondJSON(w, http.StatusOK, programResponse(pe))
}

func (s *Server) handleDeleteProgram(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteProgram(r.Context(), chi.URLParam(r, "programId")); err != nil {
		respondServiceError(w, "failed to delete program", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadProgram(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "programId")
	if err := s.manager.ReloadProgram(programID); err != nil {
		respondServiceError(w, "failed to reload program", err)
		return
	}

	pe, err := s.manager.Program(programID)
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}
	respondJSON(w, http.StatusOK, programResponse(pe))
}

// handleImportBundle creates a program from a YAML bundle
func (s *Server) handleImportBundle(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read bundle", err)
		return
	}

	b, err := bundle.Parse(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid bundle", err)
		return
	}
	if err := b.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid bundle", err)
		return
	}

	pe, err := s.manager.CreateProgram(r.Context(), b.Program)
	if err != nil {
		respondServiceError(w, "failed to create program", err)
		return
	}

	vars, _ := b.BuildVariables()
	for _, v := range vars {
		if err := pe.Engine.AddVariable(v); err != nil {
			s.rollbackImport(r.Context(), pe.ProgramID)
			respondServiceError(w, "failed to add variable", err)
			return
		}
	}

	built, _ := b.BuildRules()
	for _, rule := range built {
		if err := pe.Engine.AddRule(rule); err != nil {
			s.rollbackImport(r.Context(), pe.ProgramID)
			respondServiceError(w, "failed to add rule", err)
			return
		}
	}

	logger.Info("Bundle imported", "program_id", pe.ProgramID, "rules", len(built), "variables", len(vars))
	respondJSON(w, http.StatusCreated, programResponse(pe))
}

func (s *Server) rollbackImport(ctx context.Context, programID string) {
	if err := s.manager.DeleteProgram(ctx, programID); err != nil {
		logger.Error("Failed to roll back bundle import", "program_id", programID, "error", err)
	}
}

func (s *Server) handleExportBundle(w http.ResponseWriter, r *http.Request) {
	pe, err := s.manager.Program(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	vars, err := pe.Engine.Variables()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list variables", err)
		return
	}
	ruleList, err := pe.Engine.Rules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	data, err := bundle.Marshal(pe.Name, vars, ruleList)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to export bundle", err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListVariables(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	vars, err := engine.Variables()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list variables", err)
		return
	}

	resp := VariablesListResponse{Variables: []models.VariableSpec{}}
	for _, v := range vars {
		resp.Variables = append(resp.Variables, models.VariableSpecOf(v))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateVariable(w http.ResponseWriter, r *http.Request) {
	var spec models.VariableSpec
	if !decodeJSON(w, r, &spec) {
		return
	}

	v, err := spec.Build()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid variable", err)
		return
	}
	if err := programengine.ValidateVariable(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid variable", err)
		return
	}

	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	if err := engine.AddVariable(v); err != nil {
		respondServiceError(w, "failed to add variable", err)
		return
	}

	respondJSON(w, http.StatusCreated, models.VariableSpecOf(v))
}

func (s *Server) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	if err := engine.DeleteVariable(chi.URLParam(r, "name")); err != nil {
		respondServiceError(w, "failed to delete variable", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	rule, err := req.toRule(id)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	if err := programengine.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	// AddRule compiles every expression before storing
	if err := engine.AddRule(rule); err != nil {
		respondServiceError(w, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, ruleResponse(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	ruleList, err := engine.Rules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: []RuleResponse{}}
	for _, rule := range ruleList {
		resp.Rules = append(resp.Rules, ruleResponse(rule))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	rule, err := engine.Rule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondServiceError(w, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	rule, err := req.toRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	if err := programengine.ValidateRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := engine.UpdateRule(rule); err != nil {
		respondServiceError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, err := s.manager.GetEngine(chi.URLParam(r, "programId"))
	if err != nil {
		respondServiceError(w, "program not found", err)
		return
	}

	if err := engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondServiceError(w, "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Helper functions

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondServiceError maps domain errors to HTTP status codes
func respondServiceError(w http.ResponseWriter, message string, err error) {
	var invalidAction *models.InvalidActionError
	switch {
	case errors.Is(err, programengine.ErrProgramNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, rules.ErrVariableNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, programengine.ErrProgramExists),
		errors.Is(err, rules.ErrRuleExists),
		errors.Is(err, rules.ErrVariableExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.As(err, &invalidAction),
		errors.Is(err, programengine.ErrInvalid),
		errors.Is(err, rules.ErrInvalidExpression):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		logger.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	if err := logger.Init(cfg.LoggerOptions()); err != nil {
		logger.Warn("Logger configuration problem", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	defer server.db.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "programs", len(server.manager.ListPrograms()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("Logger shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}
