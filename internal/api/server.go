// Package api is the HTTP surface of honeyscan. An external orchestrator
// polls and progresses registry entries through it and submits batches of
// findings, which are ingested in a single cycle.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/log"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/store"

	"github.com/gorilla/mux"
)

//go:generate mockgen -destination=./mock/contracts.go -package=mock github.com/honeyscan/honeyscan/internal/api Registry,Ingester,Ledger

// Registry is the registry state machine
type Registry interface {
	Get(ctx context.Context, id int64) (model.RegistryEntry, error)
	List(ctx context.Context, filter store.RegistryFilter) ([]model.RegistryEntry, error)
	Claim(ctx context.Context, id int64) (model.RegistryEntry, error)
	ClaimNext(ctx context.Context, filter store.RegistryFilter) (model.RegistryEntry, error)
	MarkScanned(ctx context.Context, id int64) error
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Requeue(ctx context.Context, id int64) error
}

// Ingester runs one ingestion cycle
type Ingester interface {
	Run(ctx context.Context, jobs []ingest.Job) (ingest.Result, error)
}

// Ledger reads recorded ingestion cycles
type Ledger interface {
	ListCycles(ctx context.Context, limit int) ([]store.CycleRow, error)
	GetCycle(ctx context.Context, uuid string) (store.CycleRow, error)
}

type Server struct {
	registry Registry
	ingester Ingester
	ledger   Ledger
	stats    model.Stats
	trigger  func() bool
}

// New returns a Server. ledger and stats may be nil, their endpoints then
// respond with 404.
func New(reg Registry, ing Ingester, ledger Ledger, stats model.Stats) *Server {
	return &Server{
		registry: reg,
		ingester: ing,
		ledger:   ledger,
		stats:    stats,
	}
}

// WithTrigger enables POST /v1/runs, fn reports if the run was scheduled
func (s *Server) WithTrigger(fn func() bool) *Server {
	s.trigger = fn
	return s
}

func (s *Server) Handler() *mux.Router {
	r := mux.NewRouter()
	r.Use(httpInfoContext)

	// routes live on the root router, a method mismatch below a
	// PathPrefix subrouter is reported as 404 instead of 405
	const v1 = "/v1"
	r.HandleFunc(v1+"/health", s.checkHealth).Methods(http.MethodGet)
	r.HandleFunc(v1+"/registry", s.listRegistry).Methods(http.MethodGet)
	r.HandleFunc(v1+"/registry/claim", s.claimNext).Methods(http.MethodPost)
	r.HandleFunc(v1+"/registry/{id:[0-9]+}", s.getRegistry).Methods(http.MethodGet)
	r.HandleFunc(v1+"/registry/{id:[0-9]+}/claim", s.claim).Methods(http.MethodPost)
	r.HandleFunc(v1+"/registry/{id:[0-9]+}/fail", s.fail).Methods(http.MethodPost)
	r.HandleFunc(v1+"/registry/{id:[0-9]+}/{action:scanned|done|requeue}", s.transition).Methods(http.MethodPost)
	r.HandleFunc(v1+"/findings", s.submitFindings).Methods(http.MethodPost)
	r.HandleFunc(v1+"/cycles", s.listCycles).Methods(http.MethodGet)
	r.HandleFunc(v1+"/cycles/{uuid}", s.getCycle).Methods(http.MethodGet)
	r.HandleFunc(v1+"/stats", s.getStats).Methods(http.MethodGet)
	r.HandleFunc(v1+"/runs", s.startRun).Methods(http.MethodPost)
	return r
}

func httpInfoContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.Group("http-info",
			slog.String("method", r.Method),
			slog.String("url-path", r.URL.Path),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewLedger reads cycles from the storage
func NewLedger(db *sql.DB) Ledger {
	return dbLedger{db: db}
}

type dbLedger struct {
	db *sql.DB
}

func (l dbLedger) ListCycles(ctx context.Context, limit int) ([]store.CycleRow, error) {
	return store.ListCycles(ctx, l.db, limit)
}

func (l dbLedger) GetCycle(ctx context.Context, uuid string) (store.CycleRow, error) {
	return store.GetCycle(ctx, l.db, uuid)
}

// statusCode maps the error taxonomy to HTTP
func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrRaceLost),
		errors.Is(err, model.ErrCycleInProgress):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotApplicable),
		errors.Is(err, model.ErrMalformedInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTransactionFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toJson(ctx context.Context, w http.ResponseWriter, resp any) {
	toJsonStatus(ctx, w, resp, http.StatusOK)
}

func toJsonStatus(ctx context.Context, w http.ResponseWriter, resp any, statusCode int) {
	b, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal structure to json.", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error."))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(b)
}

func toJsonErr(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed.", slog.String("error", err.Error()))
		toJsonStatus(ctx, w, errorResponse{Message: "Internal server error."}, code)
		return
	}
	slog.DebugContext(ctx, "Request rejected.", slog.Int("status", code), slog.String("error", err.Error()))
	toJsonStatus(ctx, w, errorResponse{Message: err.Error()}, code)
}
