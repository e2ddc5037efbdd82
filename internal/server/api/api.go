// Package api exposes onboarding sessions, sync batches and the inventory
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/atvirokodosprendimai/nodegate/internal/cluster"
	"github.com/atvirokodosprendimai/nodegate/internal/clustersync"
	"github.com/atvirokodosprendimai/nodegate/internal/inventory"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/atvirokodosprendimai/nodegate/internal/onboarding"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InventoryReader is the read side of the node inventory.
type InventoryReader interface {
	Clusters(ctx context.Context) ([]node.ClusterMetadata, error)
	Nodes(ctx context.Context, clusterName string) ([]node.CandidateNode, error)
}

// Config wires the server to its controllers.
type Config struct {
	Sessions  *onboarding.Manager
	Sync      *clustersync.Controller
	Inventory InventoryReader
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Log      logr.Logger
}

// Server handles HTTP requests. Batch verifications run in the background
// and outlive the request that started them.
type Server struct {
	cfg Config
	log logr.Logger

	background context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, log: cfg.Log.WithName("api"), background: ctx, stop: cancel}
}

// Close cancels background verifications and waits for them to return.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.openSession)
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.withSession(s.getSession))
			r.Delete("/", s.closeSession)
			r.Put("/credential", s.withSession(s.setCredential))
			r.Post("/connectivity", s.withSession(s.checkConnectivity))
			r.Post("/advance", s.withSession(s.advance))
			r.Post("/back", s.withSession(s.back))
			r.Post("/cancel", s.withSession(s.cancel))
			r.Put("/nodes/{node}/selected", s.withSession(s.selectSessionNode))
			r.Post("/nodes/{node}/verify", s.withSession(s.verifySessionNode))
			r.Post("/verify", s.withSession(s.verifySession))
			r.Post("/commit", s.withSession(s.commit))
		})
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", s.startSync)
		r.Get("/", s.listSync)
		r.Route("/{batchID}", func(r chi.Router) {
			r.Get("/", s.getSync)
			r.Delete("/", s.cancelSync)
			r.Put("/nodes/{node}/selected", s.selectSyncNode)
			r.Post("/nodes/{node}/verify", s.verifySyncNode)
			r.Post("/verify", s.verifySync)
			r.Post("/confirm", s.confirmSync)
		})
	})

	r.Get("/clusters", s.listClusters)
	r.Get("/clusters/{name}/nodes", s.listClusterNodes)
	return r
}

// runInBackground runs fn detached from the request.
func (s *Server) runInBackground(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.background); err != nil {
			s.log.Error(err, "background task failed", "task", name)
		}
	}()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes. Anything unrecognised
// came from a collaborator outside this process.
func statusFor(err error) int {
	switch {
	case errors.Is(err, onboarding.ErrSessionNotFound),
		errors.Is(err, clustersync.ErrBatchNotFound),
		errors.Is(err, node.ErrNodeNotFound),
		errors.Is(err, inventory.ErrClusterNotFound):
		return http.StatusNotFound
	case errors.Is(err, onboarding.ErrEmptyCredential),
		errors.Is(err, cluster.ErrEmptyCredential),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, onboarding.ErrWrongStage),
		errors.Is(err, onboarding.ErrGuard),
		errors.Is(err, node.ErrNotSelected),
		errors.Is(err, node.ErrVerificationInFlight),
		errors.Is(err, node.ErrRegistryClosed),
		errors.Is(err, node.ErrBatchInFlight),
		errors.Is(err, onboarding.ErrCommitInFlight),
		errors.Is(err, clustersync.ErrConfirmInFlight),
		errors.Is(err, clustersync.ErrNothingToSync),
		errors.Is(err, inventory.ErrClusterConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

var errBadRequest = errors.New("invalid request body")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type selectionRequest struct {
	Selected *bool `json:"selected"`
}

func decodeSelection(r *http.Request) (bool, error) {
	var req selectionRequest
	if err := decode(r, &req); err != nil {
		return false, err
	}
	if req.Selected == nil {
		return false, fmt.Errorf("%w: selected is required", errBadRequest)
	}
	return *req.Selected, nil
}
