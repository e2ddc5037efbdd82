package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type syncRequest struct {
	Cluster string `json:"cluster"`
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Cluster == "" {
		writeError(w, fmt.Errorf("%w: cluster is required", errBadRequest))
		return
	}
	b, err := s.cfg.Sync.Start(r.Context(), req.Cluster)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b.View())
}

func (s *Server) listSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sync.List())
}

func (s *Server) getSync(w http.ResponseWriter, r *http.Request) {
	b, err := s.cfg.Sync.Get(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.View())
}

func (s *Server) cancelSync(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sync.Cancel(chi.URLParam(r, "batchID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) selectSyncNode(w http.ResponseWriter, r *http.Request) {
	selected, err := decodeSelection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.cfg.Sync.SetSelected(chi.URLParam(r, "batchID"), chi.URLParam(r, "node"), selected)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) verifySyncNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Sync.VerifyNode(context.WithoutCancel(r.Context()), chi.URLParam(r, "batchID"), chi.URLParam(r, "node"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) verifySync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	b, err := s.cfg.Sync.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.cfg.Sync.StartVerifyAll(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.runInBackground("verify sync batch "+id, func(ctx context.Context) error {
		report, err := run(ctx)
		if err == nil {
			s.log.Info("sync batch verification finished", "batch", id, "attempted", report.Attempted, "passed", report.Passed)
		}
		return err
	})
	writeJSON(w, http.StatusAccepted, b.View())
}

func (s *Server) confirmSync(w http.ResponseWriter, r *http.Request) {
	ack, err := s.cfg.Sync.Confirm(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.cfg.Inventory.Clusters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) listClusterNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.cfg.Inventory.Nodes(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}
