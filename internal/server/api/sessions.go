package api

import (
	"context"
	"net/http"

	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/atvirokodosprendimai/nodegate/internal/onboarding"
	"github.com/go-chi/chi/v5"
)

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *onboarding.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.cfg.Sessions.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	sess := s.cfg.Sessions.Open()
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Close(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) setCredential(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	var req credentialRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.SetCredential(node.Credential(req.Credential)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) checkConnectivity(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	if _, err := sess.CheckConnectivity(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	if _, err := sess.Advance(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) back(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	if _, err := sess.Back(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	sess.Cancel()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) selectSessionNode(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	selected, err := decodeSelection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := sess.SetSelected(chi.URLParam(r, "node"), selected)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) verifySessionNode(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	// The check's result is recorded even if the client goes away.
	n, err := sess.VerifyNode(context.WithoutCancel(r.Context()), chi.URLParam(r, "node"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// verifySession starts a batch verification and returns at once; progress is
// visible on the session's nodes.
func (s *Server) verifySession(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	run, err := sess.StartVerifyAll()
	if err != nil {
		writeError(w, err)
		return
	}
	s.runInBackground("verify session "+sess.ID(), func(ctx context.Context) error {
		report, err := run(ctx)
		if err == nil {
			s.log.Info("session batch verification finished", "session", sess.ID(), "attempted", report.Attempted, "passed", report.Passed)
		}
		return err
	})
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request, sess *onboarding.Session) {
	ack, err := sess.Commit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}
