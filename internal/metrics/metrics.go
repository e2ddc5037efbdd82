// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultError   = "error"
)

// Recorder groups the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	verifications  *prometheus.CounterVec
	commits        *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	syncBatches    prometheus.Gauge
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "verifications_total",
			Help:      "Node environment verifications by result.",
		}, []string{"result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodegate",
			Name:      "commits_total",
			Help:      "Inventory commits by result.",
		}, []string{"result"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "sessions_active",
			Help:      "Onboarding sessions currently open.",
		}),
		syncBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodegate",
			Name:      "sync_batches_active",
			Help:      "Sync batches awaiting confirmation or cancellation.",
		}),
	}
	reg.MustRegister(r.verifications, r.commits, r.sessionsActive, r.syncBatches)
	return r
}

// Verification counts one finished check.
func (r *Recorder) Verification(result string) {
	if r == nil {
		return
	}
	r.verifications.WithLabelValues(result).Inc()
}

// Commit counts one commit attempt.
func (r *Recorder) Commit(result string) {
	if r == nil {
		return
	}
	r.commits.WithLabelValues(result).Inc()
}

// SessionOpened and SessionClosed track open onboarding sessions.
func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
}

// BatchOpened and BatchClosed track open sync batches.
func (r *Recorder) BatchOpened() {
	if r == nil {
		return
	}
	r.syncBatches.Inc()
}

func (r *Recorder) BatchClosed() {
	if r == nil {
		return
	}
	r.syncBatches.Dec()
}
