package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the teacher's HealthLogger (a logrus logger paired
// with a dedicated prometheus.Registry and named gauges/counters),
// adapted from chain-height/peer-count bookkeeping to sync-session
// bookkeeping: cards, files, and deltas exchanged, plus session and
// error counters.
type Metrics struct {
	registry *prometheus.Registry

	cardsSent  prometheus.Counter
	cardsRecv  prometheus.Counter
	filesSent  prometheus.Counter
	filesRecv  prometheus.Counter
	deltasSent prometheus.Counter
	deltasRecv prometheus.Counter
	errors     prometheus.Counter
	sessions   prometheus.Counter
}

// NewMetrics registers a fresh set of sync-session counters against a
// private registry, so multiple Handlers in one process (e.g. tests)
// never collide on metric names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cardsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_cards_sent_total", Help: "Cards sent by the server handler.",
		}),
		cardsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_cards_received_total", Help: "Cards received by the server handler.",
		}),
		filesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_files_sent_total", Help: "file/cfile cards emitted.",
		}),
		filesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_files_received_total", Help: "file/cfile cards consumed.",
		}),
		deltasSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_deltas_sent_total", Help: "Delta-encoded file cards emitted.",
		}),
		deltasRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_deltas_received_total", Help: "Delta-encoded file cards applied.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_session_errors_total", Help: "Sessions ending with at least one error card.",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifactsync_sessions_total", Help: "Sync requests handled.",
		}),
	}
	reg.MustRegister(m.cardsSent, m.cardsRecv, m.filesSent, m.filesRecv, m.deltasSent, m.deltasRecv, m.errors, m.sessions)
	return m
}

// Registry exposes the underlying prometheus.Registry for an HTTP
// /metrics handler to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observe(cardsSent, cardsRecv, filesSent, filesRecv, deltasSent, deltasRecv int, hadError bool) {
	m.cardsSent.Add(float64(cardsSent))
	m.cardsRecv.Add(float64(cardsRecv))
	m.filesSent.Add(float64(filesSent))
	m.filesRecv.Add(float64(filesRecv))
	m.deltasSent.Add(float64(deltasSent))
	m.deltasRecv.Add(float64(deltasRecv))
	m.sessions.Inc()
	if hadError {
		m.errors.Inc()
	}
}
