// Package metrics records supervisor events as Prometheus metrics.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-realmctl/pkg/events"
	"github.com/core-tools/hsu-realmctl/pkg/units"
)

const namespace = "realmctl"

// Recorder is nil-safe: a nil *Recorder ignores every observation
type Recorder struct {
	polls         *prom.CounterVec
	pollDuration  prom.Histogram
	unitUp        *prom.GaugeVec
	transitions   *prom.CounterVec
	restarts      *prom.CounterVec
	players       prom.Gauge
	characters    prom.Gauge
	configChanges prom.Counter
}

// NewRecorder creates the metrics and registers them on reg. A nil reg gets
// a fresh private registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		polls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Status poll cycles by result",
		}, []string{"result"}),
		pollDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of successful status poll cycles",
			Buckets:   prom.DefBuckets,
		}),
		unitUp: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_up",
			Help:      "1 if the unit was running at the last poll",
		}, []string{"unit"}),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "unit_transitions_total",
			Help:      "Crash and recovery transitions by unit",
		}, []string{"unit", "kind"}),
		restarts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "auto_restarts_total",
			Help:      "Automatic restarts by unit and result",
		}, []string{"unit", "result"}),
		players: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_players",
			Help:      "Connected players reported by the world server",
		}),
		characters: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "characters_in_world",
			Help:      "Characters in world reported by the world server",
		}),
		configChanges: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "override_changes_total",
			Help:      "Observed modifications of the override file",
		}),
	}
	reg.MustRegister(r.polls, r.pollDuration, r.unitUp, r.transitions, r.restarts, r.players, r.characters, r.configChanges)
	return r
}

// Listener adapts the recorder for events.Bus.Subscribe
func (r *Recorder) Listener() events.Listener {
	return r.Observe
}

func (r *Recorder) Observe(ev events.Event) {
	if r == nil {
		return
	}
	switch e := ev.(type) {
	case events.StatusUpdated:
		r.polls.WithLabelValues("success").Inc()
		r.pollDuration.Observe(e.Elapsed.Seconds())
		for _, snapshot := range e.Snapshots {
			r.unitUp.WithLabelValues(snapshot.Unit).Set(boolGauge(snapshot.State == units.StateRunning))
		}
	case events.PollFailed:
		r.polls.WithLabelValues("failure").Inc()
	case events.Crashed:
		r.transitions.WithLabelValues(e.Snapshot.Unit, "crashed").Inc()
	case events.Recovered:
		r.transitions.WithLabelValues(e.Snapshot.Unit, "recovered").Inc()
	case events.AutoRestarted:
		r.restarts.WithLabelValues(e.Snapshot.Unit, "success").Inc()
	case events.RestartFailed:
		r.restarts.WithLabelValues(e.Snapshot.Unit, "failure").Inc()
	case events.ServerInfoUpdated:
		r.players.Set(float64(e.Info.Players))
		r.characters.Set(float64(e.Info.Characters))
	case events.ConfigChanged:
		r.configChanges.Inc()
	}
}

// Handler serves the metrics of reg
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
