package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "npc_dialogue"

// Collectors groups the gateway's prometheus instruments
type Collectors struct {
	MessagesSent  *prometheus.CounterVec
	Dispatches    *prometheus.CounterVec
	Responses     *prometheus.CounterVec
	Enrichments   *prometheus.CounterVec
	ActiveSession prometheus.Gauge
	OpenChannels  prometheus.Gauge
	UIClients     prometheus.Gauge
}

// New registers the collectors on reg; nil means the default registerer
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collectors{
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Player messages accepted for dispatch, by interaction mode.",
		}, []string{"mode"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Requests dispatched to the dialogue service, by transport.",
		}, []string{"transport"}),
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Pending request resolutions, by outcome.",
		}, []string{"outcome"}),
		Enrichments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_total",
			Help:      "Translate and regenerate operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		ActiveSession: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently registered with the manager.",
		}),
		OpenChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Persistent dialogue channels currently open.",
		}),
		UIClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ui_clients",
			Help:      "Connected UI websocket clients.",
		}),
	}
}

// NewNop returns collectors on a private registry, for tests and disabled metrics
func NewNop() *Collectors {
	return New(prometheus.NewRegistry())
}
