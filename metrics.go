package palai

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveEventsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palai_live_events_total",
		Help: "Pushed message events by event and what the timeline did with them.",
	}, []string{"event", "outcome"})

	sendsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palai_sends_total",
		Help: "Optimistic sends by outcome.",
	}, []string{"outcome"})

	refetchMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palai_corrective_refetch_total",
		Help: "Full message reloads issued because no live channel was available.",
	})

	channelStateMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palai_channel_connection_state",
		Help: "1 for the current state of the shared pusher connection.",
	}, []string{"state"})

	subscriptionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "palai_channel_subscriptions",
		Help: "Conversation channels currently subscribed.",
	})
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeDropped   = "dropped"
	outcomeInvalid   = "invalid"

	outcomeConfirmed = "confirmed"
	outcomeDeduped   = "deduped"
	outcomeFailed    = "failed"
)

func setChannelStateMetric(state ConnectionState) {
	for _, s := range []ConnectionState{StateUninitialized, StateConnecting, StateReady, StateUnavailable} {
		v := 0.0
		if s == state {
			v = 1
		}
		channelStateMetric.WithLabelValues(string(s)).Set(v)
	}
}
