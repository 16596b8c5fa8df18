// Package metrics exposes Prometheus counters and gauges for the splitter.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweeney/splitter-core/internal/logic"
)

var (
	// Sequence
	SequenceCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "splitter",
		Subsystem: "sequence",
		Name:      "cycles_total",
		Help:      "Automatic cycles that completed",
	})

	SequenceAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitter",
		Subsystem: "sequence",
		Name:      "aborts_total",
		Help:      "Sequence aborts by reason",
	}, []string{"reason"})

	SequenceStage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitter",
		Subsystem: "sequence",
		Name:      "stage",
		Help:      "Current sequence stage (0 idle, 1 extend, 2 retract)",
	})

	// Safety
	SafetyTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitter",
		Subsystem: "safety",
		Name:      "trips_total",
		Help:      "Safety activations by reason",
	}, []string{"reason"})

	SafetyActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitter",
		Subsystem: "safety",
		Name:      "active",
		Help:      "1 while the safety override is active",
	})

	// Pressure
	PressurePSI = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "splitter",
		Name:      "pressure_psi",
		Help:      "Filtered pressure per channel",
	}, []string{"channel"})

	// Control loop
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "splitter",
		Name:      "tick_duration_seconds",
		Help:      "Control loop tick processing duration",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	})

	ActiveFaults = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitter",
		Subsystem: "faults",
		Name:      "active",
		Help:      "Number of active system errors",
	})
)

// ObserveEvents updates counters from core events.
func ObserveEvents(events []logic.Event) {
	for _, e := range events {
		switch {
		case e.Name == logic.EventComplete:
			SequenceCycles.Inc()
		case e.Kind == logic.KindSequence && strings.HasPrefix(e.Name, logic.AbortedEvent("")):
			SequenceAborts.WithLabelValues(e.Reason).Inc()
		case e.Name == logic.EventSafetyActivated:
			SafetyTrips.WithLabelValues(e.Reason).Inc()
		}
	}
}

// ObserveStatus sets gauges from a core status snapshot.
func ObserveStatus(st logic.Status) {
	SequenceStage.Set(float64(st.Stage))
	PressurePSI.WithLabelValues(logic.ChannelMain.String()).Set(st.Main.PSI)
	PressurePSI.WithLabelValues(logic.ChannelFilter.String()).Set(st.Filter.PSI)
	if st.SafetyActive {
		SafetyActive.Set(1)
	} else {
		SafetyActive.Set(0)
	}
}

// ObserveTick records how long one control tick took.
func ObserveTick(d time.Duration) {
	TickDuration.Observe(d.Seconds())
}
