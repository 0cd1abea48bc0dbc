package taskstate

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics wires prometheus gauges and an opentelemetry histogram onto a
// Manager: two gauges for machine/queue depth plus one recover-latency
// histogram, registered once and safe to call with a nil receiver so a
// Manager without metrics attached stays a no-op.
type Metrics struct {
	activeMachines     prometheus.Gauge
	pendingChunksDepth *prometheus.GaugeVec
	recoverDuration    metric.Float64Histogram
}

// NewMetrics registers the prometheus collectors against reg and creates
// the otel histogram against the global meter provider.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activeMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wegent",
			Subsystem: "taskstate",
			Name:      "active_machines",
			Help:      "Number of TaskStateMachine instances currently held by the manager.",
		}),
		pendingChunksDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wegent",
			Subsystem: "taskstate",
			Name:      "pending_chunks_depth",
			Help:      "Depth of the pending-chunks queue for a task while joining/syncing.",
		}, []string{"task_id"}),
	}

	if err := reg.Register(m.activeMachines); err != nil {
		return nil, err
	}
	if err := reg.Register(m.pendingChunksDepth); err != nil {
		return nil, err
	}

	meter := otel.Meter("github.com/wecode-ai/wegent-taskcore/internal/taskstate")
	hist, err := meter.Float64Histogram(
		"taskstate.recover.duration",
		metric.WithDescription("Duration of a TaskStateMachine.Recover call, by outcome."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.recoverDuration = hist

	return m, nil
}

// SetActiveMachines reports the current machine count (called by Manager
// after GetOrCreate/Cleanup).
func (m *Metrics) SetActiveMachines(n int) {
	if m == nil {
		return
	}
	m.activeMachines.Set(float64(n))
}

// SetPendingChunksDepth reports the queue depth for one task.
func (m *Metrics) SetPendingChunksDepth(taskID string, depth int) {
	if m == nil {
		return
	}
	m.pendingChunksDepth.WithLabelValues(taskID).Set(float64(depth))
}

// RecordRecover records a Recover call's wall time and outcome.
func (m *Metrics) RecordRecover(ctx context.Context, start time.Time, outcome string) {
	if m == nil {
		return
	}
	m.recoverDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
