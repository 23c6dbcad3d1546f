package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/fixloop/internal/orchestrator"

// Metrics holds the run instruments.
type Metrics struct {
	issuesSelected  metric.Int64Counter
	issuesCommitted metric.Int64Counter
	issuesSkipped   metric.Int64Counter
	candidates      metric.Int64Counter
	verdicts        metric.Int64Counter
	runsAborted     metric.Int64Counter

	generationDuration metric.Float64Histogram
	validationDuration metric.Float64Histogram
	issueDuration      metric.Float64Histogram

	initialized bool
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	counters := []struct {
		dst        *metric.Int64Counter
		name, desc string
		unit       string
	}{
		{&m.issuesSelected, "fixloop.issues.selected", "Issues selected for a fix attempt", "{issue}"},
		{&m.issuesCommitted, "fixloop.issues.committed", "Issues fixed and committed", "{issue}"},
		{&m.issuesSkipped, "fixloop.issues.skipped", "Issues skipped for the rest of the run", "{issue}"},
		{&m.candidates, "fixloop.candidates.generated", "Candidates generated", "{candidate}"},
		{&m.verdicts, "fixloop.candidates.verdicts", "Candidate validation verdicts", "{candidate}"},
		{&m.runsAborted, "fixloop.runs.aborted", "Runs aborted on a fatal error", "{run}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.generationDuration, err = meter.Float64Histogram(
		"fixloop.generation.duration.seconds",
		metric.WithDescription("Time to generate one batch of candidates"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	m.validationDuration, err = meter.Float64Histogram(
		"fixloop.validation.duration.seconds",
		metric.WithDescription("Build plus test time of one candidate"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1200),
	)
	if err != nil {
		return nil, err
	}

	m.issueDuration, err = meter.Float64Histogram(
		"fixloop.issue.duration.seconds",
		metric.WithDescription("Time spent on one issue, selection to outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

func (m *Metrics) recordSelected(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.issuesSelected.Add(ctx, 1)
}

func (m *Metrics) recordCommitted(ctx context.Context, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.issuesCommitted.Add(ctx, 1)
	m.issueDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", "committed")))
}

// recordSkipped takes a short reason class, never free text, to keep
// cardinality bounded.
func (m *Metrics) recordSkipped(ctx context.Context, reason string, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.issuesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.issueDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", "skipped")))
}

func (m *Metrics) recordGenerated(ctx context.Context, total, valid int, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.candidates.Add(ctx, int64(valid), metric.WithAttributes(attribute.Bool("valid", true)))
	m.candidates.Add(ctx, int64(total-valid), metric.WithAttributes(attribute.Bool("valid", false)))
	m.generationDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) recordVerdict(ctx context.Context, out validation.Outcome) {
	if m == nil || !m.initialized {
		return
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(out.Verdict))))
	if out.Verdict != validation.Invalid {
		m.validationDuration.Record(ctx, (out.BuildDuration + out.TestDuration).Seconds())
	}
}

func (m *Metrics) recordAborted(ctx context.Context, state State) {
	if m == nil || !m.initialized {
		return
	}
	m.runsAborted.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}
