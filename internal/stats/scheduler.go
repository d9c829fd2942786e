package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// Totals is the part of the Aggregator the Scheduler needs.
type Totals interface {
	CalculateTotals(ctx context.Context, at time.Time, input Input) (Output, error)
}

// Scheduler drains the local Recorder on a crontab schedule and publishes the merged
// totals as gauges.
type Scheduler struct {
	recorder   *Recorder
	aggregator Totals
	schedule   string
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	now        func() time.Time
}

// NewScheduler creates a Scheduler running on the crontab expression schedule.
func NewScheduler(recorder *Recorder, aggregator Totals, schedule string, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		recorder:   recorder,
		aggregator: aggregator,
		schedule:   schedule,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Start registers the aggregation job on ctab.
func (s *Scheduler) Start(ctx context.Context, ctab *crontab.Crontab) error {
	if err := ctab.AddJob(s.schedule, func() {
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", s.schedule, err)
	}
	return nil
}

// RunOnce aggregates everything recorded since the previous run.
func (s *Scheduler) RunOnce(ctx context.Context) (Output, error) {
	at := s.now()
	input := s.recorder.Drain()

	output, err := s.aggregator.CalculateTotals(ctx, at, input)
	if err != nil {
		s.logger.WithError(err).Warn("Stats aggregation failed")
		return nil, err
	}

	for resolver, stats := range output {
		for stat, value := range stats {
			s.metrics.SetStatsTotal(resolver, stat, float64(value))
		}
	}
	if len(output) > 0 {
		s.logger.WithFields(logrus.Fields{
			"window": at.Format(time.RFC3339),
			"totals": output,
		}).Info("Stats window aggregated")
	}
	return output, nil
}
