package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mileusna/crontab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// fakeTotals echoes counters back as totals.
type fakeTotals struct {
	at  time.Time
	in  Input
	err error
}

func (f *fakeTotals) CalculateTotals(ctx context.Context, at time.Time, input Input) (Output, error) {
	f.at, f.in = at, input
	if f.err != nil {
		return nil, f.err
	}
	out := make(Output)
	for resolver, stats := range input.Counters {
		for stat, n := range stats {
			out.add(resolver, stat, n)
		}
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestScheduler_RunOnce(t *testing.T) {
	recorder := NewRecorder()
	totals := &fakeTotals{}
	scheduler := NewScheduler(recorder, totals, "*/5 * * * *",
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), quietLogger())
	scheduler.now = func() time.Time { return windowStart }

	recorder.Count("getDownloadInfo", "count", 4)

	out, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), out["getDownloadInfo"]["count"])
	assert.Equal(t, windowStart, totals.at)
	assert.True(t, recorder.Drain().Empty(), "the recorder was drained")
}

func TestScheduler_RunOnceError(t *testing.T) {
	totals := &fakeTotals{err: errors.New("redis down")}
	scheduler := NewScheduler(NewRecorder(), totals, "*/5 * * * *", nil, quietLogger())

	_, err := scheduler.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestScheduler_Start(t *testing.T) {
	ctab := crontab.New()
	defer ctab.Shutdown()

	good := NewScheduler(NewRecorder(), &fakeTotals{}, "*/5 * * * *", nil, quietLogger())
	assert.NoError(t, good.Start(context.Background(), ctab))

	bad := NewScheduler(NewRecorder(), &fakeTotals{}, "not a schedule", nil, quietLogger())
	assert.Error(t, bad.Start(context.Background(), ctab))
}
