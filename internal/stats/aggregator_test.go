package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/media-storage-gateway/internal/config"
)

func newTestAggregator(t *testing.T) (*miniredis.Miniredis, *Aggregator) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return mr, NewAggregator(client, &config.StatsConfig{
		Prefix:          "stats",
		Window:          5 * time.Minute,
		CollectionDelay: 50 * time.Millisecond,
		SettleDelay:     50 * time.Millisecond,
	}, logger)
}

var windowStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCalculateTotals_ConcurrentInstancesAgree(t *testing.T) {
	mr, aggregator := newTestAggregator(t)
	ctx := context.Background()

	inputs := []Input{
		{Counters: map[string]map[string]int64{"resolver": {"count1": 2}}},
		{Counters: map[string]map[string]int64{"resolver": {"count1": 1}}},
	}
	outputs := make([]Output, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			// Instances wake up a little apart.
			at := windowStart.Add(time.Duration(i) * 2 * time.Second)
			outputs[i], errs[i] = aggregator.CalculateTotals(ctx, at, in)
		}(i, in)
	}
	wg.Wait()

	for i := range inputs {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(3), outputs[i]["resolver"]["count1"], "instance %d", i)
	}
	assert.Empty(t, mr.Keys(), "window is reset after the read")
}

func TestCalculateTotals_SetsReportCardinality(t *testing.T) {
	_, aggregator := newTestAggregator(t)
	ctx := context.Background()

	inputs := []Input{
		{Sets: map[string]map[string][]string{"resolver": {"users": {"alice", "bob"}}}},
		{Sets: map[string]map[string][]string{"resolver": {"users": {"bob", "carol"}}}},
	}
	outputs := make([]Output, len(inputs))

	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			out, err := aggregator.CalculateTotals(ctx, windowStart, in)
			assert.NoError(t, err)
			outputs[i] = out
		}(i, in)
	}
	wg.Wait()

	for i := range inputs {
		assert.Equal(t, int64(3), outputs[i]["resolver"]["users"])
	}
}

func TestCalculateTotals_WindowsAreIsolated(t *testing.T) {
	mr, aggregator := newTestAggregator(t)
	ctx := context.Background()

	// A straggler from the previous window must not leak into this one.
	previous := aggregator.Key(aggregator.WindowID(windowStart.Add(-5*time.Minute)), "resolver", "count1")
	mr.Set(previous, "100")

	out, err := aggregator.CalculateTotals(ctx, windowStart, Input{
		Counters: map[string]map[string]int64{"resolver": {"count1": 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out["resolver"]["count1"])
	assert.True(t, mr.Exists(previous), "reset only touches its own window")
}

func TestCalculateTotals_KeysExpire(t *testing.T) {
	mr, aggregator := newTestAggregator(t)
	ctx := context.Background()

	in := Input{Counters: map[string]map[string]int64{"resolver": {"count1": 1}}}
	require.NoError(t, aggregator.appendInput(ctx, "w", in))

	ttl := mr.TTL(aggregator.Key("w", "resolver", "count1"))
	assert.Greater(t, ttl, 5*time.Minute)
}

func TestCalculateTotals_EmptyInput(t *testing.T) {
	_, aggregator := newTestAggregator(t)

	out, err := aggregator.CalculateTotals(context.Background(), windowStart, Input{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCalculateTotals_Cancelled(t *testing.T) {
	_, aggregator := newTestAggregator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := aggregator.CalculateTotals(ctx, windowStart, Input{
		Counters: map[string]map[string]int64{"resolver": {"count1": 1}},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWindowID(t *testing.T) {
	_, aggregator := newTestAggregator(t)

	assert.Equal(t, aggregator.WindowID(windowStart), aggregator.WindowID(windowStart.Add(20*time.Second)))
	assert.Equal(t, aggregator.WindowID(windowStart), aggregator.WindowID(windowStart.Add(-20*time.Second)))
	assert.NotEqual(t, aggregator.WindowID(windowStart), aggregator.WindowID(windowStart.Add(5*time.Minute)))
	assert.Equal(t, "stats:1704110400:resolver:count1", aggregator.Key(aggregator.WindowID(windowStart), "resolver", "count1"))
}
