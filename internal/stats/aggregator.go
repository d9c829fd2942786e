package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/config"
)

// Aggregator merges per-instance stats into cluster-wide totals through redis. Every
// instance runs the same window at the same time: append, wait for siblings, read, wait
// for siblings to read, then delete the window.
type Aggregator struct {
	client          redis.UniversalClient
	prefix          string
	window          time.Duration
	collectionDelay time.Duration
	settleDelay     time.Duration
	logger          *logrus.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(client redis.UniversalClient, cfg *config.StatsConfig, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{
		client:          client,
		prefix:          cfg.Prefix,
		window:          cfg.Window,
		collectionDelay: cfg.CollectionDelay,
		settleDelay:     cfg.SettleDelay,
		logger:          logger,
	}
}

// WindowID maps a scheduled run time to its window. Rounding tolerates instances whose
// clocks or cron wakeups differ slightly.
func (a *Aggregator) WindowID(at time.Time) string {
	if a.window <= 0 {
		return strconv.FormatInt(at.Unix(), 10)
	}
	return strconv.FormatInt(at.Round(a.window).Unix(), 10)
}

// Key is the shared key of one stat in one window.
func (a *Aggregator) Key(windowID, resolver, stat string) string {
	return fmt.Sprintf("%s:%s:%s:%s", a.prefix, windowID, resolver, stat)
}

// CalculateTotals contributes input to the window containing at and returns the merged
// totals of every stat present in input.
func (a *Aggregator) CalculateTotals(ctx context.Context, at time.Time, input Input) (Output, error) {
	windowID := a.WindowID(at)
	log := a.logger.WithField("window", windowID)

	if err := a.appendInput(ctx, windowID, input); err != nil {
		return nil, fmt.Errorf("stats append: %w", err)
	}
	if err := sleep(ctx, a.collectionDelay); err != nil {
		return nil, err
	}

	output, err := a.read(ctx, windowID, input)
	if err != nil {
		return nil, fmt.Errorf("stats read: %w", err)
	}
	if err := sleep(ctx, a.settleDelay); err != nil {
		return output, err
	}

	deleted, err := a.reset(ctx, windowID)
	if err != nil {
		log.WithError(err).Warn("Failed to reset stats window")
	} else {
		log.WithField("deleted_keys", deleted).Debug("Reset stats window")
	}
	return output, nil
}

// appendInput writes every counter and set in one MULTI/EXEC round trip.
func (a *Aggregator) appendInput(ctx context.Context, windowID string, input Input) error {
	if input.Empty() {
		return nil
	}
	ttl := a.keyTTL()
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for resolver, stats := range input.Counters {
			for stat, n := range stats {
				key := a.Key(windowID, resolver, stat)
				pipe.IncrBy(ctx, key, n)
				pipe.Expire(ctx, key, ttl)
			}
		}
		for resolver, stats := range input.Sets {
			for stat, members := range stats {
				if len(members) == 0 {
					continue
				}
				key := a.Key(windowID, resolver, stat)
				args := make([]interface{}, len(members))
				for i, m := range members {
					args[i] = m
				}
				pipe.SAdd(ctx, key, args...)
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}

func (a *Aggregator) read(ctx context.Context, windowID string, input Input) (Output, error) {
	output := make(Output)
	if input.Empty() {
		return output, nil
	}

	type pending struct {
		resolver, stat string
		counter        *redis.StringCmd
		set            *redis.IntCmd
	}
	var reads []pending

	_, err := a.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for resolver, stats := range input.Counters {
			for stat := range stats {
				reads = append(reads, pending{resolver: resolver, stat: stat, counter: pipe.Get(ctx, a.Key(windowID, resolver, stat))})
			}
		}
		for resolver, stats := range input.Sets {
			for stat := range stats {
				reads = append(reads, pending{resolver: resolver, stat: stat, set: pipe.SCard(ctx, a.Key(windowID, resolver, stat))})
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, r := range reads {
		if r.set != nil {
			output.add(r.resolver, r.stat, r.set.Val())
			continue
		}
		n, err := r.counter.Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		output.add(r.resolver, r.stat, n)
	}
	return output, nil
}

// reset deletes every key of the window, including stats this instance never saw.
// Deleting an already reset window is a no-op.
func (a *Aggregator) reset(ctx context.Context, windowID string) (int, error) {
	var keys []string
	iter := a.client.Scan(ctx, 0, fmt.Sprintf("%s:%s:*", a.prefix, windowID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := a.client.Del(ctx, keys...).Result()
	return int(n), err
}

// keyTTL bounds the life of a window's keys should every instance miss its reset.
func (a *Aggregator) keyTTL() time.Duration {
	ttl := 2*a.window + a.collectionDelay + a.settleDelay
	if ttl <= 0 {
		ttl = time.Hour
	}
	return ttl
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
