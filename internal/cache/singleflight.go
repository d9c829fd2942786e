package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// ErrTimeout is returned when a waiter gives up polling for another producer's value.
var ErrTimeout = errors.New("single-flight wait timed out")

// TimeoutError names the key whose value never appeared.
type TimeoutError struct {
	Key      string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %q after %d attempts", e.Key, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// SingleFlightOptions tunes the lock and the polling budget.
type SingleFlightOptions struct {
	LockTTL      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	Metrics      *metrics.Metrics
	Logger       *logrus.Logger
	// Clock measures lock age. Defaults to time.Now.
	Clock func() time.Time
}

// SingleFlight protects a KeyValueCache against stampedes. On a miss exactly one caller
// fleet-wide wins a short-lived "Lock:<key>" entry and becomes the producer; the others
// poll for the producer's value.
type SingleFlight struct {
	cache        KeyValueCache
	lockTTL      time.Duration
	pollInterval time.Duration
	maxAttempts  int
	metrics      *metrics.Metrics
	logger       *logrus.Logger
	now          func() time.Time
	group        singleflight.Group
}

// NewSingleFlight wraps cache.
func NewSingleFlight(cache KeyValueCache, opts SingleFlightOptions) *SingleFlight {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 50
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SingleFlight{
		cache:        cache,
		lockTTL:      opts.LockTTL,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Clock,
	}
}

// Get returns the cached value for key. When it reports found == false with a nil error
// the caller is the designated producer and must compute the value and Set it.
func (s *SingleFlight) Get(ctx context.Context, key string) (string, bool, error) {
	value, found, err := s.cache.Get(ctx, key)
	if err != nil || found {
		return value, found, err
	}

	acquired, err := s.cache.Set(ctx, LockKey(key), "true", s.lockTTL)
	if err != nil {
		return "", false, err
	}
	if acquired {
		s.metrics.RecordSingleFlight(metrics.FlightProducer)
		return "", false, nil
	}

	return s.wait(ctx, key)
}

// wait polls for key until it appears, the attempts run out or ctx is done.
func (s *SingleFlight) wait(ctx context.Context, key string) (string, bool, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-ticker.C:
		}

		value, found, err := s.cache.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if found {
			s.metrics.RecordSingleFlight(metrics.FlightWaited)
			return value, true, nil
		}
	}

	s.metrics.RecordSingleFlight(metrics.FlightTimeout)
	return "", false, &TimeoutError{Key: key, Attempts: s.maxAttempts}
}

// Set passes through to the underlying cache.
func (s *SingleFlight) Set(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.cache.Set(ctx, key, value, ttl)
}

// Delete passes through to the underlying cache.
func (s *SingleFlight) Delete(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, key)
}

// Release drops the lock for key so the next caller may produce immediately.
func (s *SingleFlight) Release(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, LockKey(key))
}

// Do returns the value for key, running produce if this caller wins the lock. Callers in
// the same process share one flight, so only one of them touches the shared lock. The
// producer result is stored with ttl. On failure the lock is released so a retry does not
// wait for it to expire, unless it already expired and may be held by another producer.
func (s *SingleFlight) Do(ctx context.Context, key string, ttl time.Duration, produce func(context.Context) (string, error)) (string, error) {
	// The flight outlives any single caller's cancellation; it is bounded by the poll budget.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		lockedAt := s.now()
		value, found, err := s.Get(flightCtx, key)
		if err != nil {
			return "", err
		}
		if found {
			return value, nil
		}

		value, err = produce(flightCtx)
		if err != nil {
			s.releaseOwned(flightCtx, key, lockedAt)
			return "", err
		}
		stored, err := s.cache.Set(flightCtx, key, value, ttl)
		if err != nil {
			return "", err
		}
		if !stored {
			// Another producer won after our lock expired; the first write wins.
			existing, found, err := s.cache.Get(flightCtx, key)
			if err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("Failed to read the winning single-flight value, returning our own")
				return value, nil
			}
			if found {
				return existing, nil
			}
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// releaseOwned releases the lock taken at lockedAt if it cannot have expired yet.
func (s *SingleFlight) releaseOwned(ctx context.Context, key string, lockedAt time.Time) {
	log := s.logger.WithField("key", key)
	if s.now().Sub(lockedAt) >= s.lockTTL {
		log.Debug("Single-flight lock expired during produce, leaving it to its current holder")
		return
	}
	if err := s.Release(ctx, key); err != nil {
		log.WithError(err).Warn("Failed to release single-flight lock")
	}
}
