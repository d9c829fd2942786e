package upload

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
	"github.com/kenneth/media-storage-gateway/internal/storage"
)

// ExistenceChecker reports whether an uploaded object arrived.
type ExistenceChecker interface {
	HeadObject(ctx context.Context, bucket, key string) (storage.Existence, error)
}

// MissingFunc handles an upload that never arrived. findInput is passed through from the
// scheduling caller so the handler can locate the record to clean up.
type MissingFunc func(ctx context.Context, mediaID string, findInput map[string]string)

// Options configures a Validator.
type Options struct {
	Bucket string
	Delay  time.Duration
	// CheckTimeout bounds the existence check and the missing handler.
	CheckTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *logrus.Logger
}

// Validator checks, some time after a presigned upload was handed out, that the object
// was actually uploaded. Only a confirmed absence triggers cleanup.
type Validator struct {
	checker      ExistenceChecker
	bucket       string
	delay        time.Duration
	checkTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *logrus.Logger

	mu      sync.Mutex
	pending map[string]*pendingCheck
	closed  bool
}

type pendingCheck struct {
	timer *time.Timer
}

// NewValidator creates a Validator.
func NewValidator(checker ExistenceChecker, opts Options) *Validator {
	if opts.Delay <= 0 {
		opts.Delay = 30 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Validator{
		checker:      checker,
		bucket:       opts.Bucket,
		delay:        opts.Delay,
		checkTimeout: opts.CheckTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		pending:      make(map[string]*pendingCheck),
	}
}

// ScheduleValidation arms a one-shot check of objectKey. Scheduling the same key again
// replaces the pending check.
func (v *Validator) ScheduleValidation(objectKey, mediaID string, findInput map[string]string, onMissing MissingFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		v.logger.WithField("object_key", objectKey).Warn("Validator is shut down, validation not scheduled")
		return
	}
	if previous, ok := v.pending[objectKey]; ok {
		previous.timer.Stop()
	}

	check := &pendingCheck{}
	check.timer = time.AfterFunc(v.delay, func() {
		if !v.claim(objectKey, check) {
			return
		}
		v.validate(objectKey, mediaID, findInput, onMissing)
	})
	v.pending[objectKey] = check
}

// claim removes the timer from the pending set, reporting false if it was replaced or
// cancelled in the meantime.
func (v *Validator) claim(objectKey string, check *pendingCheck) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.pending[objectKey] != check {
		return false
	}
	delete(v.pending, objectKey)
	return true
}

func (v *Validator) validate(objectKey, mediaID string, findInput map[string]string, onMissing MissingFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), v.checkTimeout)
	defer cancel()

	log := v.logger.WithFields(logrus.Fields{
		"object_key": objectKey,
		"media_id":   mediaID,
	})

	existence, err := v.checker.HeadObject(ctx, v.bucket, objectKey)
	v.metrics.RecordUploadValidation(existence.String())
	switch existence {
	case storage.Exists:
		log.Debug("Upload confirmed")
	case storage.NotExists:
		log.Info("Upload never arrived, cleaning up")
		onMissing(ctx, mediaID, findInput)
	default:
		log.WithError(err).Warn("Upload existence unknown, keeping record")
	}
}

// Pending returns the number of armed checks.
func (v *Validator) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// CleanUp cancels every pending check. Later schedules are ignored.
func (v *Validator) CleanUp() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for key, check := range v.pending {
		check.timer.Stop()
		delete(v.pending, key)
	}
	v.closed = true
}
