package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/audit"
	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// ErrExternalServiceUnavailable marks a decision forced to false by a failed external call.
var ErrExternalServiceUnavailable = errors.New("external service unavailable")

// Authorizer decides whether a user may access a room.
type Authorizer interface {
	IsAuthorized(ctx context.Context, endUserID, roomID, token string) bool
}

// Request is one authorization question.
type Request struct {
	EndUserID string
	RoomID    string
	Token     string
}

func (r Request) complete() bool {
	return r.EndUserID != "" && r.RoomID != "" && r.Token != ""
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	// PermissionID is the capability checked at organization and school level.
	PermissionID string
	Metrics      *metrics.Metrics
	Audit        audit.Logger
	Logger       *logrus.Logger
}

// Provider grants access to class teachers and to users holding the capability in the
// room's organization or school. Every failure denies.
type Provider struct {
	schedules    ScheduleClient
	permissions  PermissionClient
	permissionID string
	metrics      *metrics.Metrics
	audit        audit.Logger
	logger       *logrus.Logger
}

// NewProvider creates a Provider.
func NewProvider(schedules ScheduleClient, permissions PermissionClient, opts ProviderOptions) *Provider {
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Provider{
		schedules:    schedules,
		permissions:  permissions,
		permissionID: opts.PermissionID,
		metrics:      opts.Metrics,
		audit:        opts.Audit,
		logger:       opts.Logger,
	}
}

// IsAuthorized reports whether endUserID may access roomID. Missing input returns false
// without any network call.
func (p *Provider) IsAuthorized(ctx context.Context, endUserID, roomID, token string) bool {
	req := Request{EndUserID: endUserID, RoomID: roomID, Token: token}
	if !req.complete() {
		return false
	}
	allowed, _ := p.decide(ctx, req)
	return allowed
}

// decide returns the decision, or false with the error when an external call failed.
// Callers caching decisions must not cache the error case.
func (p *Provider) decide(ctx context.Context, req Request) (bool, error) {
	allowed, reason, err := p.evaluate(ctx, req)
	fields := logrus.Fields{
		"user_id": req.EndUserID,
		"room_id": req.RoomID,
		"allowed": allowed,
		"reason":  reason,
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrExternalServiceUnavailable, err)
		p.logger.WithFields(fields).WithError(err).Warn("Authorization denied after external failure")
	} else {
		p.logger.WithFields(fields).Debug("Authorization decided")
	}
	p.metrics.RecordAuthorization(allowed)
	p.audit.LogAuthorization(req.EndUserID, req.RoomID, allowed, reason)
	return allowed, err
}

func (p *Provider) evaluate(ctx context.Context, req Request) (bool, string, error) {
	schedule, err := p.schedules.GetRelationIDs(ctx, req.RoomID, req.Token)
	if err != nil {
		return false, "room not found", err
	}
	if schedule.HasTeacher(req.EndUserID) {
		return true, "teacher", nil
	}

	allowed, err := p.permissions.HasOrganizationPermission(ctx, req.Token, schedule.OrganizationID, p.permissionID)
	if err != nil {
		return false, "organization permission check failed", err
	}
	if allowed {
		return true, "organization permission", nil
	}

	schoolID, ok := p.pickSchool(req, schedule)
	if !ok {
		return false, "no permission", nil
	}
	allowed, err = p.permissions.HasSchoolPermission(ctx, req.Token, schoolID, p.permissionID)
	if err != nil {
		return false, "school permission check failed", err
	}
	if allowed {
		return true, "school permission", nil
	}
	return false, "no permission", nil
}

// pickSchool returns the first associated school. Rooms linked to several schools are
// ambiguous and logged.
func (p *Provider) pickSchool(req Request, schedule *Schedule) (string, bool) {
	switch len(schedule.SchoolIDs) {
	case 0:
		return "", false
	case 1:
		return schedule.SchoolIDs[0], true
	default:
		p.logger.WithFields(logrus.Fields{
			"room_id":    req.RoomID,
			"school_ids": schedule.SchoolIDs,
			"chosen":     schedule.SchoolIDs[0],
		}).Warn("Room is associated with multiple schools, using the first")
		return schedule.SchoolIDs[0], true
	}
}

// AuthorizationCacheKey is the cache key of a decision.
func AuthorizationCacheKey(endUserID, roomID string) string {
	return cache.JoinKey("authorization", endUserID, roomID)
}

// CachedProvider memoizes decisions. Failed lookups are not cached.
type CachedProvider struct {
	aside  *cache.Aside[Request, bool]
	logger *logrus.Logger
}

// NewCachedProvider wraps p with a cache-aside layer of the given ttl.
func NewCachedProvider(p *Provider, kv cache.KeyValueCache, ttl time.Duration, m *metrics.Metrics) *CachedProvider {
	return &CachedProvider{
		aside: cache.NewAside(kv, cache.AsideConfig[Request, bool]{
			Purpose: "authorization",
			TTL:     ttl,
			Key: func(req Request) string {
				return AuthorizationCacheKey(req.EndUserID, req.RoomID)
			},
			Compute: p.decide,
			Metrics: m,
		}),
		logger: p.logger,
	}
}

// IsAuthorized returns the cached decision or asks the wrapped provider. Cache backend
// errors also deny.
func (c *CachedProvider) IsAuthorized(ctx context.Context, endUserID, roomID, token string) bool {
	req := Request{EndUserID: endUserID, RoomID: roomID, Token: token}
	if !req.complete() {
		return false
	}
	allowed, err := c.aside.Get(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrExternalServiceUnavailable) {
			c.logger.WithFields(logrus.Fields{
				"user_id": endUserID,
				"room_id": roomID,
			}).WithError(err).Warn("Authorization cache failure, denying")
		}
		return false
	}
	return allowed
}
