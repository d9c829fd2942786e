package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resty.dev/v3"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// ErrMappingFailed is returned when a schedule response lacks a required field.
var ErrMappingFailed = errors.New("schedule response mapping failed")

// Schedule holds the relations of a live room.
type Schedule struct {
	OrganizationID string
	ClassID        string
	TeacherIDs     []string
	// SchoolIDs may be empty.
	SchoolIDs []string
}

// HasTeacher reports whether userID teaches the class.
func (s *Schedule) HasTeacher(userID string) bool {
	for _, id := range s.TeacherIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ScheduleClient looks up the relations of a room.
type ScheduleClient interface {
	GetRelationIDs(ctx context.Context, roomID, token string) (*Schedule, error)
}

type relationIDsResponse struct {
	OrgID                 *string  `json:"org_id"`
	ClassRosterClassID    *string  `json:"class_roster_class_id"`
	ClassRosterTeacherIDs []string `json:"class_roster_teacher_ids"`
	SchoolIDs             []string `json:"school_ids"`
}

func (r *relationIDsResponse) toSchedule() (*Schedule, error) {
	switch {
	case r.OrgID == nil || *r.OrgID == "":
		return nil, fmt.Errorf("%w: org_id", ErrMappingFailed)
	case r.ClassRosterClassID == nil || *r.ClassRosterClassID == "":
		return nil, fmt.Errorf("%w: class_roster_class_id", ErrMappingFailed)
	case r.ClassRosterTeacherIDs == nil:
		return nil, fmt.Errorf("%w: class_roster_teacher_ids", ErrMappingFailed)
	}
	return &Schedule{
		OrganizationID: *r.OrgID,
		ClassID:        *r.ClassRosterClassID,
		TeacherIDs:     r.ClassRosterTeacherIDs,
		SchoolIDs:      r.SchoolIDs,
	}, nil
}

type scheduleClient struct {
	client  *resty.Client
	metrics *metrics.Metrics
}

// NewScheduleClient creates a client for the schedule API at baseURL.
func NewScheduleClient(baseURL string, timeout time.Duration, m *metrics.Metrics) ScheduleClient {
	return &scheduleClient{
		client:  newRestyClient("schedule", baseURL, timeout),
		metrics: m,
	}
}

// GetRelationIDs calls GET /schedules/{roomId}/relation_ids authenticated with the
// caller's access cookie.
func (c *scheduleClient) GetRelationIDs(ctx context.Context, roomID, token string) (schedule *Schedule, err error) {
	defer func(start time.Time) { c.metrics.RecordExternalCall("schedule", time.Since(start), err) }(time.Now())

	var result relationIDsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Cookie", accessCookie(token)).
		SetPathParam("roomId", roomID).
		SetResult(&result).
		Get("/schedules/{roomId}/relation_ids")
	if err != nil {
		return nil, fmt.Errorf("schedule lookup for room %s: %w", roomID, err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("schedule lookup for room %s: %w", roomID, err)
	}
	return result.toSchedule()
}
