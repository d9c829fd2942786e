package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

const (
	organizationPermissionQuery = `query hasPermissionsInOrganization($organizationId: ID!, $permissionIds: [String!]!) {
  hasPermissionsInOrganization(organizationId: $organizationId, permissionIds: $permissionIds) { allowed }
}`
	schoolPermissionQuery = `query hasPermissionsInSchool($schoolId: ID!, $permissionIds: [String!]!) {
  hasPermissionsInSchool(schoolId: $schoolId, permissionIds: $permissionIds) { allowed }
}`
)

// PermissionClient checks user capabilities. The user is identified by the token.
type PermissionClient interface {
	HasOrganizationPermission(ctx context.Context, token, organizationID, permissionID string) (bool, error)
	HasSchoolPermission(ctx context.Context, token, schoolID, permissionID string) (bool, error)
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type permissionResult struct {
	Allowed bool `json:"allowed"`
}

type permissionResponse struct {
	Data   map[string]*permissionResult `json:"data"`
	Errors []graphQLError               `json:"errors"`
}

type permissionClient struct {
	client   *resty.Client
	endpoint string
	metrics  *metrics.Metrics
}

// NewPermissionClient creates a client for the permission GraphQL endpoint.
func NewPermissionClient(endpoint string, timeout time.Duration, m *metrics.Metrics) PermissionClient {
	return &permissionClient{
		client:   newRestyClient("permission", "", timeout),
		endpoint: endpoint,
		metrics:  m,
	}
}

func (c *permissionClient) HasOrganizationPermission(ctx context.Context, token, organizationID, permissionID string) (bool, error) {
	return c.check(ctx, token, "hasPermissionsInOrganization", organizationPermissionQuery, map[string]interface{}{
		"organizationId": organizationID,
		"permissionIds":  []string{permissionID},
	})
}

func (c *permissionClient) HasSchoolPermission(ctx context.Context, token, schoolID, permissionID string) (bool, error) {
	return c.check(ctx, token, "hasPermissionsInSchool", schoolPermissionQuery, map[string]interface{}{
		"schoolId":      schoolID,
		"permissionIds": []string{permissionID},
	})
}

func (c *permissionClient) check(ctx context.Context, token, field, query string, variables map[string]interface{}) (allowed bool, err error) {
	defer func(start time.Time) { c.metrics.RecordExternalCall("permission", time.Since(start), err) }(time.Now())

	var result permissionResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Cookie", accessCookie(token)).
		SetBody(graphQLRequest{Query: query, Variables: variables}).
		SetResult(&result).
		Post(c.endpoint)
	if err != nil {
		return false, fmt.Errorf("%s: %w", field, err)
	}
	if err := checkResponse(resp); err != nil {
		return false, fmt.Errorf("%s: %w", field, err)
	}
	if len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			messages = append(messages, e.Message)
		}
		return false, fmt.Errorf("%s: %s", field, strings.Join(messages, "; "))
	}

	payload := result.Data[field]
	if payload == nil {
		return false, errors.New(field + ": missing result")
	}
	return payload.Allowed, nil
}
