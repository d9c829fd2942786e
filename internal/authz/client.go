package authz

import (
	"errors"
	"fmt"
	"time"

	"resty.dev/v3"
)

// ErrUnexpectedStatus is returned when an external API answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected status")

// newRestyClient builds the HTTP client shared by the external API clients.
func newRestyClient(name, baseURL string, timeout time.Duration) *resty.Client {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "media-storage-gateway/"+name).
		SetHeader("Accept", "application/json")
	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}
	return client
}

func checkResponse(resp *resty.Response) error {
	if resp.IsError() {
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode(), resp.String())
	}
	return nil
}

func accessCookie(token string) string {
	return "access=" + token
}
