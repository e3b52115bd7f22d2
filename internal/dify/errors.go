package dify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Sentinels for errors.Is checks across the taxonomy.
var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrInstanceUnavailable = errors.New("instance unavailable")
)

// InstanceUnavailableError reason codes.
const (
	ReasonConnectionFailed   = "CONNECTION_FAILED"
	ReasonServiceUnavailable = "SERVICE_UNAVAILABLE"
	ReasonMaintenance        = "MAINTENANCE"
	ReasonConfigurationError = "CONFIGURATION_ERROR"
)

// AuthenticationError covers bad credentials and invalid or expired tokens
// (HTTP 401/403). It is never retried automatically.
type AuthenticationError struct {
	StatusCode int
	Message    string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// RateLimitError carries the quota metadata parsed from a 429 response.
// Header lookups are case-insensitive; empty or non-numeric values leave the
// field nil, and negative numeric values are preserved as given.
type RateLimitError struct {
	RetryAfterSeconds *int
	RemainingRequests *int
	ResetAt           *int64
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSeconds != nil {
		return fmt.Sprintf("rate limited, retry after %ds", *e.RetryAfterSeconds)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// InstanceUnavailableError covers transport failures, 5xx responses, and
// configuration problems such as a disabled instance.
type InstanceUnavailableError struct {
	BaseURL string
	Reason  string
	Message string
	Err     error
}

func (e *InstanceUnavailableError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("instance %s unavailable (%s): %s", e.BaseURL, e.Reason, msg)
}

func (e *InstanceUnavailableError) Unwrap() error { return e.Err }

func (e *InstanceUnavailableError) Is(target error) bool { return target == ErrInstanceUnavailable }

// APIError is any other non-2xx response, with the message lifted from the
// response body when it carries one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Sync type tags for SyncError.
const (
	SyncTypeApp      = "app_sync"
	SyncTypeAccount  = "account_sync"
	SyncTypeInstance = "instance_sync"
)

// SyncError is the batch-level wrapper the orchestrator uses to report a
// per-unit failure without aborting the run.
type SyncError struct {
	SyncType string
	EntityID string
	Context  map[string]any
	Err      error
}

func (e *SyncError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.SyncType, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.SyncType, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// mapStatusError converts a non-2xx response into the typed taxonomy.
func mapStatusError(baseURL string, statusCode int, header http.Header, body []byte) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthenticationError{StatusCode: statusCode, Message: bodyMessage(body)}
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfterSeconds: intHeader(header, "Retry-After"),
			RemainingRequests: intHeader(header, "X-RateLimit-Remaining"),
			ResetAt:           int64Header(header, "X-RateLimit-Reset"),
		}
	case statusCode == http.StatusInternalServerError,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		reason := ReasonServiceUnavailable
		if statusCode == http.StatusServiceUnavailable {
			reason = ReasonMaintenance
		}
		return &InstanceUnavailableError{
			BaseURL: baseURL,
			Reason:  reason,
			Message: fmt.Sprintf("remote returned status %d", statusCode),
		}
	default:
		return &APIError{StatusCode: statusCode, Message: bodyMessage(body)}
	}
}

func bodyMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	msg, _ := payload["message"].(string)
	return strings.TrimSpace(msg)
}

func intHeader(header http.Header, name string) *int {
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &value
}

func int64Header(header http.Header, name string) *int64 {
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &value
}
