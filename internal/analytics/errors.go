package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for analysis service failures.
var (
	ErrUnreachable  = errors.New("analysis service unreachable")
	ErrTimeout      = errors.New("analysis service timeout")
	ErrEmptyCSV     = errors.New("csv file has no data rows")
	ErrMalformedCSV = errors.New("malformed csv file")
)

// APIError is a non-2xx response from the analysis service.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429
}

// Message returns the user-visible text for err: the service-provided detail
// when there is one, otherwise a generic description.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return err.Error()
}

// parseDetail extracts the detail text from a FastAPI-style error body.
// detail is either a string or a list of validation errors with a msg field.
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil && len(items) > 0 {
		return items[0].Msg
	}
	return ""
}

// classifyError maps transport-level errors to sentinel errors. The cause
// stays in the chain so callers can still detect context cancellation.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}
