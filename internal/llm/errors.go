package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when no API key is configured for a model.
	ErrUnavailable = errors.New("llm integration is not configured")
	// ErrEmptyResponse is returned when the provider answers with no content.
	ErrEmptyResponse = errors.New("llm returned an empty response")
)

// ServiceError wraps a failed or timed-out call to a model provider.
type ServiceError struct {
	Capability Capability
	Err        error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Capability, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call ran out of time.
func (e *ServiceError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// MalformedResponseError is returned when a completion cannot be parsed into
// the expected shape. Raw holds the unparsed text.
type MalformedResponseError struct {
	Capability Capability
	Raw        string
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s response malformed: %v", e.Capability, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
