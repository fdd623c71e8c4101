package classify

import (
	"errors"
	"fmt"
)

// HuntError is a classified error with provisioning context. It carries the
// classification used by retry routing, circuit breaking, and exit-code
// mapping.
type HuntError struct {
	// Class is the classification driving retry and escalation decisions.
	Class Classification `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Zone is the availability domain the attempt targeted, if applicable.
	Zone string `json:"zone,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Output is the raw command output that was classified, truncated for
	// storage.
	Output string `json:"output,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *HuntError) Error() string {
	if e.Zone != "" {
		return fmt.Sprintf("[%s] %s (zone=%s): %s", e.Class, e.Message, e.Zone, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *HuntError) Unwrap() error {
	return e.Err
}

func (e *HuntError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two HuntErrors are equal when
// their classifications match.
func (e *HuntError) Is(target error) bool {
	t, ok := target.(*HuntError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewError creates a classified error.
func NewError(class Classification, message string, err error) *HuntError {
	return &HuntError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// FromOutput classifies raw command output and wraps it as a HuntError.
func FromOutput(message, raw string) *HuntError {
	const maxStored = 2048
	stored := raw
	if len(stored) > maxStored {
		stored = stored[:maxStored]
	}
	return &HuntError{
		Class:   Classify(raw),
		Message: message,
		Output:  stored,
	}
}

// WithZone adds zone context to the error.
func (e *HuntError) WithZone(zone string) *HuntError {
	e.Zone = zone
	return e
}

// WithOperation adds operation context to the error.
func (e *HuntError) WithOperation(op string) *HuntError {
	e.Operation = op
	return e
}

// ClassOf extracts the classification from an error chain. Errors that are not
// HuntErrors classify as Unknown.
func ClassOf(err error) Classification {
	var he *HuntError
	if errors.As(err, &he) {
		return he.Class
	}
	return Unknown
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	var he *HuntError
	if errors.As(err, &he) {
		return he.Class.IsTransient()
	}
	return false
}

// IsExpected reports whether err carries an expected-outcome classification.
func IsExpected(err error) bool {
	var he *HuntError
	if errors.As(err, &he) {
		return he.Class.IsExpected()
	}
	return false
}
