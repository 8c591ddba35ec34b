package routing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllProvidersFailed is matched by every *ExhaustedError
var ErrAllProvidersFailed = errors.New("all providers failed")

// ExhaustedError is returned when every candidate provider (including a
// forced attempt on the primary) failed. Cause is the last concrete error.
type ExhaustedError struct {
	Primary   string
	Attempted []string
	Cause     error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s (primary %s, attempted %s)", ErrAllProvidersFailed, e.Primary, strings.Join(e.Attempted, ", "))
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// Is reports ErrAllProvidersFailed as a match
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}
