package engine

import "fmt"

// ExternalServiceError marks a failed call to the model provider: timeout,
// rate limit, exhausted credits, bad key. The router surfaces it as a
// conversational error and never mutates context state on its account.
type ExternalServiceError struct {
	Provider string
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
