package client

import "fmt"

// APIError is a non-2xx reply from the enclave.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("enclave returned %d: %s", e.StatusCode, e.Message)
}
