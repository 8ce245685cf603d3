package call

import (
	"fmt"
	"strings"
)

// ConfigurationError means a credential or the public URL needed to place a
// call is not set. Nothing was dialed.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "not configured: " + strings.Join(e.Missing, ", ")
}

// ValidationError reports a bad initiation request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ProviderRejection means the telephony provider refused to place the call.
type ProviderRejection struct {
	// Code is the provider's error code, zero if it did not supply one.
	Code    int
	Message string
	Err     error
}

func (e *ProviderRejection) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider rejected call (%d): %s", e.Code, e.Message)
	}
	return "provider rejected call: " + e.Message
}

func (e *ProviderRejection) Unwrap() error {
	return e.Err
}
