package clientcredentials

import (
	"fmt"
	"strings"
)

// ConfigurationError reports missing client configuration.
// No request was sent to the token endpoint.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "missing oauth2 configuration: " + strings.Join(e.Missing, ", ")
}

// TransportError reports a failed round trip to the token endpoint:
// network failure, timeout or a non-2xx status.
// StatusCode is zero when no response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token request failed: status=%d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a token endpoint response that could not be used,
// such as a body without access_token.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad token response: %s: %v", e.Reason, e.Err)
	}
	return "bad token response: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
