// Package api implements the HTTP client for the image generation server.
package api

import (
	"errors"
	"strings"
)

// ErrRejectedByServer indicates the server understood the submission and
// refused it (HTTP 4xx). The request itself is at fault, so retrying the
// same payload will not help.
var ErrRejectedByServer = errors.New("submission rejected by server")

// ErrServerUnavailable indicates the server could not be reached or kept
// failing until the retry budget ran out.
var ErrServerUnavailable = errors.New("server unavailable")

// ErrTransport indicates a request failed before a usable response was
// obtained: cancelled context, malformed response body, or a request that
// could not be built at all.
var ErrTransport = errors.New("transport error")

// ErrEndpointMissing indicates the server does not implement the requested
// endpoint. Some operations depend on optional server extensions (for
// example output deletion), and a 404 on those routes means the extension
// is not installed rather than the resource being absent.
var ErrEndpointMissing = errors.New("endpoint not available on server")

// IsRejected reports whether an error means the server deliberately
// refused a request. Callers use this to stop retrying and surface the
// server's reason to the user.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejectedByServer)
}

// IsUnavailable checks if an error indicates the server is unreachable.
//
// This function detects unavailability from multiple sources:
//  1. Wrapped ErrServerUnavailable error
//  2. Error messages left by the retrying HTTP client after it gives up
//  3. Common connection failure phrases
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrServerUnavailable) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	unavailableIndicators := []string{
		"giving up after",
		"connection refused",
		"no such host",
		"connection reset",
		"service unavailable",
	}

	for _, indicator := range unavailableIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
