package session

import (
	"errors"
	"strings"
)

// Error kinds surfaced by the session manager. Callers branch on these with
// errors.Is.
var (
	// ErrAuthFailed is an ordinary login failure after bounded retries.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDetectionBlocked means the platform's anti-automation defense
	// intervened. Terminal for the current attempt; the operator must
	// reauthenticate before another cycle may run.
	ErrDetectionBlocked = errors.New("blocked by platform anti-automation defense")

	// ErrNotAuthenticated is returned by fetch/publish before a login.
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// Failure signatures that indicate the defense intervened rather than an
// ordinary error. The platform surfaces these in error payloads when it
// routes a login or action into a challenge flow.
var detectionMarkers = []string{
	"captcha",
	"verification",
	"subtask",
	"arkose",
	"funcaptcha",
	"suspicious",
}

// looksLikeDetection reports whether an error carries a detection signature.
func looksLikeDetection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDetectionBlocked) {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, marker := range detectionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
