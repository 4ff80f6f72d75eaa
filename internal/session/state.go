package session

// State enumerates the session life cycle. Transitions:
//
//	LoggedOut -> Authenticating -> LoggedIn
//	LoggedIn  -> NeedsReauth            (any detection event)
//	NeedsReauth -> Authenticating       (explicit Login call only)
//
// Authenticating loops on itself up to the retry ceiling, then falls back to
// LoggedOut (ordinary failure) or fails the attempt with ErrDetectionBlocked.
type State int

const (
	StateLoggedOut State = iota
	StateAuthenticating
	StateLoggedIn
	StateNeedsReauth
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateAuthenticating:
		return "authenticating"
	case StateLoggedIn:
		return "logged_in"
	case StateNeedsReauth:
		return "needs_reauth"
	default:
		return "unknown"
	}
}
