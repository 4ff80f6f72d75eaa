package session

import "context"

// Credentials for the operator-controlled platform account.
type Credentials struct {
	Username string
	Password string
	Email    string
}

// TimelinePost is one raw post as the platform returns it, before it is
// normalized into a models.Post.
type TimelinePost struct {
	ID     string
	Text   string
	URL    string
	Pinned bool
}

// API is the transport seam between the session manager and the platform.
// The production implementation is the resty-based platform client; tests
// inject a fake so the login state machine runs without network access.
type API interface {
	// LogIn authenticates and returns the authenticated handle.
	LogIn(ctx context.Context, creds Credentials) (string, error)

	// ClearCookies drops any stored session cookies, so a retried login
	// starts from a clean slate.
	ClearCookies()

	// Timeline returns up to limit posts for a handle, newest first.
	Timeline(ctx context.Context, handle string, limit int) ([]TimelinePost, error)

	// CreatePost publishes text with an optional attached image.
	CreatePost(ctx context.Context, text, imagePath string) error
}
