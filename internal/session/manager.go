// Package session owns the one authenticated connection to the platform:
// login with bounded retries, timeline fetches, publishing, and the pacing
// that keeps the action cadence from looking automated.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/relaypost/relay-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// PostCharLimit is the destination platform's post length limit in runes.
const PostCharLimit = 280

// ManagerInterface defines the contract the orchestrator depends on.
type ManagerInterface interface {
	Login(ctx context.Context, creds Credentials) error
	FetchItems(ctx context.Context, handle string, limit int) ([]models.Post, error)
	Publish(ctx context.Context, text, artifactPath string) error
	IsAuthenticated() bool
	NeedsReauth() bool
	State() State
}

// Config tunes retry and pacing behavior. Tests shrink the durations.
type Config struct {
	MaxLoginAttempts  int
	RetryBaseDelay    time.Duration // grows linearly with the attempt number
	DetectionDelayMin time.Duration // band used after a detection signature
	DetectionDelayMax time.Duration
	MinActionInterval time.Duration // actions closer together than this get paced
	PacingMin         time.Duration // randomized pacing band
	PacingMax         time.Duration
}

// DefaultConfig returns production pacing values.
func DefaultConfig() Config {
	return Config{
		MaxLoginAttempts:  3,
		RetryBaseDelay:    10 * time.Second,
		DetectionDelayMin: 2 * time.Minute,
		DetectionDelayMax: 5 * time.Minute,
		MinActionInterval: 20 * time.Second,
		PacingMin:         5 * time.Second,
		PacingMax:         25 * time.Second,
	}
}

// Manager is the process-wide session. Exactly one instance exists; all
// state transitions go through its methods.
type Manager struct {
	api   API
	cfg   Config
	sleep func(context.Context, time.Duration) // injectable for tests

	mu            sync.Mutex
	authenticated bool
	authInFlight  bool
	needsReauth   bool
	handle        string
	lastAction    time.Time
}

// Ensure Manager implements ManagerInterface
var _ ManagerInterface = (*Manager)(nil)

// NewManager creates a logged-out session manager over the given transport.
func NewManager(api API, cfg Config) *Manager {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 3
	}
	return &Manager{api: api, cfg: cfg, sleep: sleepContext}
}

// Login attempts authentication up to the retry ceiling. Between attempts it
// clears session cookies and backs off; a failure carrying a detection
// signature backs off much longer and, at the ceiling, surfaces as
// ErrDetectionBlocked instead of ErrAuthFailed. Success clears the
// needs-reauthentication flag.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	if m.authInFlight {
		m.mu.Unlock()
		return fmt.Errorf("login already in progress")
	}
	m.authInFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.authInFlight = false
		m.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxLoginAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		logrus.Infof("Login attempt %d/%d", attempt, m.cfg.MaxLoginAttempts)
		handle, err := m.api.LogIn(ctx, creds)
		if err == nil {
			m.mu.Lock()
			m.authenticated = true
			m.needsReauth = false
			m.handle = handle
			m.lastAction = time.Now()
			m.mu.Unlock()

			logrus.Infof("Authenticated as @%s", handle)
			return nil
		}

		lastErr = err
		detected := looksLikeDetection(err)

		if attempt == m.cfg.MaxLoginAttempts {
			break
		}

		m.api.ClearCookies()

		if detected {
			delay := randomBetween(m.cfg.DetectionDelayMin, m.cfg.DetectionDelayMax)
			logrus.Warnf("Login attempt %d hit a detection signature (%v), backing off %v", attempt, err, delay)
			m.sleep(ctx, delay)
		} else {
			delay := jittered(m.cfg.RetryBaseDelay * time.Duration(attempt))
			logrus.Warnf("Login attempt %d failed (%v), retrying in %v", attempt, err, delay)
			m.sleep(ctx, delay)
		}
	}

	m.mu.Lock()
	m.authenticated = false
	m.mu.Unlock()

	if looksLikeDetection(lastErr) {
		m.flagDetection("login")
		return fmt.Errorf("%w: %v", ErrDetectionBlocked, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrAuthFailed, m.cfg.MaxLoginAttempts, lastErr)
}

// FetchItems returns up to limit posts for a handle, newest first. An empty
// timeline is not an error. A detection event flags reauthentication and
// yields an empty result so the caller can continue with other handles.
func (m *Manager) FetchItems(ctx context.Context, handle string, limit int) ([]models.Post, error) {
	if !m.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}

	m.pace(ctx)

	raw, err := m.api.Timeline(ctx, handle, limit)
	m.touch()
	if err != nil {
		if looksLikeDetection(err) {
			m.flagDetection("fetch @" + handle)
			return []models.Post{}, nil
		}
		return nil, fmt.Errorf("fetch @%s failed: %w", handle, err)
	}

	posts := make([]models.Post, 0, len(raw))
	for _, p := range raw {
		posts = append(posts, models.Post{
			ID:           p.ID,
			SourceHandle: handle,
			Text:         p.Text,
			CanonicalURL: models.CanonicalURL(p.URL),
		})
	}

	return posts, nil
}

// Publish posts text with an optional attached image, truncating to the
// platform limit without splitting a multi-byte character. A detection event
// flags reauthentication and fails this action, leaving the caller to decide
// whether to abort the cycle.
func (m *Manager) Publish(ctx context.Context, text, artifactPath string) error {
	if !m.IsAuthenticated() {
		return ErrNotAuthenticated
	}

	m.pace(ctx)

	err := m.api.CreatePost(ctx, truncateRunes(text, PostCharLimit), artifactPath)
	m.touch()
	if err != nil {
		if looksLikeDetection(err) {
			m.flagDetection("publish")
			return fmt.Errorf("%w: %v", ErrDetectionBlocked, err)
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	return nil
}

// IsAuthenticated reports whether a login has succeeded. It stays true after
// a detection event: the remaining accounts of the current cycle may still
// be processed, only a new cycle is refused.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// NeedsReauth reports the sticky detection flag. Cleared only by a fresh
// successful Login.
func (m *Manager) NeedsReauth() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsReauth
}

// Handle returns the authenticated account handle.
func (m *Manager) Handle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// State derives the current state machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.authInFlight:
		return StateAuthenticating
	case m.needsReauth:
		return StateNeedsReauth
	case m.authenticated:
		return StateLoggedIn
	default:
		return StateLoggedOut
	}
}

func (m *Manager) flagDetection(where string) {
	m.mu.Lock()
	m.needsReauth = true
	m.mu.Unlock()
	logrus.Warnf("Detection event during %s: reauthentication required before the next cycle", where)
}

// pace inserts a randomized delay when the previous action was too recent.
// This is an anti-detection control: a uniform request cadence is the
// easiest automation signature to spot. The delay is a suspension point:
// cancelling the context cuts it short.
func (m *Manager) pace(ctx context.Context) {
	m.mu.Lock()
	elapsed := time.Since(m.lastAction)
	m.mu.Unlock()

	if elapsed >= m.cfg.MinActionInterval {
		return
	}

	delay := randomBetween(m.cfg.PacingMin, m.cfg.PacingMax)
	logrus.Debugf("Pacing: waiting %v before next action", delay)
	m.sleep(ctx, delay)
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastAction = time.Now()
	m.mu.Unlock()
}

// sleepContext sleeps for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// truncateRunes cuts s to at most max runes, never splitting a character.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// jittered spreads d within ±a third of itself.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	third := d / 3
	return d - third + time.Duration(rand.Int63n(int64(2*third)+1))
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
