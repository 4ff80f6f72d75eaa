package session

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	loginErrs    []error // consumed one per attempt; nil entry means success
	loginCalls   int
	cookieClears int

	timeline    []TimelinePost
	timelineErr error

	created     []string
	createdImgs []string
	createErr   error
}

func (f *fakeAPI) LogIn(_ context.Context, creds Credentials) (string, error) {
	f.loginCalls++
	if f.loginCalls <= len(f.loginErrs) {
		if err := f.loginErrs[f.loginCalls-1]; err != nil {
			return "", err
		}
	}
	return creds.Username, nil
}

func (f *fakeAPI) ClearCookies() { f.cookieClears++ }

func (f *fakeAPI) Timeline(_ context.Context, _ string, _ int) ([]TimelinePost, error) {
	if f.timelineErr != nil {
		return nil, f.timelineErr
	}
	return f.timeline, nil
}

func (f *fakeAPI) CreatePost(_ context.Context, text, imagePath string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, text)
	f.createdImgs = append(f.createdImgs, imagePath)
	return nil
}

func testConfig() Config {
	return Config{
		MaxLoginAttempts:  3,
		RetryBaseDelay:    10 * time.Millisecond,
		DetectionDelayMin: 1 * time.Second,
		DetectionDelayMax: 2 * time.Second,
		MinActionInterval: time.Hour,
		PacingMin:         5 * time.Millisecond,
		PacingMax:         10 * time.Millisecond,
	}
}

// newTestManager replaces the sleep with a recorder so tests run instantly.
func newTestManager(api API, cfg Config) (*Manager, *[]time.Duration) {
	m := NewManager(api, cfg)
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }
	return m, &slept
}

func creds() Credentials {
	return Credentials{Username: "operator", Password: "hunter2"}
}

func TestLogin_SucceedsFirstAttempt(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(api, testConfig())

	require.NoError(t, m.Login(context.Background(), creds()))

	assert.Equal(t, StateLoggedIn, m.State())
	assert.True(t, m.IsAuthenticated())
	assert.False(t, m.NeedsReauth())
	assert.Equal(t, "operator", m.Handle())
	assert.Equal(t, 1, api.loginCalls)
}

func TestLogin_RetriesWithBackoffAndCookieClear(t *testing.T) {
	api := &fakeAPI{loginErrs: []error{
		errors.New("timeout"),
		errors.New("timeout"),
		nil,
	}}
	m, slept := newTestManager(api, testConfig())

	require.NoError(t, m.Login(context.Background(), creds()))

	assert.Equal(t, 3, api.loginCalls)
	assert.Equal(t, 2, api.cookieClears)
	require.Len(t, *slept, 2)

	// Delay grows with the attempt number, jittered within a third either way.
	base := testConfig().RetryBaseDelay
	assert.GreaterOrEqual(t, (*slept)[0], base-base/3)
	assert.LessOrEqual(t, (*slept)[0], base+base/3)
	assert.GreaterOrEqual(t, (*slept)[1], 2*base-2*base/3)
	assert.LessOrEqual(t, (*slept)[1], 2*base+2*base/3)
}

func TestLogin_OrdinaryFailureAfterCeiling(t *testing.T) {
	api := &fakeAPI{loginErrs: []error{
		errors.New("timeout"),
		errors.New("timeout"),
		errors.New("timeout"),
	}}
	m, _ := newTestManager(api, testConfig())

	err := m.Login(context.Background(), creds())

	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrDetectionBlocked)
	assert.Equal(t, StateLoggedOut, m.State())
	assert.Equal(t, 3, api.loginCalls)
}

func TestLogin_DetectionBlockedIsDistinct(t *testing.T) {
	api := &fakeAPI{loginErrs: []error{
		errors.New("login flow diverted to subtask ArkoseLogin"),
		errors.New("captcha required"),
		errors.New("captcha required"),
	}}
	cfg := testConfig()
	m, slept := newTestManager(api, cfg)

	err := m.Login(context.Background(), creds())

	assert.ErrorIs(t, err, ErrDetectionBlocked)
	assert.True(t, m.NeedsReauth())
	assert.Equal(t, StateNeedsReauth, m.State())

	// Detection backoff is materially longer than the ordinary retry delay.
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		assert.GreaterOrEqual(t, d, cfg.DetectionDelayMin)
		assert.LessOrEqual(t, d, cfg.DetectionDelayMax)
	}
}

func TestLogin_SuccessClearsReauthFlag(t *testing.T) {
	api := &fakeAPI{loginErrs: []error{
		errors.New("verification needed"),
		errors.New("verification needed"),
		errors.New("verification needed"),
	}}
	m, _ := newTestManager(api, testConfig())

	require.Error(t, m.Login(context.Background(), creds()))
	require.True(t, m.NeedsReauth())

	api.loginErrs = nil
	api.loginCalls = 0
	require.NoError(t, m.Login(context.Background(), creds()))
	assert.False(t, m.NeedsReauth())
	assert.Equal(t, StateLoggedIn, m.State())
}

func TestFetchItems_RequiresAuthentication(t *testing.T) {
	m, _ := newTestManager(&fakeAPI{}, testConfig())

	_, err := m.FetchItems(context.Background(), "nasa", 5)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestFetchItems_NormalizesURLs(t *testing.T) {
	api := &fakeAPI{timeline: []TimelinePost{
		{ID: "1", Text: "hello", URL: "https://x.com/nasa/status/1?s=20"},
		{ID: "2", Text: "world", URL: "https://x.com/nasa/status/2/photo/1"},
	}}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	posts, err := m.FetchItems(context.Background(), "nasa", 5)
	require.NoError(t, err)

	require.Len(t, posts, 2)
	assert.Equal(t, "https://x.com/nasa/status/1", posts[0].CanonicalURL)
	assert.Equal(t, "https://x.com/nasa/status/2", posts[1].CanonicalURL)
	assert.Equal(t, "nasa", posts[0].SourceHandle)
}

func TestFetchItems_EmptyTimelineIsNotAnError(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	posts, err := m.FetchItems(context.Background(), "ghost", 5)
	assert.NoError(t, err)
	assert.Empty(t, posts)
}

func TestFetchItems_DetectionYieldsEmptyAndFlagsReauth(t *testing.T) {
	api := &fakeAPI{timelineErr: errors.New("account flagged for suspicious activity")}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	posts, err := m.FetchItems(context.Background(), "nasa", 5)

	// The cycle must be able to continue with other handles.
	assert.NoError(t, err)
	assert.Empty(t, posts)
	assert.True(t, m.NeedsReauth())
	assert.True(t, m.IsAuthenticated())
}

func TestFetchItems_OrdinaryFailureSurfaces(t *testing.T) {
	api := &fakeAPI{timelineErr: errors.New("connection reset")}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	_, err := m.FetchItems(context.Background(), "nasa", 5)
	assert.Error(t, err)
	assert.False(t, m.NeedsReauth())
}

func TestPublish_TruncatesWithoutSplittingRunes(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	long := ""
	for i := 0; i < 300; i++ {
		long += "é"
	}

	require.NoError(t, m.Publish(context.Background(), long, ""))
	require.Len(t, api.created, 1)

	sent := api.created[0]
	assert.Equal(t, PostCharLimit, utf8.RuneCountInString(sent))
	assert.True(t, utf8.ValidString(sent))
}

func TestPublish_ShortTextPassesThrough(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	require.NoError(t, m.Publish(context.Background(), "short post", "/tmp/a.png"))
	assert.Equal(t, []string{"short post"}, api.created)
	assert.Equal(t, []string{"/tmp/a.png"}, api.createdImgs)
}

func TestPublish_DetectionFlagsReauthAndRaises(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("verification required before posting")}
	m, _ := newTestManager(api, testConfig())
	require.NoError(t, m.Login(context.Background(), creds()))

	err := m.Publish(context.Background(), "hello", "")

	assert.ErrorIs(t, err, ErrDetectionBlocked)
	assert.True(t, m.NeedsReauth())
}

func TestPacing_InsertsDelayBetweenCloseActions(t *testing.T) {
	api := &fakeAPI{}
	cfg := testConfig()
	m, slept := newTestManager(api, cfg)
	require.NoError(t, m.Login(context.Background(), creds()))

	// Login just ran, so the next action is inside the minimum interval.
	_, err := m.FetchItems(context.Background(), "nasa", 5)
	require.NoError(t, err)

	require.Len(t, *slept, 1)
	assert.GreaterOrEqual(t, (*slept)[0], cfg.PacingMin)
	assert.LessOrEqual(t, (*slept)[0], cfg.PacingMax)
}

func TestPacing_CancelledContextInterruptsDelay(t *testing.T) {
	api := &fakeAPI{}
	cfg := testConfig()
	cfg.PacingMin = 30 * time.Second
	cfg.PacingMax = time.Minute

	// Real sleep here: the point is that cancellation cuts it short.
	m := NewManager(api, cfg)
	require.NoError(t, m.Login(context.Background(), creds()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := m.FetchItems(ctx, "nasa", 5)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestState_InitiallyLoggedOut(t *testing.T) {
	m, _ := newTestManager(&fakeAPI{}, testConfig())
	assert.Equal(t, StateLoggedOut, m.State())
}
