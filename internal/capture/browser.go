package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// The post body element on the platform's web UI. Screenshotting only this
// element keeps chrome, sidebars and cookie banners out of the artifact.
const postSelector = "article"

// BrowserRenderer renders a post with an in-process headless Chromium via
// rod. A fresh browser is launched per capture so a wedged page cannot leak
// into later items; every step runs under the renderer's timeout.
type BrowserRenderer struct {
	bin      string
	headless bool
	outDir   string
	timeout  time.Duration
}

// Ensure BrowserRenderer implements Renderer
var _ Renderer = (*BrowserRenderer)(nil)

// NewBrowserRenderer creates a rod-backed renderer. bin may be empty, in
// which case rod resolves (and if needed downloads) a browser itself.
func NewBrowserRenderer(bin string, headless bool, outDir string, timeout time.Duration) *BrowserRenderer {
	return &BrowserRenderer{bin: bin, headless: headless, outDir: outDir, timeout: timeout}
}

func (r *BrowserRenderer) Name() string {
	return "browser"
}

func (r *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create capture directory: %w", err)
	}

	l := launcher.New().Headless(r.headless)
	if r.bin != "" {
		l = l.Bin(r.bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", fmt.Errorf("failed to connect to browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("failed to open page: %w", err)
	}
	page = page.Timeout(r.timeout)

	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	// Element blocks until the post body appears, bounded by the page
	// timeout set above.
	el, err := page.Element(postSelector)
	if err != nil {
		return "", fmt.Errorf("post element never appeared for %s: %w", url, err)
	}

	img, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return "", fmt.Errorf("failed to screenshot post element: %w", err)
	}

	outPath := filepath.Join(r.outDir, uuid.NewString()+".png")
	if err := os.WriteFile(outPath, img, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	logrus.Debugf("Captured %s via headless browser", url)
	return outPath, nil
}
