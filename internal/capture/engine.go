package capture

import (
	"context"
	"time"

	"github.com/relaypost/relay-bot/internal/config"
	"github.com/sirupsen/logrus"
)

// EngineInterface defines the contract the orchestrator depends on.
type EngineInterface interface {
	Capture(ctx context.Context, url string) string
}

// Engine tries each renderer in order and keeps the first artifact.
type Engine struct {
	renderers []Renderer
}

// Ensure Engine implements EngineInterface
var _ EngineInterface = (*Engine)(nil)

// NewEngine builds the renderer chain from configuration. The external tool
// leads by default; CAPTURE_PREFER_BROWSER flips the order for environments
// where the tool is the flakier of the two.
func NewEngine(cfg *config.Config) *Engine {
	timeout := time.Duration(cfg.CaptureTimeout) * time.Second

	browser := NewBrowserRenderer(cfg.BrowserBinary, cfg.BrowserHeadless, cfg.CaptureDir, timeout)

	var renderers []Renderer
	if cfg.CaptureTool == "" {
		renderers = []Renderer{browser}
	} else {
		command := NewCommandRenderer(cfg.CaptureTool, cfg.CaptureDir, timeout)
		if cfg.PreferBrowser {
			renderers = []Renderer{browser, command}
		} else {
			renderers = []Renderer{command, browser}
		}
	}

	return &Engine{renderers: renderers}
}

// NewEngineWithRenderers is used by tests to inject fakes.
func NewEngineWithRenderers(renderers ...Renderer) *Engine {
	return &Engine{renderers: renderers}
}

// Capture returns the artifact path for the URL, or "" when every renderer
// failed. It never returns an error: a missing artifact is a per-item
// condition the caller handles by skipping the item.
func (e *Engine) Capture(ctx context.Context, url string) string {
	for _, renderer := range e.renderers {
		path, err := renderer.Render(ctx, url)
		if err != nil {
			logrus.Warnf("Capture via %s failed for %s: %v", renderer.Name(), url, err)
			continue
		}
		return path
	}

	logrus.Errorf("All capture methods failed for %s", url)
	return ""
}
