// Package capture renders a screenshot artifact for a single post URL.
//
// Two renderers are available: an external screenshot tool invoked as a
// subprocess, and an in-process headless Chromium fallback driven by rod.
// The engine tries them in configured order and returns the first artifact.
package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Renderer produces an image file for one post URL.
type Renderer interface {
	Name() string
	Render(ctx context.Context, url string) (string, error)
}

// CommandRenderer shells out to an external screenshot tool. The tool is
// called as "<tool> <url> <output-path>" and must write a PNG to the given
// path.
type CommandRenderer struct {
	tool    string
	outDir  string
	timeout time.Duration
}

// Ensure CommandRenderer implements Renderer
var _ Renderer = (*CommandRenderer)(nil)

// NewCommandRenderer creates a renderer backed by the given binary.
func NewCommandRenderer(tool, outDir string, timeout time.Duration) *CommandRenderer {
	return &CommandRenderer{tool: tool, outDir: outDir, timeout: timeout}
}

func (r *CommandRenderer) Name() string {
	return "command"
}

func (r *CommandRenderer) Render(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create capture directory: %w", err)
	}

	outPath := filepath.Join(r.outDir, uuid.NewString()+".png")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.tool, url, outPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("capture tool failed: %w (output: %s)", err, string(output))
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("capture tool reported success but wrote no file: %w", err)
	}

	logrus.Debugf("Captured %s via %s", url, r.tool)
	return outPath, nil
}
