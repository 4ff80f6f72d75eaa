// Package transform rewrites a batch of harvested posts into ready-to-publish
// texts with a single call to the Gemini API.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaypost/relay-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// Separator the model is instructed to emit between candidate texts.
const separator = "-----"

// Sentinel the model is instructed to emit when nothing in the batch is
// worth republishing.
const nothingRelevantToken = "NOTHING_RELEVANT"

// ErrNothingRelevant is returned when the model produced no usable text for
// the whole batch. Distinct from an error so callers can short-circuit the
// cycle with zero work.
var ErrNothingRelevant = errors.New("no relevant posts in batch")

const defaultInstruction = `You curate a repost feed. For each numbered post below, rewrite it as a short,
punchy standalone post in the same language. Keep each rewrite under 250
characters. Output one rewrite per input post, separated by a line containing
exactly "` + separator + `", in the same order as the inputs. If a post is
advertising, spam, or otherwise not worth reposting, output exactly
"` + nothingRelevantToken + `" in its place. If none are worth reposting,
output only "` + nothingRelevantToken + `".`

// generator is the single seam to the Gemini API, so tests can inject fakes.
type generator interface {
	generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error)
}

// Candidate pairs a surviving rewrite with the index of the input post it was
// produced for. Indices survive mid-batch drops: when the model marks post 2
// of 3 as not worth reposting, the rewrite for post 3 still carries index 2.
type Candidate struct {
	SourceIndex int
	Text        string
}

// GateInterface defines the contract the orchestrator depends on.
type GateInterface interface {
	Process(ctx context.Context, posts []models.Post) ([]Candidate, error)
}

// Gate sends one batched request per cycle and splits the response into
// candidate texts.
type Gate struct {
	gen         generator
	instruction string
	maxTokens   int
}

// Ensure Gate implements GateInterface
var _ GateInterface = (*Gate)(nil)

// NewGate creates a gate for the given model. The requested output-token
// ceiling is capped at half the model's known output limit so the input
// batch always has headroom; a silent reduction is logged once here.
func NewGate(apiKey, model, instruction string, maxOutputTokens int) (*Gate, error) {
	gen, err := newGeminiGenerator(apiKey, model)
	if err != nil {
		return nil, err
	}
	return newGateWithGenerator(gen, model, instruction, maxOutputTokens), nil
}

func newGateWithGenerator(gen generator, model, instruction string, maxOutputTokens int) *Gate {
	capped := CapOutputTokens(model, maxOutputTokens)
	if capped != maxOutputTokens {
		logrus.Warnf("Reducing max output tokens from %d to %d (50%% of %s limit)", maxOutputTokens, capped, model)
	}

	if instruction == "" {
		instruction = defaultInstruction
	}

	return &Gate{gen: gen, instruction: instruction, maxTokens: capped}
}

// EffectiveMaxTokens reports the ceiling actually sent to the service.
func (g *Gate) EffectiveMaxTokens() int {
	return g.maxTokens
}

// Process sends the whole batch in one request and returns the surviving
// candidates in input order, each tagged with the index of the post it
// rewrites. Returns ErrNothingRelevant when no candidate survives; transport
// and service failures propagate wrapped, unretried.
func (g *Gate) Process(ctx context.Context, posts []models.Post) ([]Candidate, error) {
	if len(posts) == 0 {
		return nil, ErrNothingRelevant
	}

	response, err := g.gen.generate(ctx, g.buildPrompt(posts), g.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("transform request failed: %w", err)
	}

	candidates := splitCandidates(response)

	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceIndex >= len(posts) {
			logrus.Warnf("Dropping candidate at position %d: batch only has %d posts", c.SourceIndex, len(posts))
			continue
		}
		kept = append(kept, c)
	}

	if len(kept) == 0 {
		logrus.Info("Transform gate: model found nothing worth republishing")
		return nil, ErrNothingRelevant
	}

	logrus.Infof("Transform gate produced %d texts from %d posts", len(kept), len(posts))
	return kept, nil
}

func (g *Gate) buildPrompt(posts []models.Post) string {
	var b strings.Builder
	b.WriteString(g.instruction)
	b.WriteString("\n\n")

	for i, post := range posts {
		fmt.Fprintf(&b, "Post %d (@%s):\n%s\n\n", i+1, post.SourceHandle, post.Text)
	}

	return b.String()
}

// splitCandidates breaks the response on the separator and drops every
// "nothing relevant" candidate, keeping each survivor's position so callers
// can pair it with the post at the same index. The loose textual match is
// kept alongside the exact token for compatibility with prompts already in
// the field.
func splitCandidates(response string) []Candidate {
	var candidates []Candidate

	for i, part := range strings.Split(response, separator) {
		text := strings.TrimSpace(part)
		if text == "" || isNothingRelevant(text) {
			continue
		}
		candidates = append(candidates, Candidate{SourceIndex: i, Text: text})
	}

	return candidates
}

func isNothingRelevant(text string) bool {
	if text == nothingRelevantToken {
		return true
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "nothing relevant") || strings.Contains(lower, "no relevant posts")
}
