package transform

// Known output-token limits per model family. Unknown models fall back to
// the most conservative published limit.
var modelTokenLimits = map[string]int{
	"gemini-2.5-pro":   65536,
	"gemini-2.5-flash": 65536,
	"gemini-2.0-flash": 8192,
	"gemini-1.5-pro":   8192,
	"gemini-1.5-flash": 8192,
}

const fallbackTokenLimit = 8192

// CapOutputTokens clamps the requested output-token ceiling to 50% of the
// model's known limit, guaranteeing headroom for the input batch. Values at
// or under the cap pass through unchanged; non-positive requests get the cap
// itself.
func CapOutputTokens(model string, requested int) int {
	limit, ok := modelTokenLimits[model]
	if !ok {
		limit = fallbackTokenLimit
	}

	ceiling := limit / 2
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
