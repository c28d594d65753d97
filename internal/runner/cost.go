package runner

import (
	"math"
	"strings"

	"github.com/tamias-dev/tamias/internal/providers"
)

// rate is USD per million tokens.
type rate struct {
	in  float64
	out float64
}

// modelRates holds rough USD rates for cost logging. Matching is by
// substring of the model ref; unknown models log 0. Best effort only, never
// used for anything but the turn log line.
var modelRates = []struct {
	match string
	rate  rate
}{
	{"gpt-5-mini", rate{0.25, 2}},
	{"gpt-5", rate{1.25, 10}},
	{"gpt-4o", rate{2.5, 10}},
	{"o3", rate{2, 8}},
	{"claude-opus", rate{15, 75}},
	{"claude-sonnet", rate{3, 15}},
	{"claude-haiku", rate{1, 5}},
	{"gemini-2.5-pro", rate{1.25, 10}},
	{"gemini", rate{0.3, 2.5}},
}

// estimateCost returns an approximate USD cost for one turn, rounded to
// 6 decimals.
func estimateCost(modelRef string, u providers.Usage) float64 {
	ref := strings.ToLower(modelRef)
	for _, m := range modelRates {
		if strings.Contains(ref, m.match) {
			cost := float64(u.PromptTokens)/1e6*m.rate.in + float64(u.CompletionTokens)/1e6*m.rate.out
			return math.Round(cost*1e6) / 1e6
		}
	}
	return 0
}
