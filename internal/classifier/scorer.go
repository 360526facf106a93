package classifier

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Scorer computes a policy's fit for a payload. Implementations must be
// deterministic: identical payload and policy always yield the same score.
type Scorer interface {
	Score(payload model.Payload, policy Policy) float64
}

// Feature names understood by the default scorer. Policy feature weights
// are keyed by these.
const (
	FeatureLength    = "length"     // normalized payload length
	FeatureTurns     = "turns"      // conversational depth
	FeatureCode      = "code"       // code-like content
	FeatureReasoning = "reasoning"  // analysis/step-by-step phrasing
	FeatureBase      = "base"       // constant offset
)

// HeuristicScorer is the default Scorer: a weighted sum over cheap text
// features of the NFKC-normalized payload. Pure function of its inputs.
type HeuristicScorer struct{}

var codeMarkers = []string{"```", "func ", "def ", "class ", "import ", "select ", "#include"}

var reasoningMarkers = []string{
	"step by step", "explain", "analyze", "compare", "why", "prove", "reason",
}

// Score implements Scorer.
func (HeuristicScorer) Score(payload model.Payload, policy Policy) float64 {
	text := strings.ToLower(norm.NFKC.String(payload.Text()))

	features := map[string]float64{
		FeatureBase:   1.0,
		FeatureLength: lengthFeature(len(text)),
		FeatureTurns:  turnsFeature(len(payload.Messages)),
	}
	features[FeatureCode] = markerFeature(text, codeMarkers)
	features[FeatureReasoning] = markerFeature(text, reasoningMarkers)

	var score float64
	for name, weight := range policy.FeatureWeights {
		score += weight * features[name]
	}
	return score
}

// lengthFeature maps payload size to [0,1]; saturates at 8 KiB.
func lengthFeature(n int) float64 {
	const saturation = 8192
	if n >= saturation {
		return 1.0
	}
	return float64(n) / saturation
}

// turnsFeature maps conversation depth to [0,1]; saturates at 16 turns.
func turnsFeature(n int) float64 {
	const saturation = 16
	if n >= saturation {
		return 1.0
	}
	return float64(n) / saturation
}

// markerFeature returns the fraction of markers present in the text.
func markerFeature(text string, markers []string) float64 {
	if len(markers) == 0 {
		return 0
	}
	hits := 0
	for _, m := range markers {
		if strings.Contains(text, m) {
			hits++
		}
	}
	return float64(hits) / float64(len(markers))
}
