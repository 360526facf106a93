// Package classifier ranks permitted models against configured policies
// when a request does not name an explicit model.
package classifier

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/model"
)

// ErrNoModelsPermitted is returned when the identity permits no models.
var ErrNoModelsPermitted = eris.New("classifier: no models permitted")

// QueueDepthFunc reports the current scheduler queue depth for a model.
// Used as the first tie-break between equal-score candidates.
type QueueDepthFunc func(modelID string) int

// Classifier scores a payload against active policies and returns ranked
// candidates.
type Classifier struct {
	policies   []Policy
	scorer     Scorer
	queueDepth QueueDepthFunc
}

// New creates a Classifier. A nil scorer uses the heuristic default; a nil
// queueDepth treats all queues as empty.
func New(policies []Policy, scorer Scorer, queueDepth QueueDepthFunc) *Classifier {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	if queueDepth == nil {
		queueDepth = func(string) int { return 0 }
	}
	return &Classifier{policies: policies, scorer: scorer, queueDepth: queueDepth}
}

// Classify returns candidates ordered highest score first; ties broken by
// lowest current queue depth for the model, then by policy declaration
// order. Returns an empty list when no policy clears its threshold.
// Scoring is never invoked when the permitted set is empty.
func (c *Classifier) Classify(payload model.Payload, permitted model.ModelSet) ([]model.ClassificationCandidate, error) {
	if permitted.Empty() {
		return nil, ErrNoModelsPermitted
	}

	type scored struct {
		candidate model.ClassificationCandidate
		depth     int
		order     int
	}

	var results []scored
	for _, p := range c.policies {
		if !permitted.Contains(p.ModelID) {
			continue
		}
		score := c.scorer.Score(payload, p)
		if score < p.MinScore {
			continue
		}
		results = append(results, scored{
			candidate: model.ClassificationCandidate{
				ModelID:  p.ModelID,
				Score:    score,
				PolicyID: p.ID,
			},
			depth: c.queueDepth(p.ModelID),
			order: p.order,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].candidate.Score != results[j].candidate.Score {
			return results[i].candidate.Score > results[j].candidate.Score
		}
		if results[i].depth != results[j].depth {
			return results[i].depth < results[j].depth
		}
		return results[i].order < results[j].order
	})

	candidates := make([]model.ClassificationCandidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, r.candidate)
	}
	return candidates, nil
}
