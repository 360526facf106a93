// Package cost computes billing amounts from recorded token usage against
// a time-validity-scoped price table.
package cost

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/inference-gateway/internal/model"
)

// ModelRate holds per-model token pricing (per million tokens) valid for
// a time window. A zero ValidTo means open-ended.
type ModelRate struct {
	Input         float64   `yaml:"input"`
	Output        float64   `yaml:"output"`
	BatchDiscount float64   `yaml:"batch_discount"`
	CacheWriteMul float64   `yaml:"cache_write_mul"`
	CacheReadMul  float64   `yaml:"cache_read_mul"`
	ValidFrom     time.Time `yaml:"valid_from"`
	ValidTo       time.Time `yaml:"valid_to"`
}

// covers reports whether the rate was in force at the given instant.
func (r ModelRate) covers(at time.Time) bool {
	if !r.ValidFrom.IsZero() && at.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidTo.IsZero() && !at.Before(r.ValidTo) {
		return false
	}
	return true
}

// Rates maps a model ID to its rate history.
type Rates map[string][]ModelRate

// LoadRates reads a YAML price table from disk.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "cost: read rates file")
	}
	var rates Rates
	if err := yaml.Unmarshal(data, &rates); err != nil {
		return nil, eris.Wrap(err, "cost: parse rates file")
	}
	return rates, nil
}

// Calculator computes costs for recorded usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// RateFor returns the rate in force for the model at the given instant.
func (c *Calculator) RateFor(modelID string, at time.Time) (ModelRate, bool) {
	for _, r := range c.rates[modelID] {
		if r.covers(at) {
			return r, true
		}
	}
	return ModelRate{}, false
}

// Cost computes the billable amount for one request's token usage, using
// the rate that was valid when the request was admitted. Unknown models
// or uncovered instants cost zero.
func (c *Calculator) Cost(modelID string, at time.Time, isBatch bool, tokens model.TokenCounts) float64 {
	rate, ok := c.RateFor(modelID, at)
	if !ok {
		return 0
	}

	batchMul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		batchMul = rate.BatchDiscount
	}

	inCost := (float64(tokens.Input) / 1e6) * rate.Input * batchMul
	outCost := (float64(tokens.Output) / 1e6) * rate.Output * batchMul
	cwCost := (float64(tokens.CacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(tokens.CacheRead) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {{
			Input: 0.80, Output: 4.00,
			BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		}},
		"claude-sonnet-4-5-20250929": {{
			Input: 3.00, Output: 15.00,
			BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		}},
		"gpt-4o": {{
			Input: 2.50, Output: 10.00,
			BatchDiscount: 0.5,
		}},
		"gpt-4o-mini": {{
			Input: 0.15, Output: 0.60,
			BatchDiscount: 0.5,
		}},
		"llama3.1:8b": {{
			Input: 0, Output: 0,
		}},
	}
}
