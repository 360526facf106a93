package cost

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inference-gateway/internal/model"
)

func TestCost_KnownModel(t *testing.T) {
	calc := NewCalculator(Rates{
		"test-model": {{Input: 1.00, Output: 5.00}},
	})

	got := calc.Cost("test-model", time.Now(), false, model.TokenCounts{
		Input:  1_000_000,
		Output: 200_000,
	})
	assert.InDelta(t, 1.00+1.00, got, 1e-9)
}

func TestCost_UnknownModelIsZero(t *testing.T) {
	calc := NewCalculator(DefaultRates())
	got := calc.Cost("no-such-model", time.Now(), false, model.TokenCounts{Input: 1e6})
	assert.Zero(t, got)
}

func TestCost_BatchDiscount(t *testing.T) {
	calc := NewCalculator(Rates{
		"test-model": {{Input: 2.00, Output: 10.00, BatchDiscount: 0.5}},
	})

	full := calc.Cost("test-model", time.Now(), false, model.TokenCounts{Input: 1e6})
	half := calc.Cost("test-model", time.Now(), true, model.TokenCounts{Input: 1e6})
	assert.InDelta(t, full/2, half, 1e-9)
}

func TestCost_CacheMultipliers(t *testing.T) {
	calc := NewCalculator(Rates{
		"test-model": {{Input: 1.00, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1}},
	})

	got := calc.Cost("test-model", time.Now(), false, model.TokenCounts{
		CacheWrite: 1_000_000,
		CacheRead:  1_000_000,
	})
	assert.InDelta(t, 1.25+0.10, got, 1e-9)
}

func TestRateFor_ValidityScoping(t *testing.T) {
	cutover := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calc := NewCalculator(Rates{
		"test-model": {
			{Input: 1.00, Output: 4.00, ValidTo: cutover},
			{Input: 2.00, Output: 8.00, ValidFrom: cutover},
		},
	})

	before, ok := calc.RateFor("test-model", cutover.Add(-time.Hour))
	require.True(t, ok)
	assert.Equal(t, 1.00, before.Input)

	after, ok := calc.RateFor("test-model", cutover.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, 2.00, after.Input)

	// The instant of cutover belongs to the new rate.
	at, ok := calc.RateFor("test-model", cutover)
	require.True(t, ok)
	assert.Equal(t, 2.00, at.Input)
}

func TestLoadRates_File(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rates.yaml"
	data := []byte(`
test-model:
  - input: 3.0
    output: 15.0
    batch_discount: 0.5
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	rates, err := LoadRates(path)
	require.NoError(t, err)
	require.Len(t, rates["test-model"], 1)
	assert.Equal(t, 3.0, rates["test-model"][0].Input)
}
