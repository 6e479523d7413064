package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictelligence/internal/valuation"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(postcode string, cycle int, predicted, actual float64, direction, sig string) PredictionRecord {
	return PredictionRecord{
		Timestamp:  time.Now().UTC(),
		Cycle:      cycle,
		Postcode:   postcode,
		Predicted:  predicted,
		Actual:     actual,
		Direction:  direction,
		Signal:     sig,
		Confidence: 80,
		Error:      1000,
	}
}

func TestHistory_MostRecentFirst(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendPrediction(record("SW1A1AA", i, 300_000, 300_000, "UP", "BUY")))
	}
	require.NoError(t, s.AppendPrediction(record("M11AE", 6, 200_000, 200_000, "DOWN", "SELL")))

	records, err := s.History("sw1a 1aa", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 5, records[0].Cycle)
	assert.Equal(t, 4, records[1].Cycle)
	assert.Equal(t, 3, records[2].Cycle)
	for _, r := range records {
		assert.Equal(t, "SW1A1AA", r.Postcode)
	}
}

func TestHistory_EmptyForUnknownPostcode(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	records, err := s.History("ZZ99 9ZZ", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTrend_AggregatesDistrict(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	require.NoError(t, s.AppendPrediction(record("SW1A1AA", 1, 300_000, 300_000, "UP", "BUY")))
	require.NoError(t, s.AppendPrediction(record("SW1A2BB", 2, 310_000, 305_000, "UP", "BUY")))
	require.NoError(t, s.AppendPrediction(record("SW1A3CC", 3, 305_000, 300_000, "DOWN", "HOLD")))
	require.NoError(t, s.AppendPrediction(record("M11AE", 4, 200_000, 200_000, "DOWN", "SELL")))

	trend, err := s.Trend("SW1A")
	require.NoError(t, err)
	assert.Equal(t, 3, trend.SampleSize)
	assert.Equal(t, "UP", trend.DominantDirection)
	assert.Equal(t, "BUY", trend.DominantSignal)
	assert.Equal(t, 80.0, trend.AvgConfidence)
}

func TestModelAccuracy(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	acc, err := s.ModelAccuracy()
	require.NoError(t, err)
	assert.Zero(t, acc.SampleSize)

	require.NoError(t, s.AppendPrediction(record("SW1A1AA", 3, 305_000, 300_000, "UP", "BUY")))
	require.NoError(t, s.AppendPrediction(record("SW1A1AA", 4, 295_000, 300_000, "DOWN", "SELL")))

	acc, err = s.ModelAccuracy()
	require.NoError(t, err)
	assert.Equal(t, 2, acc.SampleSize)
	assert.Equal(t, 1000.0, acc.MAE)
	assert.Equal(t, 1.0, acc.DirectionAccuracy)
}

func TestModelAccuracy_DirectionMissesCount(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	// The trained target differs from the valuation the direction was
	// derived from, so an UP call with a prediction below the realized
	// market level is a miss.
	require.NoError(t, s.AppendPrediction(record("SW1A1AA", 3, 290_000, 285_000, "UP", "BUY")))
	require.NoError(t, s.AppendPrediction(record("SW1A1AA", 4, 280_000, 285_000, "UP", "BUY")))
	require.NoError(t, s.AppendPrediction(record("SW1A1AA", 5, 282_000, 285_000, "SIDEWAYS", "HOLD")))

	acc, err := s.ModelAccuracy()
	require.NoError(t, err)
	assert.Equal(t, 3, acc.SampleSize)
	assert.Equal(t, 0.5, acc.DirectionAccuracy, "one of two non-sideways calls landed on the called side")
}

func TestModelState_RoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	blob, err := s.LoadModelState()
	require.NoError(t, err)
	assert.Nil(t, blob, "fresh store must have no model state")

	require.NoError(t, s.SaveModelState([]byte(`{"n_trained":7}`)))
	blob, err = s.LoadModelState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n_trained":7}`, string(blob))
}

func TestComparables_DistrictScopedAndRanked(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	seed := []valuation.Comparable{
		{Price: 300_000, DateSold: "2025-01-01", Postcode: "SW1A 1AA", PropertyType: "terraced", Bedrooms: 3},
		{Price: 320_000, DateSold: "2025-02-01", Postcode: "SW1A 2BB", PropertyType: "terraced", Bedrooms: 2},
		{Price: 500_000, DateSold: "2025-02-01", Postcode: "SW1A 3CC", PropertyType: "detached", Bedrooms: 4},
		{Price: 150_000, DateSold: "2025-03-01", Postcode: "M1 1AE", PropertyType: "flat", Bedrooms: 1},
	}
	for _, c := range seed {
		require.NoError(t, s.StoreComparable(c))
	}

	comps, err := s.Comparables("SW1A 9ZZ", "terraced", 3, 10)
	require.NoError(t, err)
	require.Len(t, comps, 3, "other districts must be excluded")
	for _, c := range comps {
		assert.NotEqual(t, "M1 1AE", c.Postcode)
	}

	// With a limit smaller than the pool, exact type+bedroom matches win.
	comps, err = s.Comparables("SW1A 9ZZ", "terraced", 3, 1)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "terraced", comps[0].PropertyType)
	assert.Equal(t, 3, comps[0].Bedrooms)
}
