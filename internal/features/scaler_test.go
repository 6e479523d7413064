package features

import (
	"math"
	"testing"

	"predictelligence/internal/macro"
)

func snap(boe, infl, temp, season float64) macro.Snapshot {
	return macro.Snapshot{
		BoERate:       boe,
		InflationRate: infl,
		AvgTemp:       temp,
		SeasonFactor:  season,
	}
}

func prop() Property {
	return Property{
		Type:        "terraced",
		Postcode:    "SW1A 1AA",
		Bedrooms:    3,
		LocalComps:  5,
		LocalMedian: 290_000,
	}
}

func TestScaler_FitOnFirstTransform(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	if s.Fitted() {
		t.Fatal("new scaler must not be fitted")
	}

	first := s.Transform(snap(5.25, 3.8, 12.0, 0.8), prop())
	if !s.Fitted() {
		t.Fatal("first Transform must fit the scaler")
	}

	// Fit parameters come from the first vector, so the first output is
	// zero-centered on itself.
	for i, v := range first {
		if v != 0 {
			t.Errorf("feature %s: expected 0 on first transform, got %v", Names[i], v)
		}
	}
}

func TestScaler_SecondTransformUsesFrozenMean(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	s.Transform(snap(5.25, 3.8, 12.0, 0.8), prop())
	second := s.Transform(snap(5.00, 4.0, 10.0, 1.0), prop())

	// Scale stays at 1, so feature 0 is simply the raw delta in BoE rate.
	if got, want := second[0], 5.00-5.25; math.Abs(got-want) > 1e-9 {
		t.Errorf("boe_rate delta: got %v want %v", got, want)
	}
	// inflation_momentum: first cycle has no previous observation, second
	// sees the raw 4.0-3.8 step against the frozen 0 mean.
	if got, want := second[4], 0.2; math.Abs(got-want) > 1e-9 {
		t.Errorf("inflation_momentum: got %v want %v", got, want)
	}
}

func TestScaler_ZeroInputsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	raw := s.engineer(macro.Snapshot{}, Property{})

	if raw[0] != macro.DefaultBoERate {
		t.Errorf("boe_rate default: got %v want %v", raw[0], macro.DefaultBoERate)
	}
	if raw[1] != macro.DefaultInflationRate {
		t.Errorf("inflation default: got %v want %v", raw[1], macro.DefaultInflationRate)
	}
	if raw[6] != macro.DefaultSeasonFactor {
		t.Errorf("season_factor default: got %v want %v", raw[6], macro.DefaultSeasonFactor)
	}
	if raw[10] != defaultTypeCode {
		t.Errorf("property_type_code default: got %v want %v", raw[10], defaultTypeCode)
	}
	if raw[11] != 2 {
		t.Errorf("bedrooms default: got %v want 2", raw[11])
	}
	if got, want := raw[14], macro.DefaultUKAvgPrice/1000.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("local_median_price default: got %v want %v", got, want)
	}
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("feature %s is not finite: %v", Names[i], v)
		}
	}
}

func TestScaler_PropertyContextFeatures(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	detached := s.engineer(macro.Snapshot{}, Property{Type: "detached", Postcode: "SW1A 1AA", Bedrooms: 4})
	flat := s.engineer(macro.Snapshot{}, Property{Type: "flat", Postcode: "SW1A 1AA", Bedrooms: 4})

	if detached[10] <= flat[10] {
		t.Errorf("detached code %v must exceed flat code %v", detached[10], flat[10])
	}

	// The district code depends only on the outward code.
	if districtCode("SW1A 1AA") != districtCode("sw1a 2bb") {
		t.Error("same district must share a code")
	}
	if districtCode("SW1A 1AA") == districtCode("M1 1AE") {
		t.Error("different districts collided")
	}

	withComps := s.engineer(macro.Snapshot{}, Property{Postcode: "M1 1AE", LocalComps: 12, LocalMedian: 180_000})
	if withComps[13] != 12 {
		t.Errorf("local_comp_count: got %v want 12", withComps[13])
	}
	if got, want := withComps[14], 180.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("local_median_price: got %v want %v", got, want)
	}
}

func TestScaler_RollingBoEMeanWindow(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	rates := []float64{1, 2, 3, 4, 5, 6, 7}
	var raw [Dim]float64
	for _, r := range rates {
		raw = s.engineer(snap(r, 3.8, 12.0, 0.8), prop())
	}

	// Window holds the last five rates: 3..7.
	if got, want := raw[9], 5.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("rolling_boe_mean: got %v want %v", got, want)
	}
}

func TestScaler_StateRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	s.Transform(snap(5.25, 3.8, 12.0, 0.8), prop())
	s.Transform(snap(5.00, 4.2, 8.0, 0.6), prop())

	st := s.SnapshotState()

	restored := NewScaler()
	restored.RestoreState(st)

	if !restored.Fitted() {
		t.Fatal("restored scaler must be fitted")
	}

	in := snap(4.75, 4.0, 9.0, 1.0)
	a := s.Transform(in, prop())
	b := restored.Transform(in, prop())
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			t.Errorf("feature %s diverged after restore: %v vs %v", Names[i], a[i], b[i])
		}
	}
}

func TestScaler_RestoreRejectsWrongDim(t *testing.T) {
	t.Parallel()

	s := NewScaler()
	s.RestoreState(State{Fitted: true, Mean: []float64{1, 2}, Scale: []float64{1, 1}})
	if s.Fitted() {
		t.Fatal("state with wrong dimensionality must be ignored")
	}
}
