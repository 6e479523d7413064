// Package features engineers the normalized macro feature vector consumed
// by the online regressor.
package features

import (
	"math"
	"strings"

	"predictelligence/internal/macro"
)

// Dim is the fixed feature dimensionality. Changing it requires a fresh
// Scaler and a fresh regressor; there is no migration path for fitted state.
const Dim = 15

// Names gives the feature order. It must stay consistent across cycles.
var Names = [Dim]string{
	"boe_rate",
	"inflation_rate",
	"rate_affordability_impact",
	"log_boe_rate",
	"inflation_momentum",
	"weather_temp",
	"season_factor",
	"rate_inflation_interaction",
	"affordability_score",
	"rolling_boe_mean",
	"property_type_code",
	"bedrooms",
	"postcode_district_code",
	"local_comp_count",
	"local_median_price",
}

const rateCeiling = 10.0

const boeWindow = 5

// Ordinal encoding of property types by typical market premium.
var propertyTypeCodes = map[string]float64{
	"flat":          1,
	"terraced":      2,
	"semi-detached": 3,
	"detached":      4,
}

const defaultTypeCode = 2.5

// Property carries the subject-property context folded into the feature
// vector. Zero values fall back to market-level defaults, so a caller
// with no property detail still produces a usable vector.
type Property struct {
	Type        string
	Postcode    string
	Bedrooms    int
	LocalComps  int
	LocalMedian float64
}

// Scaler engineers features from a macro snapshot and applies fit-once
// standardisation. The first Transform call fits the normalisation
// parameters from that single vector and freezes them; with one sample the
// variance is zero, so the fit degenerates to zero-centering on that first
// observation. That cold-start quirk is deliberate here: refitting per call
// would make the feature space non-stationary and break the online learner.
//
// Scaler is stateful (rolling windows, fit parameters) and not safe for
// concurrent use; the owning pipeline serialises access.
type Scaler struct {
	fitted bool
	mean   [Dim]float64
	scale  [Dim]float64

	boeHistory []float64
	prevInfl   *float64
}

func NewScaler() *Scaler {
	s := &Scaler{}
	for i := range s.scale {
		s.scale[i] = 1
	}
	return s
}

// Fitted reports whether normalisation parameters have been frozen.
func (s *Scaler) Fitted() bool { return s.fitted }

// Transform engineers the raw feature vector from the macro snapshot and
// the subject-property context, and returns its standardised form. Missing
// or zero inputs fall back to package defaults; Transform never fails.
func (s *Scaler) Transform(snap macro.Snapshot, prop Property) [Dim]float64 {
	raw := s.engineer(snap, prop)

	if !s.fitted {
		s.mean = raw
		s.fitted = true
	}

	var out [Dim]float64
	for i := range raw {
		out[i] = (raw[i] - s.mean[i]) / s.scale[i]
	}
	return out
}

func (s *Scaler) engineer(snap macro.Snapshot, prop Property) [Dim]float64 {
	boeRate := orDefault(snap.BoERate, macro.DefaultBoERate)
	inflation := orDefault(snap.InflationRate, macro.DefaultInflationRate)
	temp := snap.AvgTemp
	seasonFactor := orDefault(snap.SeasonFactor, macro.DefaultSeasonFactor)
	ukAvgPrice := orDefault(snap.UKAvgPrice, macro.DefaultUKAvgPrice)

	s.boeHistory = append(s.boeHistory, boeRate)
	if len(s.boeHistory) > boeWindow {
		s.boeHistory = s.boeHistory[1:]
	}
	rollingBoE := mean(s.boeHistory)

	inflMomentum := 0.0
	if s.prevInfl != nil {
		inflMomentum = inflation - *s.prevInfl
	}
	s.prevInfl = &inflation

	bedrooms := float64(prop.Bedrooms)
	if prop.Bedrooms < 1 {
		bedrooms = 2
	}
	localMedian := prop.LocalMedian
	if localMedian <= 0 {
		localMedian = ukAvgPrice
	}

	return [Dim]float64{
		boeRate,
		inflation,
		rateCeiling - boeRate,
		math.Log(boeRate + 1.0),
		inflMomentum,
		temp,
		seasonFactor,
		boeRate * inflation,
		(rateCeiling - boeRate) / rateCeiling * (1.0 - inflation/20.0),
		rollingBoE,
		typeCode(prop.Type),
		bedrooms,
		districtCode(prop.Postcode),
		float64(prop.LocalComps),
		localMedian / 1000.0, // thousands keep the gradient scale close to the macro features
	}
}

func typeCode(propertyType string) float64 {
	if c, ok := propertyTypeCodes[strings.ToLower(strings.TrimSpace(propertyType))]; ok {
		return c
	}
	return defaultTypeCode
}

// districtCode maps the outward code onto a small deterministic numeric
// range so nearby requests in the same district share the feature value.
func districtCode(postcode string) float64 {
	pc := macro.NormalizePostcode(postcode)
	if len(pc) > 3 {
		pc = pc[:len(pc)-3]
	}
	code := 0
	for _, c := range pc {
		code = code*31 + int(c)
	}
	if code < 0 {
		code = -code
	}
	return float64(code%100) / 10.0
}

// SnapshotState exports the fitted parameters and rolling histories for
// persistence.
func (s *Scaler) SnapshotState() State {
	st := State{
		Fitted:     s.fitted,
		Mean:       s.mean[:],
		Scale:      s.scale[:],
		BoEHistory: append([]float64(nil), s.boeHistory...),
	}
	if s.prevInfl != nil {
		v := *s.prevInfl
		st.PrevInflation = &v
	}
	return st
}

// RestoreState reinstates a previously exported state. A state with the
// wrong dimensionality is ignored; the scaler refits on the next call.
func (s *Scaler) RestoreState(st State) {
	if len(st.Mean) != Dim || len(st.Scale) != Dim {
		return
	}
	s.fitted = st.Fitted
	copy(s.mean[:], st.Mean)
	copy(s.scale[:], st.Scale)
	s.boeHistory = append(s.boeHistory[:0], st.BoEHistory...)
	if len(s.boeHistory) > boeWindow {
		s.boeHistory = s.boeHistory[len(s.boeHistory)-boeWindow:]
	}
	s.prevInfl = nil
	if st.PrevInflation != nil {
		v := *st.PrevInflation
		s.prevInfl = &v
	}
}

// State is the serialisable form of a Scaler.
type State struct {
	Fitted        bool      `json:"fitted"`
	Mean          []float64 `json:"mean"`
	Scale         []float64 `json:"scale"`
	BoEHistory    []float64 `json:"boe_history"`
	PrevInflation *float64  `json:"prev_inflation,omitempty"`
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func orDefault(v, def float64) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
