// Package valuation computes fair-value estimates for a subject property
// from weighted, outlier-filtered comparable sales.
package valuation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"predictelligence/internal/common"
)

// Comparable is one historical sale used as valuation evidence.
// The field set is fixed; there is deliberately no polymorphism here.
type Comparable struct {
	Price        float64 `json:"price"`
	DateSold     string  `json:"date_sold"` // YYYY-MM-DD
	Postcode     string  `json:"postcode"`
	PropertyType string  `json:"property_type"`
	Bedrooms     int     `json:"bedrooms"`
	Tenure       string  `json:"tenure,omitempty"`
	FloorAreaSqm float64 `json:"floor_area_sqm,omitempty"`
}

// Result is immutable once computed.
type Result struct {
	EstimatedValue      float64  `json:"estimated_value"`
	ComparableAverage   float64  `json:"comparable_average"`
	Confidence          float64  `json:"confidence"`
	RiskFlags           []string `json:"risk_flags"`
	NegotiationStrategy string   `json:"negotiation_strategy"`
	DealVerdict         string   `json:"deal_verdict"`
	FairValueLow        float64  `json:"fair_value_low"`
	FairValueMid        float64  `json:"fair_value_mid"`
	FairValueHigh       float64  `json:"fair_value_high"`
	ComparablesUsed     int      `json:"comparables_used"`
}

// Tiny per-persona nudge on the final estimate.
var userMultipliers = map[string]float64{
	common.UserInvestor:       0.99,
	common.UserFirstTimeBuyer: 1.00,
	common.UserHomeMover:      1.01,
}

// Fixed premium table relative to the market baseline.
var propertyTypePremium = map[string]float64{
	"detached":      0.12,
	"semi-detached": 0.04,
	"terraced":      -0.02,
	"flat":          -0.10,
}

const (
	bedroomAdjPerGap  = 0.03
	recencyHalfLifeMo = 18.0
	bedroomDecay      = 1.25
	minWeight         = 0.03
	minIQRComps       = 4
	noCompsConfidence = 55.0
)

// Deal verdict thresholds on the risk-adjusted edge.
const (
	strongBuyEdge = 0.06
	buyEdge       = 0.01
	negotiateEdge = -0.04
)

// Valuator estimates property value from comparable transactions.
// AnnualGrowth brings historical prices to present value; Now is injectable
// for deterministic tests.
type Valuator struct {
	AnnualGrowth float64
	Now          func() time.Time
}

func NewValuator(annualGrowth float64) *Valuator {
	if annualGrowth <= 0 {
		annualGrowth = common.DefaultAnnualGrowth
	}
	return &Valuator{AnnualGrowth: annualGrowth, Now: time.Now}
}

// Estimate computes the valuation for the subject property. Zero
// comparables degrade to an asking-price anchor with fixed low confidence,
// never an error. extraRiskFlags are appended, not computed, here: they come
// from the location-enrichment collaborator.
func (v *Valuator) Estimate(postcode, propertyType string, bedrooms int, askingPrice float64, comps []Comparable, userType string, extraRiskFlags ...string) Result {
	subjectPostcode := normalizePostcode(postcode)
	subjectBedrooms := bedrooms
	if subjectBedrooms < 1 {
		subjectBedrooms = 2
	}

	comps = v.filterOutliers(comps)

	var (
		weightedSum float64
		weights     []float64
		adjusted    []float64
	)
	for _, c := range comps {
		if c.Price <= 0 {
			continue
		}
		monthsOld := v.monthsSince(c.DateSold)
		timeAdj := math.Pow(1+v.AnnualGrowth, monthsOld/12)
		bedroomAdj := 1 + float64(subjectBedrooms-compBedrooms(c, subjectBedrooms))*bedroomAdjPerGap
		typeAdj := 1 + premiumFor(propertyType) - premiumFor(c.PropertyType)

		price := c.Price * timeAdj * bedroomAdj * typeAdj
		w := v.similarityWeight(subjectPostcode, subjectBedrooms, c)

		weightedSum += price * w
		weights = append(weights, w)
		adjusted = append(adjusted, price)
	}

	if len(adjusted) == 0 {
		log.Debug().Str("postcode", subjectPostcode).Msg("no usable comparables, anchoring to asking price")
		return v.noOpinion(askingPrice, subjectPostcode, userType, extraRiskFlags)
	}

	var weightTotal float64
	for _, w := range weights {
		weightTotal += w
	}
	modelValue := weightedSum / weightTotal
	comparableAverage := mean(adjusted)
	confidence := v.confidence(weights, adjusted, comparableAverage)

	estimated := modelValue * userMultiplier(userType)

	flags := riskFlags(askingPrice, estimated, subjectPostcode, confidence, len(adjusted))
	flags = append(flags, extraRiskFlags...)

	low, mid, high := quartiles(adjusted)

	return Result{
		EstimatedValue:      round2(estimated),
		ComparableAverage:   round2(comparableAverage),
		Confidence:          confidence,
		RiskFlags:           flags,
		NegotiationStrategy: negotiationStrategy(askingPrice, estimated),
		DealVerdict:         dealVerdict(askingPrice, estimated, flags),
		FairValueLow:        round2(low),
		FairValueMid:        round2(mid),
		FairValueHigh:       round2(high),
		ComparablesUsed:     len(adjusted),
	}
}

func (v *Valuator) noOpinion(askingPrice float64, postcode, userType string, extraRiskFlags []string) Result {
	flags := riskFlags(askingPrice, askingPrice, postcode, noCompsConfidence, 0)
	flags = append(flags, extraRiskFlags...)
	return Result{
		EstimatedValue:      round2(askingPrice * userMultiplier(userType)),
		ComparableAverage:   round2(askingPrice),
		Confidence:          noCompsConfidence,
		RiskFlags:           flags,
		NegotiationStrategy: negotiationStrategy(askingPrice, askingPrice),
		DealVerdict:         dealVerdict(askingPrice, askingPrice*userMultiplier(userType), flags),
		FairValueLow:        round2(askingPrice),
		FairValueMid:        round2(askingPrice),
		FairValueHigh:       round2(askingPrice),
		ComparablesUsed:     0,
	}
}

// filterOutliers drops comparables whose price falls outside
// Q1−1.5·IQR .. Q3+1.5·IQR. Applied only with enough comps to make
// quartiles meaningful, and never allowed to empty a non-empty set.
func (v *Valuator) filterOutliers(comps []Comparable) []Comparable {
	if len(comps) < minIQRComps {
		return comps
	}

	prices := make([]float64, 0, len(comps))
	for _, c := range comps {
		if c.Price > 0 {
			prices = append(prices, c.Price)
		}
	}
	if len(prices) < minIQRComps {
		return comps
	}

	q1, _, q3 := quartiles(prices)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	kept := make([]Comparable, 0, len(comps))
	for _, c := range comps {
		if c.Price >= lo && c.Price <= hi {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return comps
	}
	if dropped := len(comps) - len(kept); dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("IQR filter removed outlier comparables")
	}
	return kept
}

// similarityWeight combines recency decay, bedroom-gap decay and a
// location-match bonus. Floored so no comparable is fully discarded.
func (v *Valuator) similarityWeight(subjectPostcode string, subjectBedrooms int, c Comparable) float64 {
	monthsOld := v.monthsSince(c.DateSold)
	recency := math.Exp(-monthsOld / recencyHalfLifeMo)

	gap := math.Abs(float64(compBedrooms(c, subjectBedrooms) - subjectBedrooms))
	bedroom := math.Exp(-gap / bedroomDecay)

	compPostcode := normalizePostcode(c.Postcode)
	location := 0.55
	if PostcodeDistrict(compPostcode) == PostcodeDistrict(subjectPostcode) {
		location += 0.30
	}
	if compPostcode == subjectPostcode {
		location += 0.15
	}

	return math.Max(recency*bedroom*location, minWeight)
}

func (v *Valuator) monthsSince(dateSold string) float64 {
	d, err := time.Parse("2006-01-02", dateSold)
	if err != nil {
		return 24.0
	}
	days := v.Now().Sub(d).Hours() / 24
	return math.Max(days/30.4, 0)
}

// confidence rewards many comparably-weighted comps (Kish effective sample
// size) and penalises price dispersion. Clamped to [45, 94].
func (v *Valuator) confidence(weights, adjusted []float64, average float64) float64 {
	var sumW, sumW2 float64
	for _, w := range weights {
		sumW += w
		sumW2 += w * w
	}
	effectiveN := sumW * sumW / math.Max(sumW2, 1e-6)

	dispersion := 0.20
	if len(adjusted) > 1 && average > 0 {
		dispersion = pstdev(adjusted) / average
	}

	conf := 72 + effectiveN*2.8 - dispersion*55
	conf = math.Max(45, math.Min(94, conf))
	return math.Round(conf*10) / 10
}

func riskFlags(askingPrice, estimated float64, postcode string, confidence float64, compCount int) []string {
	var flags []string
	premium := (askingPrice - estimated) / math.Max(estimated, 1)

	if premium > 0.10 {
		flags = append(flags, "Asking price is >10% above comparable-feature valuation.")
	} else if premium > 0.05 {
		flags = append(flags, "Asking price sits at a noticeable premium to local comparables.")
	}

	if compCount < 4 {
		flags = append(flags, "Low comparable depth for this postcode/type profile.")
	}

	if confidence < 65 {
		flags = append(flags, "Confidence is moderate due to spread/recency of comparables.")
	}

	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(postcode)), "E") {
		flags = append(flags, "East-London submarkets can exhibit higher short-term volatility.")
	}

	return flags
}

// dealVerdict maps the risk-adjusted edge onto four buckets. Each risk flag
// costs 2% of edge, capped at 10%.
func dealVerdict(askingPrice, estimated float64, flags []string) string {
	delta := (estimated - askingPrice) / math.Max(askingPrice, 1)
	penalty := math.Min(float64(len(flags))*0.02, 0.10)
	edge := delta - penalty

	switch {
	case edge >= strongBuyEdge:
		return common.VerdictStrongBuy
	case edge >= buyEdge:
		return common.VerdictBuy
	case edge > negotiateEdge:
		return common.VerdictNegotiate
	default:
		return common.VerdictAvoid
	}
}

func negotiationStrategy(askingPrice, estimated float64) string {
	premium := (askingPrice - estimated) / math.Max(estimated, 1)
	switch {
	case premium > 0.10:
		return "Lead with a data-backed offer 8-10% below asking and justify with recency-adjusted comparables."
	case premium > 0.03:
		return "Open 4-6% below asking and escalate using comparable bedroom/time-adjusted evidence."
	default:
		return "Offer near fair value and negotiate on speed, completion certainty, and fixtures."
	}
}

// PostcodeDistrict extracts the outward code of a postcode, e.g. "SW1A"
// from "SW1A 1AA". The inward code of a full UK postcode is always the
// last three characters.
func PostcodeDistrict(postcode string) string {
	pc := normalizePostcode(postcode)
	if len(pc) > 3 {
		return pc[:len(pc)-3]
	}
	return pc
}

func normalizePostcode(postcode string) string {
	return strings.ToUpper(strings.ReplaceAll(postcode, " ", ""))
}

func userMultiplier(userType string) float64 {
	if m, ok := userMultipliers[userType]; ok {
		return m
	}
	return 1.0
}

func premiumFor(propertyType string) float64 {
	return propertyTypePremium[strings.ToLower(strings.TrimSpace(propertyType))]
}

func compBedrooms(c Comparable, fallback int) int {
	if c.Bedrooms > 0 {
		return c.Bedrooms
	}
	return fallback
}

func quartiles(values []float64) (q1, q2, q3 float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	return quantile(s, 0.25), quantile(s, 0.5), quantile(s, 0.75)
}

// quantile interpolates linearly on an already-sorted slice.
func quantile(sorted []float64, q float64) float64 {
	idx := float64(len(sorted)-1) * q
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// round2 rounds to pence, matching the precision of stored sale prices.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func pstdev(values []float64) float64 {
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// String implements a compact debug representation.
func (c Comparable) String() string {
	return fmt.Sprintf("%s %s %dbd £%.0f (%s)", c.Postcode, c.PropertyType, c.Bedrooms, c.Price, c.DateSold)
}
