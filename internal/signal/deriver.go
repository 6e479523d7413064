// Package signal turns model output and macro context into a bounded,
// interpretable investment signal.
package signal

import (
	"fmt"
	"math"
	"strings"

	"predictelligence/internal/common"
	"predictelligence/internal/macro"
)

// Composite score thresholds.
const (
	buyThreshold  = 0.65
	sellThreshold = 0.45
)

// Component weights. They sum to 1 so the composite stays in [0,1].
const (
	wPriceDirection    = 0.25
	wPredictedGrowth   = 0.20
	wAffordability     = 0.20
	wInflation         = 0.15
	wSeason            = 0.10
	wValuationDiscount = 0.10
)

// Normalisation ceilings for the affordability and inflation components.
const (
	rateScale      = 15.0
	inflationScale = 10.0
)

// Input captures everything the deriver needs; it is a pure function of
// these values, there is no hidden state.
type Input struct {
	Snapshot           macro.Snapshot
	Direction          string
	PredictedChangePct float64
	CurrentValuation   float64
	ComparableAverage  float64
	UserType           string
}

// Result is the derived signal bundle.
type Result struct {
	CompositeScore   float64
	InvestmentSignal string
	MacroSignals     map[string]any
	UserInsights     map[string]any
}

// Derive computes the weighted composite score and the discrete signal.
func Derive(in Input) Result {
	snap := in.Snapshot

	dirScore := 0.5
	switch in.Direction {
	case common.DirectionUp:
		dirScore = 1.0
	case common.DirectionDown:
		dirScore = 0.0
	}

	growthScore := clamp01(in.PredictedChangePct / 10.0)
	affordabilityScore := clamp01(1.0 - snap.BoERate/rateScale)
	inflationScore := clamp01(1.0 - snap.InflationRate/inflationScale)
	seasonScore := clamp01(snap.SeasonFactor)

	discountScore := 0.5
	if in.ComparableAverage > 0 && in.CurrentValuation > 0 {
		discount := (in.ComparableAverage - in.CurrentValuation) / in.ComparableAverage
		discountScore = clamp01(discount + 0.5)
	}

	composite := wPriceDirection*dirScore +
		wPredictedGrowth*growthScore +
		wAffordability*affordabilityScore +
		wInflation*inflationScore +
		wSeason*seasonScore +
		wValuationDiscount*discountScore
	composite = math.Round(clamp01(composite)*10000) / 10000

	sig := common.SignalSell
	switch {
	case composite >= buyThreshold:
		sig = common.SignalBuy
	case composite >= sellThreshold:
		sig = common.SignalHold
	}

	affordability := "PRESSURED"
	if affordabilityScore > 0.6 {
		affordability = "IMPROVING"
	}

	res := Result{
		CompositeScore:   composite,
		InvestmentSignal: sig,
		MacroSignals: map[string]any{
			"boe_rate":        snap.BoERate,
			"boe_direction":   snap.BoEDirection,
			"inflation_rate":  snap.InflationRate,
			"inflation_trend": snap.InflationTrend,
			"season":          snap.Season,
			"season_factor":   snap.SeasonFactor,
			"affordability":   affordability,
		},
	}
	res.UserInsights = buildUserInsights(in, sig)
	return res
}

// NormalizeUserType maps free-form input to one of the supported user
// types, defaulting to investor.
func NormalizeUserType(userType string) string {
	switch strings.ToLower(strings.TrimSpace(userType)) {
	case common.UserFirstTimeBuyer:
		return common.UserFirstTimeBuyer
	case common.UserHomeMover:
		return common.UserHomeMover
	default:
		return common.UserInvestor
	}
}

func buildUserInsights(in Input, sig string) map[string]any {
	switch in.UserType {
	case common.UserFirstTimeBuyer:
		return firstTimeBuyerInsights(in)
	case common.UserHomeMover:
		return homeMoverInsights(in, sig)
	default:
		return investorInsights(in, sig)
	}
}

func investorInsights(in Input, sig string) map[string]any {
	pct := in.PredictedChangePct
	var headline string
	switch sig {
	case common.SignalBuy:
		headline = fmt.Sprintf("Strong buy opportunity. Model projects %s trend (%s). Macro conditions support entry.",
			in.Direction, fmtPct(pct))
	case common.SignalHold:
		headline = fmt.Sprintf("Hold position. Market trending %s (%s). Monitor for rate changes.",
			in.Direction, fmtPct(pct))
	default:
		headline = fmt.Sprintf("Caution advised. Model projects %s pressure (%.1f%%). Consider timing.",
			in.Direction, pct)
	}

	holdPeriod := "Wait for rate cycle to turn before committing capital."
	if sig == common.SignalBuy {
		holdPeriod = "5-7 year hold recommended for optimal capital growth cycle."
	}

	return map[string]any{
		"headline":     headline,
		"roi_estimate": math.Round((pct+4.5)*10) / 10, // predicted capital + typical yield
		"rental_yield_context": fmt.Sprintf(
			"Gross yields typically 4-6%% in this market. BoE rate at %.2f%% - BTL finance costs remain elevated.",
			in.Snapshot.BoERate),
		"hold_period_suggestion": holdPeriod,
	}
}

func firstTimeBuyerInsights(in Input) map[string]any {
	boeRate := in.Snapshot.BoERate

	affordabilityOutlook := "Affordability improving as BoE rate eases. Good time to explore mortgage options."
	if boeRate > 5.0 {
		affordabilityOutlook = fmt.Sprintf(
			"Mortgage affordability under pressure with BoE rate at %.2f%%. Consider fixed-rate products to lock in certainty.",
			boeRate)
	}

	var bestTime, headline string
	switch in.Direction {
	case common.DirectionUp:
		bestTime = "Market trending up - acting sooner may save you money."
		headline = "Market trending up - consider acting soon."
	case common.DirectionDown:
		bestTime = "Market showing softness - you may be able to negotiate."
		headline = "Stable conditions for first-time buyers."
	default:
		bestTime = "Market stable - act when personally ready."
		headline = "Stable conditions for first-time buyers."
	}

	return map[string]any{
		"headline":              headline,
		"affordability_outlook": affordabilityOutlook,
		"best_time_to_buy":      bestTime,
		"stamp_duty_note":       "First-time buyer relief may apply - consult a solicitor.",
	}
}

func homeMoverInsights(in Input, sig string) map[string]any {
	var marketTiming string
	switch in.Direction {
	case common.DirectionUp:
		marketTiming = "Your current property is likely appreciating too. Simultaneous move minimises timing risk."
	case common.DirectionDown:
		marketTiming = "A softening market means more negotiating power on purchases, but price your sale correctly."
	default:
		marketTiming = "Stable market - good conditions for a chain-free move."
	}

	negotiation := "Negotiate firmly - comparables support a lower entry."
	action := "Consider timing carefully."
	if sig == common.SignalBuy {
		negotiation = "Good time to buy. Make a confident first offer."
		action = "Now is a good time to act."
	}

	seasonNote := "slower - leverage buyer scarcity"
	if in.Snapshot.Season == "Spring" || in.Snapshot.Season == "Summer" {
		seasonNote = "active"
	}

	return map[string]any{
		"headline":            fmt.Sprintf("Market is %s. %s", strings.ToLower(in.Direction), action),
		"market_timing":       marketTiming,
		"negotiation_context": negotiation,
		"season_note":         fmt.Sprintf("%s market: %s.", in.Snapshot.Season, seasonNote),
	}
}

func fmtPct(pct float64) string {
	if pct >= 0 {
		return fmt.Sprintf("+%.1f%%", pct)
	}
	return fmt.Sprintf("%.1f%%", pct)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
