// Package engine wires the pipeline, valuator, enricher and store into
// the operations the API exposes. The engine is constructed once at
// startup, warmed up on historical macro data, and then serves requests
// for the lifetime of the process.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"predictelligence/internal/cfg"
	"predictelligence/internal/enrich"
	"predictelligence/internal/features"
	"predictelligence/internal/macro"
	"predictelligence/internal/metrics"
	"predictelligence/internal/ml"
	"predictelligence/internal/pipeline"
	"predictelligence/internal/signal"
	"predictelligence/internal/storage"
	"predictelligence/internal/valuation"
)

// AnalysisRequest is one property to run through the pipeline.
// PropertyType and Bedrooms are optional detail that sharpens the feature
// vector and the local comparable lookup.
type AnalysisRequest struct {
	Postcode          string  `json:"postcode"`
	PropertyType      string  `json:"property_type,omitempty"`
	Bedrooms          int     `json:"bedrooms,omitempty"`
	CurrentValuation  float64 `json:"current_valuation"`
	ComparableAverage float64 `json:"comparable_average"`
	UserType          string  `json:"user_type"`
}

// AnalysisResult is the full response for one analysis cycle. During
// warm-up the prediction fields are still populated: the predicted value
// echoes the current valuation with zero confidence and model_ready false,
// which is data, not an error.
type AnalysisResult struct {
	Postcode           string         `json:"postcode"`
	CurrentValuation   float64        `json:"current_valuation"`
	PredictedValue     float64        `json:"predicted_value"`
	Direction          string         `json:"direction"`
	PredictedChangePct float64        `json:"predicted_change_pct"`
	Confidence         float64        `json:"confidence"`
	InvestmentSignal   string         `json:"investment_signal"`
	CompositeScore     float64        `json:"composite_score"`
	MacroSignals       map[string]any `json:"macro_signals,omitempty"`
	UserInsights       map[string]any `json:"user_insights,omitempty"`
	ModelCycles        int            `json:"model_cycles"`
	ModelReady         bool           `json:"model_ready"`
	Timestamp          time.Time      `json:"timestamp"`
	Macro              macro.Snapshot `json:"macro_context"`
	PipelineErrors     []string       `json:"pipeline_errors,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// ValuationRequest is one property to price against comparables. When
// Comparables is empty the engine pulls the stored pool for the district.
type ValuationRequest struct {
	Postcode     string                 `json:"postcode"`
	PropertyType string                 `json:"property_type"`
	Bedrooms     int                    `json:"bedrooms"`
	AskingPrice  float64                `json:"asking_price"`
	UserType     string                 `json:"user_type"`
	Comparables  []valuation.Comparable `json:"comparables,omitempty"`
}

// ValuationResult wraps the valuator output with area risk context.
type ValuationResult struct {
	Postcode string           `json:"postcode"`
	Result   valuation.Result `json:"valuation"`
	AreaRisk *enrich.AreaRisk `json:"area_risk,omitempty"`
}

// Health reports process and model status.
type Health struct {
	Status      string  `json:"status"`
	ModelCycles int     `json:"model_cycles"`
	ModelReady  bool    `json:"model_ready"`
	UptimeSecs  float64 `json:"uptime_seconds"`
}

// persistedModel is the blob written to the model bucket.
type persistedModel struct {
	Regressor ml.State       `json:"regressor"`
	Scaler    features.State `json:"scaler"`
	SavedAt   time.Time      `json:"saved_at"`
}

type Engine struct {
	settings  cfg.Settings
	pipe      *pipeline.Pipeline
	scaler    *features.Scaler
	regressor *ml.Regressor
	valuator  *valuation.Valuator
	enricher  *enrich.Enricher
	store     *storage.Store
	metrics   *metrics.Metrics
	started   time.Time
}

// New assembles the engine. The live flag on settings picks between the
// live macro client and the historical replay source.
func New(settings cfg.Settings, store *storage.Store, m *metrics.Metrics) *Engine {
	var source macro.Source
	if settings.LiveFetch {
		source = macro.NewClient(settings.FetchTimeout)
	} else {
		source = macro.NewHistoricalSource(macro.UKSnapshots2023to2025())
	}

	scaler := features.NewScaler()
	regressor := ml.NewRegressor()

	enricher := enrich.New(settings.FetchTimeout, settings.EnrichCacheTTL, enrich.NewMemoryTTLCache())
	if m != nil {
		enricher.Instrument(m.EnrichCacheHits, m.EnrichCacheMiss)
	}

	return &Engine{
		settings:  settings,
		pipe:      pipeline.New(source, scaler, regressor, store, m),
		scaler:    scaler,
		regressor: regressor,
		valuator:  valuation.NewValuator(settings.AnnualGrowth),
		enricher:  enricher,
		store:     store,
		metrics:   m,
		started:   time.Now(),
	}
}

// BackgroundScenarios are a spread of UK markets used to season the
// model during warm-up and to keep it learning between API requests:
// London prime, city centres, and regional towns at realistic 2024
// price points.
func BackgroundScenarios() []AnalysisRequest {
	return []AnalysisRequest{
		{Postcode: "SW1A 1AA", PropertyType: "flat", Bedrooms: 2, CurrentValuation: 450_000, ComparableAverage: 420_000, UserType: "investor"},
		{Postcode: "EC1A 1BB", PropertyType: "flat", Bedrooms: 1, CurrentValuation: 320_000, ComparableAverage: 310_000, UserType: "first_time_buyer"},
		{Postcode: "M1 1AE", PropertyType: "terraced", Bedrooms: 3, CurrentValuation: 195_000, ComparableAverage: 200_000, UserType: "home_mover"},
		{Postcode: "LS1 1AA", PropertyType: "semi-detached", Bedrooms: 3, CurrentValuation: 250_000, ComparableAverage: 245_000, UserType: "investor"},
		{Postcode: "B1 1AA", PropertyType: "terraced", Bedrooms: 2, CurrentValuation: 175_000, ComparableAverage: 180_000, UserType: "home_mover"},
		{Postcode: "EH1 1BB", PropertyType: "flat", Bedrooms: 2, CurrentValuation: 220_000, ComparableAverage: 215_000, UserType: "investor"},
		{Postcode: "CF10 1AA", PropertyType: "terraced", Bedrooms: 3, CurrentValuation: 160_000, ComparableAverage: 165_000, UserType: "first_time_buyer"},
		{Postcode: "BS1 1AA", PropertyType: "semi-detached", Bedrooms: 4, CurrentValuation: 280_000, ComparableAverage: 275_000, UserType: "home_mover"},
	}
}

func warmupScenarios() []pipeline.Request {
	scenarios := BackgroundScenarios()
	reqs := make([]pipeline.Request, len(scenarios))
	for i, s := range scenarios {
		reqs[i] = pipeline.Request{
			Postcode:          s.Postcode,
			PropertyType:      s.PropertyType,
			Bedrooms:          s.Bedrooms,
			CurrentValuation:  s.CurrentValuation,
			ComparableAverage: s.ComparableAverage,
			UserType:          s.UserType,
		}
	}
	return reqs
}

// Warmup trains the regressor on historical snapshots until it clears
// the readiness gate. Restored state short-circuits: a model that is
// already ready needs no seasoning.
func (e *Engine) Warmup(ctx context.Context) {
	if e.regressor.Ready() {
		log.Info().Int("cycles", e.regressor.Cycles()).Msg("model restored, skipping warm-up")
		return
	}

	scenarios := warmupScenarios()
	source := macro.NewHistoricalSource(macro.UKSnapshots2023to2025())
	warmupPipe := pipeline.New(source, e.scaler, e.regressor, nil, nil)

	cycles := e.settings.WarmupCycles
	if n := source.Len(); n > cycles {
		cycles = n
	}

	for i := 0; i < cycles; i++ {
		req := scenarios[i%len(scenarios)]
		st := warmupPipe.Run(ctx, req)
		if len(st.Errors) > 0 {
			log.Warn().Strs("errors", st.Errors).Int("cycle", i+1).Msg("warm-up cycle errors")
		}
	}

	log.Info().
		Int("cycles", e.regressor.Cycles()).
		Bool("ready", e.regressor.Ready()).
		Msg("warm-up complete")
}

// Analyse runs one pipeline cycle. It never returns an error: invalid
// input yields a result carrying the error text with model_ready false.
func (e *Engine) Analyse(ctx context.Context, req AnalysisRequest) AnalysisResult {
	if req.Postcode == "" || req.CurrentValuation <= 0 {
		return AnalysisResult{
			Postcode:   macro.NormalizePostcode(req.Postcode),
			Timestamp:  time.Now().UTC(),
			ModelReady: false,
			Error:      "postcode and positive current_valuation are required",
		}
	}

	st := e.pipe.Run(ctx, pipeline.Request{
		Postcode:          req.Postcode,
		PropertyType:      req.PropertyType,
		Bedrooms:          req.Bedrooms,
		CurrentValuation:  req.CurrentValuation,
		ComparableAverage: req.ComparableAverage,
		UserType:          signal.NormalizeUserType(req.UserType),
	})

	return AnalysisResult{
		Postcode:           st.Postcode,
		CurrentValuation:   req.CurrentValuation,
		PredictedValue:     st.Outcome.Prediction,
		Direction:          st.Outcome.Direction,
		PredictedChangePct: st.Outcome.ChangePct,
		Confidence:         st.Outcome.Confidence,
		InvestmentSignal:   st.Signal.InvestmentSignal,
		CompositeScore:     st.Signal.CompositeScore,
		MacroSignals:       st.Signal.MacroSignals,
		UserInsights:       st.Signal.UserInsights,
		ModelCycles:        st.Outcome.Cycle,
		ModelReady:         st.Outcome.Ready,
		Timestamp:          st.Timestamp,
		Macro:              st.Snapshot,
		PipelineErrors:     st.Errors,
	}
}

// Value prices a property against its comparable pool and attaches area
// risk flags from the enrichment sources.
func (e *Engine) Value(ctx context.Context, req ValuationRequest) ValuationResult {
	comps := req.Comparables
	if len(comps) == 0 && e.store != nil {
		stored, err := e.store.Comparables(req.Postcode, req.PropertyType, req.Bedrooms, e.settings.CompLimit)
		if err != nil {
			log.Warn().Err(err).Str("postcode", req.Postcode).Msg("comparable lookup failed")
		} else {
			comps = stored
		}
	}

	var areaRisk *enrich.AreaRisk
	var extraFlags []string
	if e.enricher != nil {
		risk := e.enricher.Enrich(ctx, req.Postcode)
		areaRisk = &risk
		extraFlags = risk.Flags
	}

	result := e.valuator.Estimate(req.Postcode, req.PropertyType, req.Bedrooms,
		req.AskingPrice, comps, signal.NormalizeUserType(req.UserType), extraFlags...)

	if e.metrics != nil {
		e.metrics.ValuationsTotal.Inc()
		e.metrics.ComparablesUsed.Observe(float64(result.ComparablesUsed))
	}

	return ValuationResult{
		Postcode: macro.NormalizePostcode(req.Postcode),
		Result:   result,
		AreaRisk: areaRisk,
	}
}

// History returns the stored prediction log for a postcode.
func (e *Engine) History(postcode string, limit int) ([]storage.PredictionRecord, error) {
	if limit <= 0 || limit > e.settings.HistoryLimit {
		limit = e.settings.HistoryLimit
	}
	return e.store.History(postcode, limit)
}

// Trend returns the aggregated prediction trend for a postcode district.
func (e *Engine) Trend(district string) (storage.AreaTrend, error) {
	return e.store.Trend(district)
}

// Accuracy returns the rolling model accuracy summary.
func (e *Engine) Accuracy() (storage.Accuracy, error) {
	return e.store.ModelAccuracy()
}

// Health reports liveness and model readiness.
func (e *Engine) Health() Health {
	return Health{
		Status:      "ok",
		ModelCycles: e.regressor.Cycles(),
		ModelReady:  e.regressor.Ready(),
		UptimeSecs:  time.Since(e.started).Seconds(),
	}
}

// SaveModel persists regressor and scaler state so a restart resumes
// with the exact training count instead of re-warming from zero.
func (e *Engine) SaveModel() error {
	if e.store == nil {
		return nil
	}
	blob, err := json.Marshal(persistedModel{
		Regressor: e.regressor.SnapshotState(),
		Scaler:    e.scaler.SnapshotState(),
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal model state: %w", err)
	}
	return e.store.SaveModelState(blob)
}

// RestoreModel loads persisted state if present. Returns true when a
// usable state was restored.
func (e *Engine) RestoreModel() bool {
	if e.store == nil {
		return false
	}
	blob, err := e.store.LoadModelState()
	if err != nil || blob == nil {
		return false
	}
	var pm persistedModel
	if err := json.Unmarshal(blob, &pm); err != nil {
		log.Warn().Err(err).Msg("discarding unreadable model state")
		return false
	}
	if !e.regressor.RestoreState(pm.Regressor) {
		log.Warn().Msg("discarding incompatible model state")
		return false
	}
	e.scaler.RestoreState(pm.Scaler)
	log.Info().Time("saved_at", pm.SavedAt).Int("cycles", e.regressor.Cycles()).Msg("model state restored")
	return true
}
