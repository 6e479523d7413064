// Package pipeline runs one analysis cycle as a fixed sequence of stages.
// Stage failures are recorded on the cycle state and never abort the run:
// downstream stages work with the defaults left by the failed stage.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"predictelligence/internal/features"
	"predictelligence/internal/macro"
	"predictelligence/internal/metrics"
	"predictelligence/internal/ml"
	"predictelligence/internal/signal"
	"predictelligence/internal/storage"
	"predictelligence/internal/valuation"
)

// Request is the caller-supplied input for one cycle. PropertyType and
// Bedrooms are optional; they sharpen the feature vector and the local
// comparable lookup when present.
type Request struct {
	Postcode          string
	PropertyType      string
	Bedrooms          int
	CurrentValuation  float64
	ComparableAverage float64
	UserType          string
}

// State accumulates everything a cycle produces. Errors holds one entry
// per failed stage; a non-empty slice still yields a usable result.
type State struct {
	Timestamp time.Time
	Postcode  string
	Request   Request

	Snapshot macro.Snapshot
	Features [features.Dim]float64

	// LocalComps and LocalMedian summarise the district comparable pool;
	// zero when the store is absent or the district has no sales.
	LocalComps  int
	LocalMedian float64

	// Target is the market benchmark the model trained against this cycle.
	Target float64

	Outcome ml.Outcome
	Signal  signal.Result

	Errors []string
}

type stage struct {
	name string
	run  func(ctx context.Context, st *State) error
}

// Pipeline owns the stateful scaler and regressor. A single mutex
// serialises Run, so the model only ever sees one cycle at a time and
// its training counter matches the prediction log.
type Pipeline struct {
	mu sync.Mutex

	source    macro.Source
	scaler    *features.Scaler
	regressor *ml.Regressor
	store     *storage.Store
	metrics   *metrics.Metrics

	stages []stage
}

func New(source macro.Source, scaler *features.Scaler, regressor *ml.Regressor, store *storage.Store, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		source:    source,
		scaler:    scaler,
		regressor: regressor,
		store:     store,
		metrics:   m,
	}
	p.stages = []stage{
		{"fetch_context", p.fetchContext},
		{"scale_features", p.scaleFeatures},
		{"train_and_predict", p.trainAndPredict},
		{"derive_signal", p.deriveSignal},
		{"log_result", p.logResult},
	}
	return p
}

// Run executes all stages in order and returns the completed state.
func (p *Pipeline) Run(ctx context.Context, req Request) *State {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	st := &State{
		Timestamp: start.UTC(),
		Postcode:  macro.NormalizePostcode(req.Postcode),
		Request:   req,
	}

	for _, s := range p.stages {
		if err := s.run(ctx, st); err != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("%s: %v", s.name, err))
			if p.metrics != nil {
				p.metrics.CycleErrors.WithLabelValues(s.name).Inc()
			}
			log.Warn().Err(err).Str("stage", s.name).Str("postcode", st.Postcode).Msg("stage failed")
		}
	}

	if p.metrics != nil {
		p.metrics.CyclesTotal.Inc()
		p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		p.metrics.ModelCycles.Set(float64(p.regressor.Cycles()))
		if st.Outcome.Ready {
			p.metrics.ModelConfidence.Set(st.Outcome.Confidence)
		}
	}

	log.Debug().
		Str("postcode", st.Postcode).
		Int("cycle", st.Outcome.Cycle).
		Bool("ready", st.Outcome.Ready).
		Float64("prediction", st.Outcome.Prediction).
		Str("signal", st.Signal.InvestmentSignal).
		Int("errors", len(st.Errors)).
		Msg("cycle complete")

	return st
}

func (p *Pipeline) fetchContext(ctx context.Context, st *State) error {
	st.Snapshot = p.source.Fetch(ctx, st.Postcode)
	if st.Snapshot.Fallback && p.metrics != nil {
		p.metrics.FetchFallbacks.Inc()
	}
	return nil
}

// localStatsLimit bounds the district pool scan per cycle.
const localStatsLimit = 40

func (p *Pipeline) scaleFeatures(_ context.Context, st *State) error {
	if p.store != nil {
		comps, err := p.store.Comparables(st.Postcode, st.Request.PropertyType, st.Request.Bedrooms, localStatsLimit)
		if err != nil {
			log.Debug().Err(err).Str("postcode", st.Postcode).Msg("local comparable stats unavailable")
		} else if len(comps) > 0 {
			st.LocalComps = len(comps)
			st.LocalMedian = medianPrice(comps)
		}
	}
	st.Features = p.scaler.Transform(st.Snapshot, features.Property{
		Type:        st.Request.PropertyType,
		Postcode:    st.Postcode,
		Bedrooms:    st.Request.Bedrooms,
		LocalComps:  st.LocalComps,
		LocalMedian: st.LocalMedian,
	})
	return nil
}

// Training-label blend: the district median leads when the area has sales
// evidence, the national average price otherwise.
const (
	localTargetWeight = 0.7
	ukTargetWeight    = 0.3
)

// trainAndPredict trains on the market benchmark, never on the caller's
// own valuation: the model learns where the market sits so that the
// prediction-vs-valuation comparison carries information. An invalid
// valuation is recorded as a stage error but the training step still
// runs, so the cycle counter advances regardless.
func (p *Pipeline) trainAndPredict(_ context.Context, st *State) error {
	ukAvg := st.Snapshot.UKAvgPrice
	if ukAvg <= 0 {
		ukAvg = macro.DefaultUKAvgPrice
	}
	target := ukAvg
	if st.LocalMedian > 0 {
		target = localTargetWeight*st.LocalMedian + ukTargetWeight*ukAvg
	}
	st.Target = target

	cv := st.Request.CurrentValuation
	var invalid error
	if cv <= 0 {
		invalid = fmt.Errorf("invalid current valuation %.2f, anchoring to market benchmark", cv)
		cv = target
	}
	ca := st.Request.ComparableAverage
	if ca <= 0 {
		ca = cv
	}
	st.Outcome = p.regressor.UpdateAndPredict(st.Features, target, cv, ca)
	return invalid
}

func (p *Pipeline) deriveSignal(_ context.Context, st *State) error {
	st.Signal = signal.Derive(signal.Input{
		Snapshot:           st.Snapshot,
		Direction:          st.Outcome.Direction,
		PredictedChangePct: st.Outcome.ChangePct,
		CurrentValuation:   st.Request.CurrentValuation,
		ComparableAverage:  st.Request.ComparableAverage,
		UserType:           st.Request.UserType,
	})
	return nil
}

// logResult appends the cycle to the prediction log. Warm-up cycles are
// not logged: a prediction the model was not ready to make carries no
// audit value.
func (p *Pipeline) logResult(_ context.Context, st *State) error {
	if p.store == nil || !st.Outcome.Ready {
		return nil
	}
	err := p.store.AppendPrediction(storage.PredictionRecord{
		Timestamp:  st.Timestamp,
		Cycle:      st.Outcome.Cycle,
		Postcode:   st.Postcode,
		Predicted:  st.Outcome.Prediction,
		Actual:     st.Target,
		Direction:  st.Outcome.Direction,
		Signal:     st.Signal.InvestmentSignal,
		Confidence: st.Outcome.Confidence,
		Error:      st.Outcome.Error,
	})
	if err != nil {
		return fmt.Errorf("append prediction: %w", err)
	}
	if p.metrics != nil {
		p.metrics.PredictionsLogged.Inc()
	}
	return nil
}

func medianPrice(comps []valuation.Comparable) float64 {
	prices := make([]float64, 0, len(comps))
	for _, c := range comps {
		if c.Price > 0 {
			prices = append(prices, c.Price)
		}
	}
	if len(prices) == 0 {
		return 0
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return (prices[mid-1] + prices[mid]) / 2
	}
	return prices[mid]
}
