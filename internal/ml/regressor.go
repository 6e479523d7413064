// Package ml implements the online-learning regressors behind the macro
// direction signal. Every pipeline cycle performs exactly one stochastic
// gradient step; there is no batch retraining.
package ml

import (
	"math"

	"github.com/rs/zerolog/log"

	"predictelligence/internal/common"
	"predictelligence/internal/features"
)

// MinCyclesToPredict gates predictions until the model has seen enough
// training steps to be better than a coin toss.
const MinCyclesToPredict = 3

// Direction dead-zone: prediction within ±0.5% of the current valuation is
// treated as sideways movement.
const (
	upThreshold   = 1.005
	downThreshold = 0.995
)

// Blend weighting applied once both learners are warm.
const (
	fastWeight = 0.65
	slowWeight = 0.35
)

// Clipping factors applied to the valuation anchors.
const (
	floorFactor   = 0.60
	ceilingFactor = 1.50
)

const errWindowSize = 25

// Outcome is the result of one train-and-predict step.
type Outcome struct {
	Prediction float64
	Direction  string
	ChangePct  float64
	Confidence float64
	Ready      bool
	Cycle      int
	Error      float64
}

// sgdModel is a single linear learner updated one sample at a time.
type sgdModel struct {
	Weights [features.Dim]float64 `json:"weights"`
	Bias    float64               `json:"bias"`

	// lr0 is the initial learning rate; adaptive models decay it with the
	// step count, stable models keep it constant.
	lr0      float64
	decay    float64
	gradClip float64
	steps    int
}

func (m *sgdModel) predict(x [features.Dim]float64) float64 {
	out := m.Bias
	for i := range x {
		out += m.Weights[i] * x[i]
	}
	return out
}

// step performs one gradient update against (x, y) under squared loss.
// The gradient is clipped per-step, which behaves like a robust loss when
// the target jumps.
func (m *sgdModel) step(x [features.Dim]float64, y float64) {
	lr := m.lr0
	if m.decay > 0 {
		lr = m.lr0 / (1.0 + m.decay*float64(m.steps))
	}
	m.steps++

	err := y - m.predict(x)
	if m.gradClip > 0 {
		if err > m.gradClip {
			err = m.gradClip
		} else if err < -m.gradClip {
			err = -m.gradClip
		}
	}

	m.Bias += lr * err
	for i := range x {
		m.Weights[i] += lr * err * x[i]
	}
}

// Regressor blends a fast adaptive learner with a slow stable one.
// It is long-lived and stateful; the owning pipeline must serialise calls
// (single-writer discipline), so no internal locking is done here.
type Regressor struct {
	fast *sgdModel
	slow *sgdModel

	nTrained  int
	errWindow []float64
}

func NewRegressor() *Regressor {
	return &Regressor{
		// Aggressive learner: high rate, decaying, clipped gradient.
		fast: &sgdModel{lr0: 0.05, decay: 0.01, gradClip: 100_000},
		// Conservative learner: low constant rate, no clipping.
		slow: &sgdModel{lr0: 0.005},
	}
}

// Cycles returns the total number of training updates seen. It only ever
// increases within a process lifetime.
func (r *Regressor) Cycles() int { return r.nTrained }

// Ready reports whether the warm-up gate has opened.
func (r *Regressor) Ready() bool { return r.nTrained >= MinCyclesToPredict }

// UpdateAndPredict performs exactly one incremental training step against
// (x, target), then emits a clipped prediction with direction and
// confidence. Before the warm-up gate opens, the prediction falls back to
// currentValuation with zero confidence.
func (r *Regressor) UpdateAndPredict(x [features.Dim]float64, target, currentValuation, comparableAverage float64) Outcome {
	r.fast.step(x, target)
	r.slow.step(x, target)
	r.nTrained++

	out := Outcome{Cycle: r.nTrained, Direction: common.DirectionSideways}

	if r.nTrained < MinCyclesToPredict {
		out.Prediction = currentValuation
		log.Debug().
			Int("cycle", r.nTrained).
			Int("min_cycles", MinCyclesToPredict).
			Msg("model warming up")
		return out
	}

	raw := fastWeight*r.fast.predict(x) + slowWeight*r.slow.predict(x)
	prediction := clip(raw, currentValuation, comparableAverage)

	out.Ready = true
	out.Prediction = prediction
	out.Error = math.Abs(prediction - target)
	r.recordError(out.Error)

	if currentValuation > 0 {
		ratio := prediction / currentValuation
		switch {
		case ratio > upThreshold:
			out.Direction = common.DirectionUp
		case ratio < downThreshold:
			out.Direction = common.DirectionDown
		}
		out.ChangePct = math.Round((ratio-1.0)*100*100) / 100
	}

	out.Confidence = r.confidence(currentValuation)

	log.Debug().
		Int("cycle", r.nTrained).
		Float64("prediction", prediction).
		Str("direction", out.Direction).
		Float64("confidence", out.Confidence).
		Msg("online model updated")

	return out
}

// clip keeps the raw model output economically plausible: an unclipped
// online linear model can extrapolate wildly on sparse cold-start data, so
// the valuation anchors bound it, then the absolute band applies.
func clip(raw, currentValuation, comparableAverage float64) float64 {
	lowAnchor := math.Min(currentValuation, comparableAverage)
	highAnchor := math.Max(currentValuation, comparableAverage)
	if lowAnchor <= 0 {
		lowAnchor = highAnchor
	}

	floor := math.Max(lowAnchor*floorFactor, common.AbsolutePriceFloor)
	ceiling := highAnchor * ceilingFactor
	if ceiling < floor {
		ceiling = floor
	}

	v := math.Max(raw, floor)
	v = math.Min(v, ceiling)
	v = math.Max(v, common.AbsolutePriceFloor)
	v = math.Min(v, common.AbsolutePriceCeiling)
	return v
}

func (r *Regressor) recordError(err float64) {
	r.errWindow = append(r.errWindow, err)
	if len(r.errWindow) > errWindowSize {
		r.errWindow = r.errWindow[1:]
	}
}

// confidence grows with training cycles and shrinks with recent mean
// absolute error expressed as a fraction of the current valuation.
// Always inside [45, 95]: it never implies certainty nor total distrust.
func (r *Regressor) confidence(currentValuation float64) float64 {
	grown := 70.0 + 2.0*math.Min(float64(r.nTrained), 10)

	var penalty float64
	if len(r.errWindow) > 0 && currentValuation > 0 {
		var sum float64
		for _, e := range r.errWindow {
			sum += e
		}
		meanErr := sum / float64(len(r.errWindow))
		penalty = 50.0 * (meanErr / currentValuation)
	}

	conf := grown - penalty
	if conf < 45 {
		conf = 45
	}
	if conf > 95 {
		conf = 95
	}
	return math.Round(conf*10) / 10
}

// State is the serialisable regressor state. Restoring it reinstates
// nTrained exactly, so a reloaded model skips warm-up only when it is
// genuinely already warm.
type State struct {
	FastWeights []float64 `json:"fast_weights"`
	FastBias    float64   `json:"fast_bias"`
	FastSteps   int       `json:"fast_steps"`
	SlowWeights []float64 `json:"slow_weights"`
	SlowBias    float64   `json:"slow_bias"`
	SlowSteps   int       `json:"slow_steps"`
	NTrained    int       `json:"n_trained"`
	ErrWindow   []float64 `json:"err_window"`
}

func (r *Regressor) SnapshotState() State {
	return State{
		FastWeights: append([]float64(nil), r.fast.Weights[:]...),
		FastBias:    r.fast.Bias,
		FastSteps:   r.fast.steps,
		SlowWeights: append([]float64(nil), r.slow.Weights[:]...),
		SlowBias:    r.slow.Bias,
		SlowSteps:   r.slow.steps,
		NTrained:    r.nTrained,
		ErrWindow:   append([]float64(nil), r.errWindow...),
	}
}

// RestoreState reinstates a snapshot. A snapshot with the wrong
// dimensionality is rejected and the regressor keeps its current state.
func (r *Regressor) RestoreState(st State) bool {
	if len(st.FastWeights) != features.Dim || len(st.SlowWeights) != features.Dim {
		return false
	}
	copy(r.fast.Weights[:], st.FastWeights)
	r.fast.Bias = st.FastBias
	r.fast.steps = st.FastSteps
	copy(r.slow.Weights[:], st.SlowWeights)
	r.slow.Bias = st.SlowBias
	r.slow.steps = st.SlowSteps
	r.nTrained = st.NTrained
	r.errWindow = append(r.errWindow[:0], st.ErrWindow...)
	if len(r.errWindow) > errWindowSize {
		r.errWindow = r.errWindow[len(r.errWindow)-errWindowSize:]
	}
	return true
}
