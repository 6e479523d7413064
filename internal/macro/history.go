package macro

import "context"

// HistoricalSource replays a fixed sequence of UK macro snapshots in order,
// wrapping around when exhausted. The engine injects it during warm-up so
// the scaler and regressor see real variance without any network calls.
type HistoricalSource struct {
	snapshots []Snapshot
	idx       int
}

// UKSnapshots2023to2025 covers eight quarters of observed UK macro data.
func UKSnapshots2023to2025() []Snapshot {
	mk := func(rate, infl, temp, factor, price float64, season string) Snapshot {
		return Snapshot{
			BoERate:        rate,
			BoEDirection:   "HOLDING",
			InflationRate:  infl,
			InflationTrend: inflationTrend(infl),
			AvgTemp:        temp,
			Season:         season,
			SeasonFactor:   factor,
			UKAvgPrice:     price,
		}
	}
	return []Snapshot{
		mk(5.25, 4.6, 15.0, 1.0, 285_000, "Spring"), // 2023 Q2
		mk(5.25, 3.9, 19.0, 1.0, 288_000, "Summer"), // 2023 Q3
		mk(5.25, 3.2, 9.0, 0.8, 282_000, "Autumn"),  // 2023 Q4
		mk(5.25, 2.8, 4.0, 0.6, 278_000, "Winter"),  // 2024 Q1
		mk(5.00, 2.3, 13.0, 1.0, 281_000, "Spring"), // 2024 Q2
		mk(4.75, 2.0, 20.0, 1.0, 284_000, "Summer"), // 2024 Q3
		mk(4.75, 2.3, 8.0, 0.8, 287_000, "Autumn"),  // 2024 Q4
		mk(4.50, 3.8, 5.0, 0.6, 285_000, "Winter"),  // 2025 Q1
	}
}

func NewHistoricalSource(snapshots []Snapshot) *HistoricalSource {
	if len(snapshots) == 0 {
		snapshots = UKSnapshots2023to2025()
	}
	return &HistoricalSource{snapshots: snapshots}
}

// Len returns the number of distinct snapshots in the rotation.
func (h *HistoricalSource) Len() int { return len(h.snapshots) }

func (h *HistoricalSource) Fetch(_ context.Context, _ string) Snapshot {
	s := h.snapshots[h.idx%len(h.snapshots)]
	h.idx++
	return s
}

// StaticSource always returns the same snapshot. Used in tests and as a
// deterministic stand-in when live fetching is disabled.
type StaticSource struct {
	Snap Snapshot
}

func (s StaticSource) Fetch(_ context.Context, _ string) Snapshot { return s.Snap }
