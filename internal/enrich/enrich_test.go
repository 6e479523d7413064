package enrich

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMemoryTTLCache_SetGet(t *testing.T) {
	t.Parallel()

	c := NewMemoryTTLCache()
	c.Set("k", 42, time.Minute)

	v, ok := c.Get("k")
	if !ok || v != 42 {
		t.Fatalf("Get: got (%v, %v)", v, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("missing key must not hit")
	}
}

func TestMemoryTTLCache_Expiry(t *testing.T) {
	t.Parallel()

	c := NewMemoryTTLCache()
	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("entry must expire after its TTL")
	}
}

func TestMemoryTTLCache_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	c := NewMemoryTTLCache()
	c.Set("k", "v", 0)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("zero TTL entry must persist")
	}
}

func TestMemoryTTLCache_Expire(t *testing.T) {
	t.Parallel()

	c := NewMemoryTTLCache()
	c.Set("k", "v", time.Minute)
	c.Expire("k")

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired key must not hit")
	}
}

func TestEnrich_EmptyPostcode(t *testing.T) {
	t.Parallel()

	e := New(time.Second, time.Minute, nil)
	risk := e.Enrich(context.Background(), "  ")

	if len(risk.FetchErrors) == 0 {
		t.Fatal("empty postcode must carry a fetch error")
	}
	if risk.CrimeSeverity != "unknown" || risk.FloodSeverity != "negligible" {
		t.Fatalf("unexpected defaults: %+v", risk)
	}
}

func TestEnrich_ServesFromCache(t *testing.T) {
	t.Parallel()

	cache := NewMemoryTTLCache()
	cached := AreaRisk{
		Postcode:      "SW1A 1AA",
		CrimeSeverity: "low",
		FloodSeverity: "negligible",
		IMDDecile:     8,
	}
	cache.Set("SW1A 1AA", cached, time.Minute)

	e := New(time.Second, time.Minute, cache)
	risk := e.Enrich(context.Background(), "sw1a 1aa")

	if risk.IMDDecile != 8 {
		t.Fatalf("cache hit not served: %+v", risk)
	}
	if len(risk.FetchErrors) != 0 {
		t.Fatalf("cached result must carry no fetch errors: %v", risk.FetchErrors)
	}
}

func TestEnrich_CacheCounters(t *testing.T) {
	t.Parallel()

	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_enrich_hits"})
	misses := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_enrich_misses"})

	cache := NewMemoryTTLCache()
	cache.Set("SW1A 1AA", AreaRisk{Postcode: "SW1A 1AA", CrimeSeverity: "low", FloodSeverity: "negligible"}, time.Minute)

	// A 1ms timeout keeps the miss path from blocking on real upstreams.
	e := New(time.Millisecond, time.Minute, cache)
	e.Instrument(hits, misses)

	e.Enrich(context.Background(), "SW1A 1AA")
	if got := testutil.ToFloat64(hits); got != 1 {
		t.Fatalf("cache hits: got %v want 1", got)
	}
	if got := testutil.ToFloat64(misses); got != 0 {
		t.Fatalf("cache misses: got %v want 0", got)
	}

	e.Enrich(context.Background(), "ZZ99 9ZZ")
	if got := testutil.ToFloat64(misses); got != 1 {
		t.Fatalf("cache misses: got %v want 1", got)
	}

	// The miss cached its (failed) result, so repeating it is a hit.
	e.Enrich(context.Background(), "ZZ99 9ZZ")
	if got := testutil.ToFloat64(hits); got != 2 {
		t.Fatalf("cache hits after re-request: got %v want 2", got)
	}
}

func TestAreaFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		risk AreaRisk
		want []string // substrings expected, in order
	}{
		{
			name: "clean area",
			risk: AreaRisk{CrimeSeverity: "low", FloodSeverity: "negligible", IMDDecile: 8},
			want: nil,
		},
		{
			name: "severe flood",
			risk: AreaRisk{FloodSeverity: "severe", CrimeSeverity: "low"},
			want: []string{"flood risk"},
		},
		{
			name: "deprived and high crime",
			risk: AreaRisk{CrimeSeverity: "high", CrimeCount: 220, FloodSeverity: "negligible", IMDDecile: 1},
			want: []string{"deprived", "crime"},
		},
		{
			name: "medium everything",
			risk: AreaRisk{CrimeSeverity: "medium", CrimeCount: 80, FloodSeverity: "medium", IMDDecile: 3},
			want: []string{"flood", "decile 3", "crime"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := areaFlags(tc.risk)
			if len(got) != len(tc.want) {
				t.Fatalf("flag count: got %d (%v), want %d", len(got), got, len(tc.want))
			}
			for i, sub := range tc.want {
				if !strings.Contains(strings.ToLower(got[i]), sub) {
					t.Errorf("flag %d %q does not mention %q", i, got[i], sub)
				}
			}
		})
	}
}
