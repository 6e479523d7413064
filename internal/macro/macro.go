// Package macro supplies the macroeconomic context consumed by the
// prediction pipeline. A Source either reaches live UK data APIs
// (Bank of England, ONS, Open-Meteo, postcodes.io, Land Registry HPI)
// or replays fixed historical snapshots, chosen at construction time.
// Live fetches always degrade to documented defaults, never error out.
package macro

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// NormalizePostcode canonicalises a UK postcode: uppercase, no spaces.
func NormalizePostcode(postcode string) string {
	return strings.ToUpper(strings.ReplaceAll(postcode, " ", ""))
}

// Snapshot is one macro observation. Fallback reports whether any field
// came from defaults rather than a live source.
type Snapshot struct {
	BoERate        float64 `json:"boe_rate"`
	BoEDirection   string  `json:"boe_direction"` // RISING | FALLING | HOLDING
	InflationRate  float64 `json:"inflation_rate"`
	InflationTrend string  `json:"inflation_trend"` // STABLE | ELEVATED
	AvgTemp        float64 `json:"avg_temp"`
	Season         string  `json:"season"`
	SeasonFactor   float64 `json:"season_factor"`
	UKAvgPrice     float64 `json:"uk_avg_price"`
	Region         string  `json:"region,omitempty"`
	Fallback       bool    `json:"fallback"`
}

// Source produces a macro snapshot for one pipeline cycle.
// Implementations must not return errors for upstream unavailability;
// they fall back to defaults instead.
type Source interface {
	Fetch(ctx context.Context, postcode string) Snapshot
}

// Defaults used when an upstream API is unavailable.
const (
	DefaultBoERate       = 5.25
	DefaultInflationRate = 3.8
	DefaultAvgTemp       = 12.0
	DefaultSeasonFactor  = 0.8
	DefaultUKAvgPrice    = 285_000.0
	DefaultSeason        = "Autumn"
)

const (
	boeURL      = "https://www.bankofengland.co.uk/boeapps/database/Bank-Rate.asp"
	onsURL      = "https://api.ons.gov.uk/v1/datasets/cpih01/timeseries/l55o/data"
	weatherURL  = "https://api.open-meteo.com/v1/forecast?latitude=51.5&longitude=-0.1&current_weather=true"
	postcodeURL = "https://api.postcodes.io/postcodes/"
	hpiURL      = "https://landregistry.data.gov.uk/data/ukhpi/region/united-kingdom/month/2024-01.json"
)

var rateRe = regexp.MustCompile(`(\d+\.\d+)`)

// Client fetches live macro data. It remembers the previous base rate and
// inflation reading to classify their direction, so it is stateful and not
// safe for concurrent Fetch calls; the pipeline serialises access.
type Client struct {
	rest     *resty.Client
	now      func() time.Time
	prevRate *float64
	prevInfl *float64
}

func NewClient(timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(8 * time.Second)
	}
	// One cycle is one attempt; the next cycle is the retry.
	r.SetRetryCount(0)
	return &Client{rest: r, now: time.Now}
}

func (c *Client) Fetch(ctx context.Context, postcode string) Snapshot {
	snap := defaultSnapshot(c.now())

	if rate, ok := c.fetchBoERate(ctx); ok {
		snap.BoEDirection = rateDirection(rate, c.prevRate)
		snap.BoERate = rate
		c.prevRate = &rate
		snap.Fallback = false
	}

	if infl, ok := c.fetchInflation(ctx); ok {
		snap.InflationRate = infl
		snap.InflationTrend = inflationTrend(infl)
		c.prevInfl = &infl
	}

	if temp, ok := c.fetchTemperature(ctx); ok {
		snap.AvgTemp = temp
	}

	if region, ok := c.fetchRegion(ctx, postcode); ok {
		snap.Region = region
	}

	if avg, ok := c.fetchUKAvgPrice(ctx); ok {
		snap.UKAvgPrice = avg
	}

	if snap.Fallback {
		// Deterministic drift keeps feature variance nonzero when every
		// upstream is down, otherwise the scaler would freeze on a
		// constant vector.
		applyTemporalDrift(&snap, c.now())
	}

	log.Debug().
		Float64("boe_rate", snap.BoERate).
		Float64("inflation", snap.InflationRate).
		Str("season", snap.Season).
		Bool("fallback", snap.Fallback).
		Msg("macro snapshot fetched")

	return snap
}

func (c *Client) fetchBoERate(ctx context.Context) (float64, bool) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html").
		Get(boeURL)
	if err != nil || resp.IsError() {
		log.Warn().Err(err).Msg("BoE rate fetch failed, using default")
		return 0, false
	}

	var candidates []float64
	for _, m := range rateRe.FindAllString(resp.String(), -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil && v >= 0.1 && v <= 20.0 {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[len(candidates)-1], true
}

type onsResponse struct {
	Months []struct {
		Value string `json:"value"`
	} `json:"months"`
}

func (c *Client) fetchInflation(ctx context.Context) (float64, bool) {
	out := &onsResponse{}
	resp, err := c.rest.R().SetContext(ctx).SetResult(out).Get(onsURL)
	if err != nil || resp.IsError() || len(out.Months) == 0 {
		log.Warn().Err(err).Msg("ONS inflation fetch failed, using default")
		return 0, false
	}
	v, err := strconv.ParseFloat(out.Months[len(out.Months)-1].Value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

type weatherResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
	} `json:"current_weather"`
}

func (c *Client) fetchTemperature(ctx context.Context) (float64, bool) {
	out := &weatherResponse{}
	resp, err := c.rest.R().SetContext(ctx).SetResult(out).Get(weatherURL)
	if err != nil || resp.IsError() {
		log.Warn().Err(err).Msg("weather fetch failed, using default")
		return 0, false
	}
	return out.CurrentWeather.Temperature, true
}

type postcodeResponse struct {
	Status int `json:"status"`
	Result struct {
		Region        string `json:"region"`
		AdminDistrict string `json:"admin_district"`
	} `json:"result"`
}

func (c *Client) fetchRegion(ctx context.Context, postcode string) (string, bool) {
	if postcode == "" {
		return "", false
	}
	out := &postcodeResponse{}
	resp, err := c.rest.R().SetContext(ctx).SetResult(out).Get(postcodeURL + postcode)
	if err != nil || resp.IsError() || out.Result.Region == "" {
		return "", false
	}
	return out.Result.Region, true
}

type hpiResponse struct {
	Result struct {
		PrimaryTopic struct {
			AveragePrice    float64 `json:"averagePrice"`
			HousePriceIndex float64 `json:"housePriceIndex"`
		} `json:"primaryTopic"`
	} `json:"result"`
}

func (c *Client) fetchUKAvgPrice(ctx context.Context) (float64, bool) {
	out := &hpiResponse{}
	resp, err := c.rest.R().SetContext(ctx).SetResult(out).Get(hpiURL)
	if err != nil || resp.IsError() {
		log.Warn().Err(err).Msg("UK HPI fetch failed, using default")
		return 0, false
	}
	v := out.Result.PrimaryTopic.AveragePrice
	if v == 0 {
		v = out.Result.PrimaryTopic.HousePriceIndex
	}
	if v == 0 {
		return 0, false
	}
	// An index value rather than a price; convert roughly.
	if v < 1000 {
		v *= 1500
	}
	return v, true
}

func defaultSnapshot(now time.Time) Snapshot {
	season, factor := seasonOf(now.Month())
	return Snapshot{
		BoERate:        DefaultBoERate,
		BoEDirection:   "HOLDING",
		InflationRate:  DefaultInflationRate,
		InflationTrend: inflationTrend(DefaultInflationRate),
		AvgTemp:        DefaultAvgTemp,
		Season:         season,
		SeasonFactor:   factor,
		UKAvgPrice:     DefaultUKAvgPrice,
		Fallback:       true,
	}
}

func seasonOf(m time.Month) (string, float64) {
	switch m {
	case time.March, time.April, time.May:
		return "Spring", 1.0
	case time.June, time.July, time.August:
		return "Summer", 1.0
	case time.September, time.October, time.November:
		return "Autumn", 0.8
	default:
		return "Winter", 0.6
	}
}

func inflationTrend(rate float64) string {
	if rate < 3.0 {
		return "STABLE"
	}
	return "ELEVATED"
}

func rateDirection(current float64, previous *float64) string {
	if previous == nil {
		return "HOLDING"
	}
	diff := current - *previous
	switch {
	case diff > 0.05:
		return "RISING"
	case diff < -0.05:
		return "FALLING"
	default:
		return "HOLDING"
	}
}

// applyTemporalDrift injects cyclic, time-derived offsets into the default
// snapshot. Offsets are functions of the clock, not random draws, so
// replaying the same instant gives the same snapshot.
func applyTemporalDrift(s *Snapshot, now time.Time) {
	hourPhase := (float64(now.Hour()) + float64(now.Minute())/60.0) / 24.0
	dayPhase := float64(now.YearDay()%30) / 30.0
	weekPhase := float64(now.YearDay()%7) / 7.0

	s.BoERate = round4(s.BoERate + 0.3*math.Sin(dayPhase*2*math.Pi))
	s.InflationRate = round4(s.InflationRate + 0.25*math.Cos(hourPhase*2*math.Pi))
	s.AvgTemp = math.Round((s.AvgTemp+5.0*math.Sin(hourPhase*2*math.Pi))*100) / 100
	s.UKAvgPrice = math.Round(s.UKAvgPrice + 2000*math.Sin(weekPhase*2*math.Pi))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
