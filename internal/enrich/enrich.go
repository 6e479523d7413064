// Package enrich fetches UK area-risk data (crime, flood, deprivation) to
// supplement a valuation. All calls have short timeouts and fallbacks; an
// enrichment never fails, it just carries fewer fields.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	geocodeURL     = "https://api.postcodes.io/postcodes/"
	crimeURL       = "https://data.police.uk/api/crimes-street/all-crime"
	floodURL       = "https://environment.data.gov.uk/flood-monitoring/id/floods"
	deprivationURL = "https://services3.arcgis.com/ivmBBrHfQfDnDf8Q/arcgis/rest/services/Indices_of_Multiple_Deprivation_(IMD)_2019/FeatureServer/0/query"
)

// AreaRisk is the enrichment result for one postcode.
type AreaRisk struct {
	Postcode      string         `json:"postcode"`
	Lat           float64        `json:"lat,omitempty"`
	Lng           float64        `json:"lng,omitempty"`
	LSOACode      string         `json:"lsoa_code,omitempty"`
	AdminDistrict string         `json:"admin_district,omitempty"`
	CrimeCount    int            `json:"crime_count_6m"`
	CrimeSeverity string         `json:"crime_severity"` // low | medium | high | unknown
	CrimeByType   map[string]int `json:"crime_categories,omitempty"`
	FloodWarnings int            `json:"flood_warnings_active"`
	FloodSeverity string         `json:"flood_severity"` // negligible | low | medium | high | severe
	IMDDecile     int            `json:"imd_decile,omitempty"` // 1 = most deprived, 10 = least
	Flags         []string       `json:"area_flags"`
	FetchErrors   []string       `json:"fetch_errors,omitempty"`
}

// Enricher fetches area risk with an injectable TTL cache. Safe for
// concurrent use.
type Enricher struct {
	rest  *resty.Client
	cache Cache
	ttl   time.Duration
	now   func() time.Time

	cacheHits prometheus.Counter
	cacheMiss prometheus.Counter
}

func New(timeout, cacheTTL time.Duration, cache Cache) *Enricher {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(8 * time.Second)
	}
	if cache == nil {
		cache = NewMemoryTTLCache()
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Enricher{rest: r, cache: cache, ttl: cacheTTL, now: time.Now}
}

// Instrument wires cache hit/miss counters. Nil counters disable the
// instrumentation; enrichment behaviour is unchanged either way.
func (e *Enricher) Instrument(hits, misses prometheus.Counter) {
	e.cacheHits = hits
	e.cacheMiss = misses
}

// Enrich returns area risk for a postcode, served from cache when fresh.
func (e *Enricher) Enrich(ctx context.Context, postcode string) AreaRisk {
	clean := strings.ToUpper(strings.TrimSpace(postcode))
	if clean == "" {
		return AreaRisk{CrimeSeverity: "unknown", FloodSeverity: "negligible", FetchErrors: []string{"no postcode provided"}}
	}

	if v, ok := e.cache.Get(clean); ok {
		if risk, ok := v.(AreaRisk); ok {
			if e.cacheHits != nil {
				e.cacheHits.Inc()
			}
			log.Debug().Str("postcode", clean).Msg("enrichment cache hit")
			return risk
		}
		e.cache.Expire(clean)
	}
	if e.cacheMiss != nil {
		e.cacheMiss.Inc()
	}

	risk := AreaRisk{Postcode: clean, CrimeSeverity: "unknown", FloodSeverity: "negligible"}

	geo, err := e.fetchGeocode(ctx, clean)
	if err != nil {
		log.Warn().Err(err).Str("postcode", clean).Msg("geocoding failed, skipping area risk")
		risk.FetchErrors = append(risk.FetchErrors, "geocoding failed")
		risk.Flags = []string{}
		e.cache.Set(clean, risk, e.ttl)
		return risk
	}
	risk.Lat, risk.Lng = geo.Result.Latitude, geo.Result.Longitude
	risk.LSOACode = geo.Result.Codes.LSOA
	risk.AdminDistrict = geo.Result.AdminDistrict

	if err := e.fetchCrime(ctx, &risk); err != nil {
		risk.FetchErrors = append(risk.FetchErrors, "crime fetch failed")
	}
	if err := e.fetchFlood(ctx, &risk); err != nil {
		risk.FetchErrors = append(risk.FetchErrors, "flood fetch failed")
	}
	if err := e.fetchDeprivation(ctx, &risk); err != nil {
		risk.FetchErrors = append(risk.FetchErrors, "deprivation fetch failed")
	}

	risk.Flags = areaFlags(risk)
	e.cache.Set(clean, risk, e.ttl)
	return risk
}

type geocodeResponse struct {
	Result struct {
		Latitude      float64 `json:"latitude"`
		Longitude     float64 `json:"longitude"`
		AdminDistrict string  `json:"admin_district"`
		Codes         struct {
			LSOA string `json:"lsoa"`
		} `json:"codes"`
	} `json:"result"`
}

func (e *Enricher) fetchGeocode(ctx context.Context, postcode string) (*geocodeResponse, error) {
	out := &geocodeResponse{}
	resp, err := e.rest.R().
		SetContext(ctx).
		SetResult(out).
		Get(geocodeURL + strings.ReplaceAll(postcode, " ", ""))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("postcodes.io status %d", resp.StatusCode())
	}
	if out.Result.Latitude == 0 && out.Result.Longitude == 0 {
		return nil, fmt.Errorf("postcodes.io returned no coordinates")
	}
	return out, nil
}

type streetCrime struct {
	Category string `json:"category"`
}

// fetchCrime counts street crime over the most recent three published
// months. The police API lags about two months behind the calendar.
func (e *Enricher) fetchCrime(ctx context.Context, risk *AreaRisk) error {
	categories := make(map[string]int)
	total := 0

	anchor := e.now().UTC()
	for back := 2; back <= 4; back++ {
		month := anchor.AddDate(0, -back, 0)
		var crimes []streetCrime
		resp, err := e.rest.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"lat":  fmt.Sprintf("%.6f", risk.Lat),
				"lng":  fmt.Sprintf("%.6f", risk.Lng),
				"date": month.Format("2006-01"),
			}).
			SetResult(&crimes).
			Get(crimeURL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			continue
		}
		for _, c := range crimes {
			cat := c.Category
			if cat == "" {
				cat = "other"
			}
			categories[cat]++
			total++
		}
	}

	risk.CrimeCount = total
	risk.CrimeByType = categories
	risk.CrimeSeverity = "low"
	if total > 150 {
		risk.CrimeSeverity = "high"
	} else if total > 50 {
		risk.CrimeSeverity = "medium"
	}
	return nil
}

type floodResponse struct {
	Items []struct {
		SeverityLevel int `json:"severityLevel"`
	} `json:"items"`
}

func (e *Enricher) fetchFlood(ctx context.Context, risk *AreaRisk) error {
	out := &floodResponse{}
	resp, err := e.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat":  fmt.Sprintf("%.6f", risk.Lat),
			"long": fmt.Sprintf("%.6f", risk.Lng),
			"dist": "5",
		}).
		SetResult(out).
		Get(floodURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("flood API status %d", resp.StatusCode())
	}

	risk.FloodWarnings = len(out.Items)
	if len(out.Items) == 0 {
		risk.FloodSeverity = "negligible"
		return nil
	}

	// severityLevel: 1=severe, 2=high, 3=medium, 4=low
	worst := 4
	for _, it := range out.Items {
		if it.SeverityLevel > 0 && it.SeverityLevel < worst {
			worst = it.SeverityLevel
		}
	}
	switch worst {
	case 1:
		risk.FloodSeverity = "severe"
	case 2:
		risk.FloodSeverity = "high"
	case 3:
		risk.FloodSeverity = "medium"
	default:
		risk.FloodSeverity = "low"
	}
	return nil
}

type imdResponse struct {
	Features []struct {
		Attributes struct {
			IMDRank   int `json:"IMDRank"`
			IMDDecile int `json:"IMDDecil"`
		} `json:"attributes"`
	} `json:"features"`
}

func (e *Enricher) fetchDeprivation(ctx context.Context, risk *AreaRisk) error {
	if risk.LSOACode == "" {
		return fmt.Errorf("no LSOA code")
	}
	out := &imdResponse{}
	resp, err := e.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"where":     fmt.Sprintf("lsoa11cd='%s'", risk.LSOACode),
			"outFields": "IMDRank,IMDDecil",
			"f":         "json",
		}).
		SetResult(out).
		Get(deprivationURL)
	if err != nil {
		return err
	}
	if resp.IsError() || len(out.Features) == 0 {
		return fmt.Errorf("IMD lookup returned nothing")
	}
	risk.IMDDecile = out.Features[0].Attributes.IMDDecile
	return nil
}

// areaFlags derives the human-readable risk flags that the valuation flow
// appends to its result.
func areaFlags(risk AreaRisk) []string {
	flags := []string{}

	switch risk.FloodSeverity {
	case "high", "severe":
		flags = append(flags, "High flood risk nearby - negative impact on resale and insurance.")
	case "medium":
		flags = append(flags, "Medium flood risk nearby - potential insurance premium.")
	}

	switch {
	case risk.IMDDecile > 0 && risk.IMDDecile <= 2:
		flags = append(flags, fmt.Sprintf("Highly deprived area (IMD decile %d/10) - affects price appreciation.", risk.IMDDecile))
	case risk.IMDDecile == 3:
		flags = append(flags, fmt.Sprintf("Deprived area (IMD decile %d/10).", risk.IMDDecile))
	}

	switch risk.CrimeSeverity {
	case "high":
		flags = append(flags, fmt.Sprintf("High crime area (%d incidents in recent months) - affects desirability.", risk.CrimeCount))
	case "medium":
		flags = append(flags, fmt.Sprintf("Moderate crime levels (%d incidents in recent months).", risk.CrimeCount))
	}

	return flags
}
