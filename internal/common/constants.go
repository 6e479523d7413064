package common

// User types
const (
	UserInvestor       = "investor"
	UserFirstTimeBuyer = "first_time_buyer"
	UserHomeMover      = "home_mover"
)

// Price directions
const (
	DirectionUp       = "UP"
	DirectionDown     = "DOWN"
	DirectionSideways = "SIDEWAYS"
)

// Investment signals
const (
	SignalBuy  = "BUY"
	SignalHold = "HOLD"
	SignalSell = "SELL"
)

// Deal verdicts
const (
	VerdictStrongBuy = "STRONG BUY"
	VerdictBuy       = "BUY"
	VerdictNegotiate = "NEGOTIATE"
	VerdictAvoid     = "AVOID"
)

// Environment variable keys
const (
	EnvAPIPort        = "API_PORT"
	EnvMetricsPort    = "METRICS_PORT"
	EnvDataPath       = "DATA_PATH"
	EnvFetchTimeout   = "FETCH_TIMEOUT"
	EnvCycleInterval  = "CYCLE_INTERVAL"
	EnvEnrichCacheTTL = "ENRICH_CACHE_TTL"
	EnvHistoryLimit   = "HISTORY_LIMIT"
	EnvLiveFetch      = "LIVE_FETCH"
	EnvWarmupCycles   = "WARMUP_CYCLES"
	EnvCompLimit      = "COMPARABLE_LIMIT"
)

// Configuration defaults
const (
	DefaultAPIPort      = 8090
	DefaultMetricsPort  = 8080
	DefaultDataPath     = "data"
	DefaultHistoryLimit = 20
	DefaultWarmupCycles = 3
	DefaultCompLimit    = 80
	DefaultAnnualGrowth = 0.028
)

// Prediction bounds shared by the regressor and its tests.
const (
	AbsolutePriceFloor   = 50_000.0
	AbsolutePriceCeiling = 5_000_000.0
)
