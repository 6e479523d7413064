package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"predictelligence/internal/common"
)

type Settings struct {
	APIPort        int
	MetricsPort    int
	DataPath       string
	LiveFetch      bool
	FetchTimeout   time.Duration
	CycleInterval  time.Duration
	EnrichCacheTTL time.Duration
	HistoryLimit   int
	WarmupCycles   int
	CompLimit      int
	AnnualGrowth   float64
}

type ConfigFile struct {
	API struct {
		Port int `yaml:"port"`
	} `yaml:"api"`

	Macro struct {
		LiveFetch     bool   `yaml:"liveFetch"`
		FetchTimeout  string `yaml:"fetchTimeout"`
		CycleInterval string `yaml:"cycleInterval"`
	} `yaml:"macro"`

	Model struct {
		WarmupCycles int `yaml:"warmupCycles"`
	} `yaml:"model"`

	Valuation struct {
		CompLimit    int     `yaml:"compLimit"`
		AnnualGrowth float64 `yaml:"annualGrowth"`
	} `yaml:"valuation"`

	Enrich struct {
		CacheTTL string `yaml:"cacheTTL"`
	} `yaml:"enrich"`

	System struct {
		DataPath     string `yaml:"dataPath"`
		MetricsPort  int    `yaml:"metricsPort"`
		HistoryLimit int    `yaml:"historyLimit"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	fetchTimeout, err := time.ParseDuration(config.Macro.FetchTimeout)
	if err != nil {
		fetchTimeout = 8 * time.Second
	}
	cycleInterval, err := time.ParseDuration(config.Macro.CycleInterval)
	if err != nil {
		cycleInterval = 5 * time.Minute
	}
	cacheTTL, err := time.ParseDuration(config.Enrich.CacheTTL)
	if err != nil {
		cacheTTL = time.Hour
	}

	settings := Settings{
		APIPort:        getIntFromEnvOrConfig(common.EnvAPIPort, config.API.Port, common.DefaultAPIPort),
		MetricsPort:    getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		DataPath:       getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		LiveFetch:      getBoolFromEnvOrConfig(common.EnvLiveFetch, config.Macro.LiveFetch),
		FetchTimeout:   fetchTimeout,
		CycleInterval:  cycleInterval,
		EnrichCacheTTL: cacheTTL,
		HistoryLimit:   getIntFromEnvOrConfig(common.EnvHistoryLimit, config.System.HistoryLimit, common.DefaultHistoryLimit),
		WarmupCycles:   getIntFromEnvOrConfig(common.EnvWarmupCycles, config.Model.WarmupCycles, common.DefaultWarmupCycles),
		CompLimit:      getIntFromEnvOrConfig(common.EnvCompLimit, config.Valuation.CompLimit, common.DefaultCompLimit),
		AnnualGrowth:   config.Valuation.AnnualGrowth,
	}
	if settings.AnnualGrowth == 0 {
		settings.AnnualGrowth = common.DefaultAnnualGrowth
	}
	if settings.DataPath == "" {
		settings.DataPath = common.DefaultDataPath
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		APIPort:        getIntOrDefault(common.EnvAPIPort, common.DefaultAPIPort),
		MetricsPort:    getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		DataPath:       getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		LiveFetch:      getBoolOrDefault(common.EnvLiveFetch, false),
		FetchTimeout:   getDurationOrDefault(common.EnvFetchTimeout, 8*time.Second),
		CycleInterval:  getDurationOrDefault(common.EnvCycleInterval, 5*time.Minute),
		EnrichCacheTTL: getDurationOrDefault(common.EnvEnrichCacheTTL, time.Hour),
		HistoryLimit:   getIntOrDefault(common.EnvHistoryLimit, common.DefaultHistoryLimit),
		WarmupCycles:   getIntOrDefault(common.EnvWarmupCycles, common.DefaultWarmupCycles),
		CompLimit:      getIntOrDefault(common.EnvCompLimit, common.DefaultCompLimit),
		AnnualGrowth:   common.DefaultAnnualGrowth,
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings performs validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.APIPort < 1024 || settings.APIPort > 65535 {
		return fmt.Errorf("API port must be between 1024 and 65535, got %d", settings.APIPort)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}
	if settings.APIPort == settings.MetricsPort {
		return fmt.Errorf("API and metrics ports must differ, both are %d", settings.APIPort)
	}
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if settings.FetchTimeout < time.Second || settings.FetchTimeout > 30*time.Second {
		return fmt.Errorf("fetch timeout must be between 1s and 30s, got %v", settings.FetchTimeout)
	}
	if settings.CycleInterval < 10*time.Second || settings.CycleInterval > 24*time.Hour {
		return fmt.Errorf("cycle interval must be between 10s and 24h, got %v", settings.CycleInterval)
	}
	if settings.HistoryLimit <= 0 || settings.HistoryLimit > 500 {
		return fmt.Errorf("history limit must be between 1 and 500, got %d", settings.HistoryLimit)
	}
	if settings.WarmupCycles < 1 || settings.WarmupCycles > 100 {
		return fmt.Errorf("warmup cycles must be between 1 and 100, got %d", settings.WarmupCycles)
	}
	if settings.CompLimit < 1 || settings.CompLimit > 1000 {
		return fmt.Errorf("comparable limit must be between 1 and 1000, got %d", settings.CompLimit)
	}
	if settings.AnnualGrowth < 0 || settings.AnnualGrowth > 0.25 {
		return fmt.Errorf("annual growth must be between 0 and 0.25, got %f", settings.AnnualGrowth)
	}
	return nil
}
