package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"predictelligence/internal/common"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE",
		common.EnvAPIPort,
		common.EnvMetricsPort,
		common.EnvDataPath,
		common.EnvFetchTimeout,
		common.EnvCycleInterval,
		common.EnvEnrichCacheTTL,
		common.EnvHistoryLimit,
		common.EnvLiveFetch,
		common.EnvWarmupCycles,
		common.EnvCompLimit,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.APIPort != common.DefaultAPIPort {
		t.Errorf("APIPort: got %d want %d", s.APIPort, common.DefaultAPIPort)
	}
	if s.MetricsPort != common.DefaultMetricsPort {
		t.Errorf("MetricsPort: got %d want %d", s.MetricsPort, common.DefaultMetricsPort)
	}
	if s.DataPath != common.DefaultDataPath {
		t.Errorf("DataPath: got %q want %q", s.DataPath, common.DefaultDataPath)
	}
	if s.LiveFetch {
		t.Error("LiveFetch must default to false")
	}
	if s.FetchTimeout != 8*time.Second {
		t.Errorf("FetchTimeout: got %v", s.FetchTimeout)
	}
	if s.CycleInterval != 5*time.Minute {
		t.Errorf("CycleInterval: got %v", s.CycleInterval)
	}
	if s.AnnualGrowth != common.DefaultAnnualGrowth {
		t.Errorf("AnnualGrowth: got %v", s.AnnualGrowth)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(common.EnvAPIPort, "9100")
	t.Setenv(common.EnvMetricsPort, "9101")
	t.Setenv(common.EnvLiveFetch, "true")
	t.Setenv(common.EnvFetchTimeout, "3s")
	t.Setenv(common.EnvWarmupCycles, "10")
	t.Setenv(common.EnvCompLimit, "200")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.APIPort != 9100 || s.MetricsPort != 9101 {
		t.Errorf("ports: got %d/%d", s.APIPort, s.MetricsPort)
	}
	if !s.LiveFetch {
		t.Error("LiveFetch override lost")
	}
	if s.FetchTimeout != 3*time.Second {
		t.Errorf("FetchTimeout: got %v", s.FetchTimeout)
	}
	if s.WarmupCycles != 10 {
		t.Errorf("WarmupCycles: got %d", s.WarmupCycles)
	}
	if s.CompLimit != 200 {
		t.Errorf("CompLimit: got %d", s.CompLimit)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearConfigEnv(t)

	yaml := `
api:
  port: 9200
macro:
  liveFetch: true
  fetchTimeout: 4s
  cycleInterval: 2m
model:
  warmupCycles: 12
valuation:
  compLimit: 150
  annualGrowth: 0.035
enrich:
  cacheTTL: 30m
system:
  dataPath: /tmp/ppd-test
  metricsPort: 9201
  historyLimit: 50
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.APIPort != 9200 || s.MetricsPort != 9201 {
		t.Errorf("ports: got %d/%d", s.APIPort, s.MetricsPort)
	}
	if !s.LiveFetch {
		t.Error("liveFetch not read from yaml")
	}
	if s.FetchTimeout != 4*time.Second || s.CycleInterval != 2*time.Minute {
		t.Errorf("durations: got %v/%v", s.FetchTimeout, s.CycleInterval)
	}
	if s.WarmupCycles != 12 || s.CompLimit != 150 || s.HistoryLimit != 50 {
		t.Errorf("limits: got %d/%d/%d", s.WarmupCycles, s.CompLimit, s.HistoryLimit)
	}
	if s.AnnualGrowth != 0.035 {
		t.Errorf("AnnualGrowth: got %v", s.AnnualGrowth)
	}
	if s.EnrichCacheTTL != 30*time.Minute {
		t.Errorf("EnrichCacheTTL: got %v", s.EnrichCacheTTL)
	}
	if s.DataPath != "/tmp/ppd-test" {
		t.Errorf("DataPath: got %q", s.DataPath)
	}
}

func TestLoad_EnvBeatsYAML(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api:\n  port: 9200\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv(common.EnvAPIPort, "9300")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.APIPort != 9300 {
		t.Errorf("env override lost: got %d", s.APIPort)
	}
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateSettings(t *testing.T) {
	base := func() Settings {
		return Settings{
			APIPort:        8090,
			MetricsPort:    8080,
			DataPath:       "data",
			FetchTimeout:   8 * time.Second,
			CycleInterval:  5 * time.Minute,
			EnrichCacheTTL: time.Hour,
			HistoryLimit:   20,
			WarmupCycles:   3,
			CompLimit:      80,
			AnnualGrowth:   0.028,
		}
	}

	if err := validateSettings(ptr(base())); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"privileged api port", func(s *Settings) { s.APIPort = 80 }},
		{"port collision", func(s *Settings) { s.MetricsPort = s.APIPort }},
		{"empty data path", func(s *Settings) { s.DataPath = "" }},
		{"fetch timeout too short", func(s *Settings) { s.FetchTimeout = 100 * time.Millisecond }},
		{"cycle interval too short", func(s *Settings) { s.CycleInterval = time.Second }},
		{"history limit zero", func(s *Settings) { s.HistoryLimit = 0 }},
		{"warmup cycles zero", func(s *Settings) { s.WarmupCycles = 0 }},
		{"comp limit huge", func(s *Settings) { s.CompLimit = 5000 }},
		{"growth negative", func(s *Settings) { s.AnnualGrowth = -0.01 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			tc.mutate(&s)
			if err := validateSettings(&s); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func ptr(s Settings) *Settings { return &s }
