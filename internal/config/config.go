package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. They are fatal before any model runs.
var ErrInvalid = errors.New("invalid configuration")

// Band is a distance band of the single-unit share curve. A band applies to
// distances below UpTo; the last band should use UpTo 0 to mean "no limit".
type Band struct {
	UpTo     float64 `yaml:"upTo"`
	SUTShare float64 `yaml:"sutShare"`
}

// Range is an inclusive county code range.
type Range struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

type Trucks struct {
	// Payloads holds the average tons per truck by commodity.
	Payloads       map[string]float64 `yaml:"payloads"`
	DefaultPayload float64            `yaml:"defaultPayload"`
	SUTMultiplier  float64            `yaml:"sutPayloadMultiplier"`
	MUTMultiplier  float64            `yaml:"mutPayloadMultiplier"`
	// SUTAdjustmentPct shifts the banded SUT share by a percentage.
	SUTAdjustmentPct float64 `yaml:"sutAdjustmentPct"`
	Bands            []Band  `yaml:"bands"`
	// DistanceFloor replaces zero or tiny distances before band lookup.
	DistanceFloor float64 `yaml:"distanceFloor"`
}

type Balancer struct {
	MaxIterations int     `yaml:"maxIterations"`
	Tolerance     float64 `yaml:"tolerance"`
}

type Empties struct {
	// RatePct is the fleet-wide share of empty truck trips in percent.
	RatePct float64 `yaml:"ratePct"`
	// Friction is k in exp(-k*distance) of the empty-trip seed.
	Friction float64 `yaml:"friction"`
}

type DistributionCenters struct {
	Enabled bool    `yaml:"enabled"`
	Radius  float64 `yaml:"radius"`
	MinSites int    `yaml:"minSites"`
	// Share is the share of tons per commodity sent through a DC.
	Share map[string]float64 `yaml:"share"`
	// StudyArea limits DC routing to destination counties in these ranges.
	StudyArea []Range `yaml:"studyArea"`
}

type Scaling struct {
	Global float64 `yaml:"global"`
	// Tokens are "orig_dest" coarse zone pairs, scaled by Values.
	Tokens []string  `yaml:"tokens"`
	Values []float64 `yaml:"values"`
	// AAWDTFactor converts annual average daily to weekday trips in the
	// long-haul model.
	AAWDTFactor float64 `yaml:"aawdtFactor"`
	// RegionalAAWDTPct is the weekday surplus of the regional model in
	// percent; its daily factor is 1 + pct/100.
	RegionalAAWDTPct float64 `yaml:"regionalAawdtPct"`
}

// RegionalFactor is the daily factor of the regional model.
func (s Scaling) RegionalFactor() float64 {
	return 1 + s.RegionalAAWDTPct/100
}

type Exclusions struct {
	CountyRanges []Range `yaml:"countyRanges"`
	// Disconnected coarse zones have no highway link to other coarse zones.
	Disconnected []int `yaml:"disconnected"`
}

type Local struct {
	Gamma       map[string]float64 `yaml:"gamma"`
	Cutoff      float64            `yaml:"cutoff"`
	MinDistance float64            `yaml:"minDistance"`
	LogRates    bool               `yaml:"logRates"`
	Tolerance   float64            `yaml:"tolerance"`
	// StudyArea restricts trip generation to zones in these county ranges.
	StudyArea []Range `yaml:"studyArea"`
}

type Config struct {
	LogLevel    string              `yaml:"logLevel"`
	Workers     int                 `yaml:"workers"`
	MinDistance float64             `yaml:"minDistance"`
	CheckMass   bool                `yaml:"checkMass"`
	MassTol     float64             `yaml:"massTolerance"`
	Trucks      Trucks              `yaml:"trucks"`
	Balancer    Balancer            `yaml:"balancer"`
	Empties     Empties             `yaml:"empties"`
	DC          DistributionCenters `yaml:"distributionCenters"`
	Scaling     Scaling             `yaml:"scaling"`
	Exclusions  Exclusions          `yaml:"exclusions"`
	Local       Local               `yaml:"local"`
	Webhooks    Webhooks            `yaml:"webhooks"`
}

type Webhooks struct {
	MaxAttempts int     `yaml:"maxAttempts"`
	RatePerSec  float64 `yaml:"ratePerSec"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		LogLevel:    "info",
		Workers:     runtime.NumCPU(),
		MinDistance: 0,
		CheckMass:   true,
		MassTol:     1e-6,
		Trucks: Trucks{
			Payloads:       map[string]float64{},
			DefaultPayload: 15,
			SUTMultiplier:  0.6,
			MUTMultiplier:  1.0,
			Bands: []Band{
				{UpTo: 50, SUTShare: 0.79},
				{UpTo: 100, SUTShare: 0.31},
				{UpTo: 200, SUTShare: 0.09},
				{UpTo: 500, SUTShare: 0.02},
				{UpTo: 0, SUTShare: 0.01},
			},
			DistanceFloor: 1,
		},
		Balancer: Balancer{MaxIterations: 10, Tolerance: 0.001},
		Empties:  Empties{RatePct: 20, Friction: 0.001},
		DC: DistributionCenters{
			Radius:   50,
			MinSites: 5,
			Share:    map[string]float64{},
		},
		Scaling: Scaling{Global: 1, AAWDTFactor: 1},
		Exclusions: Exclusions{
			// Guam, Puerto Rico and other distant islands.
			CountyRanges: []Range{{From: 56046, To: 79999}},
			// Hawaii.
			Disconnected: []int{151},
		},
		Local: Local{
			Gamma:       map[string]float64{"SUT": -0.1, "MUT": -0.08, "CV": -0.12},
			Cutoff:      50,
			MinDistance: 0.1,
			Tolerance:   0.0001,
		},
		Webhooks: Webhooks{MaxAttempts: 5, RatePerSec: 5},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate returns every configuration problem joined into one error.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Workers < 1 {
		bad("workers must be positive, got %d", c.Workers)
	}
	if c.Empties.RatePct < 0 || c.Empties.RatePct >= 100 {
		bad("empties.ratePct must be in [0,100), got %v", c.Empties.RatePct)
	}
	if c.Trucks.SUTMultiplier <= 0 || c.Trucks.MUTMultiplier <= 0 {
		bad("payload multipliers must be positive")
	}
	if c.Trucks.DefaultPayload <= 0 {
		bad("trucks.defaultPayload must be positive")
	}
	for com, p := range c.Trucks.Payloads {
		if p <= 0 {
			bad("payload for %s must be positive, got %v", com, p)
		}
	}
	if len(c.Trucks.Bands) == 0 {
		bad("trucks.bands must not be empty")
	}
	prev := 0.0
	for i, b := range c.Trucks.Bands {
		if b.SUTShare < 0 || b.SUTShare > 1 {
			bad("band %d: sutShare must be in [0,1]", i)
		}
		last := i == len(c.Trucks.Bands)-1
		if !last && b.UpTo <= prev {
			bad("band %d: upper bounds must increase", i)
		}
		prev = b.UpTo
	}
	if len(c.Scaling.Tokens) != len(c.Scaling.Values) {
		bad("scaling.tokens (%d) and scaling.values (%d) must have the same length", len(c.Scaling.Tokens), len(c.Scaling.Values))
	}
	if c.Scaling.Global < 0 || c.Scaling.AAWDTFactor <= 0 {
		bad("scaling.global must be >= 0 and scaling.aawdtFactor > 0")
	}
	if c.Scaling.RegionalFactor() <= 0 {
		bad("scaling.regionalAawdtPct must be > -100")
	}
	if c.Balancer.MaxIterations < 1 || c.Balancer.Tolerance <= 0 {
		bad("balancer needs maxIterations >= 1 and tolerance > 0")
	}
	if c.DC.Enabled && (c.DC.Radius < 0 || c.DC.MinSites < 0) {
		bad("distributionCenters radius and minSites must be >= 0")
	}
	for com, s := range c.DC.Share {
		if s < 0 || s > 1 {
			bad("dc share for %s must be in [0,1], got %v", com, s)
		}
	}
	if c.Local.Cutoff <= 0 || c.Local.MinDistance <= 0 {
		bad("local cutoff and minDistance must be positive")
	}
	return errors.Join(errs...)
}

// Scaler returns the per coarse-pair factors keyed by token.
func (c Config) Scaler() map[string]float64 {
	out := make(map[string]float64, len(c.Scaling.Tokens))
	for i, t := range c.Scaling.Tokens {
		if i < len(c.Scaling.Values) {
			out[t] = c.Scaling.Values[i]
		}
	}
	return out
}

// InRanges reports whether code falls into any of the ranges.
func InRanges(code int, rs []Range) bool {
	for _, r := range rs {
		if code >= r.From && code <= r.To {
			return true
		}
	}
	return false
}
