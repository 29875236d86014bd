// Package trucks converts annual commodity tonnage into truck counts by class.
package trucks

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"trucksynth/internal/config"
	"trucksynth/internal/model"
)

// DaysPerYear converts annual to average daily trucks.
const DaysPerYear = 365.25

// Trucks is the annual number of loaded trucks by class.
type Trucks struct {
	SUT float64
	MUT float64
}

// Total returns SUT + MUT.
func (t Trucks) Total() float64 { return t.SUT + t.MUT }

// Scale multiplies both classes by f.
func (t Trucks) Scale(f float64) Trucks { return Trucks{SUT: t.SUT * f, MUT: t.MUT * f} }

// Converter turns tons into trucks. It is read-only after construction and
// safe for concurrent use.
type Converter struct {
	payloads       map[model.Commodity]float64
	defaultPayload float64
	sutMult        float64
	mutMult        float64
	adjustPct      float64
	bands          []config.Band
	floor          float64
	log            logrus.FieldLogger
}

// New builds a converter from the truck configuration. Missing payloads
// are reported once here so conversion itself never logs.
func New(c config.Trucks, commodities []model.Commodity, log logrus.FieldLogger) (*Converter, error) {
	if c.SUTMultiplier <= 0 || c.MUTMultiplier <= 0 || c.DefaultPayload <= 0 {
		return nil, fmt.Errorf("trucks: %w: payloads must be positive", config.ErrInvalid)
	}
	if len(c.Bands) == 0 {
		return nil, fmt.Errorf("trucks: %w: no distance bands", config.ErrInvalid)
	}
	cv := &Converter{
		payloads:       map[model.Commodity]float64{},
		defaultPayload: c.DefaultPayload,
		sutMult:        c.SUTMultiplier,
		mutMult:        c.MUTMultiplier,
		adjustPct:      c.SUTAdjustmentPct,
		bands:          c.Bands,
		floor:          math.Max(c.DistanceFloor, 0),
		log:            log,
	}
	for com, p := range c.Payloads {
		if p <= 0 {
			return nil, fmt.Errorf("trucks: %w: payload for %s is %v", config.ErrInvalid, com, p)
		}
		cv.payloads[model.Commodity(com)] = p
	}
	for _, com := range commodities {
		if _, ok := cv.payloads[com]; !ok {
			log.WithField("commodity", com).Warnf("no average payload, using %.2f tons", c.DefaultPayload)
		}
	}
	return cv, nil
}

// AveragePayload returns the average tons per truck for the commodity and
// whether it was configured.
func (c *Converter) AveragePayload(com model.Commodity) (float64, bool) {
	if p, ok := c.payloads[com]; ok {
		return p, true
	}
	return c.defaultPayload, false
}

// Payloads returns the SUT and MUT payloads for the commodity.
func (c *Converter) Payloads(com model.Commodity) (sut, mut float64) {
	avg, _ := c.AveragePayload(com)
	return c.sutMult * avg, c.mutMult * avg
}

// SUTShare is the single-unit share of tons at a distance.
func (c *Converter) SUTShare(distance float64) float64 {
	d := math.Max(distance, c.floor)
	share := c.bands[len(c.bands)-1].SUTShare
	for i, b := range c.bands {
		if i == len(c.bands)-1 || d < b.UpTo {
			share = b.SUTShare
			break
		}
	}
	share *= 1 + c.adjustPct/100
	return math.Min(math.Max(share, 0), 1)
}

// Convert splits tons into SUT and MUT trucks for a trip of the given
// distance. Zero, negative and tiny distances use the configured floor.
func (c *Converter) Convert(com model.Commodity, distance, tons float64) Trucks {
	if tons <= 0 {
		return Trucks{}
	}
	share := c.SUTShare(distance)
	sutPL, mutPL := c.Payloads(com)
	return Trucks{
		SUT: tons * share / sutPL,
		MUT: tons * (1 - share) / mutPL,
	}
}

// Daily converts annual trucks into average weekday trucks.
func Daily(t Trucks, aawdt float64) Trucks {
	return t.Scale(aawdt / DaysPerYear)
}
