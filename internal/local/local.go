// Package local generates and distributes short-distance truck trips
// inside the study area.
package local

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/balance"
	"trucksynth/internal/config"
	"trucksynth/internal/metrics"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

const (
	TableLocalTrips = "local_trips"

	attrPopulation = "POP"

	suffixAnywhere = "_ANYWHERE"
	codeConstant   = "CONS"
	codeDensity    = "DENS"
)

// Area types of the zone system.
const (
	Urban    = 1
	Suburban = 2
	Rural    = 3
)

var areaSuffix = map[int]string{Urban: "_URB", Suburban: "_SUB", Rural: "_RUR"}

// Classes are the truck classes of the local model.
var Classes = []model.TruckClass{model.SUT, model.MUT, model.CV}

// TripRates holds, per class, the rate of every variable code. Codes carry
// an area-type suffix (_URB, _SUB, _RUR or _ANYWHERE).
type TripRates map[model.TruckClass]map[string]float64

// Topology is the zone system with per-zone records.
type Topology interface {
	zones.Topology
	Record(z model.ZoneID) (zones.ZoneRecord, bool)
}

// Generator computes zonal truck productions.
type Generator struct {
	Activity  zones.Activity
	StudyArea []config.Range
	Log       logrus.FieldLogger
}

// Productions returns one production per record. Zones outside the study
// area or without population or employment produce nothing. With logForm
// the terms are summed as rate*ln(value) and the production is exp(sum).
func (g Generator) Productions(recs []zones.ZoneRecord, rates map[string]float64, logForm bool) []float64 {
	out := make([]float64, len(recs))
	for i, r := range recs {
		if !g.active(r) {
			continue
		}
		var sum float64
		for code, rate := range rates {
			item, ok := applies(code, r.AreaType)
			if !ok {
				continue
			}
			sum += g.term(r, item, rate, logForm)
		}
		p := sum
		if logForm {
			p = math.Exp(sum)
		}
		if sum < 0 {
			g.Log.WithFields(logrus.Fields{"zone": r.Zone, "production": sum}).Error("negative trip production set to 0")
			p = 0
		}
		out[i] = p
	}
	return out
}

func (g Generator) active(r zones.ZoneRecord) bool {
	if len(g.StudyArea) > 0 && !config.InRanges(int(r.County), g.StudyArea) {
		return false
	}
	return zones.ValueOr(g.Activity, attrPopulation, r.Zone, 0) > 0 &&
		zones.ValueOr(g.Activity, zones.TotalEmployment, r.Zone, 0) > 0
}

// applies strips the area suffix from code and reports whether the rate
// is used in a zone of the given area type.
func applies(code string, areaType int) (string, bool) {
	if strings.Contains(code, suffixAnywhere) {
		return strings.Replace(code, suffixAnywhere, "", 1), true
	}
	want, ok := areaSuffix[areaType]
	if !ok || !strings.Contains(code, want) {
		return "", false
	}
	return strings.Replace(code, want, "", 1), true
}

func (g Generator) term(r zones.ZoneRecord, item string, rate float64, logForm bool) float64 {
	switch {
	case strings.Contains(item, codeConstant):
		return rate
	case strings.Contains(item, codeDensity):
		if r.Area <= 0 {
			return 0
		}
		v := zones.ValueOr(g.Activity, strings.Replace(item, codeDensity, "", 1), r.Zone, 0)
		return v / r.Area * rate
	}
	v := zones.ValueOr(g.Activity, item, r.Zone, 0)
	if !logForm {
		return rate * v
	}
	if v <= 0 {
		return 0
	}
	return rate * math.Log(v)
}

// Model is the local truck model.
type Model struct {
	Topo     Topology
	Gen      Generator
	Rates    TripRates
	Cfg      config.Local
	Balancer config.Balancer
	Log      logrus.FieldLogger
}

// Result holds the productions and the distributed table.
type Result struct {
	Zones       []model.ZoneID
	Productions map[model.TruckClass][]float64
	Table       model.TripTable
	Metrics     map[model.TruckClass]balance.Metrics
}

// Generate computes productions for every class. Attractions equal
// productions. Only SUT and MUT use log-form rates.
func (m *Model) Generate() (map[model.TruckClass][]float64, []zones.ZoneRecord) {
	zs := m.Topo.Zones()
	recs := make([]zones.ZoneRecord, len(zs))
	for i, z := range zs {
		if r, ok := m.Topo.Record(z); ok {
			recs[i] = r
		} else {
			recs[i] = zones.ZoneRecord{Zone: z}
		}
	}
	out := map[model.TruckClass][]float64{}
	for _, c := range Classes {
		logForm := m.Cfg.LogRates && c != model.CV
		out[c] = m.Gen.Productions(recs, m.Rates[c], logForm)
	}
	return out, recs
}

// Run generates productions and distributes each class with its own
// friction parameter. Classes are balanced concurrently.
func (m *Model) Run(ctx context.Context) (*Result, error) {
	prod, _ := m.Generate()
	dist := zones.DistanceMatrix(m.Topo)
	res := &Result{
		Zones:       m.Topo.Zones(),
		Productions: prod,
		Table:       model.TripTable{Name: TableLocalTrips, Trips: map[model.TruckClass]*mat.Dense{}, Totals: map[model.TruckClass]float64{}},
		Metrics:     map[model.TruckClass]balance.Metrics{},
	}
	for _, z := range res.Zones {
		res.Table.Zones = append(res.Table.Zones, int(z))
	}
	if len(res.Zones) == 0 {
		return nil, fmt.Errorf("local: empty zone system")
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range Classes {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			opt := balance.GravityOptions{
				Gamma:         m.Cfg.Gamma[string(c)],
				Cutoff:        m.Cfg.Cutoff,
				MinDistance:   m.Cfg.MinDistance,
				MaxIterations: m.Balancer.MaxIterations,
				Tolerance:     m.Cfg.Tolerance,
			}
			trips, met, err := balance.Distribute(prod[c], prod[c], dist, opt)
			if err != nil {
				return fmt.Errorf("local: distribute %s: %w", c, err)
			}
			metrics.ObserveBalance("gravity", met.Iterations, met.Converged)
			if !met.Converged {
				m.Log.WithFields(logrus.Fields{"class": c, "iterations": met.Iterations, "rowErr": met.MaxRowError, "colErr": met.MaxColError}).
					Warn("gravity distribution did not converge")
			}
			mu.Lock()
			defer mu.Unlock()
			res.Table.Trips[c] = trips
			res.Table.Totals[c] = mat.Sum(trips)
			res.Metrics[c] = met
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for c, v := range res.Table.Totals {
		metrics.Trips.WithLabelValues("local", TableLocalTrips, string(c)).Set(v)
	}
	m.Log.WithFields(logrus.Fields{
		"SUT": res.Table.Totals[model.SUT], "MUT": res.Table.Totals[model.MUT], "CV": res.Table.Totals[model.CV],
	}).Info("local truck trips distributed")
	return res, nil
}
