// Package pipeline runs the commodity flow models: coarse-zone tonnage is
// disaggregated, converted into trucks and accumulated per zone pair, one
// commodity per worker.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trucksynth/internal/balance"
	"trucksynth/internal/config"
	"trucksynth/internal/disagg"
	"trucksynth/internal/events"
	"trucksynth/internal/metrics"
	"trucksynth/internal/model"
	"trucksynth/internal/store"
	"trucksynth/internal/trucks"
	"trucksynth/internal/zones"
)

// Topology is the zone system with county enumeration.
type Topology interface {
	zones.Topology
	disagg.CountyLister
}

// Pipeline holds the read-only inputs of a run. All of them must be fully
// built before Run starts; workers only read them.
type Pipeline struct {
	Topo    Topology
	Weights *disagg.WeightTable
	Conv    *trucks.Converter
	Source  store.FlowSource
	Cfg     config.Config
	// DCs enables routing through distribution centers when non-nil.
	DCs    *DCIndex
	Events events.Broker
	RunID  string
	Log    logrus.FieldLogger

	rules  disagg.Rules
	scaler map[string]float64
	skips  *skipCounter
	// dayFactor turns annual into daily trucks together with DaysPerYear;
	// each model sets its own before the workers start.
	dayFactor float64
}

func New(topo Topology, weights *disagg.WeightTable, conv *trucks.Converter, src store.FlowSource, cfg config.Config, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		Topo:    topo,
		Weights: weights,
		Conv:    conv,
		Source:  src,
		Cfg:     cfg,
		Events:  events.Discard{},
		Log:     log,
		rules:   disagg.RulesFromConfig(cfg.Exclusions),
		scaler:  cfg.Scaler(),

		dayFactor: cfg.Scaling.AAWDTFactor,
	}
}

// Result is the output of a model run.
type Result struct {
	Table       model.TripTable
	Empties     balance.EmptyReport
	Skipped     map[string]int64
	Commodities int
}

// Totals flattens the table totals for run bookkeeping.
func (r *Result) Totals() map[string]float64 {
	out := map[string]float64{}
	for c, v := range r.Table.Totals {
		out[r.Table.Name+"."+string(c)] = v
	}
	return out
}

// Skip reasons.
const (
	skipExcludedRegion = "excluded_region"
	skipDisconnected   = "disconnected"
	skipUnknownZone    = "unknown_zone"
	skipNoZones        = "county_without_zones"
	skipUnknownDist    = "unknown_distance"
	skipMinDistance    = "min_distance"
)

type skipCounter struct {
	model string
	mu    sync.Mutex
	n     map[string]int64
}

func newSkipCounter(modelName string) *skipCounter {
	return &skipCounter{model: modelName, n: map[string]int64{}}
}

func (s *skipCounter) add(reason string) {
	s.mu.Lock()
	s.n[reason]++
	s.mu.Unlock()
	metrics.FlowsSkipped.WithLabelValues(s.model, reason).Inc()
}

func (s *skipCounter) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.n))
	for k, v := range s.n {
		out[k] = v
	}
	return out
}

// forEachCommodity processes commodities concurrently with at most
// Cfg.Workers in flight. The first error cancels the remaining work and is
// returned.
func (p *Pipeline) forEachCommodity(ctx context.Context, modelName string, coms []model.Commodity, fn func(ctx context.Context, com model.Commodity) error) error {
	workers := p.Cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, com := range coms {
		com := com
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			if err := fn(gctx, com); err != nil {
				return fmt.Errorf("commodity %s: %w", com, err)
			}
			metrics.CommodityDuration.WithLabelValues(modelName).Observe(time.Since(start).Seconds())
			p.Events.Publish(p.RunID, events.Event{Type: events.CommodityCompleted, Data: map[string]any{
				"model": modelName, "commodity": string(com), "seconds": time.Since(start).Seconds(),
			}})
			return nil
		})
	}
	return g.Wait()
}

// countySplit performs the first stage: coarse zone pair to county pairs.
// Counties in excluded ranges are removed before splitting so their share
// stays with the connected counties. A nil result means nothing is left to
// split; reason tells why.
func (p *Pipeline) countySplit(com model.Commodity, rec model.FlowRecord, tons float64) (oc, dc []model.CountyID, cells [][]float64, reason string, err error) {
	keep := func(c model.CountyID) bool { return !p.rules.ExcludedCounty(c) }
	if len(p.Topo.CountiesOf(rec.Origin)) == 0 || len(p.Topo.CountiesOf(rec.Dest)) == 0 {
		return nil, nil, nil, skipUnknownZone, nil
	}
	oc, ow, ofb := p.Weights.CountyWeights(p.Topo, rec.Origin, com, model.Make, keep)
	dc, dw, dfb := p.Weights.CountyWeights(p.Topo, rec.Dest, com, model.Use, keep)
	if len(oc) == 0 || len(dc) == 0 {
		return nil, nil, nil, skipExcludedRegion, nil
	}
	if ofb != "" || dfb != "" {
		p.Log.WithFields(logrus.Fields{"commodity": com, "origin": rec.Origin, "dest": rec.Dest, "originWeights": ofb, "destWeights": dfb}).
			Debug("no industry weights in coarse zone, using fallback")
	}
	d, err := disagg.Split(tons, ow, dw)
	if err != nil {
		return nil, nil, nil, "", err
	}
	if p.Cfg.CheckMass {
		if err := disagg.CheckMass(tons, d, p.Cfg.MassTol); err != nil {
			return nil, nil, nil, "", fmt.Errorf("county split %d-%d: %w", rec.Origin, rec.Dest, err)
		}
	}
	cells = make([][]float64, len(oc))
	for i := range oc {
		cells[i] = make([]float64, len(dc))
		for j := range dc {
			cells[i][j] = d.At(i, j)
		}
	}
	return oc, dc, cells, "", nil
}

// scaledTons applies the global and coarse-pair scaling factors.
func (p *Pipeline) scaledTons(rec model.FlowRecord) float64 {
	f := p.Cfg.Scaling.Global
	if s, ok := p.scaler[fmt.Sprintf("%d_%d", rec.Origin, rec.Dest)]; ok {
		f *= s
	}
	return rec.Tons * f
}

func (p *Pipeline) daily(com model.Commodity, dist, tons float64) trucks.Trucks {
	return trucks.Daily(p.Conv.Convert(com, dist, tons), p.dayFactor)
}

func (p *Pipeline) emptyOptions() balance.EmptyOptions {
	return balance.EmptyOptions{
		RatePct:       p.Cfg.Empties.RatePct,
		Friction:      p.Cfg.Empties.Friction,
		MaxIterations: p.Cfg.Balancer.MaxIterations,
		Tolerance:     p.Cfg.Balancer.Tolerance,
	}
}

func (p *Pipeline) commodities(ctx context.Context) ([]model.Commodity, error) {
	coms, err := p.Source.Commodities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list commodities: %w", err)
	}
	sort.Slice(coms, func(i, j int) bool { return coms[i] < coms[j] })
	return coms, nil
}

func logTotals(log logrus.FieldLogger, name string, t model.TripTable) {
	f := logrus.Fields{"table": name}
	for c, v := range t.Totals {
		f[string(c)] = v
	}
	log.WithFields(f).Info("trip table finished")
}
