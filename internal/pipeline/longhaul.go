package pipeline

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/balance"
	"trucksynth/internal/disagg"
	"trucksynth/internal/events"
	"trucksynth/internal/matrix"
	"trucksynth/internal/metrics"
	"trucksynth/internal/model"
	"trucksynth/internal/trucks"
	"trucksynth/internal/zones"
)

const (
	ModelLongHaul = "longhaul"
	ModelRegional = "regional"

	TableZoneTrips   = "zone_trips"
	TableCountyTrips = "county_trips"
)

// accumulator holds the loaded daily trucks of a run.
type accumulator struct {
	sut, mut *matrix.Shared
}

func newAccumulator(n int) accumulator {
	return accumulator{sut: matrix.NewShared(n), mut: matrix.NewShared(n)}
}

func (a accumulator) add(i, j int, t trucks.Trucks) {
	a.sut.Add(i, j, t.SUT)
	a.mut.Add(i, j, t.MUT)
}

// rowBatch collects the direct cells of one origin row.
type rowBatch struct {
	cols     []int
	sut, mut []float64
}

func (b *rowBatch) reset() {
	b.cols, b.sut, b.mut = b.cols[:0], b.sut[:0], b.mut[:0]
}

func (b *rowBatch) add(j int, t trucks.Trucks) {
	b.cols = append(b.cols, j)
	b.sut = append(b.sut, t.SUT)
	b.mut = append(b.mut, t.MUT)
}

func (a accumulator) addRow(i int, b *rowBatch) {
	if len(b.cols) == 0 {
		return
	}
	a.sut.AddRow(i, b.cols, b.sut)
	a.mut.AddRow(i, b.cols, b.mut)
}

type flowFunc func(com model.Commodity, rec model.FlowRecord, acc accumulator) error

// RunLongHaul builds the fine-zone long-distance truck table: coarse flows
// are split to counties, then to zones, converted into daily trucks and
// finally completed with empty trucks.
func (p *Pipeline) RunLongHaul(ctx context.Context) (*Result, error) {
	keys := make([]int, 0, len(p.Topo.Zones()))
	for _, z := range p.Topo.Zones() {
		keys = append(keys, int(z))
	}
	p.dayFactor = p.Cfg.Scaling.AAWDTFactor
	return p.run(ctx, ModelLongHaul, TableZoneTrips, keys, zones.DistanceMatrix(p.Topo), p.longHaulFlow)
}

func (p *Pipeline) run(ctx context.Context, modelName, table string, keys []int, dist *mat.Dense, flow flowFunc) (*Result, error) {
	if len(keys) == 0 {
		return nil, errors.New("pipeline: empty zone system")
	}
	coms, err := p.commodities(ctx)
	if err != nil {
		return nil, err
	}
	p.skips = newSkipCounter(modelName)
	acc := newAccumulator(len(keys))
	p.Events.Publish(p.RunID, events.Event{Type: events.RunStarted, Data: map[string]any{"model": modelName, "commodities": len(coms)}})

	err = p.forEachCommodity(ctx, modelName, coms, func(ctx context.Context, com model.Commodity) error {
		processed := metrics.FlowsProcessed.WithLabelValues(modelName, string(com))
		tons := metrics.TonsProcessed.WithLabelValues(modelName, string(com))
		return p.Source.Flows(ctx, com, func(rec model.FlowRecord) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			processed.Inc()
			if rec.Tons > 0 {
				tons.Add(rec.Tons)
			}
			return flow(com, rec, acc)
		})
	})
	if err != nil {
		return nil, err
	}

	p.Events.Publish(p.RunID, events.Event{Type: events.StageCompleted, Data: map[string]any{
		"model": modelName, "stage": "loaded", "sut": acc.sut.Sum(), "mut": acc.mut.Sum(),
	}})
	loaded := map[model.TruckClass]*mat.Dense{model.SUT: acc.sut.Snapshot(), model.MUT: acc.mut.Snapshot()}
	rep, err := balance.AddEmptyTrucks(loaded, dist, p.emptyOptions(), p.Log)
	if err != nil {
		return nil, err
	}
	for _, m := range rep.Metrics {
		metrics.ObserveBalance("empties", m.Iterations, m.Converged)
	}
	p.Events.Publish(p.RunID, events.Event{Type: events.StageCompleted, Data: map[string]any{"model": modelName, "stage": "empties", "correctedRate": rep.CorrectedRate}})

	out := model.TripTable{Name: table, Zones: keys, Trips: loaded, Totals: map[model.TruckClass]float64{}}
	for c, m := range loaded {
		out.Totals[c] = mat.Sum(m)
		metrics.Trips.WithLabelValues(modelName, table, string(c)).Set(out.Totals[c])
	}
	logTotals(p.Log, table, out)
	return &Result{Table: out, Empties: rep, Skipped: p.skips.snapshot(), Commodities: len(coms)}, nil
}

func (p *Pipeline) longHaulFlow(com model.Commodity, rec model.FlowRecord, acc accumulator) error {
	if p.rules.ExcludedPair(rec.Origin, rec.Dest) {
		p.skips.add(skipDisconnected)
		return nil
	}
	tons := p.scaledTons(rec)
	if tons <= 0 {
		return nil
	}
	ocs, dcs, cells, reason, err := p.countySplit(com, rec, tons)
	if err != nil {
		return err
	}
	if ocs == nil {
		p.skips.add(reason)
		return nil
	}
	for i, oc := range ocs {
		for j, dc := range dcs {
			if cells[i][j] <= 0 {
				continue
			}
			if err := p.zoneSplit(com, oc, dc, cells[i][j], acc); err != nil {
				return err
			}
		}
	}
	return nil
}

// zoneSplit performs the second stage: county pair to zone pairs.
func (p *Pipeline) zoneSplit(com model.Commodity, oc, dc model.CountyID, tons float64, acc accumulator) error {
	ow, ok := p.Weights.Lookup(disagg.WeightKey{County: oc, Commodity: com, Direction: model.Make})
	if !ok {
		p.skips.add(skipNoZones)
		return nil
	}
	dw, ok := p.Weights.Lookup(disagg.WeightKey{County: dc, Commodity: com, Direction: model.Use})
	if !ok {
		p.skips.add(skipNoZones)
		return nil
	}
	d, err := disagg.Split(tons, ow.Values, dw.Values)
	if err != nil {
		return fmt.Errorf("zone split %d-%d: %w", oc, dc, err)
	}
	if p.Cfg.CheckMass {
		if err := disagg.CheckMass(tons, d, p.Cfg.MassTol); err != nil {
			return fmt.Errorf("zone split %d-%d: %w", oc, dc, err)
		}
	}
	var row rowBatch
	for a, oz := range ow.Zones {
		oi, _ := p.Topo.Index(oz)
		row.reset()
		for b, dz := range dw.Zones {
			v := d.At(a, b)
			if v <= 0 {
				continue
			}
			dist, ok := p.Topo.Distance(oz, dz)
			if !ok {
				p.skips.add(skipUnknownDist)
				continue
			}
			if dist < p.Cfg.MinDistance {
				p.skips.add(skipMinDistance)
				continue
			}
			di, _ := p.Topo.Index(dz)
			if rest := p.routeDCs(com, oz, oi, dz, di, v, acc); rest > 0 {
				row.add(di, p.daily(com, dist, rest))
			}
		}
		acc.addRow(oi, &row)
	}
	return nil
}

// routeDCs diverts the commodity's DC share of tons bound for dz through
// the destination's distribution centers and returns what stays on the
// direct pair. Each DC leg is converted with its own distance. Tons that
// cannot be routed stay direct.
func (p *Pipeline) routeDCs(com model.Commodity, oz model.ZoneID, oi int, dz model.ZoneID, di int, tons float64, acc accumulator) float64 {
	if p.DCs == nil {
		return tons
	}
	share := p.DCs.Share(com)
	if share <= 0 {
		return tons
	}
	sites := p.DCs.Sites(dz)
	if len(sites) == 0 {
		return tons
	}
	var routed float64
	for k, part := range Allocate(share*tons, sites) {
		site := sites[k].Zone
		si, ok := p.Topo.Index(site)
		if !ok || part <= 0 {
			continue
		}
		d1, ok1 := p.Topo.Distance(oz, site)
		d2, ok2 := p.Topo.Distance(site, dz)
		if !ok1 || !ok2 {
			continue
		}
		acc.add(oi, si, p.daily(com, d1, part))
		acc.add(si, di, p.daily(com, d2, part))
		routed += part
	}
	return tons - routed
}
