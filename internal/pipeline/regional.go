package pipeline

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

// RunRegional builds the county-level truck table. Flows stop after the
// first split stage and travel on county-to-county distances.
func (p *Pipeline) RunRegional(ctx context.Context) (*Result, error) {
	counties := p.Topo.Counties()
	keys := make([]int, len(counties))
	index := make(map[model.CountyID]int, len(counties))
	for i, c := range counties {
		keys[i] = int(c)
		index[c] = i
	}
	dist := countyDistances(p.Topo, counties)
	p.dayFactor = p.Cfg.Scaling.RegionalFactor()

	flow := func(com model.Commodity, rec model.FlowRecord, acc accumulator) error {
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
				v := cells[i][j]
				if v <= 0 {
					continue
				}
				d, ok := p.Topo.CountyDistance(oc, dc)
				if !ok {
					p.skips.add(skipUnknownDist)
					continue
				}
				if d < p.Cfg.MinDistance {
					p.skips.add(skipMinDistance)
					continue
				}
				acc.add(index[oc], index[dc], p.daily(com, d, v))
			}
		}
		return nil
	}
	return p.run(ctx, ModelRegional, TableCountyTrips, keys, dist, flow)
}

func countyDistances(topo Topology, counties []model.CountyID) *mat.Dense {
	if len(counties) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(counties), len(counties), nil)
	for i, a := range counties {
		for j, b := range counties {
			d, _ := topo.CountyDistance(a, b)
			out.Set(i, j, d)
		}
	}
	return out
}
