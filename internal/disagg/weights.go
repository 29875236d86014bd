package disagg

import (
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

// WeightKey identifies the weight vector of a county for one commodity and
// direction.
type WeightKey struct {
	County    model.CountyID
	Commodity model.Commodity
	Direction model.Direction
}

// ZoneWeights are raw (unnormalised) weights over a county's fine zones.
type ZoneWeights struct {
	Zones  []model.ZoneID
	Values []float64
	// Fallback records which rule produced the values.
	Fallback string
}

// Total returns the sum of the raw weights.
func (w ZoneWeights) Total() float64 { return floats.Sum(w.Values) }

type coefKey struct {
	Industry  string
	Commodity model.Commodity
	Direction model.Direction
}

// Coefficients are make/use coefficients: how strongly an industry produces
// or consumes a commodity.
type Coefficients struct {
	industries map[string]struct{}
	values     map[coefKey]float64
}

func NewCoefficients() *Coefficients {
	return &Coefficients{industries: map[string]struct{}{}, values: map[coefKey]float64{}}
}

func (c *Coefficients) Set(industry string, com model.Commodity, dir model.Direction, v float64) *Coefficients {
	c.industries[industry] = struct{}{}
	c.values[coefKey{industry, com, dir}] = v
	return c
}

func (c *Coefficients) Get(industry string, com model.Commodity, dir model.Direction) (float64, bool) {
	v, ok := c.values[coefKey{industry, com, dir}]
	return v, ok
}

// Industries returns the industries with at least one coefficient.
func (c *Coefficients) Industries() []string {
	out := make([]string, 0, len(c.industries))
	for i := range c.industries {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

// CountyLister is implemented by topologies that can enumerate counties.
type CountyLister interface {
	Counties() []model.CountyID
}

// WeightTable holds the zone weights of every county and the raw county
// totals used for the coarse zone to county split. It is read-only once
// built and safe for concurrent readers.
type WeightTable struct {
	m map[WeightKey]ZoneWeights
	// county is the industry-weighted sum before any fallback.
	county map[WeightKey]float64
	emp    map[model.CountyID]float64
}

// Lookup returns the weights for key.
func (t *WeightTable) Lookup(key WeightKey) (ZoneWeights, bool) {
	w, ok := t.m[key]
	return w, ok
}

// Len is the number of weight vectors.
func (t *WeightTable) Len() int { return len(t.m) }

// CountyWeights returns the counties of a coarse zone accepted by keep (all
// when keep is nil) and their weights for the commodity and direction.
// Counties are weighed by their industry sums. Only when every kept county
// sums to zero does the split fall back to total employment, then to equal
// shares; fallback names the rule used.
func (t *WeightTable) CountyWeights(topo zones.Topology, cz model.CoarseZoneID, com model.Commodity, dir model.Direction, keep func(model.CountyID) bool) (counties []model.CountyID, w []float64, fallback string) {
	for _, c := range topo.CountiesOf(cz) {
		if keep == nil || keep(c) {
			counties = append(counties, c)
		}
	}
	w = make([]float64, len(counties))
	for i, c := range counties {
		w[i] = t.county[WeightKey{c, com, dir}]
	}
	if floats.Sum(w) > 0 {
		return counties, w, ""
	}
	for i, c := range counties {
		w[i] = t.emp[c]
	}
	if floats.Sum(w) > 0 {
		return counties, w, zones.TotalEmployment
	}
	for i := range w {
		w[i] = 1
	}
	return counties, w, "uniform"
}

// industrySum is the sum over industries of activity x coefficient.
func industrySum(value func(ind string) float64, coef *Coefficients, industries []string, com model.Commodity, dir model.Direction) float64 {
	var s float64
	for _, ind := range industries {
		c, ok := coef.Get(ind, com, dir)
		if !ok || c == 0 {
			continue
		}
		s += value(ind) * c
	}
	return s
}

// BuildWeights computes, for every county with fine zones, commodity and
// direction, the weight of each zone as the sum over industries of
// activity x coefficient. Zero sums fall back to total employment, then to
// equal shares. Counties without fine zones are weighed from countyAct,
// which may be nil.
func BuildWeights(topo interface {
	zones.Topology
	CountyLister
}, act zones.Activity, countyAct zones.CountyActivity, coef *Coefficients, commodities []model.Commodity, log logrus.FieldLogger) *WeightTable {
	t := &WeightTable{
		m:      map[WeightKey]ZoneWeights{},
		county: map[WeightKey]float64{},
		emp:    map[model.CountyID]float64{},
	}
	dirs := []model.Direction{model.Make, model.Use}
	industries := coef.Industries()
	for _, county := range topo.Counties() {
		zs := topo.FineZonesOf(county)
		if len(zs) == 0 {
			if countyAct == nil {
				continue
			}
			value := func(ind string) float64 {
				v, _ := countyAct.CountyValue(ind, county)
				return v
			}
			t.emp[county] = value(zones.TotalEmployment)
			for _, com := range commodities {
				for _, dir := range dirs {
					t.county[WeightKey{county, com, dir}] = industrySum(value, coef, industries, com, dir)
				}
			}
			continue
		}
		totemp := make([]float64, len(zs))
		for i, z := range zs {
			totemp[i] = zones.ValueOr(act, zones.TotalEmployment, z, 0)
		}
		t.emp[county] = floats.Sum(totemp)
		for _, com := range commodities {
			for _, dir := range dirs {
				vals := make([]float64, len(zs))
				for i, z := range zs {
					vals[i] = industrySum(func(ind string) float64 { return zones.ValueOr(act, ind, z, 0) }, coef, industries, com, dir)
				}
				key := WeightKey{county, com, dir}
				t.county[key] = floats.Sum(vals)
				zw := ZoneWeights{Zones: zs, Values: vals}
				if t.county[key] <= 0 {
					if t.emp[county] > 0 {
						zw.Values = append([]float64(nil), totemp...)
						zw.Fallback = zones.TotalEmployment
					} else {
						zw.Values = make([]float64, len(zs))
						for i := range zw.Values {
							zw.Values[i] = 1
						}
						zw.Fallback = "uniform"
						if len(zs) > 1 {
							log.WithFields(logrus.Fields{"county": county, "commodity": com, "direction": dir}).
								Warn("no employment in county, using equal zone shares")
						}
					}
				}
				t.m[key] = zw
			}
		}
	}
	return t
}
