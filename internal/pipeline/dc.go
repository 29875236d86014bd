package pipeline

import (
	"sort"

	"trucksynth/internal/config"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

// DCIndex lists the distribution centers serving each destination zone.
type DCIndex struct {
	byZone map[model.ZoneID][]model.Facility
	share  map[model.Commodity]float64
}

// BuildDCIndex assigns every zone of the study area the facilities within
// cfg.Radius. Zones with fewer than cfg.MinSites such facilities are topped
// up with the nearest remaining ones. Facilities outside the zone system
// are ignored.
func BuildDCIndex(topo zones.Topology, facilities []model.Facility, cfg config.DistributionCenters) *DCIndex {
	idx := &DCIndex{byZone: map[model.ZoneID][]model.Facility{}, share: map[model.Commodity]float64{}}
	for com, s := range cfg.Share {
		idx.share[model.Commodity(com)] = s
	}
	var known []model.Facility
	for _, f := range facilities {
		if _, ok := topo.Index(f.Zone); ok {
			known = append(known, f)
		}
	}
	if len(known) == 0 {
		return idx
	}
	type cand struct {
		f model.Facility
		d float64
	}
	for _, z := range topo.Zones() {
		if len(cfg.StudyArea) > 0 {
			c, ok := topo.CountyOf(z)
			if !ok || !config.InRanges(int(c), cfg.StudyArea) {
				continue
			}
		}
		var near []model.Facility
		var far []cand
		for _, f := range known {
			d, ok := topo.Distance(z, f.Zone)
			if !ok {
				continue
			}
			if d <= cfg.Radius {
				near = append(near, f)
			} else {
				far = append(far, cand{f, d})
			}
		}
		if len(near) < cfg.MinSites {
			sort.SliceStable(far, func(i, j int) bool { return far[i].d < far[j].d })
			for _, c := range far {
				if len(near) >= cfg.MinSites {
					break
				}
				near = append(near, c.f)
			}
		}
		if len(near) > 0 {
			idx.byZone[z] = near
		}
	}
	return idx
}

// Sites returns the facilities serving zone z.
func (d *DCIndex) Sites(z model.ZoneID) []model.Facility { return d.byZone[z] }

// Share is the share of a commodity's tons routed through a DC.
func (d *DCIndex) Share(com model.Commodity) float64 { return d.share[com] }

// Allocate splits tons across sites proportionally to facility size.
// Facilities without a size share equally.
func Allocate(tons float64, sites []model.Facility) []float64 {
	out := make([]float64, len(sites))
	var total float64
	for _, s := range sites {
		total += s.Size
	}
	for i, s := range sites {
		if total > 0 {
			out[i] = tons * s.Size / total
		} else {
			out[i] = tons / float64(len(sites))
		}
	}
	return out
}
