package disagg

import (
	"trucksynth/internal/config"
	"trucksynth/internal/model"
)

// Rules drop flows that cannot travel on the highway network.
type Rules struct {
	CountyRanges []config.Range
	Disconnected map[model.CoarseZoneID]bool
}

// RulesFromConfig builds the exclusion rules.
func RulesFromConfig(c config.Exclusions) Rules {
	r := Rules{CountyRanges: c.CountyRanges, Disconnected: map[model.CoarseZoneID]bool{}}
	for _, cz := range c.Disconnected {
		r.Disconnected[model.CoarseZoneID(cz)] = true
	}
	return r
}

// ExcludedCounty reports whether a county lies in an excluded range.
func (r Rules) ExcludedCounty(c model.CountyID) bool {
	return config.InRanges(int(c), r.CountyRanges)
}

// ExcludedPair reports whether a coarse zone pair crosses a gap in the
// network. Flows inside a disconnected zone stay.
func (r Rules) ExcludedPair(o, d model.CoarseZoneID) bool {
	if o == d {
		return false
	}
	return r.Disconnected[o] || r.Disconnected[d]
}
