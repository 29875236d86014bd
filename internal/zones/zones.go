package zones

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

// ErrUnmappedZone is returned when a fine zone has no county. It is fatal.
var ErrUnmappedZone = errors.New("zone has no county")

// Unknown is the distance returned for pairs missing from the skim.
const Unknown = -1.0

// Topology is the read-only zone hierarchy and distance skim.
type Topology interface {
	Zones() []model.ZoneID
	Index(z model.ZoneID) (int, bool)
	FineZonesOf(c model.CountyID) []model.ZoneID
	CountyOf(z model.ZoneID) (model.CountyID, bool)
	CountiesOf(cz model.CoarseZoneID) []model.CountyID
	CoarseZoneOf(c model.CountyID) (model.CoarseZoneID, bool)
	Distance(a, b model.ZoneID) (float64, bool)
	CountyDistance(a, b model.CountyID) (float64, bool)
}

// ZoneRecord is one row of the zone system.
type ZoneRecord struct {
	Zone       model.ZoneID
	County     model.CountyID
	CoarseZone model.CoarseZoneID
	AreaType   int
	Area       float64
}

type pair[T comparable] struct{ a, b T }

// System is the in-memory Topology. It is immutable after Build.
type System struct {
	zones      []model.ZoneID
	index      map[model.ZoneID]int
	county     map[model.ZoneID]model.CountyID
	records    map[model.ZoneID]ZoneRecord
	byCounty   map[model.CountyID][]model.ZoneID
	coarse     map[model.CountyID]model.CoarseZoneID
	byCoarse   map[model.CoarseZoneID][]model.CountyID
	dist       map[pair[model.ZoneID]]float64
	countyDist map[pair[model.CountyID]]float64
}

// Builder collects records before freezing them into a System.
type Builder struct {
	records  []ZoneRecord
	counties map[model.CountyID]model.CoarseZoneID
	dist     map[pair[model.ZoneID]]float64
	cdist    map[pair[model.CountyID]]float64
}

func NewBuilder() *Builder {
	return &Builder{
		counties: map[model.CountyID]model.CoarseZoneID{},
		dist:     map[pair[model.ZoneID]]float64{},
		cdist:    map[pair[model.CountyID]]float64{},
	}
}

// AddZone registers a fine zone and its county/coarse parents.
func (b *Builder) AddZone(r ZoneRecord) *Builder {
	b.records = append(b.records, r)
	if _, ok := b.counties[r.County]; !ok {
		b.counties[r.County] = r.CoarseZone
	}
	return b
}

// AddCounty registers a county without fine zones of its own, e.g. a county
// that is only present in the regional model.
func (b *Builder) AddCounty(c model.CountyID, cz model.CoarseZoneID) *Builder {
	b.counties[c] = cz
	return b
}

func (b *Builder) SetDistance(a, c model.ZoneID, d float64) *Builder {
	b.dist[pair[model.ZoneID]{a, c}] = d
	return b
}

func (b *Builder) SetCountyDistance(a, c model.CountyID, d float64) *Builder {
	b.cdist[pair[model.CountyID]{a, c}] = d
	return b
}

// Build freezes the zone system. Zones are ordered by ID.
func (b *Builder) Build() (*System, error) {
	s := &System{
		index:      map[model.ZoneID]int{},
		county:     map[model.ZoneID]model.CountyID{},
		records:    map[model.ZoneID]ZoneRecord{},
		byCounty:   map[model.CountyID][]model.ZoneID{},
		coarse:     map[model.CountyID]model.CoarseZoneID{},
		byCoarse:   map[model.CoarseZoneID][]model.CountyID{},
		dist:       b.dist,
		countyDist: b.cdist,
	}
	for _, r := range b.records {
		if _, dup := s.records[r.Zone]; dup {
			return nil, fmt.Errorf("zones: duplicate zone %d", r.Zone)
		}
		if r.County == 0 {
			return nil, fmt.Errorf("zones: zone %d: %w", r.Zone, ErrUnmappedZone)
		}
		s.records[r.Zone] = r
		s.zones = append(s.zones, r.Zone)
		s.county[r.Zone] = r.County
		s.byCounty[r.County] = append(s.byCounty[r.County], r.Zone)
	}
	sort.Slice(s.zones, func(i, j int) bool { return s.zones[i] < s.zones[j] })
	for i, z := range s.zones {
		s.index[z] = i
	}
	for c, zs := range s.byCounty {
		sort.Slice(zs, func(i, j int) bool { return zs[i] < zs[j] })
		s.byCounty[c] = zs
	}
	for c, cz := range b.counties {
		s.coarse[c] = cz
		s.byCoarse[cz] = append(s.byCoarse[cz], c)
	}
	for cz, cs := range s.byCoarse {
		sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
		s.byCoarse[cz] = cs
	}
	return s, nil
}

func (s *System) Zones() []model.ZoneID { return s.zones }

func (s *System) Index(z model.ZoneID) (int, bool) {
	i, ok := s.index[z]
	return i, ok
}

func (s *System) FineZonesOf(c model.CountyID) []model.ZoneID { return s.byCounty[c] }

func (s *System) CountyOf(z model.ZoneID) (model.CountyID, bool) {
	c, ok := s.county[z]
	return c, ok
}

func (s *System) CountiesOf(cz model.CoarseZoneID) []model.CountyID { return s.byCoarse[cz] }

func (s *System) CoarseZoneOf(c model.CountyID) (model.CoarseZoneID, bool) {
	cz, ok := s.coarse[c]
	return cz, ok
}

// Counties returns every county ordered by code.
func (s *System) Counties() []model.CountyID {
	out := make([]model.CountyID, 0, len(s.coarse))
	for c := range s.coarse {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record returns the attributes of a fine zone.
func (s *System) Record(z model.ZoneID) (ZoneRecord, bool) {
	r, ok := s.records[z]
	return r, ok
}

// Distance returns the truck distance between two zones. Intrazonal pairs
// without an explicit value are 0.
func (s *System) Distance(a, b model.ZoneID) (float64, bool) {
	if d, ok := s.dist[pair[model.ZoneID]{a, b}]; ok {
		return d, true
	}
	if a == b {
		return 0, true
	}
	return Unknown, false
}

func (s *System) CountyDistance(a, b model.CountyID) (float64, bool) {
	if d, ok := s.countyDist[pair[model.CountyID]{a, b}]; ok {
		return d, true
	}
	if a == b {
		return 0, true
	}
	return Unknown, false
}

// DistanceMatrix returns distances in the topology's zone order. Unknown
// pairs carry the Unknown sentinel.
func DistanceMatrix(t Topology) *mat.Dense {
	zs := t.Zones()
	if len(zs) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(zs), len(zs), nil)
	for i, a := range zs {
		for j, b := range zs {
			d, _ := t.Distance(a, b)
			out.Set(i, j, d)
		}
	}
	return out
}
