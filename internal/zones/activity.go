package zones

import (
	"sort"

	"trucksynth/internal/model"
)

// TotalEmployment is the attribute used when industry weights sum to zero.
const TotalEmployment = "TOTEMP"

// Activity exposes zonal socio-economic attributes (employment by industry,
// population, area).
type Activity interface {
	Value(attr string, z model.ZoneID) (float64, bool)
}

// ValueOr returns the attribute or def when it is missing.
func ValueOr(a Activity, attr string, z model.ZoneID, def float64) float64 {
	if v, ok := a.Value(attr, z); ok {
		return v
	}
	return def
}

// Table is the in-memory Activity keyed by attribute then zone.
type Table struct {
	values map[string]map[model.ZoneID]float64
}

func NewTable() *Table { return &Table{values: map[string]map[model.ZoneID]float64{}} }

func (t *Table) Set(attr string, z model.ZoneID, v float64) *Table {
	m := t.values[attr]
	if m == nil {
		m = map[model.ZoneID]float64{}
		t.values[attr] = m
	}
	m[z] = v
	return t
}

func (t *Table) Value(attr string, z model.ZoneID) (float64, bool) {
	m, ok := t.values[attr]
	if !ok {
		return 0, false
	}
	v, ok := m[z]
	return v, ok
}

// Attributes lists the loaded attribute names.
func (t *Table) Attributes() []string {
	out := make([]string, 0, len(t.values))
	for a := range t.values {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// CountyActivity exposes attributes of counties that have no fine zones,
// such as ports of entry and counties outside the modelled area.
type CountyActivity interface {
	CountyValue(attr string, c model.CountyID) (float64, bool)
}

// CountyTable is the in-memory CountyActivity.
type CountyTable struct {
	values map[string]map[model.CountyID]float64
}

func NewCountyTable() *CountyTable {
	return &CountyTable{values: map[string]map[model.CountyID]float64{}}
}

func (t *CountyTable) Set(attr string, c model.CountyID, v float64) *CountyTable {
	m := t.values[attr]
	if m == nil {
		m = map[model.CountyID]float64{}
		t.values[attr] = m
	}
	m[c] = v
	return t
}

func (t *CountyTable) CountyValue(attr string, c model.CountyID) (float64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t.values[attr][c]
	return v, ok
}
