package csvio

import (
	"fmt"
	"io"
	"strings"

	"trucksynth/internal/disagg"
	"trucksynth/internal/local"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

// FacilityTypes are the facility types that receive routed freight.
var FacilityTypes = map[string]bool{"DC": true, "Other: mini-DC": true, "Warehouse": true}

// Column names of the trip-rate and P/A files by class.
var classColumns = map[model.TruckClass]string{
	model.MUT: "MultiUnit",
	model.SUT: "SingleUnit",
	model.CV:  "CommercialVeh",
}

// ReadZones adds the rows of a zone file (zone, county, coarseZone,
// areaType, area) to b.
func ReadZones(src io.Reader, b *zones.Builder) error {
	return readTable(src, func(r row) error {
		z, e1 := r.int("zone")
		c, e2 := r.int("county")
		cz, e3 := r.int("coarseZone")
		if err := firstErr(e1, e2, e3); err != nil {
			return err
		}
		rec := zones.ZoneRecord{Zone: model.ZoneID(z), County: model.CountyID(c), CoarseZone: model.CoarseZoneID(cz)}
		if r.has("areaType") {
			at, err := r.int("areaType")
			if err != nil {
				return err
			}
			rec.AreaType = at
		}
		if r.has("area") {
			a, err := r.float("area")
			if err != nil {
				return err
			}
			rec.Area = a
		}
		b.AddZone(rec)
		return nil
	})
}

// ReadCounties registers counties without zones (county, coarseZone).
func ReadCounties(src io.Reader, b *zones.Builder) error {
	return readTable(src, func(r row) error {
		c, e1 := r.int("county")
		cz, e2 := r.int("coarseZone")
		if err := firstErr(e1, e2); err != nil {
			return err
		}
		b.AddCounty(model.CountyID(c), model.CoarseZoneID(cz))
		return nil
	})
}

// ReadDistances reads a zone skim (orig, dest, distance).
func ReadDistances(src io.Reader, b *zones.Builder) error {
	return readTable(src, func(r row) error {
		o, d, v, err := skimRow(r)
		if err != nil {
			return err
		}
		b.SetDistance(model.ZoneID(o), model.ZoneID(d), v)
		return nil
	})
}

// ReadCountyDistances reads a county skim (orig, dest, distance).
func ReadCountyDistances(src io.Reader, b *zones.Builder) error {
	return readTable(src, func(r row) error {
		o, d, v, err := skimRow(r)
		if err != nil {
			return err
		}
		b.SetCountyDistance(model.CountyID(o), model.CountyID(d), v)
		return nil
	})
}

func skimRow(r row) (int, int, float64, error) {
	o, e1 := r.int("orig")
	d, e2 := r.int("dest")
	v, e3 := r.float("distance")
	return o, d, v, firstErr(e1, e2, e3)
}

// ReadActivity reads a wide socio-economic table: a zone column followed by
// one column per attribute.
func ReadActivity(src io.Reader) (*zones.Table, error) {
	t := zones.NewTable()
	err := readWide(src, "zone", func(attr string, id int, v float64) { t.Set(attr, model.ZoneID(id), v) })
	return t, err
}

// ReadCountyActivity reads county-level attributes (a county column followed
// by one column per attribute) for counties without fine zones.
func ReadCountyActivity(src io.Reader) (*zones.CountyTable, error) {
	t := zones.NewCountyTable()
	err := readWide(src, "county", func(attr string, id int, v float64) { t.Set(attr, model.CountyID(id), v) })
	return t, err
}

// readWide calls set for every non-empty attribute cell. Attribute names
// are upper-cased.
func readWide(src io.Reader, key string, set func(attr string, id int, v float64)) error {
	return readTable(src, func(r row) error {
		id, err := r.int(key)
		if err != nil {
			return err
		}
		for name := range r.header {
			if name == key || !r.has(name) {
				continue
			}
			v, err := r.float(name)
			if err != nil {
				return err
			}
			set(strings.ToUpper(name), id, v)
		}
		return nil
	})
}

// ReadCoefficients reads make/use coefficients (industry, commodity,
// direction, coefficient). Industry names are upper-cased to match the
// activity attributes.
func ReadCoefficients(src io.Reader) (*disagg.Coefficients, error) {
	c := disagg.NewCoefficients()
	err := readTable(src, func(r row) error {
		ind, e1 := r.str("industry")
		com, e2 := r.str("commodity")
		dir, e3 := r.str("direction")
		v, e4 := r.float("coefficient")
		if err := firstErr(e1, e2, e3, e4); err != nil {
			return err
		}
		d, err := parseDirection(dir)
		if err != nil {
			return fmt.Errorf("line %d: %w", r.line, err)
		}
		c.Set(strings.ToUpper(ind), model.Commodity(com), d, v)
		return nil
	})
	return c, err
}

func parseDirection(s string) (model.Direction, error) {
	switch strings.ToLower(s) {
	case "make":
		return model.Make, nil
	case "use":
		return model.Use, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// ReadFlows reads coarse-zone flows (commodity, origin, dest, tons and an
// optional direction).
func ReadFlows(src io.Reader) ([]model.FlowRecord, error) {
	var out []model.FlowRecord
	err := readTable(src, func(r row) error {
		com, e1 := r.str("commodity")
		o, e2 := r.int("origin")
		d, e3 := r.int("dest")
		t, e4 := r.float("tons")
		if err := firstErr(e1, e2, e3, e4); err != nil {
			return err
		}
		rec := model.FlowRecord{Commodity: model.Commodity(com), Origin: model.CoarseZoneID(o), Dest: model.CoarseZoneID(d), Tons: t}
		if r.has("direction") {
			rec.Direction, _ = r.str("direction")
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadFacilities reads facilities (id, type, zone, size, coarseZone) and
// keeps the types in FacilityTypes.
func ReadFacilities(src io.Reader) ([]model.Facility, error) {
	var out []model.Facility
	err := readTable(src, func(r row) error {
		typ, err := r.str("type")
		if err != nil {
			return err
		}
		if !FacilityTypes[typ] {
			return nil
		}
		id, e1 := r.int("id")
		z, e2 := r.int("zone")
		s, e3 := r.float("size")
		if err := firstErr(e1, e2, e3); err != nil {
			return err
		}
		f := model.Facility{ID: id, Type: typ, Zone: model.ZoneID(z), Size: s}
		if r.has("coarseZone") {
			cz, err := r.int("coarseZone")
			if err != nil {
				return err
			}
			f.CoarseZone = model.CoarseZoneID(cz)
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

// ReadTripRates reads local trip rates (Code, MultiUnit, SingleUnit,
// CommercialVeh). A missing class column leaves that class without rates.
func ReadTripRates(src io.Reader) (local.TripRates, error) {
	out := local.TripRates{}
	err := readTable(src, func(r row) error {
		code, err := r.str("code")
		if err != nil {
			return err
		}
		for class, col := range classColumns {
			if !r.has(col) {
				continue
			}
			v, err := r.float(col)
			if err != nil {
				return err
			}
			if out[class] == nil {
				out[class] = map[string]float64{}
			}
			out[class][strings.ToUpper(code)] = v
		}
		return nil
	})
	return out, err
}

// ReadExternalTrips reads station trips (from, to, sut, mut).
func ReadExternalTrips(src io.Reader) ([]model.ExternalTrip, error) {
	var out []model.ExternalTrip
	err := readTable(src, func(r row) error {
		f, e1 := r.int("from")
		t, e2 := r.int("to")
		s, e3 := r.float("sut")
		m, e4 := r.float("mut")
		if err := firstErr(e1, e2, e3, e4); err != nil {
			return err
		}
		out = append(out, model.ExternalTrip{From: f, To: t, SUT: s, MUT: m})
		return nil
	})
	return out, err
}

// ReadStations reads the station to zone correspondence (station, zone).
func ReadStations(src io.Reader) (map[int]model.ZoneID, error) {
	out := map[int]model.ZoneID{}
	err := readTable(src, func(r row) error {
		s, e1 := r.int("station")
		z, e2 := r.int("zone")
		if err := firstErr(e1, e2); err != nil {
			return err
		}
		out[s] = model.ZoneID(z)
		return nil
	})
	return out, err
}

// ReadCentroids reads the internal centroid list (zone).
func ReadCentroids(src io.Reader) (map[int]bool, error) {
	out := map[int]bool{}
	err := readTable(src, func(r row) error {
		z, err := r.int("zone")
		if err != nil {
			return err
		}
		out[z] = true
		return nil
	})
	return out, err
}

// ReadProductions reads a P/A file written by WriteProductions and aligns
// it with zs. Zones absent from the file get zero.
func ReadProductions(src io.Reader, zs []model.ZoneID) (prod, attr map[model.TruckClass][]float64, err error) {
	index := make(map[model.ZoneID]int, len(zs))
	for i, z := range zs {
		index[z] = i
	}
	prod = map[model.TruckClass][]float64{}
	attr = map[model.TruckClass][]float64{}
	for class := range classColumns {
		prod[class] = make([]float64, len(zs))
		attr[class] = make([]float64, len(zs))
	}
	err = readTable(src, func(r row) error {
		z, err := r.int("TAZ")
		if err != nil {
			return err
		}
		i, ok := index[model.ZoneID(z)]
		if !ok {
			return nil
		}
		for class, col := range classColumns {
			if r.has("P_" + col) {
				if prod[class][i], err = r.float("P_" + col); err != nil {
					return err
				}
			}
			if r.has("A_" + col) {
				if attr[class][i], err = r.float("A_" + col); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return prod, attr, err
}
