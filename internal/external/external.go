// Package external spreads station-based external truck trips over the
// zones of the study area.
package external

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/disagg"
	"trucksynth/internal/model"
)

const TableExternalTrips = "external_trips"

// ErrUnknownStation is returned when a trip references a station without a
// zone correspondence.
var ErrUnknownStation = errors.New("external: station has no zone")

// Input bundles the data of one disaggregation. Productions and
// Attractions are aligned with Zones.
type Input struct {
	Trips       []model.ExternalTrip
	Stations    map[int]model.ZoneID
	Centroids   map[int]bool
	Zones       []model.ZoneID
	Productions map[model.TruckClass][]float64
	Attractions map[model.TruckClass][]float64
}

// Report counts trips by movement type.
type Report struct {
	InternalInternal int
	ExternalInternal int
	InternalExternal int
	ExternalExternal int
	// Unassigned counts class trips dropped because no zone had any
	// production or attraction of that class.
	Unassigned int
}

type movement int

const (
	ii movement = iota
	ei
	ie
	ee
)

func (in Input) classify(t model.ExternalTrip) movement {
	from, to := in.Centroids[t.From], in.Centroids[t.To]
	switch {
	case from && to:
		return ii
	case to:
		return ei
	case from:
		return ie
	}
	return ee
}

// Disaggregate builds the external SUT and MUT tables. Trips entering the
// area are spread over destinations by attraction share, trips leaving it
// over origins by production share. Through trips connect the two
// stations directly; a later record for the same station pair replaces an
// earlier one. Trips between two centroids are internal and ignored.
func Disaggregate(in Input, log logrus.FieldLogger) (model.TripTable, Report, error) {
	n := len(in.Zones)
	var rep Report
	out := model.TripTable{Name: TableExternalTrips, Trips: map[model.TruckClass]*mat.Dense{}, Totals: map[model.TruckClass]float64{}}
	if n == 0 {
		return out, rep, fmt.Errorf("external: empty zone system")
	}
	for _, c := range model.FreightClasses {
		if len(in.Productions[c]) != n || len(in.Attractions[c]) != n {
			return out, rep, fmt.Errorf("external: %s productions/attractions do not cover %d zones", c, n)
		}
	}
	index := make(map[model.ZoneID]int, n)
	for i, z := range in.Zones {
		index[z] = i
		out.Zones = append(out.Zones, int(z))
	}
	station := func(s int) (int, error) {
		z, ok := in.Stations[s]
		if !ok {
			return 0, fmt.Errorf("station %d: %w", s, ErrUnknownStation)
		}
		i, ok := index[z]
		if !ok {
			return 0, fmt.Errorf("station %d zone %d: %w", s, z, ErrUnknownStation)
		}
		return i, nil
	}

	spreadIn := map[model.TruckClass]*mat.Dense{}
	through := map[model.TruckClass]*mat.Dense{}
	for _, c := range model.FreightClasses {
		spreadIn[c] = mat.NewDense(n, n, nil)
		through[c] = mat.NewDense(n, n, nil)
	}
	one := []float64{1}
	for _, t := range in.Trips {
		kind := in.classify(t)
		switch kind {
		case ii:
			rep.InternalInternal++
			continue
		case ei:
			rep.ExternalInternal++
		case ie:
			rep.InternalExternal++
		case ee:
			rep.ExternalExternal++
		}
		for _, c := range model.FreightClasses {
			trips := t.SUT
			if c == model.MUT {
				trips = t.MUT
			}
			switch kind {
			case ee:
				o, err := station(t.From)
				if err != nil {
					return out, rep, err
				}
				d, err := station(t.To)
				if err != nil {
					return out, rep, err
				}
				through[c].Set(o, d, trips)
			case ei:
				o, err := station(t.From)
				if err != nil {
					return out, rep, err
				}
				row, err := disagg.Split(trips, one, in.Attractions[c])
				if errors.Is(err, disagg.ErrZeroWeights) {
					rep.Unassigned++
					continue
				} else if err != nil {
					return out, rep, fmt.Errorf("external: %d-%d %s: %w", t.From, t.To, c, err)
				}
				for j := 0; j < n; j++ {
					addAt(spreadIn[c], o, j, row.At(0, j))
				}
			case ie:
				d, err := station(t.To)
				if err != nil {
					return out, rep, err
				}
				col, err := disagg.Split(trips, in.Productions[c], one)
				if errors.Is(err, disagg.ErrZeroWeights) {
					rep.Unassigned++
					continue
				} else if err != nil {
					return out, rep, fmt.Errorf("external: %d-%d %s: %w", t.From, t.To, c, err)
				}
				for i := 0; i < n; i++ {
					addAt(spreadIn[c], i, d, col.At(i, 0))
				}
			}
		}
	}
	for _, c := range model.FreightClasses {
		m := spreadIn[c]
		m.Add(m, through[c])
		out.Trips[c] = m
		out.Totals[c] = mat.Sum(m)
	}
	if rep.Unassigned > 0 {
		log.WithField("trips", rep.Unassigned).Warn("external trips without production or attraction were dropped")
	}
	log.WithFields(logrus.Fields{
		"EI": rep.ExternalInternal, "IE": rep.InternalExternal, "EE": rep.ExternalExternal, "II": rep.InternalInternal,
		"SUT": out.Totals[model.SUT], "MUT": out.Totals[model.MUT],
	}).Info("external trips disaggregated")
	return out, rep, nil
}

func addAt(m *mat.Dense, i, j int, v float64) {
	if v != 0 {
		m.Set(i, j, m.At(i, j)+v)
	}
}
