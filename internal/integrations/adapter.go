package integrations

import (
	"context"

	"trucksynth/internal/disagg"
	"trucksynth/internal/local"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

// Adapter loads model inputs from an external data source.
type Adapter interface {
	Name() string
	Load(ctx context.Context, need Need) (*Dataset, error)
}

// Need selects the optional inputs an adapter reads. Zones, county
// distances and activity are always loaded.
type Need struct {
	Flows        bool
	Distances    bool
	Coefficients bool
	Facilities   bool
	TripRates    bool
	External     bool
}

// Dataset bundles the inputs of a run.
type Dataset struct {
	Zones        *zones.System
	Activity     *zones.Table
	Coefficients *disagg.Coefficients
	Flows        []model.FlowRecord
	Facilities   []model.Facility
	TripRates    local.TripRates
	External     ExternalData

	// CountyActivity weighs counties that have no fine zones.
	CountyActivity *zones.CountyTable
}

// ExternalData holds the station-based inputs of the external model.
type ExternalData struct {
	Trips       []model.ExternalTrip
	Stations    map[int]model.ZoneID
	Centroids   map[int]bool
	Productions map[model.TruckClass][]float64
	Attractions map[model.TruckClass][]float64
}

// Commodities lists the distinct commodities of the flows in first-seen
// order.
func (d *Dataset) Commodities() []model.Commodity {
	seen := map[model.Commodity]bool{}
	var out []model.Commodity
	for _, f := range d.Flows {
		if !seen[f.Commodity] {
			seen[f.Commodity] = true
			out = append(out, f.Commodity)
		}
	}
	return out
}
