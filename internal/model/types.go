package model

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Core domain types shared by the truck models.

// ZoneID identifies a fine zone (TAZ).
type ZoneID int

// CountyID identifies a county (FIPS code) or a special pass-through region.
type CountyID int

// CoarseZoneID identifies a strategic zone (FAF region). Codes above 800 are
// international (801 Canada, 802 Mexico).
type CoarseZoneID int

// Commodity is a commodity label such as "SCTG07".
type Commodity string

// Direction tells whether an activity weight describes production (make)
// or consumption (use) of a commodity.
type Direction int

const (
	Make Direction = iota
	Use
)

func (d Direction) String() string {
	if d == Make {
		return "make"
	}
	return "use"
}

// TruckClass is a vehicle class of the trip tables.
type TruckClass string

const (
	SUT TruckClass = "SUT"
	MUT TruckClass = "MUT"
	CV  TruckClass = "CV"
)

// FreightClasses are the classes produced from commodity tonnage.
var FreightClasses = []TruckClass{SUT, MUT}

// FlowRecord is one annual coarse-zone commodity flow.
type FlowRecord struct {
	Commodity Commodity    `json:"commodity"`
	Origin    CoarseZoneID `json:"origin"`
	Dest      CoarseZoneID `json:"dest"`
	Tons      float64      `json:"tons"`
	// Direction is "domestic", "import" or "export".
	Direction string `json:"direction,omitempty"`
}

// Facility is a distribution center, mini-DC or warehouse.
type Facility struct {
	ID         int          `json:"id"`
	Type       string       `json:"type"`
	Zone       ZoneID       `json:"zone"`
	Size       float64      `json:"size"`
	CoarseZone CoarseZoneID `json:"coarseZone"`
}

// ExternalTrip is a station-to-station truck record of the regional model.
type ExternalTrip struct {
	From int     `json:"from"`
	To   int     `json:"to"`
	SUT  float64 `json:"sut"`
	MUT  float64 `json:"mut"`
}

// TripTable is a daily trip table by class. Row/column i refers to Zones[i].
type TripTable struct {
	Name   string                    `json:"name"`
	Zones  []int                     `json:"zones"`
	Trips  map[TruckClass]*mat.Dense `json:"-"`
	Totals map[TruckClass]float64    `json:"totals"`
}

// Classes returns the classes of the table in a stable order.
func (t TripTable) Classes() []TruckClass {
	out := []TruckClass{}
	for _, c := range []TruckClass{SUT, MUT, CV} {
		if _, ok := t.Trips[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Run is the bookkeeping record of one model run.
type Run struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Error      string             `json:"error,omitempty"`
	Totals     map[string]float64 `json:"totals,omitempty"`
}

// Subscription is a webhook endpoint notified about run events.
type Subscription struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"eventTypes"`
}
