package external

import (
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

// Zones 1..3 are internal (centroids), zones 10 and 11 hold stations 501
// and 502.
func input(trips ...model.ExternalTrip) Input {
	return Input{
		Trips:     trips,
		Stations:  map[int]model.ZoneID{501: 10, 502: 11},
		Centroids: map[int]bool{1: true, 2: true, 3: true},
		Zones:     []model.ZoneID{1, 2, 3, 10, 11},
		Productions: map[model.TruckClass][]float64{
			model.SUT: {1, 1, 2, 0, 0},
			model.MUT: {0, 3, 1, 0, 0},
		},
		Attractions: map[model.TruckClass][]float64{
			model.SUT: {2, 1, 1, 0, 0},
			model.MUT: {1, 0, 0, 0, 0},
		},
	}
}

func TestExternalInternalSpreadByAttraction(t *testing.T) {
	log, _ := test.NewNullLogger()
	tab, rep, err := Disaggregate(input(model.ExternalTrip{From: 501, To: 2, SUT: 100, MUT: 40}), log)
	if err != nil {
		t.Fatalf("Disaggregate: %v", err)
	}
	if rep.ExternalInternal != 1 {
		t.Fatalf("report = %+v", rep)
	}
	sut := tab.Trips[model.SUT]
	for j, want := range []float64{50, 25, 25, 0, 0} {
		if math.Abs(sut.At(3, j)-want) > 1e-9 {
			t.Fatalf("SUT 10->%d = %v, want %v", tab.Zones[j], sut.At(3, j), want)
		}
	}
	if got := tab.Trips[model.MUT].At(3, 0); got != 40 {
		t.Fatalf("MUT = %v", got)
	}
}

func TestInternalExternalSpreadByProduction(t *testing.T) {
	log, _ := test.NewNullLogger()
	tab, _, err := Disaggregate(input(model.ExternalTrip{From: 3, To: 502, SUT: 40, MUT: 8}), log)
	if err != nil {
		t.Fatalf("Disaggregate: %v", err)
	}
	col := mat.Col(nil, 4, tab.Trips[model.SUT])
	for i, want := range []float64{10, 10, 20, 0, 0} {
		if math.Abs(col[i]-want) > 1e-9 {
			t.Fatalf("SUT %d->11 = %v, want %v", tab.Zones[i], col[i], want)
		}
	}
	if got := tab.Trips[model.MUT].At(1, 4); math.Abs(got-6) > 1e-9 {
		t.Fatalf("MUT 2->11 = %v", got)
	}
}

func TestThroughAndInternalTrips(t *testing.T) {
	log, _ := test.NewNullLogger()
	tab, rep, err := Disaggregate(input(
		model.ExternalTrip{From: 501, To: 502, SUT: 7, MUT: 9},
		model.ExternalTrip{From: 501, To: 502, SUT: 5, MUT: 6},
		model.ExternalTrip{From: 1, To: 2, SUT: 1000, MUT: 1000},
	), log)
	if err != nil {
		t.Fatalf("Disaggregate: %v", err)
	}
	if rep.ExternalExternal != 2 || rep.InternalInternal != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := tab.Trips[model.SUT].At(3, 4); got != 5 {
		t.Fatalf("through SUT = %v", got)
	}
	if tab.Totals[model.SUT] != 5 || tab.Totals[model.MUT] != 6 {
		t.Fatalf("totals = %v", tab.Totals)
	}
}

func TestUnknownStation(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, _, err := Disaggregate(input(model.ExternalTrip{From: 999, To: 1, SUT: 1}), log)
	if !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("want ErrUnknownStation, got %v", err)
	}
}

func TestZeroAttractionIsReported(t *testing.T) {
	log, hook := test.NewNullLogger()
	in := input(model.ExternalTrip{From: 501, To: 1, SUT: 10, MUT: 10})
	in.Attractions[model.MUT] = []float64{0, 0, 0, 0, 0}
	tab, rep, err := Disaggregate(in, log)
	if err != nil {
		t.Fatalf("Disaggregate: %v", err)
	}
	if rep.Unassigned != 1 || tab.Totals[model.MUT] != 0 || tab.Totals[model.SUT] != 10 {
		t.Fatalf("report %+v totals %v", rep, tab.Totals)
	}
	if len(hook.Entries) < 2 {
		t.Fatal("missing warning")
	}
}
