package local

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/config"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

func activity() *zones.Table {
	return zones.NewTable().
		Set("POP", 1, 10).Set(zones.TotalEmployment, 1, 20).
		Set("POP", 2, 0).Set(zones.TotalEmployment, 2, 50).
		Set("POP", 3, 40).Set(zones.TotalEmployment, 3, 8)
}

func TestProductionsAreaTypesAndTerms(t *testing.T) {
	log, hook := test.NewNullLogger()
	g := Generator{Activity: activity(), Log: log}
	recs := []zones.ZoneRecord{
		{Zone: 1, County: 37001, AreaType: Urban, Area: 5},
		{Zone: 2, County: 37001, AreaType: Urban, Area: 5},
		{Zone: 3, County: 37003, AreaType: Rural, Area: 0},
	}
	rates := map[string]float64{
		"CONS_ANYWHERE":    2,
		"TOTEMP_URB":       0.5,
		"TOTEMP_RUR":       100,
		"POPDENS_ANYWHERE": 1,
	}
	got := g.Productions(recs, rates, false)
	// 2 + 0.5*20 + 10/5
	if math.Abs(got[0]-14) > 1e-12 {
		t.Fatalf("zone 1 = %v", got[0])
	}
	if got[1] != 0 {
		t.Fatalf("zone without population produced %v", got[1])
	}
	// density term is 0 without area
	if math.Abs(got[2]-(2+800)) > 1e-12 {
		t.Fatalf("zone 3 = %v", got[2])
	}
	if len(hook.Entries) != 0 {
		t.Fatalf("unexpected log entries: %d", len(hook.Entries))
	}
}

func TestProductionsNegativeIsZeroed(t *testing.T) {
	log, hook := test.NewNullLogger()
	g := Generator{Activity: activity(), Log: log}
	got := g.Productions([]zones.ZoneRecord{{Zone: 1, County: 1, AreaType: Suburban}}, map[string]float64{"CONS_ANYWHERE": -5}, false)
	if got[0] != 0 {
		t.Fatalf("got %v", got[0])
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level.String() != "error" {
		t.Fatal("negative production not logged as error")
	}
}

func TestProductionsLogForm(t *testing.T) {
	log, _ := test.NewNullLogger()
	g := Generator{Activity: activity(), Log: log}
	got := g.Productions([]zones.ZoneRecord{{Zone: 1, County: 1, AreaType: Urban}}, map[string]float64{"CONS_ANYWHERE": 1, "TOTEMP_ANYWHERE": 2}, true)
	want := math.E * 400
	if math.Abs(got[0]-want) > 1e-9*want {
		t.Fatalf("got %v want %v", got[0], want)
	}
}

func TestProductionsStudyArea(t *testing.T) {
	log, _ := test.NewNullLogger()
	g := Generator{Activity: activity(), StudyArea: []config.Range{{From: 37000, To: 37002}}, Log: log}
	recs := []zones.ZoneRecord{{Zone: 1, County: 37001, AreaType: Urban}, {Zone: 3, County: 38001, AreaType: Urban}}
	got := g.Productions(recs, map[string]float64{"CONS_ANYWHERE": 3}, false)
	if got[0] != 3 || got[1] != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestRunBalancesToProductions(t *testing.T) {
	log, _ := test.NewNullLogger()
	sys, err := zones.NewBuilder().
		AddZone(zones.ZoneRecord{Zone: 1, County: 1, AreaType: Urban}).
		AddZone(zones.ZoneRecord{Zone: 3, County: 1, AreaType: Urban}).
		SetDistance(1, 3, 10).SetDistance(3, 1, 10).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	rates := TripRates{
		model.SUT: {"TOTEMP_ANYWHERE": 1},
		model.MUT: {"TOTEMP_ANYWHERE": 0.5},
		model.CV:  {"POP_ANYWHERE": 1},
	}
	m := &Model{
		Topo:     sys,
		Gen:      Generator{Activity: activity(), Log: log},
		Rates:    rates,
		Cfg:      cfg.Local,
		Balancer: config.Balancer{MaxIterations: 50},
		Log:      log,
	}
	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Productions[model.SUT]; got[0] != 20 || got[1] != 8 {
		t.Fatalf("SUT productions = %v", got)
	}
	for _, c := range Classes {
		trips := res.Table.Trips[c]
		if trips == nil {
			t.Fatalf("%s missing", c)
		}
		p := res.Productions[c]
		for i := range p {
			row := mat.Sum(trips.RowView(i))
			if math.Abs(row-p[i]) > 1e-3*p[i] {
				t.Fatalf("%s row %d = %v, want %v", c, i, row, p[i])
			}
		}
	}
	if res.Table.Name != TableLocalTrips || len(res.Table.Zones) != 2 {
		t.Fatalf("table = %+v", res.Table)
	}
}

func TestApplies(t *testing.T) {
	cases := []struct {
		code string
		area int
		item string
		ok   bool
	}{
		{"TOTEMP_URB", Urban, "TOTEMP", true},
		{"TOTEMP_URB", Rural, "", false},
		{"RET_ANYWHERE", Suburban, "RET", true},
		{"IND_SUB", Suburban, "IND", true},
		{"IND_SUB", 0, "", false},
	}
	for _, c := range cases {
		item, ok := applies(c.code, c.area)
		if item != c.item || ok != c.ok {
			t.Errorf("applies(%q,%d) = %q,%v", c.code, c.area, item, ok)
		}
	}
}
