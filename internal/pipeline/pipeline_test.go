package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"trucksynth/internal/config"
	"trucksynth/internal/disagg"
	"trucksynth/internal/events"
	"trucksynth/internal/model"
	"trucksynth/internal/store"
	"trucksynth/internal/trucks"
	"trucksynth/internal/zones"
)

// Two coarse zones: 1 holds county 10 (zones 1, 2), 2 holds county 20
// (zone 3). Every inter-zonal trip is 30 miles.
func testSystem(t *testing.T) *zones.System {
	t.Helper()
	b := zones.NewBuilder().
		AddZone(zones.ZoneRecord{Zone: 1, County: 10, CoarseZone: 1}).
		AddZone(zones.ZoneRecord{Zone: 2, County: 10, CoarseZone: 1}).
		AddZone(zones.ZoneRecord{Zone: 3, County: 20, CoarseZone: 2}).
		SetCountyDistance(10, 20, 30).
		SetCountyDistance(20, 10, 30)
	for _, a := range []model.ZoneID{1, 2, 3} {
		for _, c := range []model.ZoneID{1, 2, 3} {
			if a != c {
				b.SetDistance(a, c, 30)
			}
		}
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Workers = 4
	cfg.Empties.RatePct = 0
	cfg.Trucks.Payloads = map[string]float64{"A": 10, "B": 20}
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config, src store.FlowSource) *Pipeline {
	t.Helper()
	log, _ := test.NewNullLogger()
	sys := testSystem(t)
	act := zones.NewTable().
		Set(zones.TotalEmployment, 1, 10).
		Set(zones.TotalEmployment, 2, 30).
		Set(zones.TotalEmployment, 3, 5)
	coms := []model.Commodity{"A", "B"}
	w := disagg.BuildWeights(sys, act, nil, disagg.NewCoefficients(), coms, log)
	conv, err := trucks.New(cfg.Trucks, coms, log)
	if err != nil {
		t.Fatalf("converter: %v", err)
	}
	return New(sys, w, conv, src, cfg, log)
}

func memSource(t *testing.T, recs ...model.FlowRecord) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	if _, err := m.PutFlows(context.Background(), recs); err != nil {
		t.Fatalf("PutFlows: %v", err)
	}
	return m
}

func expectedDaily(t *testing.T, p *Pipeline, com model.Commodity, tons float64) float64 {
	t.Helper()
	return p.daily(com, 30, tons).Total()
}

func TestLongHaulConservesTrucks(t *testing.T) {
	src := memSource(t,
		model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000},
		model.FlowRecord{Commodity: "B", Origin: 2, Dest: 1, Tons: 500},
	)
	p := newTestPipeline(t, testConfig(), src)
	res, err := p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	if res.Commodities != 2 || res.Table.Name != TableZoneTrips || len(res.Table.Zones) != 3 {
		t.Fatalf("unexpected result header: %+v", res)
	}
	want := expectedDaily(t, p, "A", 1000) + expectedDaily(t, p, "B", 500)
	got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]
	if math.Abs(got-want) > 1e-9*want {
		t.Fatalf("loaded trucks = %v, want %v", got, want)
	}
	// zone 1 carries a quarter of county 10's weight
	sut := res.Table.Trips[model.SUT]
	if sut.At(0, 2) <= 0 || sut.At(1, 2) <= sut.At(0, 2) {
		t.Fatalf("origin split not proportional: %v %v", sut.At(0, 2), sut.At(1, 2))
	}
}

type failingSource struct{ *store.Memory }

var errBroken = errors.New("broken")

func (f failingSource) Flows(ctx context.Context, com model.Commodity, fn func(model.FlowRecord) error) error {
	if com == "B" {
		return errBroken
	}
	return f.Memory.Flows(ctx, com, fn)
}

func TestLongHaulAbortsOnSourceError(t *testing.T) {
	src := failingSource{memSource(t,
		model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000},
		model.FlowRecord{Commodity: "B", Origin: 2, Dest: 1, Tons: 500},
	)}
	p := newTestPipeline(t, testConfig(), src)
	if _, err := p.RunLongHaul(context.Background()); !errors.Is(err, errBroken) {
		t.Fatalf("want errBroken, got %v", err)
	}
}

func TestLongHaulSkipsDisconnectedPairs(t *testing.T) {
	cfg := testConfig()
	cfg.Exclusions.Disconnected = []int{2}
	src := memSource(t,
		model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000},
		model.FlowRecord{Commodity: "A", Origin: 1, Dest: 1, Tons: 100},
	)
	p := newTestPipeline(t, cfg, src)
	res, err := p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	if res.Skipped[skipDisconnected] != 1 {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	if res.Empties.Loaded[model.SUT] <= 0 {
		t.Fatal("intra-zone flow lost")
	}
}

func TestLongHaulMinDistance(t *testing.T) {
	cfg := testConfig()
	cfg.MinDistance = 40
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000})
	p := newTestPipeline(t, cfg, src)
	res, err := p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	if res.Skipped[skipMinDistance] != 2 {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	if got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]; got != 0 {
		t.Fatalf("loaded = %v", got)
	}
}

func TestScaledTons(t *testing.T) {
	cfg := testConfig()
	cfg.Scaling.Global = 0.5
	cfg.Scaling.Tokens = []string{"1_2"}
	cfg.Scaling.Values = []float64{3}
	p := newTestPipeline(t, cfg, memSource(t))
	if got := p.scaledTons(model.FlowRecord{Origin: 1, Dest: 2, Tons: 100}); got != 150 {
		t.Fatalf("scaled = %v", got)
	}
	if got := p.scaledTons(model.FlowRecord{Origin: 2, Dest: 1, Tons: 100}); got != 50 {
		t.Fatalf("unscaled pair = %v", got)
	}
}

func TestDCRoutingConservesTons(t *testing.T) {
	cfg := testConfig()
	cfg.DC.Share = map[string]float64{"A": 0.5}
	cfg.DC.MinSites = 1
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 2, Dest: 1, Tons: 1000})
	p := newTestPipeline(t, cfg, src)
	p.DCs = BuildDCIndex(p.Topo, []model.Facility{{ID: 1, Type: "DC", Zone: 2, Size: 1}}, cfg.DC)
	res, err := p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	sut := res.Table.Trips[model.SUT]
	if sut.At(2, 1) <= 0 || sut.At(1, 0) <= 0 {
		t.Fatalf("DC legs missing: 3->2 %v, 2->1 %v", sut.At(2, 1), sut.At(1, 0))
	}
	direct := expectedDaily(t, p, "A", 1000)
	got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]
	// tons destined to zone 1 travel two legs
	if got <= direct {
		t.Fatalf("routed total %v should exceed direct %v", got, direct)
	}
}

func TestBuildDCIndex(t *testing.T) {
	sys := testSystem(t)
	fac := []model.Facility{
		{ID: 1, Zone: 2, Size: 3},
		{ID: 2, Zone: 3, Size: 1},
		{ID: 3, Zone: 99, Size: 1},
	}
	idx := BuildDCIndex(sys, fac, config.DistributionCenters{Radius: 10, MinSites: 1})
	if got := idx.Sites(2); len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("zone 2 sites = %v", got)
	}
	if got := idx.Sites(1); len(got) != 1 {
		t.Fatalf("zone 1 should be topped up to one site, got %v", got)
	}
	idx = BuildDCIndex(sys, fac, config.DistributionCenters{Radius: 50, MinSites: 5})
	if got := idx.Sites(1); len(got) != 2 {
		t.Fatalf("sites must not repeat: %v", got)
	}
	idx = BuildDCIndex(sys, fac, config.DistributionCenters{Radius: 50, StudyArea: []config.Range{{From: 20, To: 20}}})
	if len(idx.Sites(1)) != 0 || len(idx.Sites(3)) != 2 {
		t.Fatal("study area not applied")
	}
}

func TestAllocate(t *testing.T) {
	got := Allocate(100, []model.Facility{{Size: 3}, {Size: 1}})
	if got[0] != 75 || got[1] != 25 {
		t.Fatalf("by size = %v", got)
	}
	got = Allocate(100, []model.Facility{{}, {}})
	if got[0] != 50 || got[1] != 50 {
		t.Fatalf("equal = %v", got)
	}
}

func TestRegionalCountyTable(t *testing.T) {
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000})
	p := newTestPipeline(t, testConfig(), src)
	res, err := p.RunRegional(context.Background())
	if err != nil {
		t.Fatalf("RunRegional: %v", err)
	}
	if res.Table.Name != TableCountyTrips || len(res.Table.Zones) != 2 {
		t.Fatalf("table = %s %v", res.Table.Name, res.Table.Zones)
	}
	want := expectedDaily(t, p, "A", 1000)
	got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]
	if math.Abs(got-want) > 1e-9*want {
		t.Fatalf("loaded = %v, want %v", got, want)
	}
	if res.Table.Trips[model.SUT].At(0, 1) <= 0 || res.Table.Trips[model.SUT].At(1, 1) != 0 {
		t.Fatal("county 10 -> 20 cell missing")
	}
	// no empty rate: the balancing empties are scaled into the loaded total
	if got := res.Table.Totals[model.SUT] + res.Table.Totals[model.MUT]; math.Abs(got-want) > 1e-9*want {
		t.Fatalf("table total = %v, want %v", got, want)
	}
}

// farmPipeline has coarse zone 1 with county 10 (zone 1, FARM 100, TOTEMP
// 100), county 11 (zone 2, no FARM, TOTEMP 1000) and the zone-less county
// 72001 in the excluded range with a large FARM and TOTEMP. Coarse zone 2
// holds county 20 (zone 3). Commodity A is made only by FARM.
func farmPipeline(t *testing.T, cfg config.Config, src store.FlowSource) *Pipeline {
	t.Helper()
	log, _ := test.NewNullLogger()
	b := zones.NewBuilder().
		AddZone(zones.ZoneRecord{Zone: 1, County: 10, CoarseZone: 1}).
		AddZone(zones.ZoneRecord{Zone: 2, County: 11, CoarseZone: 1}).
		AddZone(zones.ZoneRecord{Zone: 3, County: 20, CoarseZone: 2}).
		AddCounty(72001, 1)
	for _, c := range []model.CountyID{10, 11, 72001} {
		b.SetCountyDistance(c, 20, 30)
	}
	for _, z := range []model.ZoneID{1, 2} {
		b.SetDistance(z, 3, 30)
	}
	sys, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	act := zones.NewTable().
		Set("FARM", 1, 100).
		Set(zones.TotalEmployment, 1, 100).
		Set(zones.TotalEmployment, 2, 1000).
		Set(zones.TotalEmployment, 3, 5)
	cact := zones.NewCountyTable().
		Set("FARM", 72001, 1e6).
		Set(zones.TotalEmployment, 72001, 1e6)
	coef := disagg.NewCoefficients().Set("FARM", "A", model.Make, 0.5)
	coms := []model.Commodity{"A"}
	conv, err := trucks.New(cfg.Trucks, coms, log)
	if err != nil {
		t.Fatalf("converter: %v", err)
	}
	return New(sys, disagg.BuildWeights(sys, act, cact, coef, coms, log), conv, src, cfg, log)
}

func TestRegionalCountySplitFollowsCommodityWeights(t *testing.T) {
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000})
	p := farmPipeline(t, testConfig(), src)
	res, err := p.RunRegional(context.Background())
	if err != nil {
		t.Fatalf("RunRegional: %v", err)
	}
	// counties 10, 11, 20, 72001
	if got := res.Table.Zones; len(got) != 4 || got[1] != 11 || got[2] != 20 {
		t.Fatalf("counties = %v", got)
	}
	sut, mut := res.Table.Trips[model.SUT], res.Table.Trips[model.MUT]
	if v := sut.At(1, 2) + mut.At(1, 2); v != 0 {
		t.Fatalf("county 11 makes no A but got %v trucks", v)
	}
	if v := sut.At(3, 2) + mut.At(3, 2); v != 0 {
		t.Fatalf("excluded county got %v trucks", v)
	}
	want := expectedDaily(t, p, "A", 1000)
	if got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]; math.Abs(got-want) > 1e-9*want {
		t.Fatalf("loaded = %v, want %v", got, want)
	}
	if sut.At(0, 2) <= 0 {
		t.Fatal("county 10 carries the flow")
	}
	if res.Skipped[skipExcludedRegion] != 0 {
		t.Fatalf("skipped = %v", res.Skipped)
	}
}

func TestLongHaulExcludedCountyKeepsNoShare(t *testing.T) {
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000})
	p := farmPipeline(t, testConfig(), src)
	res, err := p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	want := expectedDaily(t, p, "A", 1000)
	got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]
	if math.Abs(got-want) > 1e-9*want {
		t.Fatalf("loaded = %v, want %v", got, want)
	}
	sut := res.Table.Trips[model.SUT]
	if sut.At(0, 2) <= 0 || sut.At(1, 2) != 0 {
		t.Fatalf("zone 1 %v, zone 2 %v", sut.At(0, 2), sut.At(1, 2))
	}
}

func TestCoarseZoneOnlyExcludedCounties(t *testing.T) {
	cfg := testConfig()
	cfg.Exclusions.CountyRanges = []config.Range{{From: 10, To: 11}, {From: 72001, To: 72001}}
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000})
	p := farmPipeline(t, cfg, src)
	res, err := p.RunRegional(context.Background())
	if err != nil {
		t.Fatalf("RunRegional: %v", err)
	}
	if res.Skipped[skipExcludedRegion] != 1 || res.Table.Totals[model.SUT] != 0 {
		t.Fatalf("skipped = %v totals = %v", res.Skipped, res.Table.Totals)
	}
}

func TestRegionalDayFactor(t *testing.T) {
	cfg := testConfig()
	cfg.Scaling.AAWDTFactor = 1.2
	cfg.Scaling.RegionalAAWDTPct = 10
	src := memSource(t, model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000})
	p := newTestPipeline(t, cfg, src)
	annual := p.Conv.Convert("A", 30, 1000)

	res, err := p.RunRegional(context.Background())
	if err != nil {
		t.Fatalf("RunRegional: %v", err)
	}
	want := trucks.Daily(annual, 1.1).Total()
	if got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]; math.Abs(got-want) > 1e-9*want {
		t.Fatalf("regional = %v, want %v", got, want)
	}

	res, err = p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	want = trucks.Daily(annual, 1.2).Total()
	if got := res.Empties.Loaded[model.SUT] + res.Empties.Loaded[model.MUT]; math.Abs(got-want) > 1e-9*want {
		t.Fatalf("long-haul = %v, want %v", got, want)
	}
}

func TestLoadedStageReportsTotals(t *testing.T) {
	src := memSource(t,
		model.FlowRecord{Commodity: "A", Origin: 1, Dest: 2, Tons: 1000},
		model.FlowRecord{Commodity: "B", Origin: 2, Dest: 1, Tons: 500},
	)
	p := newTestPipeline(t, testConfig(), src)
	b := events.NewMemory()
	ch := b.Subscribe("r1")
	defer b.Unsubscribe("r1", ch)
	p.Events, p.RunID = b, "r1"

	res, err := p.RunLongHaul(context.Background())
	if err != nil {
		t.Fatalf("RunLongHaul: %v", err)
	}
	var loaded *events.Event
	for len(ch) > 0 {
		e := <-ch
		if e.Type == events.StageCompleted && e.Data["stage"] == "loaded" {
			loaded = &e
		}
	}
	if loaded == nil {
		t.Fatal("no loaded stage event")
	}
	if got := loaded.Data["sut"].(float64); math.Abs(got-res.Empties.Loaded[model.SUT]) > 1e-9 {
		t.Fatalf("sut = %v, want %v", got, res.Empties.Loaded[model.SUT])
	}
	if got := loaded.Data["mut"].(float64); math.Abs(got-res.Empties.Loaded[model.MUT]) > 1e-9 {
		t.Fatalf("mut = %v, want %v", got, res.Empties.Loaded[model.MUT])
	}
}
