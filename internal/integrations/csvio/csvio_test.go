package csvio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/integrations"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

func TestReadZonesAndDistances(t *testing.T) {
	b := zones.NewBuilder()
	if err := ReadZones(strings.NewReader("Zone,County,CoarseZone,AreaType,Area\n1,37001,371,1,2.5\n2,37003,371,,\n"), b); err != nil {
		t.Fatalf("ReadZones: %v", err)
	}
	if err := ReadDistances(strings.NewReader("orig,dest,distance\n1,2,17.5\n"), b); err != nil {
		t.Fatalf("ReadDistances: %v", err)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	r, ok := s.Record(1)
	if !ok || r.AreaType != 1 || r.Area != 2.5 || r.CoarseZone != 371 {
		t.Fatalf("record = %+v", r)
	}
	if d, ok := s.Distance(1, 2); !ok || d != 17.5 {
		t.Fatalf("distance = %v", d)
	}
}

func TestReadMissingColumn(t *testing.T) {
	_, err := ReadFlows(strings.NewReader("commodity,origin,tons\nA,1,3\n"))
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("want ErrMissingColumn, got %v", err)
	}
}

func TestReadActivityWide(t *testing.T) {
	a, err := ReadActivity(strings.NewReader("zone,pop,TOTEMP,ret\n1,10,20,\n2,0,5,1\n"))
	if err != nil {
		t.Fatalf("ReadActivity: %v", err)
	}
	if v, ok := a.Value(zones.TotalEmployment, 1); !ok || v != 20 {
		t.Fatalf("TOTEMP = %v", v)
	}
	if _, ok := a.Value("RET", 1); ok {
		t.Fatal("empty cell should be absent")
	}
	if v, _ := a.Value("POP", 2); v != 0 {
		t.Fatalf("POP = %v", v)
	}
}

func TestReadCountyActivity(t *testing.T) {
	a, err := ReadCountyActivity(strings.NewReader("county,farm,totemp\n37001,12,40\n37003,,9\n"))
	if err != nil {
		t.Fatalf("ReadCountyActivity: %v", err)
	}
	if v, ok := a.CountyValue("FARM", 37001); !ok || v != 12 {
		t.Fatalf("FARM = %v", v)
	}
	if _, ok := a.CountyValue("FARM", 37003); ok {
		t.Fatal("empty cell should be absent")
	}
	if v, _ := a.CountyValue(zones.TotalEmployment, 37003); v != 9 {
		t.Fatalf("TOTEMP = %v", v)
	}
	if _, err := ReadCountyActivity(strings.NewReader("zone,FARM\n1,2\n")); !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("want ErrMissingColumn, got %v", err)
	}
}

func TestReadFacilitiesFiltersTypes(t *testing.T) {
	src := "id,type,zone,size\n1,DC,5,100\n2,Retail,6,50\n3,Other: mini-DC,7,0\n4,Warehouse,8,10\n"
	got, err := ReadFacilities(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadFacilities: %v", err)
	}
	if len(got) != 3 || got[1].Type != "Other: mini-DC" {
		t.Fatalf("facilities = %+v", got)
	}
}

func TestReadTripRatesAndCoefficients(t *testing.T) {
	rates, err := ReadTripRates(strings.NewReader("Code,MultiUnit,SingleUnit,CommercialVeh\nCONS_ANYWHERE,1,2,3\ntotemp_urb,0.1,0.2,0.3\n"))
	if err != nil {
		t.Fatalf("ReadTripRates: %v", err)
	}
	if rates[model.SUT]["TOTEMP_URB"] != 0.2 || rates[model.CV]["CONS_ANYWHERE"] != 3 {
		t.Fatalf("rates = %v", rates)
	}
	coef, err := ReadCoefficients(strings.NewReader("industry,commodity,direction,coefficient\nmfg,SCTG07,make,0.4\nret,SCTG07,Use,1\n"))
	if err != nil {
		t.Fatalf("ReadCoefficients: %v", err)
	}
	if v, ok := coef.Get("MFG", "SCTG07", model.Make); !ok || v != 0.4 {
		t.Fatalf("coefficient = %v", v)
	}
	if _, err := ReadCoefficients(strings.NewReader("industry,commodity,direction,coefficient\nx,y,sideways,1\n")); err == nil {
		t.Fatal("expected direction error")
	}
}

func TestWriteTripTableSkipsEmptyPairs(t *testing.T) {
	tab := model.TripTable{
		Name:  "zone_trips",
		Zones: []int{1, 2},
		Trips: map[model.TruckClass]*mat.Dense{
			model.SUT: mat.NewDense(2, 2, []float64{0, 1.5, 0, 0}),
			model.MUT: mat.NewDense(2, 2, []float64{0, 0, 0, 0}),
		},
	}
	var buf bytes.Buffer
	if err := WriteTripTable(&buf, tab, TripHeader); err != nil {
		t.Fatal(err)
	}
	want := "orig,dest,singleUnitTrucks,multiUnitTrucks\n" +
		"1,1,0.000000,0.000000\n" +
		"1,2,1.500000,0.000000\n" +
		"2,2,0.000000,0.000000\n"
	if buf.String() != want {
		t.Fatalf("got\n%s", buf.String())
	}
}

func TestProductionsRoundTrip(t *testing.T) {
	zs := []model.ZoneID{1, 2}
	prod := map[model.TruckClass][]float64{model.SUT: {1, 2}, model.MUT: {3, 4}, model.CV: {5, 6}}
	var buf bytes.Buffer
	if err := WriteProductions(&buf, zs, prod); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "TAZ,P_MultiUnit,P_SingleUnit,P_CommercialVeh,A_MultiUnit,A_SingleUnit,A_CommercialVeh\n") {
		t.Fatalf("header: %s", buf.String())
	}
	p, a, err := ReadProductions(&buf, []model.ZoneID{2, 1, 9})
	if err != nil {
		t.Fatal(err)
	}
	if p[model.MUT][0] != 4 || a[model.SUT][1] != 1 || p[model.CV][2] != 0 {
		t.Fatalf("prod %v attr %v", p, a)
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDirLoad(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		FileZones:          "zone,county,coarseZone\n1,10,1\n2,20,2\n",
		FileCounties:       "county,coarseZone\n30,2\n",
		FileCountyDistance: "orig,dest,distance\n10,20,40\n",
		FileDistances:      "orig,dest,distance\n1,2,42\n",
		FileActivity:       "zone,TOTEMP\n1,5\n2,7\n",
		FileFlows:          "commodity,origin,dest,tons\nB,1,2,10\nA,2,1,5\nB,2,1,1\n",
	})
	log, _ := test.NewNullLogger()
	ds, err := Dir{Path: dir, Log: log}.Load(context.Background(), integrations.Need{Flows: true, Distances: true, Facilities: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ds.Zones.Counties()) != 3 || len(ds.Flows) != 3 {
		t.Fatalf("counties %v flows %d", ds.Zones.Counties(), len(ds.Flows))
	}
	if coms := ds.Commodities(); len(coms) != 2 || coms[0] != "B" {
		t.Fatalf("commodities = %v", coms)
	}
	if ds.Coefficients == nil || ds.Facilities != nil {
		t.Fatal("optional inputs not defaulted")
	}
	if v, ok := ds.CountyActivity.CountyValue(zones.TotalEmployment, 30); ok || v != 0 {
		t.Fatalf("county activity must default to empty, got %v", v)
	}

	writeFiles(t, dir, map[string]string{FileCountyActivity: "county,TOTEMP\n30,11\n"})
	ds, err = Dir{Path: dir, Log: log}.Load(context.Background(), integrations.Need{Coefficients: true})
	if err != nil {
		t.Fatalf("Load coefficients: %v", err)
	}
	if v, _ := ds.CountyActivity.CountyValue(zones.TotalEmployment, 30); v != 11 {
		t.Fatalf("county TOTEMP = %v", v)
	}
	if _, err := (Dir{Path: dir, Log: log}).Load(context.Background(), integrations.Need{TripRates: true}); err == nil {
		t.Fatal("missing trip rates must fail")
	}
}

func TestWriteTable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	tab := model.TripTable{Name: "county_trips", Zones: []int{7}, Trips: map[model.TruckClass]*mat.Dense{model.SUT: mat.NewDense(1, 1, []float64{2})}}
	path, err := WriteTable(dir, tab, ExternalHeader)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "OrigZone,DestZone,singleUnitTrucks\n7,7,2.000000\n" {
		t.Fatalf("got %q", b)
	}
}
