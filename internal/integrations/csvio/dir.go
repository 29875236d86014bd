package csvio

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"trucksynth/internal/disagg"
	"trucksynth/internal/integrations"
	"trucksynth/internal/model"
	"trucksynth/internal/zones"
)

// File names inside a data directory.
const (
	FileZones          = "zones.csv"
	FileCounties       = "counties.csv"
	FileDistances      = "distances.csv"
	FileCountyDistance = "county_distances.csv"
	FileActivity       = "activity.csv"
	FileCountyActivity = "county_activity.csv"
	FileCoefficients   = "coefficients.csv"
	FileFlows          = "flows.csv"
	FileFacilities     = "facilities.csv"
	FileTripRates      = "trip_rates.csv"
	FileExternalTrips  = "external_trips.csv"
	FileStations       = "stations.csv"
	FileCentroids      = "centroids.csv"
	FileProductions    = "productions_attractions.csv"
)

// Dir loads inputs from CSV files in one directory.
type Dir struct {
	Path string
	Log  logrus.FieldLogger
}

var _ integrations.Adapter = Dir{}

func (d Dir) Name() string { return "csv-dir" }

func (d Dir) file(name string) string { return filepath.Join(d.Path, name) }

// optional reads name when it exists.
func (d Dir) optional(name string, fn func(io.Reader) error) error {
	f, err := os.Open(d.file(name))
	if errors.Is(err, fs.ErrNotExist) {
		d.Log.WithField("file", name).Debug("optional input not found")
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func (d Dir) required(name string, fn func(io.Reader) error) error {
	f, err := os.Open(d.file(name))
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func (d Dir) Load(ctx context.Context, need integrations.Need) (*integrations.Dataset, error) {
	ds := &integrations.Dataset{}
	b := zones.NewBuilder()
	steps := []struct {
		name     string
		required bool
		enabled  bool
		fn       func(io.Reader) error
	}{
		{FileZones, true, true, func(r io.Reader) error { return ReadZones(r, b) }},
		{FileCounties, false, true, func(r io.Reader) error { return ReadCounties(r, b) }},
		{FileCountyDistance, false, true, func(r io.Reader) error { return ReadCountyDistances(r, b) }},
		{FileDistances, true, need.Distances, func(r io.Reader) error { return ReadDistances(r, b) }},
		{FileActivity, true, true, func(r io.Reader) (err error) { ds.Activity, err = ReadActivity(r); return }},
		{FileCountyActivity, false, need.Coefficients, func(r io.Reader) (err error) { ds.CountyActivity, err = ReadCountyActivity(r); return }},
		{FileCoefficients, false, need.Coefficients, func(r io.Reader) (err error) { ds.Coefficients, err = ReadCoefficients(r); return }},
		{FileFlows, true, need.Flows, func(r io.Reader) (err error) { ds.Flows, err = ReadFlows(r); return }},
		{FileFacilities, false, need.Facilities, func(r io.Reader) (err error) { ds.Facilities, err = ReadFacilities(r); return }},
		{FileTripRates, true, need.TripRates, func(r io.Reader) (err error) { ds.TripRates, err = ReadTripRates(r); return }},
		{FileExternalTrips, true, need.External, func(r io.Reader) (err error) { ds.External.Trips, err = ReadExternalTrips(r); return }},
		{FileStations, true, need.External, func(r io.Reader) (err error) { ds.External.Stations, err = ReadStations(r); return }},
		{FileCentroids, true, need.External, func(r io.Reader) (err error) { ds.External.Centroids, err = ReadCentroids(r); return }},
	}
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		read := d.optional
		if s.required {
			read = d.required
		}
		if err := read(s.name, s.fn); err != nil {
			return nil, err
		}
	}
	sys, err := b.Build()
	if err != nil {
		return nil, err
	}
	ds.Zones = sys
	if ds.Coefficients == nil {
		ds.Coefficients = disagg.NewCoefficients()
	}
	if ds.CountyActivity == nil {
		ds.CountyActivity = zones.NewCountyTable()
	}
	if need.External {
		err := d.required(FileProductions, func(r io.Reader) (err error) {
			ds.External.Productions, ds.External.Attractions, err = ReadProductions(r, sys.Zones())
			return
		})
		if err != nil {
			return nil, err
		}
	}
	d.Log.WithFields(logrus.Fields{
		"zones": len(sys.Zones()), "counties": len(sys.Counties()), "flows": len(ds.Flows), "facilities": len(ds.Facilities),
	}).Info("inputs loaded")
	return ds, nil
}

// WriteTable writes t to <dir>/<t.Name>.csv.
func WriteTable(dir string, t model.TripTable, head [2]string) (string, error) {
	path := filepath.Join(dir, t.Name+".csv")
	return path, WriteFile(path, func(w io.Writer) error { return WriteTripTable(w, t, head) })
}
