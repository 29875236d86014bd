package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"trucksynth/internal/config"
	"trucksynth/internal/disagg"
	"trucksynth/internal/events"
	"trucksynth/internal/external"
	"trucksynth/internal/integrations"
	"trucksynth/internal/integrations/csvio"
	"trucksynth/internal/local"
	"trucksynth/internal/model"
	"trucksynth/internal/obs"
	"trucksynth/internal/pipeline"
	"trucksynth/internal/store"
	"trucksynth/internal/trucks"
	"trucksynth/internal/webhooks"
)

var modelNames = []string{pipeline.ModelLongHaul, pipeline.ModelRegional, modelLocal, modelExternal}

const (
	modelLocal    = "local"
	modelExternal = "external"
)

func needFor(name string) (integrations.Need, error) {
	switch name {
	case pipeline.ModelLongHaul:
		return integrations.Need{Flows: true, Distances: true, Coefficients: true, Facilities: true}, nil
	case pipeline.ModelRegional:
		return integrations.Need{Flows: true, Coefficients: true}, nil
	case modelLocal:
		return integrations.Need{Distances: true, TripRates: true}, nil
	case modelExternal:
		return integrations.Need{External: true}, nil
	}
	return integrations.Need{}, fmt.Errorf("unknown model %q", name)
}

// output is one table written by a run.
type output struct {
	table model.TripTable
	head  [2]string
	// extra files written next to the table
	extra map[string]func(io.Writer) error
}

type runner struct {
	cfg       config.Config
	log       logrus.FieldLogger
	store     store.Store
	broker    events.Broker
	dataDir   string
	outDir    string
	fromStore bool

	// drainTimeout bounds webhook delivery after the run
	drainTimeout time.Duration
}

// execute loads the inputs, runs the model, persists and writes the trip
// tables and notifies subscribers. The run record is finished even when
// the model fails.
func (r *runner) execute(ctx context.Context, name string) (run model.Run, err error) {
	need, err := needFor(name)
	if err != nil {
		return run, err
	}
	if r.fromStore {
		need.Flows = false
	}
	ds, err := csvio.Dir{Path: r.dataDir, Log: r.log}.Load(ctx, need)
	if err != nil {
		return run, fmt.Errorf("load inputs: %w", err)
	}
	run, err = r.store.CreateRun(ctx, name)
	if err != nil {
		return run, fmt.Errorf("create run: %w", err)
	}
	log := r.log.WithFields(logrus.Fields{"run": run.ID, "model": name})
	if name == modelLocal || name == modelExternal {
		r.broker.Publish(run.ID, events.Event{Type: events.RunStarted, Data: map[string]any{"model": name}})
	}

	outs, runErr := r.runModel(ctx, name, run.ID, ds, log)
	totals := map[string]float64{}
	if runErr == nil {
		runErr = r.persist(ctx, run.ID, outs, totals, log)
	}

	// the run record must be closed even if ctx was cancelled
	done := context.WithoutCancel(ctx)
	id := run.ID
	if finished, err := r.store.FinishRun(done, id, runErr, totals); err != nil {
		log.WithError(err).Error("finish run failed")
	} else {
		run = finished
	}
	evt := events.Event{Type: events.RunCompleted, Data: map[string]any{"model": name, "totals": totals}}
	if runErr != nil {
		evt = events.Event{Type: events.RunFailed, Data: map[string]any{"model": name, "error": runErr.Error()}}
	}
	r.broker.Publish(id, evt)
	r.notify(done, id, evt, log)
	return run, runErr
}

func (r *runner) runModel(ctx context.Context, name, runID string, ds *integrations.Dataset, log logrus.FieldLogger) (outs []output, err error) {
	defer obs.Time(log, "model "+name)(&err)
	switch name {
	case pipeline.ModelLongHaul, pipeline.ModelRegional:
		p, err := r.pipeline(ctx, name, runID, ds, log)
		if err != nil {
			return nil, err
		}
		var res *pipeline.Result
		if name == pipeline.ModelLongHaul {
			res, err = p.RunLongHaul(ctx)
		} else {
			res, err = p.RunRegional(ctx)
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"skipped": res.Skipped, "correctedEmptyRate": res.Empties.CorrectedRate}).Info("flows converted")
		return []output{{table: res.Table, head: csvio.TripHeader}}, nil

	case modelLocal:
		m := &local.Model{
			Topo:     ds.Zones,
			Gen:      local.Generator{Activity: ds.Activity, StudyArea: r.cfg.Local.StudyArea, Log: log},
			Rates:    ds.TripRates,
			Cfg:      r.cfg.Local,
			Balancer: r.cfg.Balancer,
			Log:      log,
		}
		res, err := m.Run(ctx)
		if err != nil {
			return nil, err
		}
		return []output{{
			table: res.Table,
			head:  csvio.TripHeader,
			extra: map[string]func(io.Writer) error{
				csvio.FileProductions: func(w io.Writer) error { return csvio.WriteProductions(w, res.Zones, res.Productions) },
			},
		}}, nil

	case modelExternal:
		in := external.Input{
			Trips:       ds.External.Trips,
			Stations:    ds.External.Stations,
			Centroids:   ds.External.Centroids,
			Zones:       ds.Zones.Zones(),
			Productions: ds.External.Productions,
			Attractions: ds.External.Attractions,
		}
		tab, rep, err := external.Disaggregate(in, log)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"EI": rep.ExternalInternal, "IE": rep.InternalExternal, "EE": rep.ExternalExternal,
			"II": rep.InternalInternal, "unassigned": rep.Unassigned,
		}).Info("external trips disaggregated")
		return []output{{table: tab, head: csvio.ExternalHeader}}, nil
	}
	return nil, fmt.Errorf("unknown model %q", name)
}

// pipeline wires the commodity flow models. Flows come from the data
// directory through an in-memory source, or from the store with
// --from-store.
func (r *runner) pipeline(ctx context.Context, name, runID string, ds *integrations.Dataset, log logrus.FieldLogger) (*pipeline.Pipeline, error) {
	var src store.FlowSource = r.store
	coms := ds.Commodities()
	if !r.fromStore {
		mem := store.NewMemory()
		if _, err := mem.PutFlows(ctx, ds.Flows); err != nil {
			return nil, err
		}
		src = mem
	} else {
		var err error
		if coms, err = r.store.Commodities(ctx); err != nil {
			return nil, fmt.Errorf("commodities: %w", err)
		}
	}
	conv, err := trucks.New(r.cfg.Trucks, coms, log)
	if err != nil {
		return nil, err
	}
	weights := disagg.BuildWeights(ds.Zones, ds.Activity, ds.CountyActivity, ds.Coefficients, coms, log)
	p := pipeline.New(ds.Zones, weights, conv, src, r.cfg, log)
	p.Events = r.broker
	p.RunID = runID
	if name == pipeline.ModelLongHaul && r.cfg.DC.Enabled {
		p.DCs = pipeline.BuildDCIndex(ds.Zones, ds.Facilities, r.cfg.DC)
	}
	return p, nil
}

// persist saves every table to the store and writes it under outDir.
func (r *runner) persist(ctx context.Context, runID string, outs []output, totals map[string]float64, log logrus.FieldLogger) error {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return err
	}
	for _, o := range outs {
		if err := r.store.SaveTripTable(ctx, runID, o.table); err != nil {
			return fmt.Errorf("save %s: %w", o.table.Name, err)
		}
		path, err := csvio.WriteTable(r.outDir, o.table, o.head)
		if err != nil {
			return fmt.Errorf("write %s: %w", o.table.Name, err)
		}
		for c, v := range o.table.Totals {
			totals[o.table.Name+"."+string(c)] = v
		}
		log.WithField("path", path).Info("trip table written")
		for file, fn := range o.extra {
			if err := csvio.WriteFile(filepath.Join(r.outDir, file), fn); err != nil {
				return fmt.Errorf("write %s: %w", file, err)
			}
		}
	}
	return nil
}

// notify queues webhooks for the final event and delivers what is due.
func (r *runner) notify(ctx context.Context, runID string, evt events.Event, log logrus.FieldLogger) {
	n, err := webhooks.NewPublisher(r.store).Emit(ctx, runID, evt.Type, evt.Data)
	if err != nil {
		log.WithError(err).Warn("webhook emit failed")
		return
	}
	if n == 0 {
		return
	}
	timeout := r.drainTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := webhooks.NewWorker(r.store, r.cfg.Webhooks, log).Drain(dctx); err != nil {
		log.WithError(err).Warn("webhook delivery incomplete")
	}
}

// loadFlows imports the flows of dataDir into s.
func loadFlows(ctx context.Context, dataDir string, s store.Store, log logrus.FieldLogger) (int, error) {
	f, err := os.Open(filepath.Join(dataDir, csvio.FileFlows))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	recs, err := csvio.ReadFlows(f)
	if err != nil {
		return 0, err
	}
	log.WithField("path", f.Name()).Debug("flows read")
	return s.PutFlows(ctx, recs)
}
