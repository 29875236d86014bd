package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

func TestMemoryFlowsByCommodity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, _ = m.PutFlows(ctx, []model.FlowRecord{
		{Commodity: "SCTG02", Origin: 1, Dest: 2, Tons: 5},
		{Commodity: "SCTG01", Origin: 1, Dest: 1, Tons: 3},
		{Commodity: "SCTG02", Origin: 2, Dest: 1, Tons: 7},
	})
	coms, _ := m.Commodities(ctx)
	if len(coms) != 2 || coms[0] != "SCTG01" {
		t.Fatalf("commodities %v", coms)
	}
	var tons float64
	if err := m.Flows(ctx, "SCTG02", func(r model.FlowRecord) error { tons += r.Tons; return nil }); err != nil {
		t.Fatal(err)
	}
	if tons != 12 {
		t.Fatalf("tons %v", tons)
	}
	stop := errors.New("stop")
	if err := m.Flows(ctx, "SCTG02", func(model.FlowRecord) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("callback error not returned: %v", err)
	}
}

func TestMemoryRunLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r, err := m.CreateRun(ctx, "longhaul")
	if err != nil || r.Status != RunRunning {
		t.Fatalf("CreateRun: %+v %v", r, err)
	}
	tbl := model.TripTable{Name: "trips", Zones: []int{1, 2}, Trips: map[model.TruckClass]*mat.Dense{
		model.SUT: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
	}}
	if err := m.SaveTripTable(ctx, r.ID, tbl); err != nil {
		t.Fatal(err)
	}
	tot, err := m.GetTripTotals(ctx, r.ID)
	if err != nil || tot["trips.SUT"] != 10 {
		t.Fatalf("totals %v %v", tot, err)
	}
	done, err := m.FinishRun(ctx, r.ID, errors.New("boom"), tot)
	if err != nil || done.Status != RunFailed || done.Error != "boom" || done.FinishedAt == nil {
		t.Fatalf("FinishRun: %+v %v", done, err)
	}
	if _, err := m.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	runs, _ := m.ListRuns(ctx, 10)
	if len(runs) != 1 {
		t.Fatalf("runs %v", runs)
	}
}

func TestMemoryWebhookQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub, _ := m.CreateSubscription(ctx, model.Subscription{URL: "http://x", EventTypes: []string{"run.completed"}})
	subs, _ := m.GetSubscriptionsForEvent(ctx, "run.completed")
	if len(subs) != 1 || subs[0].ID != sub.ID {
		t.Fatalf("subs %v", subs)
	}
	if s, _ := m.GetSubscriptionsForEvent(ctx, "run.failed"); len(s) != 0 {
		t.Fatalf("unexpected subs %v", s)
	}
	id, _ := m.EnqueueWebhook(ctx, sub.ID, "run.completed", sub.URL, "", []byte(`{}`))
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due %v", due)
	}
	next := time.Now().Add(time.Hour)
	_ = m.MarkWebhookDelivery(ctx, id, false, &next, "503", 503, 5)
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatal("retry scheduled in the future should not be due")
	}
	if st, n := m.DeliveryStatus(id); st != "retry" || n != 1 {
		t.Fatalf("status %s attempts %d", st, n)
	}
}
