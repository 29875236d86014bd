package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()
	FlowsSkipped.WithLabelValues("test", "min_distance").Add(3)
	if got := testutil.ToFloat64(FlowsSkipped.WithLabelValues("test", "min_distance")); got != 3 {
		t.Fatalf("got %v", got)
	}
	ObserveBalance("empties", 4, true)
	if n := testutil.CollectAndCount(BalancerIterations); n == 0 {
		t.Fatal("no balancer observations collected")
	}
}
