package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.RecordFetch("ib", "ok", 0.2)
	r.RecordFetch("ib", "timeout", 30)
	r.RecordFetch("ib", "ok", 0.1)
	if got := testutil.ToFloat64(r.fetches.WithLabelValues("ib", "ok")); got != 2 {
		t.Fatalf("expected 2 ok fetches, got %v", got)
	}

	r.RecordEmission(6000)
	r.RecordEmission(6100)
	if got := testutil.ToFloat64(r.emissions); got != 2 {
		t.Fatalf("expected 2 emissions, got %v", got)
	}
	if got := testutil.ToFloat64(r.netliq); got != 6100 {
		t.Fatalf("expected netliq gauge 6100, got %v", got)
	}

	r.RecordReadiness(true)
	r.RecordReadiness(false)
	if got := testutil.ToFloat64(r.ready); got != 0 {
		t.Fatalf("expected ready gauge 0, got %v", got)
	}

	r.RecordSinkDrop("s3")
	r.RecordSinkQueue("s3", 4)
	if testutil.ToFloat64(r.sinkDrops.WithLabelValues("s3")) != 1 || testutil.ToFloat64(r.sinkQueue.WithLabelValues("s3")) != 4 {
		t.Fatalf("unexpected sink metrics")
	}
}

func TestRecordersOnSeparateRegistries(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
