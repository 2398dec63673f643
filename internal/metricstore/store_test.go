package metricstore

import (
	"fmt"
	"testing"

	"healthwatch/internal/domain"
)

func TestStoreCapacityEvictsOldestAcrossTargets(t *testing.T) {
	t.Parallel()

	store := New(3)
	store.Ingest(domain.MetricSample{TargetID: "a", Timestamp: 1})
	store.Ingest(domain.MetricSample{TargetID: "b", Timestamp: 2})
	store.Ingest(domain.MetricSample{TargetID: "a", Timestamp: 3})
	store.Ingest(domain.MetricSample{TargetID: "b", Timestamp: 4})

	if store.Len() != 3 {
		t.Fatalf("expected 3 retained samples, got %d", store.Len())
	}
	if store.TargetCount("a") != 1 {
		t.Fatalf("expected oldest sample of target a evicted, got %d", store.TargetCount("a"))
	}
	remaining := store.QueryWindow("a", 0, 10)
	if len(remaining) != 1 || remaining[0].Timestamp != 3 {
		t.Fatalf("unexpected survivor for target a: %+v", remaining)
	}
}

func TestQueryWindowInclusiveBoundsAndInsertionOrder(t *testing.T) {
	t.Parallel()

	store := New(0)
	for _, ts := range []int64{100, 300, 200, 400} {
		store.Ingest(domain.MetricSample{TargetID: "api", Timestamp: ts})
	}

	window := store.QueryWindow("api", 200, 300)
	if len(window) != 2 {
		t.Fatalf("expected 2 samples in window, got %d", len(window))
	}
	if window[0].Timestamp != 300 || window[1].Timestamp != 200 {
		t.Fatalf("expected insertion order 300,200 got %d,%d", window[0].Timestamp, window[1].Timestamp)
	}
	if got := store.QueryWindow("other", 0, 1000); len(got) != 0 {
		t.Fatalf("expected empty window for unknown target, got %d", len(got))
	}
}

func TestLatestReturnsLastInserted(t *testing.T) {
	t.Parallel()

	store := New(0)
	if _, ok := store.Latest("api"); ok {
		t.Fatalf("expected no latest sample for empty store")
	}
	store.Ingest(domain.MetricSample{TargetID: "api", Timestamp: 500})
	store.Ingest(domain.MetricSample{TargetID: "api", Timestamp: 450})

	latest, ok := store.Latest("api")
	if !ok || latest.Timestamp != 450 {
		t.Fatalf("expected last inserted sample 450, got %+v ok=%v", latest, ok)
	}
}

func TestIngestAssignsSequentialIDs(t *testing.T) {
	t.Parallel()

	store := New(0)
	for i := 0; i < 3; i++ {
		stored := store.Ingest(domain.MetricSample{TargetID: "api", Timestamp: int64(i + 1)})
		if stored.ID != fmt.Sprintf("smp-%d", i+1) {
			t.Fatalf("unexpected sample id %q", stored.ID)
		}
	}
}
