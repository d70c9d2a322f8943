package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.JobStarted()
	r.JobStarted()
	if got := testutil.ToFloat64(r.inFlight); got != 2 {
		t.Fatalf("expected 2 in flight, got %v", got)
	}
	r.JobFinished("deployed", time.Second)
	r.JobFinished("failed", 2*time.Second)

	if got := testutil.ToFloat64(r.inFlight); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(r.jobsTotal.WithLabelValues("deployed")); got != 1 {
		t.Fatalf("expected 1 deployed job, got %v", got)
	}
	if got := testutil.ToFloat64(r.jobsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed job, got %v", got)
	}
}

func TestRecorderTransfers(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveTransfer("fetch", true, 100)
	r.ObserveTransfer("fetch", true, 50)
	r.ObserveTransfer("fetch", false, 10)

	if got := testutil.ToFloat64(r.transfersTotal.WithLabelValues("fetch", "success")); got != 2 {
		t.Fatalf("expected 2 successful fetches, got %v", got)
	}
	if got := testutil.ToFloat64(r.transfersTotal.WithLabelValues("fetch", "failure")); got != 1 {
		t.Fatalf("expected 1 failed fetch, got %v", got)
	}
	if got := testutil.ToFloat64(r.transferredBytes.WithLabelValues("fetch")); got != 150 {
		t.Fatalf("expected 150 bytes, got %v", got)
	}
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	first.ObserveStage("build", true, time.Second)
	second.ObserveStage("build", true, time.Second)

	if got := testutil.CollectAndCount(reg, "localvercel_deployer_stage_duration_seconds"); got != 1 {
		t.Fatalf("expected a single stage series, got %d", got)
	}
	if first.stageDuration != second.stageDuration {
		t.Fatalf("expected second recorder to reuse the registered histogram")
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.JobStarted()
	r.JobFinished("deployed", time.Second)
	r.ObserveStage("fetch", true, time.Second)
	r.ObserveTransfer("publish", true, 1)
}
