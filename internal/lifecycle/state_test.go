package lifecycle

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustStart(t *testing.T, m Metadata) Metadata {
	t.Helper()
	out, err := m.Start(t0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return out
}

func TestStartInitializesRun(t *testing.T) {
	m := mustStart(t, Metadata{})
	if m.State() != StateProcessing {
		t.Fatalf("state = %s, want processing", m.State())
	}
	if !m.Processing || m.ProcessingProgress != 0 || m.ProcessingStatus != StatusStarting {
		t.Fatalf("unexpected start fields: %+v", m)
	}
	if m.ProcessingStartTime == nil || !m.ProcessingStartTime.Equal(t0) {
		t.Fatalf("start time not recorded")
	}
}

func TestStartIsIdempotentWhileProcessing(t *testing.T) {
	m := mustStart(t, Metadata{})
	m, _ = m.Progress(40, StatusAnalyzing)
	again, err := m.Start(t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("start while processing: %v", err)
	}
	if again.ProcessingProgress != 40 || !again.ProcessingStartTime.Equal(t0) {
		t.Fatalf("idempotent start must not reset the run: %+v", again)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	m := mustStart(t, Metadata{})
	var err error
	for _, pct := range []int{0, 10, 10, 55, 90} {
		if m, err = m.Progress(pct, ""); err != nil {
			t.Fatalf("progress %d: %v", pct, err)
		}
	}
	if _, err = m.Progress(89, ""); err == nil {
		t.Fatalf("expected backwards progress to be rejected")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error = %T, want InvalidTransitionError", err)
	}
	if m.ProcessingProgress != 90 {
		t.Fatalf("rejected progress must not mutate state")
	}
}

func TestProgressRejectsOutOfRange(t *testing.T) {
	m := mustStart(t, Metadata{})
	if _, err := m.Progress(101, ""); err == nil {
		t.Fatalf("expected progress > 100 to be rejected")
	}
	if _, err := m.Progress(-1, ""); err == nil {
		t.Fatalf("expected negative progress to be rejected")
	}
}

func TestProgressRequiresProcessing(t *testing.T) {
	if _, err := (Metadata{}).Progress(10, ""); err == nil {
		t.Fatalf("expected progress on uninitialized record to fail")
	}
}

func TestSucceedRecordsPayload(t *testing.T) {
	m := mustStart(t, Metadata{})
	m, err := m.Succeed(Payload{
		OptimizedText:    "improved résumé",
		SelectedTemplate: "classic",
		Score:            82,
		Suggestions:      []string{"quantify impact"},
	}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if m.State() != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", m.State())
	}
	if m.Processing || m.Optimizing || !m.Optimized {
		t.Fatalf("unexpected flags after success: %+v", m)
	}
	if m.ProcessingError != "" {
		t.Fatalf("success must clear the error field")
	}
	if m.CompletedAt == nil || m.OptimizedAt == nil {
		t.Fatalf("terminal timestamps missing")
	}
	if m.OptimizedText != "improved résumé" || m.AnalysisScore != 82 {
		t.Fatalf("payload not merged: %+v", m)
	}
}

func TestFailRecordsErrorAndKeepsHistory(t *testing.T) {
	m := mustStart(t, Metadata{})
	m, _ = m.Succeed(Payload{OptimizedText: "v1"}, t0)

	// A fresh run over a succeeded record that then fails keeps the old
	// result as history while the latest-run error drives the state.
	m = mustStart(t, m)
	m, err := m.Fail("rate limit exceeded", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want failed", m.State())
	}
	if m.ProcessingError != "rate limit exceeded" || m.Processing {
		t.Fatalf("unexpected failure fields: %+v", m)
	}
	if !m.Optimized || m.OptimizedText != "v1" {
		t.Fatalf("failure must not erase prior optimization history")
	}
}

func TestFailRequiresProcessing(t *testing.T) {
	if _, err := (Metadata{}).Fail("boom", t0); err == nil {
		t.Fatalf("expected fail on idle record to be rejected")
	}
}

func TestRestartRequiresFailure(t *testing.T) {
	idle := Metadata{}
	if _, err := idle.Restart(false, t0); err == nil {
		t.Fatalf("expected restart from uninitialized to be rejected")
	}
	running := mustStart(t, Metadata{})
	if _, err := running.Restart(false, t0); err == nil {
		t.Fatalf("expected restart from processing to be rejected without force")
	}
}

func TestRestartCountsRetries(t *testing.T) {
	m := Metadata{}
	for i := 1; i <= 3; i++ {
		m = mustStart(t, m)
		var err error
		if m, err = m.Fail("provider unavailable", t0); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if m, err = m.Restart(false, t0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("restart %d: %v", i, err)
		}
		if m.RetryCount != i {
			t.Fatalf("retryCount = %d, want %d", m.RetryCount, i)
		}
		if m.State() != StateProcessing || m.ProcessingError != "" || m.ProcessingProgress != 0 {
			t.Fatalf("restart must re-enter a clean processing state: %+v", m)
		}
	}
}

func TestForcedRestartFromProcessing(t *testing.T) {
	m := mustStart(t, Metadata{})
	m, err := m.Restart(true, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("forced restart: %v", err)
	}
	if m.RetryCount != 1 || m.State() != StateProcessing {
		t.Fatalf("unexpected state after forced restart: %+v", m)
	}
}

func TestFailedRerunOutranksKeptSuccess(t *testing.T) {
	m := mustStart(t, Metadata{})
	m, _ = m.Succeed(Payload{OptimizedText: "v1"}, t0)

	// A re-run over a succeeded record fails: optimized fields stay behind as
	// history, but the latest run's error decides the state.
	m = mustStart(t, m)
	m, err := m.Fail("provider unavailable", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want failed despite kept history", m.State())
	}
	if !m.Optimized || m.OptimizedText != "v1" {
		t.Fatalf("history must survive the failed re-run: %+v", m)
	}

	// Restarting and succeeding flips the state back, clearing the error.
	m, err = m.Restart(false, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	m, err = m.Succeed(Payload{OptimizedText: "v2"}, t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if m.State() != StateSucceeded || m.ProcessingError != "" || m.OptimizedText != "v2" {
		t.Fatalf("recovery snapshot wrong: %+v", m)
	}
}

func TestParseCorruptBlobDegrades(t *testing.T) {
	m, err := Parse([]byte(`{"processing": tru`))
	if err == nil {
		t.Fatalf("expected structural error")
	}
	var se *StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("error = %T, want StructuralError", err)
	}
	if m.State() != StateUninitialized {
		t.Fatalf("corrupt blob must degrade to an uninitialized state")
	}
}

func TestParseEmptyBlob(t *testing.T) {
	m, err := Parse(nil)
	if err != nil || m.State() != StateUninitialized {
		t.Fatalf("empty blob: m=%+v err=%v", m, err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m := mustStart(t, Metadata{})
	m, _ = m.Progress(30, StatusAnalyzing)
	blob, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ProcessingProgress != 30 || got.ProcessingStatus != StatusAnalyzing || !got.Processing {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestStaleSince(t *testing.T) {
	m := mustStart(t, Metadata{})
	if m.StaleSince(t0.Add(time.Minute), 10*time.Minute) {
		t.Fatalf("fresh run reported stale")
	}
	if !m.StaleSince(t0.Add(time.Hour), 10*time.Minute) {
		t.Fatalf("hour-old run not reported stale")
	}
	idle := Metadata{}
	if idle.StaleSince(t0.Add(time.Hour), 10*time.Minute) {
		t.Fatalf("idle record reported stale")
	}
}
