package server

import "testing"

func TestMemoryStoreRunLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	meta := RunMeta{
		RunID:       "run_test_1",
		Status:      "queued",
		Source:      "test",
		CreatorType: "admin",
		CreatedAt:   nowRFC3339(),
	}
	if err := store.CreateRun(meta); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	event, err := store.AppendRunEvent(meta.RunID, "queue", "queued", nil)
	if err != nil {
		t.Fatalf("AppendRunEvent error: %v", err)
	}
	if event.Seq != 1 {
		t.Fatalf("expected first seq=1, got %d", event.Seq)
	}
	updated, err := store.UpdateRun(meta.RunID, func(item *RunMeta) {
		item.Status = "running"
	})
	if err != nil {
		t.Fatalf("UpdateRun error: %v", err)
	}
	if updated.Status != "running" {
		t.Fatalf("expected status running, got %s", updated.Status)
	}
}

func TestMemoryStoreMetricsOverview(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	_ = store.CreateRun(RunMeta{
		RunID:     "run_pass",
		Status:    "pass",
		CreatedAt: nowRFC3339(),
		Outcome:   OutcomeSummary{Cases: 6, Passed: 4, Skipped: 2, Audited: 1},
	})
	_ = store.CreateRun(RunMeta{
		RunID:     "run_fail",
		Status:    "fail",
		CreatedAt: nowRFC3339(),
		Outcome:   OutcomeSummary{Cases: 6, Passed: 3, Failed: 2, Skipped: 1},
	})
	overview := store.GetMetricsOverview()
	if overview.TotalRuns != 2 || overview.PassRuns != 1 || overview.FailRuns != 1 {
		t.Fatalf("unexpected run totals: %+v", overview)
	}
	if overview.CasesEvaluated != 12 || overview.CasesSkipped != 3 || overview.CasesAudited != 1 {
		t.Fatalf("unexpected case totals: %+v", overview)
	}
}
