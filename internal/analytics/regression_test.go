package analytics

import "testing"

func TestDetectRegressionsFlagsDrop(t *testing.T) {
	runs := []ScoredRun{
		{Eval: "E", Score: 0.872, RunAt: 1},
		{Eval: "E", Score: 0.679, RunAt: 2},
	}
	got := DetectRegressions(runs)
	if len(got) != 1 {
		t.Fatalf("DetectRegressions() returned %d regressions, want 1", len(got))
	}
	r := got[0]
	if r.Eval != "E" {
		t.Errorf("Eval = %q, want %q", r.Eval, "E")
	}
	if !closeTo(r.Delta, 0.193, 0.001) {
		t.Errorf("Delta = %v, want ≈0.193", r.Delta)
	}
	if !closeTo(r.DeltaPercent, -22.1, 0.1) {
		t.Errorf("DeltaPercent = %v, want ≈-22.1", r.DeltaPercent)
	}
}

func TestDetectRegressionsIgnoresImprovement(t *testing.T) {
	runs := []ScoredRun{
		{Eval: "E", Score: 0.75, RunAt: 1},
		{Eval: "E", Score: 0.80, RunAt: 2},
	}
	if got := DetectRegressions(runs); len(got) != 0 {
		t.Errorf("DetectRegressions() = %v, want none for an improving run", got)
	}
}

func TestDetectRegressionsIndependentPerEval(t *testing.T) {
	runs := []ScoredRun{
		{Eval: "A", Score: 0.9, RunAt: 1},
		{Eval: "B", Score: 0.9, RunAt: 1},
		{Eval: "A", Score: 0.4, RunAt: 2},
		{Eval: "B", Score: 0.89, RunAt: 2},
	}
	got := DetectRegressions(runs)
	if len(got) != 1 || got[0].Eval != "A" {
		t.Fatalf("DetectRegressions() = %+v, want exactly one regression for eval A", got)
	}
}

func TestDetectRegressionsWithThreshold(t *testing.T) {
	runs := []ScoredRun{
		{Eval: "E", Score: 1.0, RunAt: 1},
		{Eval: "E", Score: 0.97, RunAt: 2},
	}
	if got := DetectRegressionsWithThreshold(runs, 5.0); len(got) != 0 {
		t.Errorf("3%% drop under a 5%% threshold should not regress, got %+v", got)
	}
	if got := DetectRegressionsWithThreshold(runs, 2.0); len(got) != 1 {
		t.Errorf("3%% drop over a 2%% threshold should regress, got %+v", got)
	}
}

func closeTo(a, b, tolerance float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
