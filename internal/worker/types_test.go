package worker

import "testing"

func TestRunRemainingAttempts(t *testing.T) {
	cases := []struct {
		attemptCount int
		want         int
	}{
		{0, 3},
		{1, 2},
		{2, 1},
		{3, 0},
		{4, 0}, // never goes negative
	}
	for _, c := range cases {
		run := Run{AttemptCount: c.attemptCount}
		if got := run.RemainingAttempts(); got != c.want {
			t.Errorf("RemainingAttempts() with attempt_count=%d = %d, want %d", c.attemptCount, got, c.want)
		}
	}
}

func TestVerifyResultPassed(t *testing.T) {
	cases := []struct {
		name  string
		steps []VerifyStep
		want  bool
	}{
		{"empty", nil, true},
		{"all passed", []VerifyStep{{Passed: true}, {Passed: true}}, true},
		{"one skipped", []VerifyStep{{Passed: true}, {Skipped: true}}, true},
		{"one failed", []VerifyStep{{Passed: true}, {Passed: false}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			result := VerifyResult{Steps: c.steps}
			if got := result.Passed(); got != c.want {
				t.Errorf("Passed() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestVerifyResultBlockers(t *testing.T) {
	result := VerifyResult{Steps: []VerifyStep{
		{Name: "typecheck", Passed: true},
		{Name: "test", Passed: false, Output: "TestFoo failed"},
		{Name: "lint", Skipped: true, SkipReason: "no linter configured"},
	}}
	blockers := result.Blockers()
	if len(blockers) != 1 || blockers[0] != "TestFoo failed" {
		t.Errorf("Blockers() = %v, want [\"TestFoo failed\"]", blockers)
	}
}
