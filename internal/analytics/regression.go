package analytics

import "sort"

// DefaultRegressionThresholdPercent is the default drop (as a percentage of
// the previous score) beyond which a run is flagged as a regression.
const DefaultRegressionThresholdPercent = 5.0

// ScoredRun is one recorded evaluation run (spec §8 S7). RunAt orders runs
// of the same Eval when two runs share a timestamp or callers don't supply
// one in strictly increasing order; ties are broken by input order.
type ScoredRun struct {
	Eval  string
	Score float64
	RunAt int64 // unix milliseconds
}

// Regression flags a drop between two consecutive runs of the same Eval.
// Delta is previous-minus-current (positive for a drop); DeltaPercent is
// signed relative to the previous score (negative for a drop), matching the
// sign a human reads as "score fell by X%".
type Regression struct {
	Eval          string
	PreviousScore float64
	Score         float64
	Delta         float64
	DeltaPercent  float64
}

// DetectRegressions compares each eval's consecutive runs (ordered by
// RunAt, input order as tiebreak) and reports one Regression per drop that
// exceeds DefaultRegressionThresholdPercent.
func DetectRegressions(runs []ScoredRun) []Regression {
	return DetectRegressionsWithThreshold(runs, DefaultRegressionThresholdPercent)
}

// DetectRegressionsWithThreshold is DetectRegressions with a caller-supplied
// threshold (percentage points of drop relative to the previous score).
func DetectRegressionsWithThreshold(runs []ScoredRun, thresholdPercent float64) []Regression {
	byEval := make(map[string][]ScoredRun)
	var order []string
	for _, r := range runs {
		if _, ok := byEval[r.Eval]; !ok {
			order = append(order, r.Eval)
		}
		byEval[r.Eval] = append(byEval[r.Eval], r)
	}

	var out []Regression
	for _, eval := range order {
		evalRuns := byEval[eval]
		sort.SliceStable(evalRuns, func(i, j int) bool {
			return evalRuns[i].RunAt < evalRuns[j].RunAt
		})
		for i := 1; i < len(evalRuns); i++ {
			prev, cur := evalRuns[i-1], evalRuns[i]
			if prev.Score <= 0 {
				continue
			}
			delta := prev.Score - cur.Score
			deltaPercent := (cur.Score - prev.Score) / prev.Score * 100
			if deltaPercent <= -thresholdPercent {
				out = append(out, Regression{
					Eval:          eval,
					PreviousScore: prev.Score,
					Score:         cur.Score,
					Delta:         delta,
					DeltaPercent:  deltaPercent,
				})
			}
		}
	}
	return out
}
