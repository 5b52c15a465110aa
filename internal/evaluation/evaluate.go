package evaluation

import (
	"errors"
	"math"
)

// Verdict classifies an achievement percentage into one of four bands.
type Verdict string

const (
	VerdictExcellent      Verdict = "excellent"
	VerdictSatisfactory   Verdict = "satisfactory"
	VerdictBelowTarget    Verdict = "below_target"
	VerdictUnsatisfactory Verdict = "unsatisfactory"
)

// NextAction is the progression decision attached to a verdict.
type NextAction string

const (
	NextUnlock              NextAction = "UNLOCK"
	NextCorrectiveRequired  NextAction = "CORRECTIVE_REQUIRED"
	NextCorrectiveMandatory NextAction = "CORRECTIVE_MANDATORY"
)

// ErrDegenerateTarget is returned when target equals baseline, which makes the
// achievement ratio undefined. Callers must treat it as a planning error.
var ErrDegenerateTarget = errors.New("target equals baseline: achievement is undefined")

// Evaluation is the derived scoring of a single measured result.
type Evaluation struct {
	Improvement           float64    `json:"improvement"`
	TargetImprovement     float64    `json:"target_improvement"`
	AchievementPercentage float64    `json:"achievement_percentage"`
	Verdict               Verdict    `json:"verdict"`
	NextAction            NextAction `json:"next_action"`
	Message               string     `json:"message"`
}

// Passed reports whether the verdict unlocks progression.
func (e Evaluation) Passed() bool {
	return e.NextAction == NextUnlock
}

// Evaluate scores a measured value against its success criterion. The direction
// is normalized so that targets below the baseline (reduction indicators) score
// the same way as targets above it.
func Evaluate(baseline, current, target float64) (Evaluation, error) {
	improvement := current - baseline
	targetImprovement := target - baseline

	if targetImprovement == 0 {
		return Evaluation{}, ErrDegenerateTarget
	}

	pct := improvement / targetImprovement * 100
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return Evaluation{}, ErrDegenerateTarget
	}

	// Classify before rounding so values just under a band boundary stay in
	// the lower band; the stored percentage is rounded for presentation only.
	verdict, next, message := classify(pct)
	return Evaluation{
		Improvement:           improvement,
		TargetImprovement:     targetImprovement,
		AchievementPercentage: round2(pct),
		Verdict:               verdict,
		NextAction:            next,
		Message:               message,
	}, nil
}

// classify maps an achievement percentage onto its verdict band. Bands are
// evaluated high to low and do not overlap.
func classify(pct float64) (Verdict, NextAction, string) {
	switch {
	case pct >= 100:
		return VerdictExcellent, NextUnlock, "Target fully achieved"
	case pct >= 80:
		return VerdictSatisfactory, NextUnlock, "Minimum acceptable target achieved"
	case pct >= 50:
		return VerdictBelowTarget, NextCorrectiveRequired, "Below target, corrective required"
	default:
		return VerdictUnsatisfactory, NextCorrectiveMandatory, "Significantly below target"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
