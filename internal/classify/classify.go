// Package classify implements the pure trade classifier described in
// spec.md §4.3 and §3 "Lifecycle Action": given a prior position, a
// fill side, and a fill size, it produces one of eight canonical
// position-lifecycle actions plus the resulting deltas.
package classify

import "math"

// Side is the upstream fill side.
type Side string

const (
	SideBuy  Side = "B"
	SideSell Side = "S"
)

// Action is one of the eight canonical lifecycle actions from spec.md §3.
type Action string

const (
	ActionOpenLong      Action = "Open Long"
	ActionOpenShort     Action = "Open Short"
	ActionIncreaseLong  Action = "Increase Long"
	ActionDecreaseLong  Action = "Decrease Long"
	ActionCloseLongAll  Action = "Close Long (All)"
	ActionIncreaseShort Action = "Increase Short"
	ActionDecreaseShort Action = "Decrease Short"
	ActionCloseShortAll Action = "Close Short (All)"
)

// Result is the outcome of classifying a single fill.
type Result struct {
	Action   Action
	Delta    float64
	NewPos   float64
}

// Classify is total and deterministic: for every startPosition ∈ ℝ,
// side ∈ {B,S}, size > 0, it returns exactly one of the eight actions
// (property P4 in spec.md §8).
//
// delta = side=='B' ? +size : -size
// newPos = startPosition + delta
// "Close" is chosen iff newPos == 0 exactly, after epsilon-scaled
// normalization (spec.md §3): |newPos| <= 1e-12 * max(|startPosition|, |delta|).
func Classify(startPosition float64, side Side, size float64) Result {
	delta := size
	if side == SideSell {
		delta = -size
	}
	newPos := startPosition + delta

	scale := math.Max(math.Abs(startPosition), math.Abs(delta))
	epsilon := 1e-12 * scale
	if epsilon == 0 {
		epsilon = 1e-12
	}
	closesAll := math.Abs(newPos) <= epsilon
	if closesAll {
		newPos = 0
	}

	action := classifyAction(startPosition, delta, closesAll)
	return Result{Action: action, Delta: delta, NewPos: newPos}
}

func classifyAction(startPosition, delta float64, closesAll bool) Action {
	switch {
	case startPosition == 0 && delta > 0:
		return ActionOpenLong
	case startPosition == 0 && delta < 0:
		return ActionOpenShort
	case startPosition > 0 && delta > 0:
		return ActionIncreaseLong
	case startPosition > 0 && delta < 0 && closesAll:
		return ActionCloseLongAll
	case startPosition > 0 && delta < 0:
		return ActionDecreaseLong
	case startPosition < 0 && delta < 0:
		return ActionIncreaseShort
	case startPosition < 0 && delta > 0 && closesAll:
		return ActionCloseShortAll
	case startPosition < 0 && delta > 0:
		return ActionDecreaseShort
	default:
		// startPosition == 0 && delta == 0: a zero-size fill, rejected
		// upstream of classification per spec.md §8 boundary behaviors;
		// still total here by falling back to the nearest open action.
		return ActionOpenLong
	}
}
