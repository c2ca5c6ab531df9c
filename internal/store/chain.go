package store

import "github.com/shopspring/decimal"

// deltaOf returns the signed position delta a stored fill represents,
// recovered from its classified action: Close actions zero the
// position outright; Open Long, Increase Long and Decrease Short add
// size; Open Short, Increase Short and Decrease Long subtract it; an
// unrecognized action is treated as +size.
func deltaOf(f Fill) decimal.Decimal {
	switch f.Action {
	case "Open Long", "Increase Long", "Decrease Short":
		return f.Size
	case "Open Short", "Increase Short", "Decrease Long":
		return f.Size.Neg()
	case "Close Long (All)":
		return f.StartPosition.Neg()
	case "Close Short (All)":
		return f.StartPosition.Neg()
	default:
		return f.Size
	}
}

// validateChain walks fills (already ordered by time ascending for one
// (address, asset)) and records every mismatch per spec.md §4.4:
// f_i.startPosition + signed(f_i) must equal f_{i+1}.startPosition.
func validateChain(fills []Fill) ChainResult {
	result := ChainResult{Valid: true}
	for i := 0; i+1 < len(fills); i++ {
		expected := fills[i].StartPosition.Add(deltaOf(fills[i]))
		actual := fills[i+1].StartPosition
		if !expected.Equal(actual) {
			result.Valid = false
			result.Gaps = append(result.Gaps, ChainGap{
				At:       fills[i+1].At,
				Expected: expected,
				Actual:   actual,
			})
		}
	}
	return result
}
