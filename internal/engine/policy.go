package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceGuard decides whether the current electricity price is above a cutoff
type PriceGuard interface {
	ExceedsMaxPrice(cutoff *decimal.Decimal) bool
}

// ResolveTarget picks the set-point for a room. A price above the cutoff
// always wins over the schedule. A zero room cutoff counts as unset, like
// zero temperatures do.
func ResolveTarget(room RoomConfig, global GlobalConfig, guard PriceGuard, now time.Time) ResolvedTarget {
	target := ResolvedTarget{
		Room:     room.Name,
		SetPoint: firstSet(room.NightTemperature, global.NightTemperature),
		Reason:   ReasonDefault,
	}

	cutoff := room.MaxPrice
	if cutoff == nil || cutoff.IsZero() {
		cutoff = global.MaxPrice
	}

	switch {
	case guard != nil && guard.ExceedsMaxPrice(cutoff):
		target.Reason = ReasonPrice
	case IsWithinSchedule(room.Schedule, now):
		target.SetPoint = firstSet(room.DayTemperature, global.DayTemperature)
		target.Reason = ReasonSchedule
	}

	return target
}

// firstSet returns the first configured, non-zero temperature
func firstSet(temps ...*int) int {
	for _, t := range temps {
		if t != nil && *t != 0 {
			return *t
		}
	}
	return DefaultTemperature
}
