//go:build property
// +build property

package grid_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/donutboyband/SendFlowr/pkg/grid"
)

// TestSlotDatetimeRoundTrip verifies DatetimeToSlot(SlotToDatetime(slot, week)) == slot
// for any slot and any week start, the invariant spec §9 calls out for the
// minute-grid primitive.
func TestSlotDatetimeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("slot -> datetime -> slot is the identity", prop.ForAll(
		func(rawSlot int, weekOffsetDays int) bool {
			slot := grid.Mod(rawSlot)
			weekStart := grid.WeekStart(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, weekOffsetDays))
			dt := grid.SlotToDatetime(slot, weekStart)
			return grid.DatetimeToSlot(dt) == slot
		},
		gen.IntRange(-20000, 20000),
		gen.IntRange(0, 3650),
	))

	properties.TestingRun(t)
}

// TestWindowSlotsLength verifies WindowSlots(start, end) always has the
// length its own wraparound arithmetic implies, whether or not the window
// wraps the week boundary.
func TestWindowSlotsLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("WindowSlots length matches the wrap-aware count", prop.ForAll(
		func(rawStart, rawEnd int) bool {
			start, end := grid.Mod(rawStart), grid.Mod(rawEnd)
			slots := grid.WindowSlots(start, end)
			var want int
			if end >= start {
				want = end - start + 1
			} else {
				want = grid.SlotCount - start + end + 1
			}
			if len(slots) != want {
				return false
			}
			return slots[0] == start && slots[len(slots)-1] == end
		},
		gen.IntRange(-20000, 20000),
		gen.IntRange(-20000, 20000),
	))

	properties.TestingRun(t)
}

// TestInWindowAgreesWithWindowSlots verifies InWindow(slot, start, end) is
// true exactly for slots enumerated by WindowSlots(start, end).
func TestInWindowAgreesWithWindowSlots(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("InWindow matches WindowSlots membership", prop.ForAll(
		func(rawStart, rawEnd, rawProbe int) bool {
			start, end, probe := grid.Mod(rawStart), grid.Mod(rawEnd), grid.Mod(rawProbe)
			member := false
			for _, s := range grid.WindowSlots(start, end) {
				if s == probe {
					member = true
					break
				}
			}
			return grid.InWindow(probe, start, end) == member
		},
		gen.IntRange(-20000, 20000),
		gen.IntRange(-20000, 20000),
		gen.IntRange(-20000, 20000),
	))

	properties.TestingRun(t)
}

// TestNextOccurrenceAfterIsNeverBeforeAfter verifies NextOccurrenceAfter
// never returns an instant earlier than its lower bound.
func TestNextOccurrenceAfterIsNeverBeforeAfter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("NextOccurrenceAfter(slot, after) is never before after", prop.ForAll(
		func(rawSlot int, dayOffset, minuteOffset int) bool {
			slot := grid.Mod(rawSlot)
			after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).
				AddDate(0, 0, dayOffset%400).
				Add(time.Duration(minuteOffset%10080) * time.Minute)
			occ := grid.NextOccurrenceAfter(slot, after)
			return !occ.Before(after) && grid.DatetimeToSlot(occ) == slot
		},
		gen.IntRange(-20000, 20000),
		gen.IntRange(0, 400),
		gen.IntRange(0, 10080),
	))

	properties.TestingRun(t)
}
