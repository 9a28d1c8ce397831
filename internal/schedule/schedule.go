// Package schedule derives the deterministic sequence of expected payments
// from an investment's parameters.
//
// Due dates are always measured from the original start date using calendar
// arithmetic (time.AddDate), so payment n lands on the same local wall-clock
// time regardless of DST changes or how often the schedule is recomputed.
package schedule

import (
	"iter"
	"time"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

// DefaultMaxGenerate caps open-ended schedules (TotalCount == 0) for
// rendering and iteration. It is not a limit on the obligation itself.
const DefaultMaxGenerate = 200

// UpcomingCount is the size of the "next payments" view.
const UpcomingCount = 5

// Limit returns how many payments are generated for inv under maxGen.
func Limit(inv *model.Investment, maxGen int) int {
	if maxGen <= 0 {
		maxGen = DefaultMaxGenerate
	}
	if inv.TotalCount > 0 && inv.TotalCount < maxGen {
		return inv.TotalCount
	}
	return maxGen
}

// InRange reports whether seq is a valid payment number for inv. Open-ended
// schedules accept any positive number.
func InRange(inv *model.Investment, seq int) bool {
	if seq < 1 {
		return false
	}
	return inv.TotalCount == 0 || seq <= inv.TotalCount
}

// DueDate returns start + seq*interval days, or nil when the schedule has no
// dates (no start date or a non-positive interval).
func DueDate(inv *model.Investment, seq int) *time.Time {
	if inv.StartDate.IsZero() || inv.IntervalDays <= 0 || seq < 1 {
		return nil
	}
	due := inv.StartDate.AddDate(0, 0, seq*inv.IntervalDays)
	return &due
}

// ExpectedAmount returns the amount expected for payment seq.
func ExpectedAmount(inv *model.Investment, seq int) model.Cents {
	if seq == 1 && inv.FirstPayoutOverride != nil {
		return *inv.FirstPayoutOverride
	}
	return inv.PayoutAmount
}

// At builds the scheduled payment with number seq.
func At(inv *model.Investment, seq int) model.ScheduledPayment {
	return model.ScheduledPayment{
		Sequence:       seq,
		DueDate:        DueDate(inv, seq),
		ExpectedAmount: ExpectedAmount(inv, seq),
	}
}

// All returns a lazy, restartable sequence of the first Limit(inv, maxGen)
// payments. Each range over the result starts again from payment 1.
func All(inv *model.Investment, maxGen int) iter.Seq[model.ScheduledPayment] {
	n := Limit(inv, maxGen)
	return func(yield func(model.ScheduledPayment) bool) {
		for seq := 1; seq <= n; seq++ {
			if !yield(At(inv, seq)) {
				return
			}
		}
	}
}

// Generate materialises All into a slice.
func Generate(inv *model.Investment, maxGen int) []model.ScheduledPayment {
	out := make([]model.ScheduledPayment, 0, Limit(inv, maxGen))
	for p := range All(inv, maxGen) {
		out = append(out, p)
	}
	return out
}

// FirstUnpaid returns the lowest payment number (by number, not date) that
// is not paid, or 0 when every generated payment is paid.
func FirstUnpaid(inv *model.Investment, maxGen int) int {
	n := Limit(inv, maxGen)
	for seq := 1; seq <= n; seq++ {
		if !inv.Payments[seq].Paid {
			return seq
		}
	}
	return 0
}

// Upcoming returns the payment numbers of the "next payments" view: the
// first unpaid number and the count-1 after it, clipped to the schedule.
// When everything is paid it returns the last count numbers instead so a
// fully paid schedule never renders empty.
func Upcoming(inv *model.Investment, count, maxGen int) []int {
	if count <= 0 {
		count = UpcomingCount
	}
	n := Limit(inv, maxGen)
	first := FirstUnpaid(inv, maxGen)
	if first == 0 {
		first = n - count + 1
		if first < 1 {
			first = 1
		}
	}
	var out []int
	for seq := first; seq <= n && len(out) < count; seq++ {
		out = append(out, seq)
	}
	return out
}
