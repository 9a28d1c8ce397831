// Package portfolio rolls payment state up into summary statistics. All
// functions are pure; snapshots are recomputed whenever they are requested.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
)

var (
	seven = decimal.NewFromInt(7)
	day   = 24 * time.Hour
)

// ROI returns (received - principal) / principal as a fraction. A zero or
// negative principal yields 0.
func ROI(received, principal model.Cents) decimal.Decimal {
	if principal <= 0 {
		return decimal.Zero
	}
	p := decimal.NewFromInt(int64(principal))
	return decimal.NewFromInt(int64(received)).Sub(p).Div(p)
}

// WeeklyRate returns the payout normalised to seven days, in cents. Unscheduled
// investments contribute nothing.
func WeeklyRate(inv *model.Investment) decimal.Decimal {
	if inv.IntervalDays <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(inv.PayoutAmount)).Mul(seven).Div(decimal.NewFromInt(int64(inv.IntervalDays)))
}

// BreakEven walks the cumulative expected amounts of the schedule and returns
// the first payment at which they reach the principal, plus the whole days
// from now until that payment is due (never negative). days is nil when the
// principal is not positive, the cap is reached first, or the payment has no
// due date.
func BreakEven(inv *model.Investment, now time.Time, maxGen int) (seq int, days *int) {
	if inv.Principal <= 0 {
		return 0, nil
	}
	var total model.Cents
	for p := range schedule.All(inv, maxGen) {
		total += p.ExpectedAmount
		if total < inv.Principal {
			continue
		}
		if p.DueDate == nil {
			return p.Sequence, nil
		}
		d := int(p.DueDate.Sub(now) / day)
		if d < 0 {
			d = 0
		}
		return p.Sequence, &d
	}
	return 0, nil
}

// Summarize computes one investment's row.
func Summarize(inv *model.Investment, now time.Time, maxGen int) model.InvestmentSummary {
	received, paid := ledger.Received(inv)
	s := model.InvestmentSummary{
		ID:                inv.ID,
		Name:              inv.Name,
		Principal:         inv.Principal,
		Received:          received,
		PaidCount:         paid,
		ROI:               ROI(received, inv.Principal),
		PendingDetections: ledger.PendingDetections(inv),
	}
	if seq := schedule.FirstUnpaid(inv, maxGen); seq > 0 {
		s.NextDue = schedule.DueDate(inv, seq)
	}
	s.BreakEvenSequence, s.DaysToBreakEven = BreakEven(inv, now, maxGen)
	return s
}

// Snapshot aggregates every investment.
func Snapshot(invs []model.Investment, now time.Time, maxGen int) model.PortfolioSnapshot {
	snap := model.PortfolioSnapshot{
		Investments:        make([]model.InvestmentSummary, 0, len(invs)),
		WeeklyRate:         decimal.Zero,
		AverageROI:         decimal.Zero,
		WeightedAverageROI: decimal.Zero,
		GeneratedAt:        now.UTC(),
	}
	roiSum := decimal.Zero
	weighted := decimal.Zero
	for i := range invs {
		inv := &invs[i]
		row := Summarize(inv, now, maxGen)
		snap.Investments = append(snap.Investments, row)

		snap.TotalPrincipal += inv.Principal
		snap.TotalReceived += row.Received
		snap.WeeklyRate = snap.WeeklyRate.Add(WeeklyRate(inv))
		roiSum = roiSum.Add(row.ROI)
		if inv.Principal > 0 {
			weighted = weighted.Add(row.ROI.Mul(decimal.NewFromInt(int64(inv.Principal))))
		}
		if row.NextDue != nil && (snap.EarliestUnpaidDue == nil || row.NextDue.Before(*snap.EarliestUnpaidDue)) {
			due := *row.NextDue
			snap.EarliestUnpaidDue = &due
		}
	}
	if n := len(invs); n > 0 {
		snap.AverageROI = roiSum.Div(decimal.NewFromInt(int64(n)))
	}
	if snap.TotalPrincipal > 0 {
		snap.WeightedAverageROI = weighted.Div(decimal.NewFromInt(int64(snap.TotalPrincipal)))
	}
	return snap
}
