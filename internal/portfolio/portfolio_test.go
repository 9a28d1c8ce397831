package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
)

func bob() model.Investment {
	return model.Investment{
		ID:             "bob",
		CounterpartyID: 42,
		Name:           "Bob",
		StartDate:      model.NewDate(2026, time.January, 1, time.UTC),
		IntervalDays:   7,
		TotalCount:     4,
		Principal:      1000000,
		PayoutAmount:   500000,
	}
}

func TestEndToEndScenario(t *testing.T) {
	inv := bob()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var dues []string
	for p := range schedule.All(&inv, 0) {
		dues = append(dues, p.DueDate.Format("2006-01-02"))
	}
	assert.Equal(t, []string{"2026-01-08", "2026-01-15", "2026-01-22", "2026-01-29"}, dues)

	row := Summarize(&inv, now, 0)
	assert.True(t, row.ROI.Equal(decimal.NewFromInt(-1)), "roi %s", row.ROI)
	assert.Equal(t, 2, row.BreakEvenSequence)
	require.NotNil(t, row.DaysToBreakEven)
	assert.Equal(t, 14, *row.DaysToBreakEven)

	_, err := ledger.Confirm(&inv, 1, now)
	require.NoError(t, err)
	_, err = ledger.Confirm(&inv, 2, now)
	require.NoError(t, err)

	row = Summarize(&inv, now, 0)
	assert.Equal(t, model.Cents(1000000), row.Received)
	assert.True(t, row.ROI.IsZero(), "roi %s", row.ROI)
	assert.Equal(t, "2026-01-22", row.NextDue.Format("2006-01-02"))
}

func TestROI_ZeroPrincipal(t *testing.T) {
	assert.True(t, ROI(500, 0).IsZero())
	assert.True(t, ROI(1500, 1000).Equal(decimal.RequireFromString("0.5")))
}

func TestBreakEven(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	inv := bob()
	seq, days := BreakEven(&inv, now, 0)
	assert.Equal(t, 2, seq)
	require.NotNil(t, days)
	assert.Equal(t, 0, *days, "past due dates clamp to zero")

	never := bob()
	never.Principal = 5000000
	seq, days = BreakEven(&never, now, 0)
	assert.Zero(t, seq)
	assert.Nil(t, days)

	free := bob()
	free.Principal = 0
	_, days = BreakEven(&free, now, 0)
	assert.Nil(t, days)

	undated := bob()
	undated.IntervalDays = 0
	seq, days = BreakEven(&undated, now, 0)
	assert.Equal(t, 2, seq)
	assert.Nil(t, days)
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := bob()
	_, err := ledger.Confirm(&a, 1, now)
	require.NoError(t, err)
	_, err = ledger.Confirm(&a, 2, now)
	require.NoError(t, err)

	b := bob()
	b.ID = "carol"
	b.StartDate = model.NewDate(2025, time.December, 20, time.UTC)
	b.IntervalDays = 14
	b.Principal = 3000000
	b.PayoutAmount = 1000000

	c := bob()
	c.ID = "gift"
	c.Principal = 0
	c.IntervalDays = 0

	snap := Snapshot([]model.Investment{a, b, c}, now, 0)
	require.Len(t, snap.Investments, 3)
	assert.Equal(t, model.Cents(4000000), snap.TotalPrincipal)
	assert.Equal(t, model.Cents(1000000), snap.TotalReceived)

	// 500000*7/7 + 1000000*7/14; the unscheduled investment adds nothing.
	assert.True(t, snap.WeeklyRate.Equal(decimal.NewFromInt(1000000)), "weekly %s", snap.WeeklyRate)

	// ROIs 0, -1, 0.
	assert.True(t, snap.AverageROI.Equal(decimal.RequireFromString("-1").Div(decimal.NewFromInt(3))))
	// (0*1e6 + -1*3e6) / 4e6
	assert.True(t, snap.WeightedAverageROI.Equal(decimal.RequireFromString("-0.75")), "weighted %s", snap.WeightedAverageROI)

	require.NotNil(t, snap.EarliestUnpaidDue)
	assert.Equal(t, "2026-01-03", snap.EarliestUnpaidDue.Format("2006-01-02"))
}

func TestSnapshot_Empty(t *testing.T) {
	snap := Snapshot(nil, time.Now(), 0)
	assert.Empty(t, snap.Investments)
	assert.True(t, snap.AverageROI.IsZero())
	assert.True(t, snap.WeightedAverageROI.IsZero())
	assert.Nil(t, snap.EarliestUnpaidDue)
}
