package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

func newInvestment() *model.Investment {
	return &model.Investment{
		ID:             "inv-1",
		CounterpartyID: 42,
		Name:           "Bob",
		StartDate:      model.NewDate(2026, time.January, 1, time.UTC),
		IntervalDays:   7,
		TotalCount:     4,
		Principal:      1000000,
		PayoutAmount:   500000,
		Signature:      model.Signature{Kind: model.SignatureMoney},
	}
}

func detection(text string) model.Detection {
	return model.Detection{Kind: model.DetectionMoney, MatchedAt: 1767600000, Text: text}
}

func TestState_DefaultsWithoutWriting(t *testing.T) {
	inv := newInvestment()

	st, err := State(inv, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Sequence)
	assert.Equal(t, model.Cents(500000), st.Amount)
	assert.False(t, st.Paid)
	assert.Nil(t, inv.Payments, "reading must not write defaults back")
}

func TestState_OutOfRange(t *testing.T) {
	inv := newInvestment()
	_, err := State(inv, 0)
	assert.ErrorIs(t, err, ErrSequenceOutOfRange)
	_, err = State(inv, 5)
	assert.ErrorIs(t, err, ErrSequenceOutOfRange)
}

func TestConfirm_SetsPaidAndTime(t *testing.T) {
	inv := newInvestment()
	at := time.Date(2026, 1, 8, 10, 0, 0, 0, time.UTC)

	st, err := Confirm(inv, 1, at)
	require.NoError(t, err)
	assert.True(t, st.Paid)
	require.NotNil(t, st.ConfirmedAt)
	assert.True(t, st.ConfirmedAt.Equal(at))
	assert.Empty(t, st.Note, "no detection, no note")
}

func TestConfirm_ReconfirmKeepsOriginalTime(t *testing.T) {
	inv := newInvestment()
	first := time.Date(2026, 1, 8, 10, 0, 0, 0, time.UTC)
	_, err := Confirm(inv, 1, first)
	require.NoError(t, err)

	st, err := Confirm(inv, 1, first.Add(48*time.Hour))
	require.NoError(t, err)
	assert.True(t, st.ConfirmedAt.Equal(first))
}

func TestConfirm_MovesDetectionIntoNote(t *testing.T) {
	inv := newInvestment()
	require.NoError(t, AttachDetection(inv, 1, detection("10:00:00 - 08/01/26 Bob sent $5,000 to you")))

	st, err := Confirm(inv, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "10:00:00 - 08/01/26 Bob sent $5,000 to you", st.Note)
	assert.Nil(t, st.Detection)
}

func TestUnconfirm_KeepsNoteClearsTime(t *testing.T) {
	inv := newInvestment()
	require.NoError(t, AttachDetection(inv, 1, detection("A")))
	_, err := Confirm(inv, 1, time.Now())
	require.NoError(t, err)

	st, err := Unconfirm(inv, 1)
	require.NoError(t, err)
	assert.False(t, st.Paid)
	assert.Nil(t, st.ConfirmedAt)
	assert.Equal(t, "A", st.Note)
	assert.Nil(t, st.Detection)
}

func TestConfirmUnconfirmConfirm_NoStaleEvidence(t *testing.T) {
	inv := newInvestment()
	require.NoError(t, AttachDetection(inv, 2, detection("A")))
	_, err := Confirm(inv, 2, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = Unconfirm(inv, 2)
	require.NoError(t, err)

	// Re-confirm without a new detection: the old detection does not come
	// back and the confirmation time is the new one.
	again := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	st, err := Confirm(inv, 2, again)
	require.NoError(t, err)
	assert.Nil(t, st.Detection)
	assert.Equal(t, "A", st.Note)
	assert.True(t, st.ConfirmedAt.Equal(again))

	// A fresh detection after unconfirm replaces the note on confirm.
	_, err = Unconfirm(inv, 2)
	require.NoError(t, err)
	require.NoError(t, AttachDetection(inv, 2, detection("B")))
	st, err = Confirm(inv, 2, again)
	require.NoError(t, err)
	assert.Equal(t, "B", st.Note)
}

func TestAttachDetection_NeverSetsPaid(t *testing.T) {
	inv := newInvestment()
	for seq := 1; seq <= 4; seq++ {
		require.NoError(t, AttachDetection(inv, seq, detection("x")))
		st, _ := State(inv, seq)
		assert.False(t, st.Paid, "payment %d", seq)
		assert.Nil(t, st.ConfirmedAt)
	}
}

func TestAttachDetection_Conflicts(t *testing.T) {
	inv := newInvestment()
	require.NoError(t, AttachDetection(inv, 1, detection("first")))
	assert.ErrorIs(t, AttachDetection(inv, 1, detection("second")), ErrDetectionPending)

	st, _ := State(inv, 1)
	assert.Equal(t, "first", st.Detection.Text, "older detection is kept")

	_, err := Confirm(inv, 2, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, AttachDetection(inv, 2, detection("late")), ErrAlreadyPaid)
}

func TestDismissDetection(t *testing.T) {
	inv := newInvestment()
	assert.ErrorIs(t, DismissDetection(inv, 1), ErrNoDetection)

	require.NoError(t, AttachDetection(inv, 1, detection("x")))
	require.NoError(t, DismissDetection(inv, 1))
	st, _ := State(inv, 1)
	assert.Nil(t, st.Detection)
	assert.Empty(t, st.Note, "dismissing never writes a note")
}

func TestClearDetections(t *testing.T) {
	inv := newInvestment()
	require.NoError(t, AttachDetection(inv, 1, detection("x")))
	require.NoError(t, AttachDetection(inv, 2, detection("y")))
	assert.Equal(t, 2, PendingDetections(inv))

	assert.Equal(t, 2, ClearDetections(inv))
	assert.Equal(t, 0, PendingDetections(inv))
}

func TestPaymentsAndReceived(t *testing.T) {
	inv := newInvestment()
	override := model.Cents(100000)
	inv.FirstPayoutOverride = &override
	_, err := Confirm(inv, 1, time.Now())
	require.NoError(t, err)
	_, err = Confirm(inv, 2, time.Now())
	require.NoError(t, err)

	payments := Payments(inv, 0)
	require.Len(t, payments, 4)
	assert.True(t, payments[0].State.Paid)
	assert.Equal(t, model.Cents(100000), payments[0].State.Amount)
	assert.False(t, payments[3].State.Paid)
	assert.Equal(t, "2026-01-29", payments[3].DueDate.Format("2006-01-02"))

	received, count := Received(inv)
	assert.Equal(t, model.Cents(600000), received)
	assert.Equal(t, 2, count)
}
