package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
)

var (
	// ErrSequenceOutOfRange is returned for payment numbers outside the schedule.
	ErrSequenceOutOfRange = errors.New("ledger: payment sequence out of range")

	// ErrAlreadyPaid is returned when a detection targets a confirmed payment.
	ErrAlreadyPaid = errors.New("ledger: payment already confirmed")

	// ErrDetectionPending is returned when a payment already carries a detection.
	ErrDetectionPending = errors.New("ledger: detection already pending")

	// ErrNoDetection is returned when dismissing a detection that is not there.
	ErrNoDetection = errors.New("ledger: no pending detection")
)

// State returns the merged state of payment seq: the persisted entry when
// present, otherwise a default unpaid state carrying the scheduled amount.
// It never writes to inv.
func State(inv *model.Investment, seq int) (model.PaymentState, error) {
	if !schedule.InRange(inv, seq) {
		return model.PaymentState{}, fmt.Errorf("%w: %d", ErrSequenceOutOfRange, seq)
	}
	return merged(inv, seq), nil
}

func merged(inv *model.Investment, seq int) model.PaymentState {
	st, ok := inv.Payments[seq]
	if !ok {
		st = model.PaymentState{}
	}
	st.Sequence = seq
	if st.Amount == 0 {
		st.Amount = schedule.ExpectedAmount(inv, seq)
	}
	return st
}

func put(inv *model.Investment, st model.PaymentState) {
	if inv.Payments == nil {
		inv.Payments = make(map[int]model.PaymentState)
	}
	inv.Payments[st.Sequence] = st
}

// Confirm marks payment seq as paid at the given time. Confirming an already
// paid payment keeps the original confirmation time. A pending detection is
// moved into the note; this is the only way a note is written.
func Confirm(inv *model.Investment, seq int, at time.Time) (model.PaymentState, error) {
	st, err := State(inv, seq)
	if err != nil {
		return st, err
	}
	if !st.Paid {
		at = at.UTC()
		st.Paid = true
		st.ConfirmedAt = &at
	}
	if st.Detection != nil {
		st.Note = st.Detection.Text
		st.Detection = nil
	}
	put(inv, st)
	return st, nil
}

// Unconfirm clears the paid flag and confirmation time. The note is kept as
// evidence already recorded.
func Unconfirm(inv *model.Investment, seq int) (model.PaymentState, error) {
	st, err := State(inv, seq)
	if err != nil {
		return st, err
	}
	st.Paid = false
	st.ConfirmedAt = nil
	put(inv, st)
	return st, nil
}

// AttachDetection records an advisory detection on an unpaid payment. It
// never changes the paid flag.
func AttachDetection(inv *model.Investment, seq int, det model.Detection) error {
	st, err := State(inv, seq)
	if err != nil {
		return err
	}
	if st.Paid {
		return fmt.Errorf("%w: payment %d", ErrAlreadyPaid, seq)
	}
	if st.Detection != nil {
		return fmt.Errorf("%w: payment %d", ErrDetectionPending, seq)
	}
	st.Detection = &det
	put(inv, st)
	return nil
}

// DismissDetection drops the pending detection of payment seq.
func DismissDetection(inv *model.Investment, seq int) error {
	st, err := State(inv, seq)
	if err != nil {
		return err
	}
	if st.Detection == nil {
		return fmt.Errorf("%w: payment %d", ErrNoDetection, seq)
	}
	st.Detection = nil
	put(inv, st)
	return nil
}

// ClearDetections drops every detection pending on an unpaid payment and
// returns how many were removed. Used before an explicit re-scan.
func ClearDetections(inv *model.Investment) int {
	n := 0
	for seq, st := range inv.Payments {
		if st.Detection != nil && !st.Paid {
			st.Detection = nil
			inv.Payments[seq] = st
			n++
		}
	}
	return n
}

// PendingDetections counts payments with a detection awaiting review.
func PendingDetections(inv *model.Investment) int {
	n := 0
	for _, st := range inv.Payments {
		if st.Detection != nil {
			n++
		}
	}
	return n
}

// Payments merges the generated schedule with persisted state.
func Payments(inv *model.Investment, maxGen int) []model.Payment {
	out := make([]model.Payment, 0, schedule.Limit(inv, maxGen))
	for sp := range schedule.All(inv, maxGen) {
		out = append(out, model.Payment{ScheduledPayment: sp, State: merged(inv, sp.Sequence)})
	}
	return out
}

// Received sums the expected amount of every paid payment.
func Received(inv *model.Investment) (model.Cents, int) {
	var total model.Cents
	count := 0
	for seq, st := range inv.Payments {
		if !st.Paid || !schedule.InRange(inv, seq) {
			continue
		}
		total += schedule.ExpectedAmount(inv, seq)
		count++
	}
	return total, count
}
