package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
	"github.com/tornbuddy/buddy-engine/internal/store"
)

var fixedNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return New(ms, WithClock(func() time.Time { return fixedNow })), ms
}

func seed(t *testing.T, l *Ledger) model.Investment {
	t.Helper()
	inv, err := l.Create(context.Background(), *newInvestment())
	require.NoError(t, err)
	return inv
}

func TestCreate_AssignsIDAndPersists(t *testing.T) {
	l, ms := newTestLedger(t)
	inv := seed(t, l)

	assert.NotEmpty(t, inv.ID)
	assert.NotEqual(t, "inv-1", inv.ID, "ids are assigned by the ledger")
	assert.True(t, inv.CreatedAt.Equal(fixedNow))

	raw, ok, err := ms.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	var stored []model.Investment
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, inv.ID, stored[0].ID)
}

func TestCreate_ValidationCommitsNothing(t *testing.T) {
	l, ms := newTestLedger(t)
	bad := *newInvestment()
	bad.Name = "  "

	_, err := l.Create(context.Background(), bad)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, ok, _ := ms.Get(context.Background(), DefaultKey)
	assert.False(t, ok)
}

func TestConfirm_RoundTripsThroughStore(t *testing.T) {
	l, ms := newTestLedger(t)
	inv := seed(t, l)
	ctx := context.Background()

	require.NoError(t, l.AttachDetection(ctx, inv.ID, 1, detection("seen")))
	_, err := l.Confirm(ctx, inv.ID, 1, fixedNow)
	require.NoError(t, err)

	// A fresh ledger over the same store sees the persisted state, with the
	// payment map keyed by sequence number as a string.
	raw, _, _ := ms.Get(ctx, DefaultKey)
	assert.Contains(t, raw, `"payments":{"1":`)

	fresh := New(ms)
	st, err := fresh.Payment(ctx, inv.ID, 1)
	require.NoError(t, err)
	assert.True(t, st.Paid)
	assert.Equal(t, "seen", st.Note)
}

func TestEdit_KeepsPaymentStateAndCursor(t *testing.T) {
	l, _ := newTestLedger(t)
	inv := seed(t, l)
	ctx := context.Background()

	_, err := l.Confirm(ctx, inv.ID, 1, fixedNow)
	require.NoError(t, err)
	_, err = l.Update(ctx, inv.ID, func(i *model.Investment) error {
		i.Cursor.LastChecked = 1767000000
		return nil
	})
	require.NoError(t, err)

	edit := inv
	edit.Name = "Bobby"
	edit.PayoutAmount = 600000
	edit.Payments = nil
	out, err := l.Edit(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "Bobby", out.Name)
	assert.True(t, out.Payments[1].Paid)
	assert.Equal(t, int64(1767000000), out.Cursor.LastChecked)
	assert.True(t, out.CreatedAt.Equal(inv.CreatedAt))
}

func TestDelete_RemovesPaymentStateWithRecord(t *testing.T) {
	l, ms := newTestLedger(t)
	inv := seed(t, l)
	other := seed(t, l)
	ctx := context.Background()

	_, err := l.Confirm(ctx, inv.ID, 1, fixedNow)
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, inv.ID))

	_, err = l.Get(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	raw, _, _ := ms.Get(ctx, DefaultKey)
	assert.NotContains(t, raw, inv.ID)
	assert.Contains(t, raw, other.ID)

	assert.ErrorIs(t, l.Delete(ctx, inv.ID), ErrNotFound)
}

func TestUpdate_ErrorCommitsNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	inv := seed(t, l)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := l.Update(ctx, inv.ID, func(i *model.Investment) error {
		i.Name = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := l.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Name)
}

func TestPersistFailure_KeepsMemoryAndSurfaces(t *testing.T) {
	l, ms := newTestLedger(t)
	inv := seed(t, l)
	ctx := context.Background()

	ms.FailWrites = errors.New("disk full")
	st, err := l.Confirm(ctx, inv.ID, 1, fixedNow)
	var perr *PersistError
	require.ErrorAs(t, err, &perr)
	assert.True(t, st.Paid)

	// The session still sees the change.
	got, err := l.Payment(ctx, inv.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.Paid)

	// Once the store recovers the next mutation writes everything.
	ms.FailWrites = nil
	_, err = l.Confirm(ctx, inv.ID, 2, fixedNow)
	require.NoError(t, err)
	fresh := New(ms)
	st1, _ := fresh.Payment(ctx, inv.ID, 1)
	st2, _ := fresh.Payment(ctx, inv.ID, 2)
	assert.True(t, st1.Paid)
	assert.True(t, st2.Paid)
}

func TestLoad_NormalisesAndSetsAsideBadRecords(t *testing.T) {
	ms := store.NewMemoryStore()
	raw := `[
		{"id":"a","name":" Alice ","counterparty_id":7,"start_date":"2026-01-01","interval_days":-3,
		 "total_count":2,"payments":{"1":{"paid":false,"confirmed_at":"2026-01-02T00:00:00Z"}}},
		"garbage",
		{"name":"no id"}
	]`
	require.NoError(t, ms.Set(context.Background(), DefaultKey, raw))

	items, err := New(ms).List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	a := items[0]
	assert.Equal(t, "Alice", a.Name)
	assert.Equal(t, 0, a.IntervalDays)
	assert.Equal(t, model.SignatureMoney, a.Signature.Kind)
	assert.Equal(t, 1, a.Payments[1].Sequence)
	assert.Nil(t, a.Payments[1].ConfirmedAt, "unpaid states carry no confirmation time")
}

func TestMutate_SeesWritesFromOtherLedgers(t *testing.T) {
	ms := store.NewMemoryStore()
	a := New(ms)
	b := New(ms)
	ctx := context.Background()

	first, err := a.Create(ctx, *newInvestment())
	require.NoError(t, err)
	_, err = b.Create(ctx, *newInvestment())
	require.NoError(t, err)
	_, err = a.Confirm(ctx, first.ID, 1, fixedNow)
	require.NoError(t, err)

	items, err := New(ms).List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2, "a's write must not drop b's investment")
}

func TestMutate_WritesBackUnreadableRecords(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	broken := `{"id":"keep-me","counterparty_id":"oops","name":"Old"}`
	require.NoError(t, ms.Set(ctx, DefaultKey, "["+broken+"]"))

	l := New(ms, WithClock(func() time.Time { return fixedNow }))
	bob, err := l.Create(ctx, *newInvestment())
	require.NoError(t, err)

	raw, _, _ := ms.Get(ctx, DefaultKey)
	assert.Contains(t, raw, broken)
	assert.Contains(t, raw, bob.ID)

	items, err := New(ms).List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, bob.ID, items[0].ID)
}

func TestMutate_RefusesUnparseableCollection(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.Set(ctx, DefaultKey, `{"not":"a list"`))

	l := New(ms)
	items, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = l.Create(ctx, *newInvestment())
	assert.ErrorIs(t, err, ErrUnreadable)
	raw, _, _ := ms.Get(ctx, DefaultKey)
	assert.Equal(t, `{"not":"a list"`, raw, "stored document is left untouched")

	// Repairing the document unblocks writes.
	require.NoError(t, ms.Set(ctx, DefaultKey, `[]`))
	_, err = l.Create(ctx, *newInvestment())
	assert.NoError(t, err)
}

func TestStartDate_DueDatesStableAcrossReload(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	ctx := context.Background()

	for _, loc := range []*time.Location{time.UTC, ny} {
		t.Run(loc.String(), func(t *testing.T) {
			l := New(store.NewMemoryStore(), WithClock(func() time.Time { return fixedNow }), WithLocation(loc))
			in := *newInvestment()
			in.StartDate = model.NewDate(2026, time.January, 1, ny)

			created, err := l.Create(ctx, in)
			require.NoError(t, err)
			before := schedule.DueDate(&created, 1)

			got, err := l.Get(ctx, created.ID)
			require.NoError(t, err)
			require.True(t, before.Equal(*schedule.DueDate(&got, 1)))

			_, err = l.Confirm(ctx, created.ID, 2, fixedNow)
			require.NoError(t, err)
			got, err = l.Get(ctx, created.ID)
			require.NoError(t, err)
			after := schedule.DueDate(&got, 1)

			assert.True(t, before.Equal(*after), "due #1 before=%v after=%v", before, after)
			assert.Equal(t, "2026-01-08", after.In(loc).Format("2006-01-02"))
			assert.Equal(t, loc, got.StartDate.Location())
		})
	}
}
