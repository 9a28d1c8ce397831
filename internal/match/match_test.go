package match

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

var scanNow = time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)

func moneyInvestment() *model.Investment {
	return &model.Investment{
		ID:             "inv",
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

func newDetector(opts ...Option) *Detector {
	return NewDetector(append([]Option{WithClock(func() time.Time { return scanNow })}, opts...)...)
}

func at(d time.Duration) int64 { return scanNow.Add(-d).Unix() }

func moneyEntry(id string, ts int64, sender int64, amount model.Cents) model.LogEntry {
	return model.LogEntry{ID: id, Timestamp: ts, SenderID: sender, MoneyAmount: amount}
}

func TestFind_ExactMoneyTolerance(t *testing.T) {
	d := newDetector()

	inv := moneyInvestment()
	got := d.Find(inv, []model.LogEntry{moneyEntry("a", at(time.Hour), 42, 499999)})
	assert.Empty(t, got, "one cent short must not match with zero tolerance")

	got = d.Find(inv, []model.LogEntry{moneyEntry("a", at(time.Hour), 42, 500000)})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Sequence)
	assert.Equal(t, ConfidenceExact, got[0].Confidence)
	assert.Equal(t, model.DetectionMoney, got[0].Kind)

	inv.Signature.Tolerance = 1
	got = d.Find(inv, []model.LogEntry{moneyEntry("a", at(time.Hour), 42, 499999)})
	require.Len(t, got, 1)
	assert.Equal(t, ConfidenceAmount, got[0].Confidence)
}

func TestFind_FiltersSenderAndWindow(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()

	entries := []model.LogEntry{
		moneyEntry("other-sender", at(time.Hour), 7, 500000),
		moneyEntry("too-old", at(73*time.Hour), 42, 500000),
		moneyEntry("future", scanNow.Add(time.Minute).Unix(), 42, 500000),
		moneyEntry("ok", at(2*time.Hour), 42, 500000),
	}
	got := d.Find(inv, entries)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].EntryID)

	inv.Cursor.LastChecked = at(2 * time.Hour)
	assert.Empty(t, d.Find(inv, entries), "entry at the cursor is already seen")
}

func TestFind_AssignsNextUnpaidInTimestampOrder(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()
	inv.Payments = map[int]model.PaymentState{
		1: {Sequence: 1, Paid: true},
		2: {Sequence: 2, Detection: &model.Detection{Text: "older"}},
	}

	entries := []model.LogEntry{
		moneyEntry("late", at(time.Hour), 42, 500000),
		moneyEntry("early", at(5*time.Hour), 42, 500000),
		moneyEntry("extra", at(30*time.Minute), 42, 500000),
	}
	got := d.Find(inv, entries)
	require.Len(t, got, 2, "only payments 3 and 4 can take a detection")
	assert.Equal(t, "early", got[0].EntryID)
	assert.Equal(t, 3, got[0].Sequence)
	assert.Equal(t, "late", got[1].EntryID)
	assert.Equal(t, 4, got[1].Sequence)
	assert.Less(t, got[0].Timestamp, got[1].Timestamp)
}

func TestFind_FirstPayoutOverrideTargetsSequenceOne(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()
	first := model.Cents(100000)
	inv.FirstPayoutOverride = &first

	got := d.Find(inv, []model.LogEntry{
		moneyEntry("a", at(3*time.Hour), 42, 100000),
		moneyEntry("b", at(2*time.Hour), 42, 500000),
	})
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Sequence)
	assert.Equal(t, 2, got[1].Sequence)
}

func TestFind_SignatureAmountOverridesExpected(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()
	inv.Signature.Amount = 250000

	assert.Empty(t, d.Find(inv, []model.LogEntry{moneyEntry("a", at(time.Hour), 42, 500000)}))
	assert.Len(t, d.Find(inv, []model.LogEntry{moneyEntry("a", at(time.Hour), 42, 250000)}), 1)
}

type namer map[int64]string

func (n namer) Name(id int64) (string, bool) {
	s, ok := n[id]
	return s, ok
}

func itemInvestment(items ...model.ItemRef) *model.Investment {
	inv := moneyInvestment()
	inv.Signature = model.Signature{Kind: model.SignatureItem, Items: items}
	return inv
}

func TestFind_ItemTiers(t *testing.T) {
	d := newDetector(WithItemNamer(namer{206: "Xanax"}))

	tests := []struct {
		name  string
		want  model.ItemRef
		entry model.LogEntry
		conf  Confidence
		text  string
	}{
		{
			name:  "resolved id",
			want:  model.ItemRef{ID: 206, Name: "Xanax"},
			entry: model.LogEntry{Items: []model.LogItem{{ID: 206, Qty: 1}}},
			conf:  ConfidenceExact,
			text:  "Bob sent a Xanax to you",
		},
		{
			name:  "name ignoring case via catalog",
			want:  model.ItemRef{Name: "xanax"},
			entry: model.LogEntry{Items: []model.LogItem{{ID: 206, Qty: 2}}},
			conf:  ConfidenceName,
			text:  "Bob sent 2x Xanax to you",
		},
		{
			name:  "fuzzy name",
			want:  model.ItemRef{Name: "Energy Drnk"},
			entry: model.LogEntry{Items: []model.LogItem{{Name: "Energy Drink", Qty: 1}}},
			conf:  ConfidenceFuzzy,
			text:  "Bob sent an Energy Drink to you (similar item name)",
		},
		{
			name:  "free text",
			want:  model.ItemRef{Name: "Feathery Hotel Coupon"},
			entry: model.LogEntry{RawText: "Bob sent you a feathery hotel coupon"},
			conf:  ConfidenceText,
			text:  "Bob sent a Feathery Hotel Coupon to you (text match, unverified)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry
			e.ID, e.Timestamp, e.SenderID = "e", at(time.Hour), 42
			got := d.Find(itemInvestment(tt.want), []model.LogEntry{e})
			require.Len(t, got, 1)
			assert.Equal(t, tt.conf, got[0].Confidence)
			assert.Equal(t, model.DetectionItem, got[0].Kind)
			assert.True(t, strings.HasSuffix(got[0].Text, tt.text), got[0].Text)
		})
	}
}

func TestFind_ResolvedIDIgnoresNameTiers(t *testing.T) {
	d := newDetector()
	inv := itemInvestment(model.ItemRef{ID: 206, Name: "Xanax"})
	e := model.LogEntry{ID: "e", Timestamp: at(time.Hour), SenderID: 42,
		Items: []model.LogItem{{ID: 999, Name: "Xanax", Qty: 1}}}
	assert.Empty(t, d.Find(inv, []model.LogEntry{e}))
}

func TestFind_PrefersStrongestTier(t *testing.T) {
	d := newDetector()
	inv := itemInvestment(model.ItemRef{Name: "Xanax"})
	e := model.LogEntry{ID: "e", Timestamp: at(time.Hour), SenderID: 42,
		RawText: "Bob sent you a Xanax",
		Items:   []model.LogItem{{Name: "Xanax", Qty: 1}}}
	got := d.Find(inv, []model.LogEntry{e})
	require.Len(t, got, 1)
	assert.Equal(t, ConfidenceName, got[0].Confidence)
}

func TestFind_IgnoresOutgoingTransfers(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()
	out := model.LogEntry{ID: "o", Timestamp: at(time.Hour), SenderID: 1, ReceiverID: 42, MoneyAmount: 500000}
	assert.Empty(t, d.Find(inv, []model.LogEntry{out}))
}

func TestRender_Format(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()
	ts := time.Date(2026, 1, 8, 9, 5, 7, 0, time.UTC).Unix()

	in := d.Render(inv, model.LogEntry{Timestamp: ts, SenderID: 42}, "$5,000", ConfidenceExact)
	assert.Equal(t, "09:05:07 - 08/01/26 Bob sent $5,000 to you", in)

	fuzzy := d.Render(inv, model.LogEntry{Timestamp: ts, SenderID: 42}, "a Xanax", ConfidenceFuzzy)
	assert.Equal(t, "09:05:07 - 08/01/26 Bob sent a Xanax to you (similar item name)", fuzzy)

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	local := NewDetector(WithLocation(berlin)).Render(inv, model.LogEntry{Timestamp: ts, SenderID: 42}, "$5,000", ConfidenceExact)
	assert.True(t, strings.HasPrefix(local, "10:05:07 - 08/01/26"))
}

func TestAdvanceCursor(t *testing.T) {
	now := scanNow

	unset := AdvanceCursor(model.ScanCursor{}, nil, now)
	assert.Equal(t, now.Unix(), unset.LastChecked, "empty first scan moves to now")

	set := model.ScanCursor{LastChecked: 1000}
	assert.Equal(t, set, AdvanceCursor(set, nil, now), "empty scan leaves a set cursor")

	moved := AdvanceCursor(set, []Candidate{{Timestamp: 5000}, {Timestamp: 7000}}, now)
	assert.Equal(t, int64(7001), moved.LastChecked)
}

func TestRescanOverSameDataIsIdempotent(t *testing.T) {
	d := newDetector()
	inv := moneyInvestment()
	entries := []model.LogEntry{
		moneyEntry("a", at(5*time.Hour), 42, 500000),
		moneyEntry("b", at(time.Hour), 42, 500000),
	}

	first := d.Find(inv, entries)
	require.Len(t, first, 2)
	before := inv.Cursor.LastChecked
	for _, c := range first {
		st := inv.Payments[c.Sequence]
		det := c.Detection()
		st.Detection = &det
		if inv.Payments == nil {
			inv.Payments = map[int]model.PaymentState{}
		}
		inv.Payments[c.Sequence] = st
	}
	inv.Cursor = AdvanceCursor(inv.Cursor, first, scanNow)
	assert.Greater(t, inv.Cursor.LastChecked, before)

	assert.Empty(t, d.Find(inv, entries))
}
