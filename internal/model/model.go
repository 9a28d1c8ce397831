// Package model defines the core domain types shared across the buddy engine.
// Money is held as integer minor units (cents); never float64 for money.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrValidation is wrapped by every input validation failure.
var ErrValidation = errors.New("model: validation failed")

// Cents is an amount in minor units.
type Cents int64

// Major returns the whole major-unit part of the amount.
func (c Cents) Major() int64 { return int64(c) / 100 }

// SignatureKind selects how log entries are matched against an investment.
type SignatureKind string

const (
	SignatureMoney SignatureKind = "money"
	SignatureItem  SignatureKind = "item"
)

// DetectionKind mirrors the signature kind that produced a detection.
type DetectionKind string

const (
	DetectionMoney DetectionKind = "money"
	DetectionItem  DetectionKind = "item"
)

// ItemRef names an item expected as payment. ID is 0 until resolved.
type ItemRef struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
}

// Signature describes what a counterparty's payment looks like in the log.
type Signature struct {
	Kind      SignatureKind `json:"kind"`
	Amount    Cents         `json:"amount,omitempty"`    // 0 → the payment's expected amount
	Tolerance Cents         `json:"tolerance,omitempty"` // money only; 0 = exact
	Items     []ItemRef     `json:"items,omitempty"`
}

// Detection is an advisory annotation written by the match detector.
// It never marks a payment as paid.
type Detection struct {
	Kind      DetectionKind `json:"kind"`
	MatchedAt int64         `json:"matched_at"` // unix seconds of the log entry
	Text      string        `json:"text"`
}

// PaymentState is the persisted confirmation state of one scheduled payment.
type PaymentState struct {
	Sequence    int        `json:"sequence"`
	Amount      Cents      `json:"amount"`
	Paid        bool       `json:"paid"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	Note        string     `json:"note,omitempty"`
	Detection   *Detection `json:"detection,omitempty"`
}

// ScanCursor is the newest log timestamp already considered for an investment.
// Zero means never set.
type ScanCursor struct {
	LastChecked int64 `json:"last_checked,omitempty"`
}

// IsSet reports whether a scan has ever advanced the cursor.
func (c ScanCursor) IsSet() bool { return c.LastChecked > 0 }

// Investment is a tracked recurring payment obligation ("buddy stock").
type Investment struct {
	ID                  string               `json:"id"`
	CounterpartyID      int64                `json:"counterparty_id"`
	Name                string               `json:"name"`
	StartDate           Date                 `json:"start_date"`
	IntervalDays        int                  `json:"interval_days"`
	TotalCount          int                  `json:"total_count"`
	Principal           Cents                `json:"principal"`
	PayoutAmount        Cents                `json:"payout_amount"`
	FirstPayoutOverride *Cents               `json:"first_payout_override,omitempty"`
	Signature           Signature            `json:"signature"`
	Payments            map[int]PaymentState `json:"payments,omitempty"`
	Cursor              ScanCursor           `json:"cursor"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Validate checks the invariants of a user-supplied investment definition.
func (inv *Investment) Validate() error {
	switch {
	case strings.TrimSpace(inv.Name) == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case inv.CounterpartyID <= 0:
		return fmt.Errorf("%w: counterparty_id is required", ErrValidation)
	case inv.IntervalDays < 0:
		return fmt.Errorf("%w: interval_days must be >= 0", ErrValidation)
	case inv.TotalCount < 0:
		return fmt.Errorf("%w: total_count must be >= 0", ErrValidation)
	case inv.Principal < 0:
		return fmt.Errorf("%w: principal must be >= 0", ErrValidation)
	case inv.PayoutAmount < 0:
		return fmt.Errorf("%w: payout_amount must be >= 0", ErrValidation)
	case inv.Signature.Tolerance < 0:
		return fmt.Errorf("%w: tolerance must be >= 0", ErrValidation)
	}
	if inv.Signature.Kind == SignatureItem && len(inv.Signature.Items) == 0 {
		return fmt.Errorf("%w: item signature needs at least one item", ErrValidation)
	}
	return nil
}

// Normalize is the single canonicalisation pass run on every record at load
// time. It repairs what can be repaired so downstream code never re-coerces.
func (inv *Investment) Normalize() {
	inv.Name = strings.TrimSpace(inv.Name)
	if inv.IntervalDays < 0 {
		inv.IntervalDays = 0
	}
	if inv.TotalCount < 0 {
		inv.TotalCount = 0
	}
	switch inv.Signature.Kind {
	case SignatureMoney, SignatureItem:
	default:
		if len(inv.Signature.Items) > 0 {
			inv.Signature.Kind = SignatureItem
		} else {
			inv.Signature.Kind = SignatureMoney
		}
	}
	if inv.Signature.Tolerance < 0 {
		inv.Signature.Tolerance = 0
	}
	items := inv.Signature.Items[:0]
	for _, it := range inv.Signature.Items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" && it.ID == 0 {
			continue
		}
		items = append(items, it)
	}
	inv.Signature.Items = items
	for seq, st := range inv.Payments {
		if seq < 1 {
			delete(inv.Payments, seq)
			continue
		}
		st.Sequence = seq
		if !st.Paid {
			st.ConfirmedAt = nil
		}
		inv.Payments[seq] = st
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (inv Investment) Clone() Investment {
	out := inv
	if inv.FirstPayoutOverride != nil {
		v := *inv.FirstPayoutOverride
		out.FirstPayoutOverride = &v
	}
	out.Signature.Items = append([]ItemRef(nil), inv.Signature.Items...)
	if inv.Payments != nil {
		out.Payments = make(map[int]PaymentState, len(inv.Payments))
		for k, v := range inv.Payments {
			if v.Detection != nil {
				d := *v.Detection
				v.Detection = &d
			}
			if v.ConfirmedAt != nil {
				t := *v.ConfirmedAt
				v.ConfirmedAt = &t
			}
			out.Payments[k] = v
		}
	}
	return out
}

// ParseItemList splits a comma-separated list of item names.
func ParseItemList(s string) []ItemRef {
	var out []ItemRef
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil && id > 0 {
			out = append(out, ItemRef{ID: id})
			continue
		}
		out = append(out, ItemRef{Name: part})
	}
	return out
}

// ScheduledPayment is one derived entry of an investment's schedule.
type ScheduledPayment struct {
	Sequence       int        `json:"sequence"`
	DueDate        *time.Time `json:"due_date"` // nil → unscheduled ("TBD")
	ExpectedAmount Cents      `json:"expected_amount"`
}

// Payment is a scheduled payment merged with its persisted state.
type Payment struct {
	ScheduledPayment
	State PaymentState `json:"state"`
}

// LogItem is one item line of an activity log entry.
type LogItem struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Qty  int    `json:"qty"`
}

// LogEntry is the canonical shape of a remote activity-log record.
type LogEntry struct {
	ID          string    `json:"id,omitempty"`
	Timestamp   int64     `json:"timestamp"` // unix seconds
	SenderID    int64     `json:"sender_id,omitempty"`
	ReceiverID  int64     `json:"receiver_id,omitempty"`
	MoneyAmount Cents     `json:"money_amount,omitempty"`
	Items       []LogItem `json:"items,omitempty"`
	RawText     string    `json:"raw_text,omitempty"`
}

// Time returns the entry timestamp as a UTC time.
func (e LogEntry) Time() time.Time { return time.Unix(e.Timestamp, 0).UTC() }

// Date is a calendar date anchored at midnight in its location. Only the
// calendar day is persisted: the JSON form is "2006-01-02" and decoding
// yields UTC midnight, so holders call Anchor before deriving instants.
// Decoding also accepts RFC 3339 and unix milliseconds so older persisted
// records normalise on load.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate builds a date at midnight in loc.
func NewDate(year int, month time.Month, day int, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return Date{time.Date(year, month, day, 0, 0, 0, 0, loc)}
}

// ParseDate parses a user-entered date in loc. Unparseable input yields the
// zero Date and false.
func ParseDate(s string, loc *time.Location) (Date, bool) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, false
	}
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return Date{t}, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.In(loc)
		return NewDate(t.Year(), t.Month(), t.Day(), loc), true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).In(loc)
		return NewDate(t.Year(), t.Month(), t.Day(), loc), true
	}
	return Date{}, false
}

// Anchor returns the same calendar day at midnight in loc.
func (d Date) Anchor(loc *time.Location) Date {
	if d.IsZero() {
		return d
	}
	return NewDate(d.Year(), d.Month(), d.Day(), loc)
}

// String renders the date as YYYY-MM-DD, or "" when unset.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "null" {
		s = ""
	}
	parsed, _ := ParseDate(s, time.UTC)
	*d = parsed
	return nil
}

func (d Date) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Date) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*d, _ = ParseDate(s, time.UTC)
	return nil
}

// InvestmentSummary is the per-investment row of a portfolio snapshot.
type InvestmentSummary struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Principal         Cents           `json:"principal"`
	Received          Cents           `json:"received"`
	PaidCount         int             `json:"paid_count"`
	ROI               decimal.Decimal `json:"roi"` // fraction: -1 is -100%
	NextDue           *time.Time      `json:"next_due,omitempty"`
	BreakEvenSequence int             `json:"break_even_sequence,omitempty"`
	DaysToBreakEven   *int            `json:"days_to_break_even"`
	PendingDetections int             `json:"pending_detections"`
}

// PortfolioSnapshot aggregates all investments.
type PortfolioSnapshot struct {
	Investments        []InvestmentSummary `json:"investments"`
	TotalPrincipal     Cents               `json:"total_principal"`
	TotalReceived      Cents               `json:"total_received"`
	WeeklyRate         decimal.Decimal     `json:"weekly_rate"` // cents per week
	AverageROI         decimal.Decimal     `json:"average_roi"`
	WeightedAverageROI decimal.Decimal     `json:"weighted_average_roi"`
	EarliestUnpaidDue  *time.Time          `json:"earliest_unpaid_due,omitempty"`
	GeneratedAt        time.Time           `json:"generated_at"`
}
