// Package ledger is the payment state store. It owns the collection of
// investments, each embedding its own payment states and scan cursor, and
// persists the whole collection as a single JSON document in a key-value
// store.
//
// Every mutation is serialised through one mutex (the in-process queue for
// "the persisted collection"), runs as read-modify-write, and either commits
// completely or not at all. When the store rejects a write the in-memory
// collection stays authoritative for the session and the caller receives a
// *PersistError so the loss risk is surfaced rather than hidden.
//
// Records that fail to decode are carried as raw JSON and written back
// unchanged. A document that cannot be parsed at all blocks every mutation
// with ErrUnreadable until it is repaired.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tornbuddy/buddy-engine/internal/metrics"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/store"
)

// DefaultKey is the store key holding the investment collection.
const DefaultKey = "buddy_stocks_v2"

var (
	// ErrNotFound is returned when an investment id is unknown.
	ErrNotFound = errors.New("ledger: investment not found")
	// ErrUnreadable is returned by mutations while the stored collection
	// cannot be parsed.
	ErrUnreadable = errors.New("ledger: stored collection unreadable")
)

// PersistError reports that a mutation was applied in memory but could not
// be written to the store.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return "ledger: changes not saved: " + e.Err.Error() }
func (e *PersistError) Unwrap() error { return e.Err }

// Ledger holds the investment collection.
type Ledger struct {
	store store.Store
	key   string
	now   func() time.Time
	loc   *time.Location

	mu      sync.Mutex
	loaded  bool
	dirty   bool // last write failed; memory is ahead of the store
	items   []model.Investment
	opaque  []json.RawMessage // undecodable records, written back as-is
	corrupt error             // set while the whole document is unparseable
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithKey overrides the store key.
func WithKey(key string) Option { return func(l *Ledger) { l.key = key } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLocation sets the zone start dates are anchored in. Defaults to UTC.
func WithLocation(loc *time.Location) Option { return func(l *Ledger) { l.loc = loc } }

// New creates a ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{store: st, key: DefaultKey, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	return l
}

// load reads and normalises the collection. Caller holds l.mu.
func (l *Ledger) load(ctx context.Context) error {
	raw, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("ledger: load: %w", err)
	}
	l.items, l.opaque, l.corrupt = decode(raw, ok, l.loc)
	l.loaded = true
	return nil
}

// decode parses each record independently so one corrupt record does not
// hide the rest, then runs the canonical normalisation pass. Records that
// fail are returned raw.
func decode(raw string, ok bool, loc *time.Location) ([]model.Investment, []json.RawMessage, error) {
	if !ok || raw == "" {
		return nil, nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		slog.Error("investment collection unreadable, refusing writes", "err", err)
		return nil, nil, err
	}
	items := make([]model.Investment, 0, len(records))
	var opaque []json.RawMessage
	for i, rec := range records {
		var inv model.Investment
		if err := json.Unmarshal(rec, &inv); err != nil || inv.ID == "" {
			slog.Warn("keeping unreadable investment record as-is", "index", i, "err", err)
			opaque = append(opaque, rec)
			continue
		}
		inv.Normalize()
		inv.StartDate = inv.StartDate.Anchor(loc)
		items = append(items, inv)
	}
	return items, opaque, nil
}

// encode writes items followed by the opaque records.
func encode(items []model.Investment, opaque []json.RawMessage) ([]byte, error) {
	records := make([]json.RawMessage, 0, len(items)+len(opaque))
	for i := range items {
		rec, err := json.Marshal(items[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return json.Marshal(append(records, opaque...))
}

// ensure loads the collection for reads. Caller holds l.mu.
func (l *Ledger) ensure(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	return l.load(ctx)
}

// mutate runs fn against a copy of the collection and commits the result.
// Unless a previous write failed, the collection is re-read first so writes
// from other processes sharing the store are not clobbered.
func (l *Ledger) mutate(ctx context.Context, fn func(items []model.Investment) ([]model.Investment, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		if err := l.load(ctx); err != nil {
			return err
		}
	}
	if l.corrupt != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, l.corrupt)
	}

	work := make([]model.Investment, len(l.items))
	for i := range l.items {
		work[i] = l.items[i].Clone()
	}
	next, err := fn(work)
	if err != nil {
		return err
	}

	data, err := encode(next, l.opaque)
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}
	l.items = next
	if err := l.store.Set(ctx, l.key, string(data)); err != nil {
		l.dirty = true
		metrics.PersistFailures.Inc()
		slog.Error("investment collection not persisted", "err", err)
		return &PersistError{Err: err}
	}
	l.dirty = false
	return nil
}

func indexOf(items []model.Investment, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// List returns every investment ordered by creation time.
func (l *Ledger) List(ctx context.Context) ([]model.Investment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensure(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Investment, len(l.items))
	for i := range l.items {
		out[i] = l.items[i].Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns one investment.
func (l *Ledger) Get(ctx context.Context, id string) (model.Investment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensure(ctx); err != nil {
		return model.Investment{}, err
	}
	i := indexOf(l.items, id)
	if i < 0 {
		return model.Investment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.items[i].Clone(), nil
}

// Create validates and stores a new investment. ID and timestamps are
// assigned here; payment state and cursor start empty.
func (l *Ledger) Create(ctx context.Context, inv model.Investment) (model.Investment, error) {
	inv.Normalize()
	if err := inv.Validate(); err != nil {
		return model.Investment{}, err
	}
	inv.StartDate = inv.StartDate.Anchor(l.loc)
	now := l.now().UTC()
	inv.ID = uuid.New().String()
	inv.Payments = nil
	inv.Cursor = model.ScanCursor{}
	inv.CreatedAt = now
	inv.UpdatedAt = now

	err := l.mutate(ctx, func(items []model.Investment) ([]model.Investment, error) {
		return append(items, inv), nil
	})
	return inv, err
}

// Edit replaces the user-editable fields of an investment. Payment state,
// cursor and creation time are carried over from the stored record.
func (l *Ledger) Edit(ctx context.Context, inv model.Investment) (model.Investment, error) {
	inv.Normalize()
	if err := inv.Validate(); err != nil {
		return model.Investment{}, err
	}
	inv.StartDate = inv.StartDate.Anchor(l.loc)
	var out model.Investment
	err := l.mutate(ctx, func(items []model.Investment) ([]model.Investment, error) {
		i := indexOf(items, inv.ID)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, inv.ID)
		}
		prev := items[i]
		inv.Payments = prev.Payments
		inv.Cursor = prev.Cursor
		inv.CreatedAt = prev.CreatedAt
		inv.UpdatedAt = l.now().UTC()
		items[i] = inv
		out = inv.Clone()
		return items, nil
	})
	return out, err
}

// Delete removes an investment together with all of its payment state in
// the same write.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	return l.mutate(ctx, func(items []model.Investment) ([]model.Investment, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return append(items[:i], items[i+1:]...), nil
	})
}

// Update applies fn to one investment inside a serialised mutation. When fn
// fails nothing is committed.
func (l *Ledger) Update(ctx context.Context, id string, fn func(inv *model.Investment) error) (model.Investment, error) {
	var out model.Investment
	err := l.mutate(ctx, func(items []model.Investment) ([]model.Investment, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := fn(&items[i]); err != nil {
			return nil, err
		}
		items[i].UpdatedAt = l.now().UTC()
		out = items[i].Clone()
		return items, nil
	})
	return out, err
}

// Payment returns the merged state of one payment.
func (l *Ledger) Payment(ctx context.Context, id string, seq int) (model.PaymentState, error) {
	inv, err := l.Get(ctx, id)
	if err != nil {
		return model.PaymentState{}, err
	}
	return State(&inv, seq)
}

// Confirm marks a payment as paid at the given time.
func (l *Ledger) Confirm(ctx context.Context, id string, seq int, at time.Time) (model.PaymentState, error) {
	var st model.PaymentState
	_, err := l.Update(ctx, id, func(inv *model.Investment) error {
		var err error
		st, err = Confirm(inv, seq, at)
		return err
	})
	return st, err
}

// Unconfirm clears the paid flag of a payment.
func (l *Ledger) Unconfirm(ctx context.Context, id string, seq int) (model.PaymentState, error) {
	var st model.PaymentState
	_, err := l.Update(ctx, id, func(inv *model.Investment) error {
		var err error
		st, err = Unconfirm(inv, seq)
		return err
	})
	return st, err
}

// AttachDetection records a detection on an unpaid payment.
func (l *Ledger) AttachDetection(ctx context.Context, id string, seq int, det model.Detection) error {
	_, err := l.Update(ctx, id, func(inv *model.Investment) error {
		return AttachDetection(inv, seq, det)
	})
	return err
}

// DismissDetection drops the pending detection of a payment and returns the
// resulting state.
func (l *Ledger) DismissDetection(ctx context.Context, id string, seq int) (model.PaymentState, error) {
	var st model.PaymentState
	_, err := l.Update(ctx, id, func(inv *model.Investment) error {
		if err := DismissDetection(inv, seq); err != nil {
			return err
		}
		var err error
		st, err = State(inv, seq)
		return err
	})
	return st, err
}
