// Package match finds activity-log entries that look like an investment's
// expected payment and turns them into advisory detections.
//
// Matches are assigned by next need: each matching entry, taken in timestamp
// order, is attached to the lowest-numbered payment that is unpaid, has no
// pending detection and has not already received a match in the same scan.
// How close the entry is to that payment's due date does not matter.
package match

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/money"
	"github.com/tornbuddy/buddy-engine/internal/schedule"
)

// DefaultFallbackWindow is how far back a scan looks when the cursor has
// never been set.
const DefaultFallbackWindow = 72 * time.Hour

// DefaultFuzzyThreshold is the minimum name similarity (0..1) for the fuzzy
// item tier.
const DefaultFuzzyThreshold = 0.8

// Confidence ranks how a match was made, strongest first.
type Confidence string

const (
	ConfidenceExact  Confidence = "exact"  // money equal, or item id equal
	ConfidenceAmount Confidence = "amount" // money within tolerance
	ConfidenceName   Confidence = "name"   // item name equal ignoring case
	ConfidenceFuzzy  Confidence = "fuzzy"  // item name within edit distance
	ConfidenceText   Confidence = "text"   // item name found in free text
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceExact:
		return 0
	case ConfidenceAmount, ConfidenceName:
		return 1
	case ConfidenceFuzzy:
		return 2
	case ConfidenceText:
		return 3
	}
	return 4
}

// Candidate is one proposed detection.
type Candidate struct {
	Sequence   int                 `json:"sequence"`
	Kind       model.DetectionKind `json:"kind"`
	Timestamp  int64               `json:"timestamp"`
	EntryID    string              `json:"entry_id,omitempty"`
	Text       string              `json:"text"`
	Confidence Confidence          `json:"confidence"`
}

// Detection converts the candidate into the annotation stored on a payment.
func (c Candidate) Detection() model.Detection {
	return model.Detection{Kind: c.Kind, MatchedAt: c.Timestamp, Text: c.Text}
}

// ItemNamer looks up item names for log entries that only carry ids.
type ItemNamer interface {
	Name(id int64) (string, bool)
}

// Detector matches log entries against investments.
type Detector struct {
	now       func() time.Time
	loc       *time.Location
	fallback  time.Duration
	maxGen    int
	threshold float64
	names     ItemNamer
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// WithLocation sets the zone used to render detection times.
func WithLocation(loc *time.Location) Option { return func(d *Detector) { d.loc = loc } }

// WithFallbackWindow sets how far back an unset cursor looks.
func WithFallbackWindow(w time.Duration) Option { return func(d *Detector) { d.fallback = w } }

// WithMaxGenerate caps the payments considered for open-ended schedules.
func WithMaxGenerate(n int) Option { return func(d *Detector) { d.maxGen = n } }

// WithFuzzyThreshold sets the similarity required by the fuzzy tier.
func WithFuzzyThreshold(t float64) Option { return func(d *Detector) { d.threshold = t } }

// WithItemNamer resolves names of id-only log items.
func WithItemNamer(n ItemNamer) Option { return func(d *Detector) { d.names = n } }

// NewDetector creates a detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		now:       time.Now,
		loc:       time.UTC,
		fallback:  DefaultFallbackWindow,
		maxGen:    schedule.DefaultMaxGenerate,
		threshold: DefaultFuzzyThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Now returns the detector's current time.
func (d *Detector) Now() time.Time { return d.now() }

// FallbackWindow returns the look-back used for unset cursors.
func (d *Detector) FallbackWindow() time.Duration { return d.fallback }

// WindowStart returns the exclusive lower bound of the scan window: the
// cursor when set, else now minus the fallback window.
func (d *Detector) WindowStart(inv *model.Investment) int64 {
	if inv.Cursor.IsSet() {
		return inv.Cursor.LastChecked
	}
	return d.now().Add(-d.fallback).Unix()
}

// Find returns the candidates for inv among entries, ordered by timestamp.
// Entries at or before the window start and entries in the future are
// ignored. inv is not modified.
func (d *Detector) Find(inv *model.Investment, entries []model.LogEntry) []Candidate {
	from := d.WindowStart(inv)
	to := d.now().Unix()

	window := make([]model.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp > from && e.Timestamp <= to && e.SenderID == inv.CounterpartyID {
			window = append(window, e)
		}
	}
	sort.SliceStable(window, func(i, j int) bool {
		if window[i].Timestamp != window[j].Timestamp {
			return window[i].Timestamp < window[j].Timestamp
		}
		return window[i].ID < window[j].ID
	})

	targets := d.targets(inv)
	var out []Candidate
	for _, e := range window {
		if len(targets) == 0 {
			break
		}
		seq := targets[0]
		var (
			c  Candidate
			ok bool
		)
		switch inv.Signature.Kind {
		case model.SignatureItem:
			c, ok = d.matchItem(inv, e)
		default:
			c, ok = d.matchMoney(inv, e, seq)
		}
		if !ok {
			continue
		}
		c.Sequence = seq
		c.Timestamp = e.Timestamp
		c.EntryID = e.ID
		out = append(out, c)
		targets = targets[1:]
	}
	return out
}

// targets lists the payments that may receive a detection, lowest first.
func (d *Detector) targets(inv *model.Investment) []int {
	var out []int
	n := schedule.Limit(inv, d.maxGen)
	for seq := 1; seq <= n; seq++ {
		st := inv.Payments[seq]
		if st.Paid || st.Detection != nil {
			continue
		}
		out = append(out, seq)
	}
	return out
}

func (d *Detector) matchMoney(inv *model.Investment, e model.LogEntry, seq int) (Candidate, bool) {
	if e.MoneyAmount <= 0 {
		return Candidate{}, false
	}
	target := inv.Signature.Amount
	if target == 0 {
		target = schedule.ExpectedAmount(inv, seq)
	}
	diff := e.MoneyAmount - target
	if diff < 0 {
		diff = -diff
	}
	if diff > inv.Signature.Tolerance {
		return Candidate{}, false
	}
	conf := ConfidenceExact
	if diff != 0 {
		conf = ConfidenceAmount
	}
	return Candidate{
		Kind:       model.DetectionMoney,
		Confidence: conf,
		Text:       d.Render(inv, e, money.FormatCurrency(e.MoneyAmount), conf),
	}, true
}

func (d *Detector) matchItem(inv *model.Investment, e model.LogEntry) (Candidate, bool) {
	best := Confidence("")
	var subject string
	consider := func(c Confidence, s string) {
		if best == "" || c.rank() < best.rank() {
			best, subject = c, s
		}
	}

	for _, want := range inv.Signature.Items {
		for _, got := range e.Items {
			name := got.Name
			if name == "" && got.ID != 0 && d.names != nil {
				name, _ = d.names.Name(got.ID)
			}
			switch {
			case want.ID != 0 && got.ID == want.ID:
				consider(ConfidenceExact, itemPhrase(got.Qty, firstNonEmpty(name, want.Name)))
			case want.ID != 0:
				// A resolved id only matches by id.
			case name != "" && strings.EqualFold(name, want.Name):
				consider(ConfidenceName, itemPhrase(got.Qty, name))
			case name != "" && similar(name, want.Name, d.threshold):
				consider(ConfidenceFuzzy, itemPhrase(got.Qty, name))
			}
		}
		if want.Name != "" && e.RawText != "" &&
			strings.Contains(strings.ToLower(e.RawText), strings.ToLower(want.Name)) {
			consider(ConfidenceText, itemPhrase(1, want.Name))
		}
	}
	if best == "" {
		return Candidate{}, false
	}
	return Candidate{
		Kind:       model.DetectionItem,
		Confidence: best,
		Text:       d.Render(inv, e, subject, best),
	}, true
}

// similar reports whether a and b are within the edit-distance ratio.
func similar(a, b string, threshold float64) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	longest := max(len(a), len(b))
	if longest == 0 {
		return false
	}
	ratio := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	return ratio >= threshold
}

// Render formats the provenance line stored with a detection:
//
//	15:04:05 - 02/01/06 Bob sent $5,000 to you
//	15:04:05 - 02/01/06 Bob sent a Xanax to you
//
// Weaker tiers carry a marker so they are never mistaken for exact matches.
func (d *Detector) Render(inv *model.Investment, e model.LogEntry, subject string, conf Confidence) string {
	ts := e.Time().In(d.loc)
	var b strings.Builder
	b.WriteString(ts.Format("15:04:05 - 02/01/06 "))
	b.WriteString(inv.Name + " sent " + subject + " to you")
	switch conf {
	case ConfidenceFuzzy:
		b.WriteString(" (similar item name)")
	case ConfidenceText:
		b.WriteString(" (text match, unverified)")
	}
	return b.String()
}

func itemPhrase(qty int, name string) string {
	if qty > 1 {
		return strconv.Itoa(qty) + "x " + name
	}
	return article(name) + " " + name
}

func article(name string) string {
	if name != "" && strings.ContainsRune("aeiouAEIOU", rune(name[0])) {
		return "an"
	}
	return "a"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// AdvanceCursor applies the cursor rule after a scan. With at least one
// match the cursor moves past the newest matched entry. A scan without
// matches moves an unset cursor to now and leaves a set cursor alone.
func AdvanceCursor(c model.ScanCursor, matched []Candidate, now time.Time) model.ScanCursor {
	if len(matched) == 0 {
		if !c.IsSet() {
			return model.ScanCursor{LastChecked: now.Unix()}
		}
		return c
	}
	var newest int64
	for _, m := range matched {
		newest = max(newest, m.Timestamp)
	}
	if next := newest + 1; next > c.LastChecked {
		c.LastChecked = next
	}
	return c
}
