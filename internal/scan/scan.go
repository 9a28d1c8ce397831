// Package scan runs the fetch, detect and write-back cycle for one
// investment.
//
// A scan reads the credential, fetches the activity log newer than the
// investment's cursor and then, inside a single ledger mutation, matches the
// entries against the current record, attaches detections and advances the
// cursor. Nothing is written when the credential is missing or the fetch
// fails. Concurrent scans of the same investment share one execution.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/match"
	"github.com/tornbuddy/buddy-engine/internal/metrics"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/secrets"
)

// ErrNoCredential is returned when no API key is configured.
var ErrNoCredential = errors.New("scan: no API key configured")

// LogSource fetches activity-log entries newer than from.
type LogSource interface {
	FetchLog(ctx context.Context, key string, from int64, fresh bool) ([]model.LogEntry, error)
}

// ItemResolver fills in catalog ids for item signatures.
type ItemResolver interface {
	ResolveRefs(ctx context.Context, key string, refs []model.ItemRef) ([]model.ItemRef, error)
}

// Notifier receives scan events for connected clients.
type Notifier interface {
	Publish(kind string, payload any)
}

// Options controls a single scan.
type Options struct {
	// Rescan drops pending detections on unpaid payments and rewinds the
	// cursor to the fallback window before fetching.
	Rescan bool
}

// Result describes a completed scan.
type Result struct {
	InvestmentID string            `json:"investment_id"`
	Scanned      int               `json:"scanned"`
	Detections   []match.Candidate `json:"detections"`
	Cursor       model.ScanCursor  `json:"cursor"`
	Cleared      int               `json:"cleared,omitempty"`
}

// Scanner coordinates scans.
type Scanner struct {
	ledger  *ledger.Ledger
	secrets secrets.Provider
	logs    LogSource
	items   ItemResolver
	det     *match.Detector
	notify  Notifier

	group singleflight.Group
}

// New creates a scanner. items and notify may be nil.
func New(l *ledger.Ledger, sp secrets.Provider, src LogSource, items ItemResolver, det *match.Detector, notify Notifier) *Scanner {
	return &Scanner{ledger: l, secrets: sp, logs: src, items: items, det: det, notify: notify}
}

// Scan scans one investment. Callers racing on the same id receive the
// result of the scan already in flight. A *ledger.PersistError is returned
// together with a valid Result when the write-back could not be persisted.
func (s *Scanner) Scan(ctx context.Context, id string, opts Options) (Result, error) {
	v, err, shared := s.group.Do(id, func() (any, error) {
		return s.scan(ctx, id, opts)
	})
	if shared {
		slog.Debug("scan coalesced", "investment", id)
	}
	res, _ := v.(Result)
	return res, err
}

func (s *Scanner) scan(ctx context.Context, id string, opts Options) (Result, error) {
	start := time.Now()
	defer func() { metrics.ScanLatency.Observe(time.Since(start).Seconds()) }()

	key, err := s.secrets.Get(ctx, secrets.TornAPIKey)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("scan: read api key: %w", err)
	}
	if key == "" {
		metrics.ScansTotal.WithLabelValues("no_credential").Inc()
		return Result{}, ErrNoCredential
	}

	inv, err := s.ledger.Get(ctx, id)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	var resolved []model.ItemRef
	if inv.Signature.Kind == model.SignatureItem && s.items != nil && unresolved(inv.Signature.Items) {
		resolved, err = s.items.ResolveRefs(ctx, key, inv.Signature.Items)
		if err != nil {
			// Name tiers still work without ids.
			slog.Warn("item catalog unavailable", "investment", id, "err", err)
			resolved = nil
		}
	}

	if opts.Rescan {
		inv.Cursor = model.ScanCursor{LastChecked: s.det.Now().Add(-s.det.FallbackWindow()).Unix()}
	}
	from := s.det.WindowStart(&inv)

	entries, err := s.logs.FetchLog(ctx, key, from, opts.Rescan)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("remote_error").Inc()
		return Result{}, fmt.Errorf("scan: fetch log: %w", err)
	}

	res := Result{InvestmentID: id, Scanned: len(entries)}
	updated, err := s.ledger.Update(ctx, id, func(cur *model.Investment) error {
		if opts.Rescan {
			res.Cleared = ledger.ClearDetections(cur)
			cur.Cursor = inv.Cursor
		}
		if resolved != nil && len(resolved) == len(cur.Signature.Items) {
			cur.Signature.Items = resolved
		}

		var attached []match.Candidate
		for _, c := range s.det.Find(cur, entries) {
			if err := ledger.AttachDetection(cur, c.Sequence, c.Detection()); err != nil {
				continue
			}
			attached = append(attached, c)
		}
		cur.Cursor = match.AdvanceCursor(cur.Cursor, attached, s.det.Now())
		res.Detections = attached
		return nil
	})
	var perr *ledger.PersistError
	if err != nil && !errors.As(err, &perr) {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	res.Cursor = updated.Cursor

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	for _, c := range res.Detections {
		metrics.DetectionsTotal.WithLabelValues(string(c.Kind), string(c.Confidence)).Inc()
		if s.notify != nil {
			s.notify.Publish("detection_attached", map[string]any{
				"investment_id": id,
				"detection":     c,
			})
		}
	}
	slog.Info("scan complete",
		"investment", id,
		"entries", len(entries),
		"detections", len(res.Detections),
		"cursor", res.Cursor.LastChecked,
	)
	return res, err
}

func unresolved(refs []model.ItemRef) bool {
	for _, r := range refs {
		if r.ID == 0 && r.Name != "" {
			return true
		}
	}
	return false
}
