package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tornbuddy/buddy-engine/internal/ledger"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/money"
)

// Manifest is a YAML description of investments for offline use.
//
//	investments:
//	  - name: Bob's shop
//	    counterparty_id: 42
//	    start_date: 2026-01-01
//	    interval_days: 7
//	    total_count: 10
//	    principal: 10m
//	    payout: 1.5m
//	    paid: [1, 2]
type Manifest struct {
	Investments []InvestmentSpec `yaml:"investments"`
}

// InvestmentSpec is one manifest entry. Amounts accept the same suffixed
// strings as the API ("1.5m", "250k", "12,000").
type InvestmentSpec struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	CounterpartyID int64         `yaml:"counterparty_id"`
	StartDate      string        `yaml:"start_date"`
	IntervalDays   int           `yaml:"interval_days"`
	TotalCount     int           `yaml:"total_count"`
	Principal      string        `yaml:"principal"`
	Payout         string        `yaml:"payout"`
	FirstPayout    string        `yaml:"first_payout"`
	Signature      SignatureSpec `yaml:"signature"`
	Paid           []int         `yaml:"paid"`
}

// SignatureSpec describes what a payment looks like in the log.
type SignatureSpec struct {
	Kind      string `yaml:"kind"`
	Amount    string `yaml:"amount"`
	Tolerance string `yaml:"tolerance"`
	Items     string `yaml:"items"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}

// Resolve converts the manifest into validated investments with the listed
// payments confirmed at now.
func (m *Manifest) Resolve(loc *time.Location, now time.Time) ([]model.Investment, error) {
	out := make([]model.Investment, 0, len(m.Investments))
	for i, entry := range m.Investments {
		inv, err := entry.investment(loc)
		if err != nil {
			return nil, fmt.Errorf("investment %d (%s): %w", i+1, entry.Name, err)
		}
		if inv.ID == "" {
			inv.ID = fmt.Sprintf("manifest-%d", i+1)
		}
		for _, seq := range entry.Paid {
			if _, err := ledger.Confirm(&inv, seq, now); err != nil {
				return nil, fmt.Errorf("investment %d (%s): paid %d: %w", i+1, entry.Name, seq, err)
			}
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s InvestmentSpec) investment(loc *time.Location) (model.Investment, error) {
	inv := model.Investment{
		ID:             s.ID,
		Name:           s.Name,
		CounterpartyID: s.CounterpartyID,
		IntervalDays:   s.IntervalDays,
		TotalCount:     s.TotalCount,
		Principal:      money.ParseCurrency(s.Principal),
		PayoutAmount:   money.ParseCurrency(s.Payout),
		Signature: model.Signature{
			Kind:      model.SignatureKind(s.Signature.Kind),
			Amount:    money.ParseCurrency(s.Signature.Amount),
			Tolerance: money.ParseCurrency(s.Signature.Tolerance),
			Items:     model.ParseItemList(s.Signature.Items),
		},
	}
	inv.StartDate, _ = model.ParseDate(s.StartDate, loc)
	if s.FirstPayout != "" {
		v := money.ParseCurrency(s.FirstPayout)
		inv.FirstPayoutOverride = &v
	}
	inv.Normalize()
	if err := inv.Validate(); err != nil {
		return model.Investment{}, err
	}
	return inv, nil
}
