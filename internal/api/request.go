package api

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/money"
)

// Amount is a money field accepted as a JSON string ("1.5M", "12.34") or a
// number of major units. Malformed strings decode as unset.
type Amount struct {
	Cents model.Cents
	Set   bool
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Amount{Cents: money.ParseCurrency(s), Set: money.ValidCurrency(s)}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*a = Amount{}
		return nil
	}
	*a = Amount{Cents: money.FromMajor(f), Set: true}
	return nil
}

// Count is an integer field accepted as a JSON string ("2k") or number.
type Count int64

func (c *Count) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Count(money.ParseCount(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*c = 0
		return nil
	}
	*c = Count(int64(f))
	return nil
}

// SignatureRequest is the expected-payment signature of an investment.
type SignatureRequest struct {
	Kind      string          `json:"kind"`
	Amount    Amount          `json:"amount"`
	Tolerance Amount          `json:"tolerance"`
	Items     []model.ItemRef `json:"items"`
	ItemList  string          `json:"item_list"` // "Xanax, 206, Beer"
}

// InvestmentRequest is the JSON body for create and edit.
type InvestmentRequest struct {
	Name                string           `json:"name"`
	CounterpartyID      Count            `json:"counterparty_id"`
	StartDate           string           `json:"start_date"`
	IntervalDays        Count            `json:"interval_days"`
	TotalCount          Count            `json:"total_count"`
	Principal           Amount           `json:"principal"`
	PayoutAmount        Amount           `json:"payout_amount"`
	FirstPayoutOverride Amount           `json:"first_payout_override"`
	Signature           SignatureRequest `json:"signature"`
}

// Investment converts the request into a model value. start_date is parsed
// in loc; an unparseable date leaves the schedule unscheduled.
func (req InvestmentRequest) Investment(loc *time.Location) model.Investment {
	inv := model.Investment{
		Name:           req.Name,
		CounterpartyID: int64(req.CounterpartyID),
		IntervalDays:   int(req.IntervalDays),
		TotalCount:     int(req.TotalCount),
		Principal:      req.Principal.Cents,
		PayoutAmount:   req.PayoutAmount.Cents,
		Signature: model.Signature{
			Kind:      model.SignatureKind(strings.ToLower(strings.TrimSpace(req.Signature.Kind))),
			Amount:    req.Signature.Amount.Cents,
			Tolerance: req.Signature.Tolerance.Cents,
			Items:     append([]model.ItemRef(nil), req.Signature.Items...),
		},
	}
	inv.StartDate, _ = model.ParseDate(req.StartDate, loc)
	if req.FirstPayoutOverride.Set {
		v := req.FirstPayoutOverride.Cents
		inv.FirstPayoutOverride = &v
	}
	if req.Signature.ItemList != "" {
		inv.Signature.Items = append(inv.Signature.Items, model.ParseItemList(req.Signature.ItemList)...)
	}
	return inv
}

// APIKeyRequest is the JSON body for PUT /settings/api-key.
type APIKeyRequest struct {
	APIKey string `json:"api_key"`
}
