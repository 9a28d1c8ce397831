package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

func TestAmountUnmarshal(t *testing.T) {
	tests := []struct {
		in    string
		cents model.Cents
		set   bool
	}{
		{`"1.5k"`, 150000, true},
		{`2500`, 250000, true},
		{`"0"`, 0, true},
		{`"$0.00"`, 0, true},
		{`"abc"`, 0, false},
		{`""`, 0, false},
		{`null`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var a Amount
			require.NoError(t, json.Unmarshal([]byte(tt.in), &a))
			assert.Equal(t, tt.cents, a.Cents)
			assert.Equal(t, tt.set, a.Set)
		})
	}
}

func TestInvestmentRequest_MalformedOverrideIsUnset(t *testing.T) {
	var req InvestmentRequest
	body := `{"name":"Bob","counterparty_id":42,"payout_amount":"5k","first_payout_override":"abc"}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	inv := req.Investment(time.UTC)
	assert.Nil(t, inv.FirstPayoutOverride)
	assert.Equal(t, model.Cents(500000), inv.PayoutAmount)

	require.NoError(t, json.Unmarshal([]byte(`{"first_payout_override":"0"}`), &req))
	inv = req.Investment(time.UTC)
	require.NotNil(t, inv.FirstPayoutOverride, "an explicit zero is kept")
	assert.Zero(t, *inv.FirstPayoutOverride)
}
