package cashback_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rez/wallet-ledger/cashback"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvaluate_Purchase(t *testing.T) {
	e := cashback.NewEvaluator(cashback.DefaultRules())

	tests := []struct {
		name       string
		price, pct string
		want       int64
	}{
		{"headphones 10%", "2199", "10", 220},
		{"round half up", "25", "10", 3},      // 2.5
		{"round down", "24", "10", 2},         // 2.4
		{"fractional price", "99.99", "5", 5}, // 4.9995
		{"zero percent", "5000", "0", 0},
		{"full price back", "320", "100", 320},
		{"free item", "0", "15", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(cashback.EventPurchase, cashback.Payload{
				PurchasePrice:      d(tt.price),
				CashbackPercentage: d(tt.pct),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_RejectsInvalidPayload(t *testing.T) {
	e := cashback.NewEvaluator(cashback.DefaultRules())

	tests := []struct {
		name       string
		price, pct string
	}{
		{"negative price", "-1", "10"},
		{"negative percentage", "100", "-0.5"},
		{"over 100 percent", "100", "100.01"},
		{"overflow", "92233720368547758070000", "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Purchase(d(tt.price), d(tt.pct))
			assert.ErrorIs(t, err, cashback.ErrInvalidPayload)
		})
	}

	_, err := e.Evaluate(cashback.EventType("birthday"), cashback.Payload{})
	assert.ErrorIs(t, err, cashback.ErrInvalidPayload)
}

func TestEvaluate_FlatRates(t *testing.T) {
	e := cashback.NewEvaluator(cashback.DefaultRules())

	review, err := e.Evaluate(cashback.EventReview, cashback.Payload{})
	require.NoError(t, err)
	assert.Equal(t, int64(220), review)

	referral, err := e.Evaluate(cashback.EventReferral, cashback.Payload{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), referral)

	custom := cashback.NewEvaluator(cashback.Rules{ReviewFlat: 10, ReferralFlat: 75})
	review, err = custom.Evaluate(cashback.EventReview, cashback.Payload{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), review)
}

func TestMaxRedeemable(t *testing.T) {
	assert.Equal(t, int64(952), cashback.MaxRedeemable(952, d("2199")))
	assert.Equal(t, int64(320), cashback.MaxRedeemable(952, d("320")))
	assert.Equal(t, int64(99), cashback.MaxRedeemable(952, d("99.99")))
	assert.Zero(t, cashback.MaxRedeemable(0, d("100")))
	assert.Zero(t, cashback.MaxRedeemable(100, d("0")))
}

func TestCoinValue(t *testing.T) {
	e := cashback.NewEvaluator(cashback.DefaultRules())
	assert.True(t, e.CoinValue(952).Equal(d("95.2")))
	assert.True(t, e.CoinValue(0).IsZero())
}

func TestRules_Validate(t *testing.T) {
	assert.NoError(t, cashback.DefaultRules().Validate())
	assert.Error(t, cashback.Rules{ReviewFlat: -1}.Validate())
	assert.Error(t, cashback.Rules{CoinValue: d("-0.1")}.Validate())
}
