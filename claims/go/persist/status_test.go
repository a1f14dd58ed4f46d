package persist

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"go.sahl.health/claims/claims/go/sql/schema"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSumPaymentsWithCap(t *testing.T) {
	nets := map[string]decimal.Decimal{
		"A1": d("90.00"),
		"A2": d("50.00"),
	}

	// Straightforward partial payments.
	total := SumPaymentsWithCap(nets, []PaymentLine{
		{ActivityID: "A1", Amount: d("40.00")},
		{ActivityID: "A2", Amount: d("50.00")},
	})
	assert.True(t, total.Equal(d("90.00")), total.String())

	// Two remittances overpay A1; the cumulative sum is capped at its net.
	total = SumPaymentsWithCap(nets, []PaymentLine{
		{ActivityID: "A1", Amount: d("60.00")},
		{ActivityID: "A1", Amount: d("60.00")},
	})
	assert.True(t, total.Equal(d("90.00")), total.String())

	// Payment for an activity the submission never carried stays uncapped.
	total = SumPaymentsWithCap(nets, []PaymentLine{
		{ActivityID: "A9", Amount: d("10.00")},
	})
	assert.True(t, total.Equal(d("10.00")), total.String())

	assert.True(t, SumPaymentsWithCap(nets, nil).IsZero())
}

func TestDeriveStatus(t *testing.T) {
	test := func(name string, expected schema.ClaimStatus, net string, netKnown bool, paid string, denial bool) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, expected, DeriveStatus(d(net), netKnown, d(paid), denial))
		})
	}

	test("fully paid", schema.StatusPaid, "90.00", true, "90.00", false)
	test("partially paid", schema.StatusPartiallyPaid, "90.00", true, "40.00", false)
	test("zero paid with denial", schema.StatusRejected, "90.00", true, "0.00", true)
	// Denial wins even when the submission is unknown.
	test("denial before submission", schema.StatusRejected, "0.00", false, "0.00", true)
	test("paid but submission unknown", schema.StatusUnknown, "0.00", false, "40.00", false)
	test("zero paid no denial", schema.StatusUnknown, "90.00", true, "0.00", false)
	test("zero net claim", schema.StatusUnknown, "0.00", true, "0.00", false)
	// Partial payment plus a denial on another line is still partially paid.
	test("partial with denial", schema.StatusPartiallyPaid, "90.00", true, "40.00", true)
}

func TestHashSensitive(t *testing.T) {
	assert.Equal(t, "", hashSensitive(""))
	h := hashSensitive("784-1234")
	assert.Len(t, h, 64)
	assert.Equal(t, h, hashSensitive("784-1234"))
	assert.NotEqual(t, h, hashSensitive("784-1235"))
}
