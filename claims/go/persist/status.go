package persist

import (
	"github.com/shopspring/decimal"

	"go.sahl.health/claims/claims/go/sql/schema"
)

// PaymentLine is one historical remittance activity payment.
type PaymentLine struct {
	ActivityID string
	Amount     decimal.Decimal
}

// SumPaymentsWithCap sums payments per activity across all remittances,
// capping each activity's cumulative total at its originally submitted net.
// Payments for activities that never appeared in the submission are summed
// uncapped; the claim-level comparison against net bounds them anyway.
func SumPaymentsWithCap(submittedNets map[string]decimal.Decimal, payments []PaymentLine) decimal.Decimal {
	perActivity := map[string]decimal.Decimal{}
	for _, p := range payments {
		perActivity[p.ActivityID] = perActivity[p.ActivityID].Add(p.Amount)
	}
	total := decimal.Zero
	for activityID, sum := range perActivity {
		if capAmt, ok := submittedNets[activityID]; ok && sum.GreaterThan(capAmt) {
			sum = capAmt
		}
		total = total.Add(sum)
	}
	return total
}

// DeriveStatus maps the aggregated payment picture of a claim to its derived
// status. netKnown is false when no submission for the claim has been
// ingested yet.
func DeriveStatus(net decimal.Decimal, netKnown bool, totalPaid decimal.Decimal, denialPresent bool) schema.ClaimStatus {
	if totalPaid.IsZero() && denialPresent {
		return schema.StatusRejected
	}
	if !netKnown {
		return schema.StatusUnknown
	}
	if totalPaid.Equal(net) && !net.IsZero() {
		return schema.StatusPaid
	}
	if totalPaid.GreaterThan(decimal.Zero) && totalPaid.LessThan(net) {
		return schema.StatusPartiallyPaid
	}
	return schema.StatusUnknown
}
