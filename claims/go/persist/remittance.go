package persist

import (
	"context"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"

	"go.sahl.health/claims/claims/go/sql/schema"
	"go.sahl.health/claims/claims/go/xmlparse"
)

// persistRemittanceTx installs a Remittance.Advice graph and recomputes the
// derived status of every touched claim from the full remittance history.
func (s *Service) persistRemittanceTx(ctx context.Context, tx pgx.Tx, res *Result, parsed *xmlparse.Result, raw []byte) error {
	dto := parsed.Remittance
	fileDBID, created, err := s.insertIngestionFile(ctx, tx, res.FileID, schema.RootRemittance, dto.Header, raw)
	if err != nil {
		return err
	}
	if !created {
		res.Status = StatusAlready
		res.IngestionFileID = fileDBID
		return nil
	}
	res.IngestionFileID = fileDBID

	var remittanceID int64
	if err := tx.QueryRow(ctx, `
INSERT INTO claims.remittance (ingestion_file_id) VALUES ($1) RETURNING id`, fileDBID).Scan(&remittanceID); err != nil {
		return err // Don't wrap - crdbpgx might retry
	}

	eventTime := dto.Header.TransactionDate
	for _, claim := range dto.Claims {
		if err := s.persistRemitClaim(ctx, tx, res, claim, fileDBID, remittanceID, eventTime); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) persistRemitClaim(ctx context.Context, tx pgx.Tx, res *Result, claim xmlparse.RemitClaimDTO, fileDBID, remittanceID int64, eventTime time.Time) error {
	keyID, err := s.upsertClaimKey(ctx, tx, claim.ID)
	if err != nil {
		return err
	}

	var rcID int64
	err = tx.QueryRow(ctx, `
INSERT INTO claims.remittance_claim
  (remittance_id, claim_key_id, ingestion_file_id, id_payer, provider_id,
   denial_code, payment_reference, date_settlement, facility_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (remittance_id, claim_key_id) DO NOTHING
RETURNING id`,
		remittanceID, keyID, fileDBID, nullable(claim.IDPayer), nullable(claim.ProviderID),
		nullable(claim.DenialCode), nullable(claim.PaymentReference), nullTime(claim.DateSettlement),
		nullable(claim.FacilityID)).Scan(&rcID)
	if err == pgx.ErrNoRows {
		// Same claim listed twice in one advice; keep the first reading.
		res.Counts.Conflicts++
		return nil
	} else if err != nil {
		return err // Don't wrap - crdbpgx might retry
	}
	res.Counts.RemitClaims++

	for _, act := range claim.Activities {
		tag, err := tx.Exec(ctx, `
INSERT INTO claims.remittance_activity
  (remittance_claim_id, activity_id, start_at, activity_type, code, quantity,
   net, list_price, gross, patient_share, payment_amount, denial_code, clinician)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (remittance_claim_id, activity_id) DO NOTHING`,
			rcID, act.ID, nullTime(act.Start), nullable(act.Type), nullable(act.Code),
			act.Quantity.String(), act.Net.String(), act.List.String(), act.Gross.String(),
			act.PatientShare.String(), act.PaymentAmount.String(), nullable(act.DenialCode),
			nullable(act.Clinician))
		if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		if tag.RowsAffected() == 0 {
			res.Counts.Conflicts++
			continue
		}
		res.Counts.RemitActs++
	}

	eventID, inserted, err := s.insertEvent(ctx, tx, keyID, schema.EventRemittance, eventTime, fileDBID, nil, &remittanceID)
	if err != nil {
		return err
	}
	if inserted {
		res.Counts.Events++
		if err := s.projectSnapshots(ctx, tx, res, eventID, remitActivitySnapshots(claim)); err != nil {
			return err
		}
	}

	return s.recomputeStatus(ctx, tx, keyID, claim, eventTime, fileDBID)
}

func remitActivitySnapshots(claim xmlparse.RemitClaimDTO) []snapshotRow {
	rv := make([]snapshotRow, 0, len(claim.Activities))
	for _, act := range claim.Activities {
		rv = append(rv, snapshotRow{
			activityID:    act.ID,
			net:           act.Net.String(),
			listPrice:     act.List.String(),
			gross:         act.Gross.String(),
			patientShare:  act.PatientShare.String(),
			paymentAmount: act.PaymentAmount.String(),
			denialCode:    act.DenialCode,
			clinician:     act.Clinician,
		})
	}
	return rv
}

// recomputeStatus derives the claim's status from the submitted amounts and
// the complete remittance history, then appends a timeline row if the status
// differs from the latest one on record.
func (s *Service) recomputeStatus(ctx context.Context, tx pgx.Tx, keyID int64, claim xmlparse.RemitClaimDTO, eventTime time.Time, fileDBID int64) error {
	// Submitted claim net, if a submission has been ingested.
	var netNum pgtype.Numeric
	netKnown := true
	net := decimal.Zero
	err := tx.QueryRow(ctx, `
SELECT net FROM claims.claim WHERE claim_key_id = $1`, keyID).Scan(&netNum)
	if err == pgx.ErrNoRows {
		netKnown = false
	} else if err != nil {
		return err // Don't wrap - crdbpgx might retry
	} else {
		net = numericToDecimal(netNum)
	}

	// Submitted per-activity nets, the caps for cumulative payments.
	submittedNets := map[string]decimal.Decimal{}
	if netKnown {
		rows, err := tx.Query(ctx, `
SELECT a.activity_id, a.net
FROM claims.activity a
JOIN claims.claim c ON c.id = a.claim_id
WHERE c.claim_key_id = $1`, keyID)
		if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		for rows.Next() {
			var activityID string
			var n pgtype.Numeric
			if err := rows.Scan(&activityID, &n); err != nil {
				rows.Close()
				return err
			}
			submittedNets[activityID] = numericToDecimal(n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	// All payments ever remitted for the claim, this advice included.
	var payments []PaymentLine
	rows, err := tx.Query(ctx, `
SELECT ra.activity_id, ra.payment_amount
FROM claims.remittance_activity ra
JOIN claims.remittance_claim rc ON rc.id = ra.remittance_claim_id
WHERE rc.claim_key_id = $1`, keyID)
	if err != nil {
		return err // Don't wrap - crdbpgx might retry
	}
	for rows.Next() {
		var line PaymentLine
		var n pgtype.Numeric
		if err := rows.Scan(&line.ActivityID, &n); err != nil {
			rows.Close()
			return err
		}
		line.Amount = numericToDecimal(n)
		payments = append(payments, line)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	denial := claim.DenialCode != ""
	for _, act := range claim.Activities {
		if act.DenialCode != "" {
			denial = true
		}
	}

	totalPaid := SumPaymentsWithCap(submittedNets, payments)
	status := DeriveStatus(net, netKnown, totalPaid, denial)

	// Append only on change; the timeline stays free of no-op rows.
	var latest int16
	err = tx.QueryRow(ctx, `
SELECT status FROM claims.claim_status_timeline
WHERE claim_key_id = $1
ORDER BY status_time DESC, id DESC
LIMIT 1`, keyID).Scan(&latest)
	if err != nil && err != pgx.ErrNoRows {
		return err // Don't wrap - crdbpgx might retry
	}
	if err == nil && schema.ClaimStatus(latest) == status {
		return nil
	}
	return s.appendTimeline(ctx, tx, keyID, status, eventTime, fileDBID)
}

// numericToDecimal converts a scanned NUMERIC into a decimal without a round
// trip through float64.
func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if n.Status != pgtype.Present || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
