package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"go.sahl.health/claims/claims/go/audit"
	"go.sahl.health/claims/claims/go/sql/schema"
	"go.sahl.health/claims/claims/go/xmlparse"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/sqlutil"
	"go.sahl.health/claims/go/util"
)

// persistSubmissionTx installs a Claim.Submission graph. Insert order follows
// the FK chain: file, group row, claims with children, then events,
// snapshots and the timeline.
func (s *Service) persistSubmissionTx(ctx context.Context, tx pgx.Tx, res *Result, parsed *xmlparse.Result, raw []byte) error {
	dto := parsed.Submission
	fileDBID, created, err := s.insertIngestionFile(ctx, tx, res.FileID, schema.RootSubmission, dto.Header, raw)
	if err != nil {
		return err
	}
	if !created {
		res.Status = StatusAlready
		res.IngestionFileID = fileDBID
		return nil
	}
	res.IngestionFileID = fileDBID

	var submissionID int64
	if err := tx.QueryRow(ctx, `
INSERT INTO claims.submission (ingestion_file_id) VALUES ($1) RETURNING id`, fileDBID).Scan(&submissionID); err != nil {
		return err // Don't wrap - crdbpgx might retry
	}

	eventTime := dto.Header.TransactionDate
	for _, claim := range dto.Claims {
		if err := s.persistClaim(ctx, tx, res, claim, fileDBID, submissionID, eventTime); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) persistClaim(ctx context.Context, tx pgx.Tx, res *Result, claim xmlparse.ClaimDTO, fileDBID, submissionID int64, eventTime time.Time) error {
	keyID, err := s.upsertClaimKey(ctx, tx, claim.ID)
	if err != nil {
		return err
	}

	payerRef, err := s.refID(ctx, tx, "payer", claim.PayerID)
	if err != nil {
		return err
	}
	providerRef, err := s.refID(ctx, tx, "provider", claim.ProviderID)
	if err != nil {
		return err
	}

	emiratesID := claim.EmiratesID
	if s.opts.HashSensitive {
		emiratesID = hashSensitive(emiratesID)
	}

	var claimDBID int64
	err = tx.QueryRow(ctx, `
INSERT INTO claims.claim
  (claim_key_id, ingestion_file_id, submission_id, id_payer, member_id, payer_id,
   provider_id, emirates_id, gross, patient_share, net, comments, payer_ref_id, provider_ref_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (claim_key_id) DO NOTHING
RETURNING id`,
		keyID, fileDBID, submissionID, nullable(claim.IDPayer), nullable(claim.MemberID), claim.PayerID,
		claim.ProviderID, nullable(emiratesID), claim.Gross.String(), claim.PatientShare.String(),
		claim.Net.String(), nullable(claim.Comments), payerRef, providerRef).Scan(&claimDBID)
	claimInserted := true
	if err == pgx.ErrNoRows {
		claimInserted = false
		var priorFileID int64
		if err := tx.QueryRow(ctx, `
SELECT ingestion_file_id FROM claims.claim WHERE claim_key_id = $1`, keyID).Scan(&priorFileID); err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		if priorFileID == fileDBID {
			// This file already installed the claim in an earlier chunked
			// transaction; the replay is a no-op.
			res.Counts.Conflicts++
			return nil
		}
		// A prior submission exists. Legal only with a resubmission marker.
		if claim.Resubmission == nil {
			res.Counts.Conflicts++
			res.RowErrors = append(res.RowErrors, audit.ErrorRow{
				Stage:      audit.StagePersist,
				ObjectType: "Claim",
				ObjectKey:  claim.ID,
				Code:       "DUP_SUBMISSION_NO_RESUB",
				Severity:   string(xmlparse.SeverityError),
				Message:    "claim was already submitted and this file carries no resubmission marker",
			})
			return nil
		}
	} else if err != nil {
		return err // Don't wrap - crdbpgx might retry
	}

	if claimInserted {
		res.Counts.Claims++
		if err := s.persistClaimChildren(ctx, tx, res, claim, claimDBID); err != nil {
			return err
		}
		eventID, inserted, err := s.insertEvent(ctx, tx, keyID, schema.EventSubmission, eventTime, res.IngestionFileID, &submissionID, nil)
		if err != nil {
			return err
		}
		if inserted {
			res.Counts.Events++
			if err := s.projectSnapshots(ctx, tx, res, eventID, submissionActivitySnapshots(claim)); err != nil {
				return err
			}
			if err := s.appendTimeline(ctx, tx, keyID, schema.StatusSubmitted, eventTime, res.IngestionFileID); err != nil {
				return err
			}
		} else {
			res.RowErrors = append(res.RowErrors, audit.ErrorRow{
				Stage:      audit.StagePersist,
				ObjectType: "Claim",
				ObjectKey:  claim.ID,
				Code:       "DUP_SUBMISSION_EVENT",
				Severity:   string(xmlparse.SeverityError),
				Message:    "claim already has a submission event",
			})
		}
	}

	if claim.Resubmission != nil {
		eventID, inserted, err := s.insertEvent(ctx, tx, keyID, schema.EventResubmission, eventTime, res.IngestionFileID, &submissionID, nil)
		if err != nil {
			return err
		}
		if inserted {
			res.Counts.Events++
			if _, err := tx.Exec(ctx, `
INSERT INTO claims.claim_resubmission (claim_event_id, resubmission_type, comment, attachment)
VALUES ($1, $2, $3, $4)`,
				eventID, nullable(claim.Resubmission.Type), nullable(claim.Resubmission.Comment), claim.Resubmission.Attachment); err != nil {
				return err // Don't wrap - crdbpgx might retry
			}
			if err := s.projectSnapshots(ctx, tx, res, eventID, submissionActivitySnapshots(claim)); err != nil {
				return err
			}
			if err := s.appendTimeline(ctx, tx, keyID, schema.StatusResubmitted, eventTime, res.IngestionFileID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) persistClaimChildren(ctx context.Context, tx pgx.Tx, res *Result, claim xmlparse.ClaimDTO, claimDBID int64) error {
	if claim.Encounter != nil {
		enc := claim.Encounter
		if _, err := tx.Exec(ctx, `
INSERT INTO claims.encounter
  (claim_id, facility_id, encounter_type, patient_id, start_at, end_at,
   start_type, end_type, transfer_source, transfer_destination)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			claimDBID, nullable(enc.FacilityID), nullable(enc.Type), nullable(enc.PatientID),
			nullTime(enc.Start), nullTime(enc.End), nullable(enc.StartType), nullable(enc.EndType),
			nullable(enc.TransferSource), nullable(enc.TransferDestination)); err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
	}

	if len(claim.Diagnoses) > 0 {
		var args []interface{}
		for _, d := range claim.Diagnoses {
			args = append(args, claimDBID, nullable(d.Type), d.Code)
		}
		n, err := s.batchInsert(ctx, tx, res, "diagnosis", `
INSERT INTO claims.diagnosis (claim_id, diag_type, code) VALUES %s`, 3, args)
		if err != nil {
			return err
		}
		res.Counts.Dxs += n
	}

	for _, act := range claim.Activities {
		var actDBID int64
		clinicianRef, err := s.refID(ctx, tx, "clinician", act.Clinician)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
INSERT INTO claims.activity
  (claim_id, activity_id, start_at, activity_type, code, quantity, net,
   clinician, prior_authorization_id, clinician_ref_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (claim_id, activity_id) DO NOTHING
RETURNING id`,
			claimDBID, act.ID, nullTime(act.Start), nullable(act.Type), nullable(act.Code),
			act.Quantity.String(), act.Net.String(), nullable(act.Clinician),
			nullable(act.PriorAuthorizationID), clinicianRef).Scan(&actDBID)
		if err == pgx.ErrNoRows {
			// Duplicate activity id inside the same claim.
			res.Counts.Conflicts++
			res.RowErrors = append(res.RowErrors, audit.ErrorRow{
				Stage:      audit.StagePersist,
				ObjectType: "Activity",
				ObjectKey:  claim.ID + "/" + act.ID,
				Code:       "DUP_ACTIVITY",
				Severity:   string(xmlparse.SeverityWarning),
				Message:    "duplicate activity id within the claim",
			})
			continue
		} else if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		res.Counts.Acts++

		if len(act.Observations) > 0 {
			var args []interface{}
			for _, obs := range act.Observations {
				args = append(args, actDBID, nullable(obs.Type), nullable(obs.Code),
					nullable(obs.Value), nullable(obs.ValueType), obs.Bytes, valueHash(obs.Value))
			}
			n, err := s.batchInsert(ctx, tx, res, "observation", `
INSERT INTO claims.observation
  (activity_id, obs_type, obs_code, value_text, value_type, value_bytes, value_hash)
VALUES %s
ON CONFLICT (activity_id, obs_type, obs_code, value_hash) DO NOTHING`, 7, args)
			if err != nil {
				return err
			}
			res.Counts.Obs += n
		}
	}
	return nil
}

// snapshotRow is the per-event copy of an activity's values.
type snapshotRow struct {
	activityID    string
	net           string
	listPrice     string
	gross         string
	patientShare  string
	paymentAmount string
	denialCode    string
	priorAuth     string
	clinician     string
	observations  []xmlparse.ObservationDTO
}

func submissionActivitySnapshots(claim xmlparse.ClaimDTO) []snapshotRow {
	rv := make([]snapshotRow, 0, len(claim.Activities))
	for _, act := range claim.Activities {
		rv = append(rv, snapshotRow{
			activityID:   act.ID,
			net:          act.Net.String(),
			priorAuth:    act.PriorAuthorizationID,
			clinician:    act.Clinician,
			observations: act.Observations,
		})
	}
	return rv
}

// projectSnapshots installs claim_event_activity and event_observation rows
// for one event.
func (s *Service) projectSnapshots(ctx context.Context, tx pgx.Tx, res *Result, eventID int64, rows []snapshotRow) error {
	for _, row := range rows {
		var ceaID int64
		err := tx.QueryRow(ctx, `
INSERT INTO claims.claim_event_activity
  (claim_event_id, activity_id_at_event, net, list_price, gross, patient_share,
   payment_amount, denial_code, prior_authorization_id, clinician)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (claim_event_id, activity_id_at_event) DO NOTHING
RETURNING id`,
			eventID, row.activityID, nullable(row.net), nullable(row.listPrice), nullable(row.gross),
			nullable(row.patientShare), nullable(row.paymentAmount), nullable(row.denialCode),
			nullable(row.priorAuth), nullable(row.clinician)).Scan(&ceaID)
		if err == pgx.ErrNoRows {
			res.Counts.Conflicts++
			continue
		} else if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}

		if len(row.observations) > 0 {
			var args []interface{}
			for _, obs := range row.observations {
				args = append(args, ceaID, nullable(obs.Type), nullable(obs.Code),
					nullable(obs.Value), obs.Bytes, valueHash(obs.Value))
			}
			if _, err := s.batchInsert(ctx, tx, res, "event_observation", `
INSERT INTO claims.event_observation
  (claim_event_activity_id, obs_type, obs_code, value_text, value_bytes, value_hash)
VALUES %s
ON CONFLICT (claim_event_activity_id, obs_type, obs_code, value_hash) DO NOTHING`, 6, args); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) insertIngestionFile(ctx context.Context, tx pgx.Tx, fileID string, kind schema.RootKind, h xmlparse.Header, raw []byte) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `
INSERT INTO claims.ingestion_file
  (file_id, root_kind, sender_id, receiver_id, transaction_date, record_count, disposition_flag, raw_xml)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (file_id) DO NOTHING
RETURNING id`,
		fileID, int16(kind), nullable(h.SenderID), nullable(h.ReceiverID), nullTime(h.TransactionDate),
		h.RecordCount, nullable(h.DispositionFlag), raw).Scan(&id)
	if err == pgx.ErrNoRows {
		if err := tx.QueryRow(ctx, `
SELECT id FROM claims.ingestion_file WHERE file_id = $1`, fileID).Scan(&id); err != nil {
			return 0, false, err // Don't wrap - crdbpgx might retry
		}
		return id, false, nil
	}
	if err != nil {
		return 0, false, err // Don't wrap - crdbpgx might retry
	}
	return id, true, nil
}

func (s *Service) upsertClaimKey(ctx context.Context, tx pgx.Tx, claimID string) (int64, error) {
	// DO UPDATE instead of DO NOTHING so RETURNING always yields the id.
	var id int64
	err := tx.QueryRow(ctx, `
INSERT INTO claims.claim_key (claim_id) VALUES ($1)
ON CONFLICT (claim_id) DO UPDATE SET claim_id = excluded.claim_id
RETURNING id`, claimID).Scan(&id)
	if err != nil {
		return 0, err // Don't wrap - crdbpgx might retry
	}
	return id, nil
}

// refID resolves a reference code to its id, optionally creating the row.
// Returns nil (SQL NULL) for empty or unknown codes.
func (s *Service) refID(ctx context.Context, tx pgx.Tx, table, code string) (interface{}, error) {
	if code == "" {
		return nil, nil
	}
	var id int64
	if s.opts.RefDataAutoInsert {
		err := tx.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO claims_ref.%s (code) VALUES ($1)
ON CONFLICT (code) DO UPDATE SET code = excluded.code
RETURNING id`, table), code).Scan(&id)
		if err != nil {
			return nil, err // Don't wrap - crdbpgx might retry
		}
		return id, nil
	}
	err := tx.QueryRow(ctx, fmt.Sprintf(`
SELECT id FROM claims_ref.%s WHERE code = $1`, table), code).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err // Don't wrap - crdbpgx might retry
	}
	return id, nil
}

func (s *Service) insertEvent(ctx context.Context, tx pgx.Tx, keyID int64, eventType schema.EventType, eventTime time.Time, fileDBID int64, submissionID, remittanceID *int64) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `
INSERT INTO claims.claim_event
  (claim_key_id, event_type, event_time, ingestion_file_id, submission_id, remittance_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT DO NOTHING
RETURNING id`,
		keyID, int16(eventType), eventTime, fileDBID, submissionID, remittanceID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err // Don't wrap - crdbpgx might retry
	}
	return id, true, nil
}

func (s *Service) appendTimeline(ctx context.Context, tx pgx.Tx, keyID int64, status schema.ClaimStatus, statusTime time.Time, fileDBID int64) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO claims.claim_status_timeline (claim_key_id, status, status_time, ingestion_file_id)
VALUES ($1, $2, $3, $4)`, keyID, int16(status), statusTime, fileDBID); err != nil {
		return err // Don't wrap - crdbpgx might retry
	}
	return nil
}

// batchInsert runs the statement in chunks of the configured batch size,
// expanding %s into multi-row VALUES placeholders. Returns the number of rows
// actually inserted (conflicts excluded) and records one BatchMetric per
// chunk.
func (s *Service) batchInsert(ctx context.Context, tx pgx.Tx, res *Result, stage string, stmt string, valuesPerRow int, args []interface{}) (int, error) {
	totalRows := len(args) / valuesPerRow
	inserted := 0
	batchNo := 0
	err := util.ChunkIter(totalRows, s.opts.BatchSize, func(startIdx, endIdx int) error {
		batchNo++
		chunk := args[startIdx*valuesPerRow : endIdx*valuesPerRow]
		rows := endIdx - startIdx
		t := metrics2.NewTimer("claims_persist_batch")
		sql := fmt.Sprintf(stmt, sqlutil.ValuesPlaceholders(valuesPerRow, rows))
		tag, err := tx.Exec(ctx, sql, chunk...)
		duration := t.Stop()
		if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		n := int(tag.RowsAffected())
		inserted += n
		res.Counts.Conflicts += rows - n
		res.BatchMetrics = append(res.BatchMetrics, audit.BatchMetric{
			FileID:           res.FileID,
			Stage:            audit.Stage(stage),
			BatchNo:          batchNo,
			Attempted:        rows,
			Inserted:         n,
			ConflictsIgnored: rows - n,
			Duration:         duration,
		})
		return nil
	})
	if err != nil {
		return inserted, err
	}
	return inserted, nil
}
