// Package audit writes the operational ledgers: ingestion runs, per-file
// audits, the error ledger and batch metrics. Everything here is best-effort;
// a failed audit write is logged and never fails the pipeline.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/sklog"
)

// Stage names the pipeline stage an error or metric was recorded at.
type Stage string

const (
	StageFetch   = Stage("FETCH")
	StageParse   = Stage("PARSE")
	StagePersist = Stage("PERSIST")
	StageVerify  = Stage("VERIFY")
	StageAck     = Stage("ACK")
)

// ErrorRow is one entry of the error ledger.
type ErrorRow struct {
	Stage      Stage
	ObjectType string
	ObjectKey  string
	Code       string
	Severity   string
	Message    string
	Retryable  bool
}

// FileAudit is the per-file outcome row.
type FileAudit struct {
	RunID               int64
	FileID              string
	CorrelationID       string
	Status              string
	ExpectedClaims      int
	PersistedClaims     int
	ExpectedActivities  int
	PersistedActivities int
	VerifyStatus        string
	AckStatus           string
}

// BatchMetric records one insert batch.
type BatchMetric struct {
	FileID           string
	Stage            Stage
	BatchNo          int
	Attempted        int
	Inserted         int
	ConflictsIgnored int
	Duration         time.Duration
}

// Sink writes the ledgers. The zero value is unusable; construct with New.
type Sink struct {
	db *pgxpool.Pool

	errorsWritten metrics2.Counter
	writeFailures metrics2.Counter
}

// New returns a Sink over the given pool.
func New(db *pgxpool.Pool) *Sink {
	return &Sink{
		db: db,

		errorsWritten: metrics2.GetCounter("claims_audit_errors_written"),
		writeFailures: metrics2.GetCounter("claims_audit_write_failures"),
	}
}

// StartRun opens a new ingestion run and returns its id. Returns 0 when the
// row could not be written; callers carry the zero through harmlessly.
func (s *Sink) StartRun(ctx context.Context) int64 {
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO claims.ingestion_run (started_at) VALUES (now()) RETURNING id`).Scan(&id)
	if err != nil {
		s.writeFailures.Inc(1)
		sklog.Errorf("Cannot open ingestion run: %s", err)
		return 0
	}
	return id
}

// CloseRun finalizes the run row at quiescence.
func (s *Sink) CloseRun(ctx context.Context, runID int64, processed, failed int) {
	if runID == 0 {
		return
	}
	_, err := s.db.Exec(ctx, `
UPDATE claims.ingestion_run
SET ended_at = now(), files_processed = $2, files_failed = $3
WHERE id = $1`, runID, processed, failed)
	if err != nil {
		s.writeFailures.Inc(1)
		sklog.Errorf("Cannot close ingestion run %d: %s", runID, err)
	}
}

// RecordFileAudit writes the per-file outcome row.
func (s *Sink) RecordFileAudit(ctx context.Context, fa FileAudit) {
	var runID interface{}
	if fa.RunID != 0 {
		runID = fa.RunID
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO claims.ingestion_file_audit
  (run_id, file_id, correlation_id, status, expected_claims, persisted_claims,
   expected_activities, persisted_activities, verify_status, ack_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		runID, fa.FileID, fa.CorrelationID, fa.Status, fa.ExpectedClaims, fa.PersistedClaims,
		fa.ExpectedActivities, fa.PersistedActivities, fa.VerifyStatus, fa.AckStatus)
	if err != nil {
		s.writeFailures.Inc(1)
		sklog.Errorf("Cannot write file audit for %s: %s", fa.FileID, err)
	}
}

// RecordErrors appends rows to the error ledger.
func (s *Sink) RecordErrors(ctx context.Context, fileID string, errs []ErrorRow) {
	for _, e := range errs {
		_, err := s.db.Exec(ctx, `
INSERT INTO claims.ingestion_error
  (file_id, stage, object_type, object_key, code, severity, message, retryable)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			fileID, string(e.Stage), e.ObjectType, e.ObjectKey, e.Code, e.Severity, e.Message, e.Retryable)
		if err != nil {
			s.writeFailures.Inc(1)
			sklog.Errorf("Cannot write error ledger row for %s: %s", fileID, err)
			continue
		}
		s.errorsWritten.Inc(1)
	}
}

// RecordBatchMetric writes one batch metric row.
func (s *Sink) RecordBatchMetric(ctx context.Context, m BatchMetric) {
	_, err := s.db.Exec(ctx, `
INSERT INTO claims.ingestion_batch_metric
  (file_id, stage, batch_no, attempted, inserted, conflicts_ignored, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.FileID, string(m.Stage), m.BatchNo, m.Attempted, m.Inserted, m.ConflictsIgnored, m.Duration.Milliseconds())
	if err != nil {
		s.writeFailures.Inc(1)
		sklog.Errorf("Cannot write batch metric for %s: %s", m.FileID, err)
	}
}
