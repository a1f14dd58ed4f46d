// Package persist atomically installs the normalized graph for one parsed
// file and projects the claim event history and status timeline, with
// exactly-once effect. Ordinary files run in a single transaction; files
// above the chunking threshold are split into independently idempotent
// chunked transactions so no single commit exceeds its wall-clock budget.
package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.sahl.health/claims/claims/go/audit"
	"go.sahl.health/claims/claims/go/xmlparse"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
)

// Status is the terminal state of one persist attempt.
type Status string

const (
	// StatusOK means every object in the file persisted.
	StatusOK = Status("OK")
	// StatusAlready means the file_id was ingested before; replay is a no-op.
	StatusAlready = Status("ALREADY")
	// StatusPartial means at least one row-level object was skipped.
	StatusPartial = Status("PARTIAL")
	// StatusFail means nothing of the file survives.
	StatusFail = Status("FAIL")
)

// Counts summarizes the rows installed for one file.
type Counts struct {
	Claims      int
	Acts        int
	Obs         int
	Dxs         int
	Events      int
	RemitClaims int
	RemitActs   int
	Conflicts   int
}

// Result is the outcome of persisting one file.
type Result struct {
	FileID          string
	IngestionFileID int64
	Status          Status
	Counts          Counts

	// RowErrors are the ledger entries to record for this file: parse
	// problems plus row-level persistence findings.
	RowErrors []audit.ErrorRow

	// BatchMetrics are recorded after commit by the caller.
	BatchMetrics []audit.BatchMetric
}

// Options configures a Service.
type Options struct {
	// BatchSize is the number of rows per multi-row insert. Default 1000.
	BatchSize int
	// HashSensitive replaces the patient identifier of submissions with its
	// SHA-256 before it is stored.
	HashSensitive bool
	// RefDataAutoInsert creates reference rows for unknown payer, provider
	// and clinician codes; otherwise the ref links stay NULL.
	RefDataAutoInsert bool
	// FailOnXSDError aborts the whole file on a schema violation instead of
	// persisting best-effort.
	FailOnXSDError bool
	// TxPerFile forces a single transaction per file regardless of size.
	TxPerFile bool
	// TxPerChunkThreshold is the claim count above which a file is installed
	// in chunked transactions. Default 500.
	TxPerChunkThreshold int
	// TxChunkClaims is the number of claims per chunked transaction.
	// Default 100.
	TxChunkClaims int
}

// Service writes parsed files to the database.
type Service struct {
	db   *pgxpool.Pool
	opts Options

	filesPersisted metrics2.Counter
	filesAlready   metrics2.Counter
	filesFailed    metrics2.Counter
	rowConflicts   metrics2.Counter
}

// New returns a Service over the given pool.
func New(db *pgxpool.Pool, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.TxPerChunkThreshold <= 0 {
		opts.TxPerChunkThreshold = 500
	}
	if opts.TxChunkClaims <= 0 {
		opts.TxChunkClaims = 100
	}
	return &Service{
		db:   db,
		opts: opts,

		filesPersisted: metrics2.GetCounter("claims_persist_files_ok"),
		filesAlready:   metrics2.GetCounter("claims_persist_files_already"),
		filesFailed:    metrics2.GetCounter("claims_persist_files_failed"),
		rowConflicts:   metrics2.GetCounter("claims_persist_row_conflicts"),
	}
}

// Persist installs the parsed file under its file_id. The returned Result is
// non-nil even on error; on error the transaction has rolled back and the
// Status is FAIL.
func (s *Service) Persist(ctx context.Context, fileID string, raw []byte, parsed *xmlparse.Result) (*Result, error) {
	base := &Result{FileID: fileID, Status: StatusFail}
	base.RowErrors = problemsToErrors(parsed.Problems)

	if parsed.HasFatalProblem() {
		s.filesFailed.Inc(1)
		return base, nil
	}
	if s.opts.FailOnXSDError && hasProblem(parsed.Problems, xmlparse.CodeXSDInvalid) {
		s.filesFailed.Inc(1)
		return base, nil
	}

	if !s.opts.TxPerFile && claimCount(parsed) > s.opts.TxPerChunkThreshold {
		return s.persistChunked(ctx, fileID, raw, parsed, base)
	}

	// The transaction body may run more than once under serialization
	// retries, so each attempt works on a fresh result.
	var attempt *Result
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		attempt = &Result{FileID: fileID, Status: StatusOK}
		switch parsed.Root {
		case xmlparse.RootSubmission:
			return s.persistSubmissionTx(ctx, tx, attempt, parsed, raw)
		case xmlparse.RootRemittance:
			return s.persistRemittanceTx(ctx, tx, attempt, parsed, raw)
		default:
			return skerr.Fmt("unpersistable root kind %q", parsed.Root)
		}
	})
	if err != nil {
		s.filesFailed.Inc(1)
		return base, skerr.Wrapf(err, "persisting file %s", fileID)
	}

	attempt.RowErrors = append(base.RowErrors, attempt.RowErrors...)
	switch attempt.Status {
	case StatusAlready:
		s.filesAlready.Inc(1)
	default:
		if len(attempt.RowErrors) > 0 && hasErrorSeverity(attempt.RowErrors) {
			attempt.Status = StatusPartial
		}
		s.filesPersisted.Inc(1)
	}
	s.rowConflicts.Inc(int64(attempt.Counts.Conflicts))
	return attempt, nil
}

func problemsToErrors(problems []xmlparse.Problem) []audit.ErrorRow {
	var rv []audit.ErrorRow
	for _, p := range problems {
		rv = append(rv, audit.ErrorRow{
			Stage:      audit.StageParse,
			ObjectType: p.ObjectType,
			ObjectKey:  p.ObjectKey,
			Code:       string(p.Code),
			Severity:   string(p.Severity),
			Message:    p.Message,
		})
	}
	return rv
}

func hasProblem(problems []xmlparse.Problem, code xmlparse.ProblemCode) bool {
	for _, p := range problems {
		if p.Code == code {
			return true
		}
	}
	return false
}

func claimCount(parsed *xmlparse.Result) int {
	switch parsed.Root {
	case xmlparse.RootSubmission:
		return len(parsed.Submission.Claims)
	case xmlparse.RootRemittance:
		return len(parsed.Remittance.Claims)
	}
	return 0
}

// add accumulates the counts of one committed chunk.
func (c *Counts) add(o Counts) {
	c.Claims += o.Claims
	c.Acts += o.Acts
	c.Obs += o.Obs
	c.Dxs += o.Dxs
	c.Events += o.Events
	c.RemitClaims += o.RemitClaims
	c.RemitActs += o.RemitActs
	c.Conflicts += o.Conflicts
}

// merge folds a committed chunk's result into the file total.
func (r *Result) merge(o *Result) {
	r.Counts.add(o.Counts)
	r.RowErrors = append(r.RowErrors, o.RowErrors...)
	r.BatchMetrics = append(r.BatchMetrics, o.BatchMetrics...)
}

func hasErrorSeverity(errs []audit.ErrorRow) bool {
	for _, e := range errs {
		if e.Severity == string(xmlparse.SeverityError) {
			return true
		}
	}
	return false
}

// hashSensitive returns the hex SHA-256 of the identifier.
func hashSensitive(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// valueHash computes the observation dedup hash over the string value.
func valueHash(value string) []byte {
	sum := sha256.Sum256([]byte(value))
	return sum[:]
}

// nullable maps empty strings to NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
