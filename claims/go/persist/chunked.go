package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"

	"go.sahl.health/claims/claims/go/sql/schema"
	"go.sahl.health/claims/claims/go/xmlparse"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/util"
)

// txCommitBudget bounds the wall-clock of one chunked transaction.
const txCommitBudget = 5 * time.Second

// persistChunked installs a large file as a header transaction followed by
// one transaction per slice of claims. Every transaction is independently
// idempotent, so a file interrupted between chunks resumes where it stopped
// on the next delivery, and a full replay lands as ALREADY.
func (s *Service) persistChunked(ctx context.Context, fileID string, raw []byte, parsed *xmlparse.Result, base *Result) (*Result, error) {
	var header xmlparse.Header
	var kind schema.RootKind
	switch parsed.Root {
	case xmlparse.RootSubmission:
		header = parsed.Submission.Header
		kind = schema.RootSubmission
	case xmlparse.RootRemittance:
		header = parsed.Remittance.Header
		kind = schema.RootRemittance
	default:
		s.filesFailed.Inc(1)
		return base, skerr.Fmt("unpersistable root kind %q", parsed.Root)
	}

	// Header chunk: the file row and its group row. A conflict here does not
	// end the replay; the claim chunks below re-run and no-op row by row.
	var fileDBID, groupID int64
	var created bool
	err := s.inChunkTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		fileDBID, created, err = s.insertIngestionFile(ctx, tx, fileID, kind, header, raw)
		if err != nil {
			return err
		}
		groupID, err = s.upsertGroupRow(ctx, tx, kind, fileDBID)
		return err
	})
	if err != nil {
		s.filesFailed.Inc(1)
		return base, skerr.Wrapf(err, "persisting header of file %s", fileID)
	}

	total := &Result{FileID: fileID, IngestionFileID: fileDBID, Status: StatusOK}
	eventTime := header.TransactionDate

	err = util.ChunkIter(claimCount(parsed), s.opts.TxChunkClaims, func(startIdx, endIdx int) error {
		// Like the per-file path, each attempt works on a fresh result in
		// case the transaction body is retried.
		var chunk *Result
		err := s.inChunkTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			chunk = &Result{FileID: fileID, IngestionFileID: fileDBID, Status: StatusOK}
			if kind == schema.RootSubmission {
				for _, claim := range parsed.Submission.Claims[startIdx:endIdx] {
					if err := s.persistClaim(ctx, tx, chunk, claim, fileDBID, groupID, eventTime); err != nil {
						return err
					}
				}
				return nil
			}
			for _, claim := range parsed.Remittance.Claims[startIdx:endIdx] {
				if err := s.persistRemitClaim(ctx, tx, chunk, claim, fileDBID, groupID, eventTime); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		total.merge(chunk)
		return nil
	})
	if err != nil {
		s.filesFailed.Inc(1)
		return base, skerr.Wrapf(err, "persisting file %s", fileID)
	}

	total.RowErrors = append(base.RowErrors, total.RowErrors...)
	if !created && total.Counts.Claims == 0 && total.Counts.RemitClaims == 0 && total.Counts.Events == 0 {
		// The header existed and no chunk added anything: a full replay.
		total.Status = StatusAlready
		s.filesAlready.Inc(1)
	} else {
		if hasErrorSeverity(total.RowErrors) {
			total.Status = StatusPartial
		}
		s.filesPersisted.Inc(1)
	}
	s.rowConflicts.Inc(int64(total.Counts.Conflicts))
	return total, nil
}

// inChunkTx runs fn in its own retried transaction bounded by the commit
// budget.
func (s *Service) inChunkTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txCommitBudget)
	defer cancel()
	return crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// upsertGroupRow installs or finds the submission/remittance row of the file.
func (s *Service) upsertGroupRow(ctx context.Context, tx pgx.Tx, kind schema.RootKind, fileDBID int64) (int64, error) {
	table := "submission"
	if kind == schema.RootRemittance {
		table = "remittance"
	}
	var id int64
	err := tx.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO claims.%s (ingestion_file_id) VALUES ($1)
ON CONFLICT (ingestion_file_id) DO NOTHING
RETURNING id`, table), fileDBID).Scan(&id)
	if err == pgx.ErrNoRows {
		if err := tx.QueryRow(ctx, fmt.Sprintf(`
SELECT id FROM claims.%s WHERE ingestion_file_id = $1`, table), fileDBID).Scan(&id); err != nil {
			return 0, err // Don't wrap - crdbpgx might retry
		}
		return id, nil
	}
	if err != nil {
		return 0, err // Don't wrap - crdbpgx might retry
	}
	return id, nil
}
