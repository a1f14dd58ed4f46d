// Package verify runs read-only consistency checks over the rows a single
// file produced. Verification gates the acknowledgement: a file that fails a
// check is never acked, so the remote keeps offering it.
package verify

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.sahl.health/claims/claims/go/persist"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
)

// Verifier checks persisted files against the parse-time expectations.
type Verifier struct {
	db *pgxpool.Pool

	passed metrics2.Counter
	failed metrics2.Counter
}

// New returns a Verifier over the given pool.
func New(db *pgxpool.Pool) *Verifier {
	return &Verifier{
		db: db,

		passed: metrics2.GetCounter("claims_verify_passed"),
		failed: metrics2.GetCounter("claims_verify_failed"),
	}
}

// Check validates the persisted graph of one file. It returns true when every
// check passed and the collected findings otherwise; it never returns an
// error to the pipeline.
func (v *Verifier) Check(ctx context.Context, res *persist.Result, expectedClaims, expectedActivities int) (bool, []string) {
	if res.Status == persist.StatusAlready {
		// Nothing new to check; the file verified when it first landed.
		v.passed.Inc(1)
		return true, nil
	}

	var findings *multierror.Error

	// A persisted file must have contributed at least one event, else it
	// went through the motions without touching any claim.
	if res.Counts.Events == 0 {
		findings = multierror.Append(findings, skerr.Fmt("file produced no claim events"))
	}

	// Persisted cardinality against what the document carried. Row-level
	// skips are legal, so persisted may be lower, never higher.
	persistedClaims := res.Counts.Claims + res.Counts.RemitClaims
	persistedActs := res.Counts.Acts + res.Counts.RemitActs
	if persistedClaims > expectedClaims {
		findings = multierror.Append(findings, skerr.Fmt("persisted %d claims but the document carried %d", persistedClaims, expectedClaims))
	}
	if persistedActs > expectedActivities {
		findings = multierror.Append(findings, skerr.Fmt("persisted %d activities but the document carried %d", persistedActs, expectedActivities))
	}

	findings = v.checkOrphans(ctx, res.IngestionFileID, findings)

	if findings.ErrorOrNil() == nil {
		v.passed.Inc(1)
		return true, nil
	}
	v.failed.Inc(1)
	msgs := make([]string, 0, len(findings.Errors))
	for _, err := range findings.Errors {
		sklog.Warningf("Verify finding for %s: %s", res.FileID, err)
		msgs = append(msgs, err.Error())
	}
	return false, msgs
}

// checkOrphans asserts referential shape for the file's rows: every event the
// file produced links back to it, and every snapshot row hangs off one of its
// events.
func (v *Verifier) checkOrphans(ctx context.Context, fileDBID int64, findings *multierror.Error) *multierror.Error {
	var danglingSnapshots int
	err := v.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM claims.claim_event_activity cea
JOIN claims.claim_event ce ON ce.id = cea.claim_event_id
WHERE ce.ingestion_file_id = $1
  AND NOT EXISTS (SELECT 1 FROM claims.claim_key k WHERE k.id = ce.claim_key_id)`, fileDBID).Scan(&danglingSnapshots)
	if err != nil {
		return multierror.Append(findings, skerr.Wrapf(err, "querying snapshot orphans"))
	}
	if danglingSnapshots > 0 {
		findings = multierror.Append(findings, skerr.Fmt("%d event snapshots reference a missing claim key", danglingSnapshots))
	}

	var eventsWithoutTimeline int
	err = v.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM claims.claim_event ce
WHERE ce.ingestion_file_id = $1
  AND NOT EXISTS (
    SELECT 1 FROM claims.claim_status_timeline t WHERE t.claim_key_id = ce.claim_key_id)`, fileDBID).Scan(&eventsWithoutTimeline)
	if err != nil {
		return multierror.Append(findings, skerr.Wrapf(err, "querying timeline coverage"))
	}
	if eventsWithoutTimeline > 0 {
		findings = multierror.Append(findings, skerr.Fmt("%d events belong to claims with no status timeline", eventsWithoutTimeline))
	}
	return findings
}
