package vault

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.sahl.health/claims/go/skerr"
)

// SQLStore reads and writes credential envelopes on the facility table.
type SQLStore struct {
	db *pgxpool.Pool
}

// NewSQLStore returns a Store backed by the given pool.
func NewSQLStore(db *pgxpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

// GetCredential implements Store.
func (s *SQLStore) GetCredential(ctx context.Context, facilityCode string) (FacilityCredRow, error) {
	row := s.db.QueryRow(ctx, `
SELECT facility_code, login_envelope, password_envelope
FROM claims_ref.facility
WHERE facility_code = $1 AND active`, facilityCode)
	return scanCredRow(row, facilityCode)
}

// ListStale implements Store.
func (s *SQLStore) ListStale(ctx context.Context, currentVersion int) ([]FacilityCredRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT facility_code, login_envelope, password_envelope
FROM claims_ref.facility
WHERE active
  AND ((login_envelope->>'kek_version')::int < $1
    OR (password_envelope->>'kek_version')::int < $1)
ORDER BY facility_code`, currentVersion)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var rv []FacilityCredRow
	for rows.Next() {
		r, err := scanCredRow(rows, "")
		if err != nil {
			return nil, err
		}
		rv = append(rv, r)
	}
	return rv, skerr.Wrap(rows.Err())
}

// UpdateEnvelopes implements Store. The version guards in the WHERE clause
// make the re-wrap atomic per facility even with concurrent writers.
func (s *SQLStore) UpdateEnvelopes(ctx context.Context, facilityCode string, oldLoginVersion, oldPwdVersion int, login, pwd Envelope) (bool, error) {
	loginJSON, err := json.Marshal(login)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	pwdJSON, err := json.Marshal(pwd)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	var updated bool
	err = crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE claims_ref.facility
SET login_envelope = $1, password_envelope = $2
WHERE facility_code = $3
  AND (login_envelope->>'kek_version')::int = $4
  AND (password_envelope->>'kek_version')::int = $5`,
			loginJSON, pwdJSON, facilityCode, oldLoginVersion, oldPwdVersion)
		if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		updated = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return updated, nil
}

type pgxScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredRow(row pgxScanner, facilityCode string) (FacilityCredRow, error) {
	var rv FacilityCredRow
	var loginJSON, pwdJSON []byte
	if err := row.Scan(&rv.FacilityCode, &loginJSON, &pwdJSON); err != nil {
		return FacilityCredRow{}, skerr.Wrapf(err, "scanning credential row %q", facilityCode)
	}
	if err := json.Unmarshal(loginJSON, &rv.LoginEnvelope); err != nil {
		return FacilityCredRow{}, skerr.Wrapf(err, "parsing login envelope for facility %s", rv.FacilityCode)
	}
	if err := json.Unmarshal(pwdJSON, &rv.PasswordEnvelope); err != nil {
		return FacilityCredRow{}, skerr.Wrapf(err, "parsing password envelope for facility %s", rv.FacilityCode)
	}
	return rv, nil
}
