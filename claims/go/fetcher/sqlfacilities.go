package fetcher

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"go.sahl.health/claims/go/skerr"
)

// SQLFacilities lists active facilities from the reference schema.
type SQLFacilities struct {
	db *pgxpool.Pool
}

// NewSQLFacilities returns a FacilityProvider backed by the given pool.
func NewSQLFacilities(db *pgxpool.Pool) *SQLFacilities {
	return &SQLFacilities{db: db}
}

// ListActive implements FacilityProvider.
func (s *SQLFacilities) ListActive(ctx context.Context) ([]Facility, error) {
	rows, err := s.db.Query(ctx, `
SELECT facility_code, display_name, endpoint_url
FROM claims_ref.facility
WHERE active
ORDER BY facility_code`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var rv []Facility
	for rows.Next() {
		var f Facility
		if err := rows.Scan(&f.Code, &f.Name, &f.Endpoint); err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, f)
	}
	return rv, skerr.Wrap(rows.Err())
}

// Endpoint returns the DHPO endpoint of one facility.
func (s *SQLFacilities) Endpoint(ctx context.Context, facilityCode string) (string, error) {
	var endpoint string
	err := s.db.QueryRow(ctx, `
SELECT endpoint_url FROM claims_ref.facility WHERE facility_code = $1`, facilityCode).Scan(&endpoint)
	if err != nil {
		return "", skerr.Wrapf(err, "resolving endpoint of facility %s", facilityCode)
	}
	return endpoint, nil
}
