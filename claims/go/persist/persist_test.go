package persist

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sahl.health/claims/claims/go/sql/schema"
	"go.sahl.health/claims/claims/go/sql/sqltest"
	"go.sahl.health/claims/claims/go/xmlparse"
)

const submissionXML = `<?xml version="1.0" encoding="utf-8"?>
<Claim.Submission>
  <Header>
    <SenderID>FAC-1</SenderID>
    <ReceiverID>DHA</ReceiverID>
    <TransactionDate>10/01/2025 12:00</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>CLM-1</ID>
    <MemberID>M1</MemberID>
    <PayerID>PAYER-1</PayerID>
    <ProviderID>PROV-1</ProviderID>
    <EmiratesIDNumber>784-1111</EmiratesIDNumber>
    <Gross>100.00</Gross>
    <PatientShare>10.00</PatientShare>
    <Net>90.00</Net>
    <Encounter>
      <FacilityID>FAC-1</FacilityID>
      <Type>1</Type>
      <PatientID>PT1</PatientID>
      <Start>10/01/2025 08:30</Start>
    </Encounter>
    <Diagnosis>
      <Type>Principal</Type>
      <Code>J45.909</Code>
    </Diagnosis>
    <Activity>
      <ID>A1</ID>
      <Start>10/01/2025 08:30</Start>
      <Type>3</Type>
      <Code>99213</Code>
      <Quantity>1</Quantity>
      <Net>60.00</Net>
      <Clinician>DR-1</Clinician>
      <Observation>
        <Type>LOINC</Type>
        <Code>8310-5</Code>
        <Value>37.1</Value>
        <ValueType>C</ValueType>
      </Observation>
    </Activity>
    <Activity>
      <ID>A2</ID>
      <Type>3</Type>
      <Code>85025</Code>
      <Net>30.00</Net>
      <Clinician>DR-1</Clinician>
    </Activity>
  </Claim>
</Claim.Submission>`

func remittanceXML(date, payA1, payA2, denial string) string {
	denialEl := ""
	if denial != "" {
		denialEl = "<DenialCode>" + denial + "</DenialCode>"
	}
	return `<?xml version="1.0" encoding="utf-8"?>
<Remittance.Advice>
  <Header>
    <SenderID>PAYER-1</SenderID>
    <ReceiverID>FAC-1</ReceiverID>
    <TransactionDate>` + date + `</TransactionDate>
    <RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>CLM-1</ID>
    <IDPayer>IP-1</IDPayer>
    <ProviderID>PROV-1</ProviderID>
    <PaymentReference>PR-1</PaymentReference>
    <Activity>
      <ID>A1</ID>
      <PaymentAmount>` + payA1 + `</PaymentAmount>` + denialEl + `
    </Activity>
    <Activity>
      <ID>A2</ID>
      <PaymentAmount>` + payA2 + `</PaymentAmount>
    </Activity>
  </Claim>
</Remittance.Advice>`
}

func parseFile(t *testing.T, xmlDoc string) *xmlparse.Result {
	res := xmlparse.New(10 * 1024 * 1024).Parse([]byte(xmlDoc))
	require.False(t, res.HasFatalProblem(), "%v", res.Problems)
	return res
}

func newService(ctx context.Context, t *testing.T) (*Service, *pgxpool.Pool) {
	db := sqltest.NewClaimsDBForTests(ctx, t)
	return New(db, Options{HashSensitive: false, RefDataAutoInsert: true}), db
}

func persistSubmission(ctx context.Context, t *testing.T, s *Service) *Result {
	res, err := s.Persist(ctx, "FILE-SUB-1", []byte(submissionXML), parseFile(t, submissionXML))
	require.NoError(t, err)
	return res
}

func latestStatus(ctx context.Context, t *testing.T, db *pgxpool.Pool) schema.ClaimStatus {
	var status int16
	require.NoError(t, db.QueryRow(ctx, `
SELECT status FROM claims.claim_status_timeline
ORDER BY status_time DESC, id DESC LIMIT 1`).Scan(&status))
	return schema.ClaimStatus(status)
}

func TestPersist_Submission(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)

	res := persistSubmission(ctx, t, s)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.Counts.Claims)
	assert.Equal(t, 2, res.Counts.Acts)
	assert.Equal(t, 1, res.Counts.Obs)
	assert.Equal(t, 1, res.Counts.Dxs)
	assert.Equal(t, 1, res.Counts.Events)
	assert.Empty(t, res.RowErrors)

	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.ingestion_file"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.encounter"))
	assert.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.activity"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim_event"))
	assert.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.claim_event_activity"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.event_observation"))
	// Reference rows were auto-created and linked.
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims_ref.payer"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims_ref.clinician"))
	assert.Equal(t, schema.StatusSubmitted, latestStatus(ctx, t, db))
}

func TestPersist_ReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)

	persistSubmission(ctx, t, s)
	before := sqltest.CountRows(ctx, t, db, "claims.claim_event")

	res, err := s.Persist(ctx, "FILE-SUB-1", []byte(submissionXML), parseFile(t, submissionXML))
	require.NoError(t, err)
	assert.Equal(t, StatusAlready, res.Status)
	assert.NotZero(t, res.IngestionFileID)
	assert.Equal(t, before, sqltest.CountRows(ctx, t, db, "claims.claim_event"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim"))
}

func TestPersist_RemittanceFullPayment(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)
	persistSubmission(ctx, t, s)

	xmlDoc := remittanceXML("15/01/2025 09:00", "60.00", "30.00", "")
	res, err := s.Persist(ctx, "FILE-RA-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.Counts.RemitClaims)
	assert.Equal(t, 2, res.Counts.RemitActs)
	assert.Equal(t, 1, res.Counts.Events)

	assert.Equal(t, schema.StatusPaid, latestStatus(ctx, t, db))
	assert.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
}

func TestPersist_RemittancePartialThenPaid(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)
	persistSubmission(ctx, t, s)

	xmlDoc := remittanceXML("15/01/2025 09:00", "60.00", "0.00", "")
	_, err := s.Persist(ctx, "FILE-RA-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPartiallyPaid, latestStatus(ctx, t, db))

	xmlDoc = remittanceXML("20/01/2025 09:00", "0.00", "30.00", "")
	_, err = s.Persist(ctx, "FILE-RA-2", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaid, latestStatus(ctx, t, db))
	// SUBMITTED, PARTIALLY_PAID, PAID.
	assert.Equal(t, 3, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
}

func TestPersist_RemittanceRejected(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)
	persistSubmission(ctx, t, s)

	xmlDoc := remittanceXML("15/01/2025 09:00", "0.00", "0.00", "MNEC-001")
	_, err := s.Persist(ctx, "FILE-RA-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRejected, latestStatus(ctx, t, db))
}

func TestPersist_RemittanceBeforeSubmission(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)

	xmlDoc := remittanceXML("15/01/2025 09:00", "60.00", "30.00", "")
	res, err := s.Persist(ctx, "FILE-RA-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	// Without the submission the net is unknown.
	assert.Equal(t, schema.StatusUnknown, latestStatus(ctx, t, db))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim_key"))
	assert.Equal(t, 0, sqltest.CountRows(ctx, t, db, "claims.claim"))
}

func TestPersist_OverpaymentIsCapped(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)
	persistSubmission(ctx, t, s)

	// Both advices pay A1 in full; cumulative payments cap at its net, so
	// the claim is partially paid, not paid.
	xmlDoc := remittanceXML("15/01/2025 09:00", "60.00", "0.00", "")
	_, err := s.Persist(ctx, "FILE-RA-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	xmlDoc = remittanceXML("20/01/2025 09:00", "60.00", "0.00", "")
	_, err = s.Persist(ctx, "FILE-RA-2", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)

	assert.Equal(t, schema.StatusPartiallyPaid, latestStatus(ctx, t, db))
	// The second advice did not change the status; no extra timeline row.
	assert.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
}

func TestPersist_DuplicateClaimWithoutResubmission(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)
	persistSubmission(ctx, t, s)

	// The same claim arrives under a new file id with no resubmission
	// marker. The file persists but the claim is skipped.
	dup := parseFile(t, submissionXML)
	res, err := s.Persist(ctx, "FILE-SUB-2", []byte(submissionXML), dup)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 0, res.Counts.Claims)
	require.NotEmpty(t, res.RowErrors)
	assert.Equal(t, "DUP_SUBMISSION_NO_RESUB", res.RowErrors[0].Code)

	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim"))
	assert.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.ingestion_file"))
}

func TestPersist_Resubmission(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)
	persistSubmission(ctx, t, s)

	xmlDoc := `<Claim.Submission>
  <Header>
    <SenderID>FAC-1</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>18/01/2025 12:00</TransactionDate>
    <RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>CLM-1</ID>
    <PayerID>PAYER-1</PayerID>
    <ProviderID>PROV-1</ProviderID>
    <Gross>100.00</Gross>
    <PatientShare>10.00</PatientShare>
    <Net>90.00</Net>
    <Resubmission>
      <Type>correction</Type>
      <Comment>corrected member id</Comment>
    </Resubmission>
    <Activity>
      <ID>A1</ID><Type>3</Type><Code>99213</Code><Net>60.00</Net>
    </Activity>
  </Claim>
</Claim.Submission>`
	res, err := s.Persist(ctx, "FILE-SUB-2", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 0, res.Counts.Claims)
	assert.Equal(t, 1, res.Counts.Events)

	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim_resubmission"))
	assert.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.claim_event"))
	assert.Equal(t, schema.StatusResubmitted, latestStatus(ctx, t, db))
	// The original claim row is untouched.
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim"))
}

func TestPersist_MixedFileIsPartial(t *testing.T) {
	ctx := context.Background()
	s, db := newService(ctx, t)

	xmlDoc := `<Claim.Submission>
  <Header>
    <SenderID>FAC-1</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>10/01/2025 12:00</TransactionDate>
    <RecordCount>2</RecordCount>
  </Header>
  <Claim>
    <ID>C10</ID><PayerID>P1</PayerID><ProviderID>V1</ProviderID>
    <Gross>50.00</Gross><PatientShare>0.00</PatientShare><Net>50.00</Net>
  </Claim>
  <Claim>
    <ID>C11</ID><PayerID>P1</PayerID><ProviderID>V1</ProviderID>
    <Gross>60.00</Gross><PatientShare>0.00</PatientShare>
  </Claim>
</Claim.Submission>`
	parsed := xmlparse.New(10 * 1024 * 1024).Parse([]byte(xmlDoc))
	res, err := s.Persist(ctx, "FILE-MIX-1", []byte(xmlDoc), parsed)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.Counts.Claims)
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim"))
}

func TestPersist_FatalParseFails(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(ctx, t)

	parsed := xmlparse.New(10 * 1024 * 1024).Parse([]byte("<Unexpected/>"))
	res, err := s.Persist(ctx, "FILE-BAD-1", []byte("<Unexpected/>"), parsed)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, res.Status)
	assert.NotEmpty(t, res.RowErrors)
}

// multiClaimSubmissionXML builds a submission with n single-activity claims
// CHK-1 .. CHK-n, each with net 50.00.
func multiClaimSubmissionXML(n int) string {
	doc := fmt.Sprintf(`<Claim.Submission>
  <Header>
    <SenderID>FAC-1</SenderID><ReceiverID>DHA</ReceiverID>
    <TransactionDate>10/01/2025 12:00</TransactionDate>
    <RecordCount>%d</RecordCount>
  </Header>`, n)
	for i := 1; i <= n; i++ {
		doc += fmt.Sprintf(`
  <Claim>
    <ID>CHK-%d</ID><PayerID>P1</PayerID><ProviderID>V1</ProviderID>
    <Gross>50.00</Gross><PatientShare>0.00</PatientShare><Net>50.00</Net>
    <Activity>
      <ID>A1</ID><Type>3</Type><Code>99213</Code><Net>50.00</Net>
    </Activity>
  </Claim>`, i)
	}
	return doc + "\n</Claim.Submission>"
}

// multiClaimRemittanceXML pays A1 of claims CHK-1 .. CHK-n in full.
func multiClaimRemittanceXML(n int) string {
	doc := fmt.Sprintf(`<Remittance.Advice>
  <Header>
    <SenderID>P1</SenderID><ReceiverID>FAC-1</ReceiverID>
    <TransactionDate>15/01/2025 09:00</TransactionDate>
    <RecordCount>%d</RecordCount>
  </Header>`, n)
	for i := 1; i <= n; i++ {
		doc += fmt.Sprintf(`
  <Claim>
    <ID>CHK-%d</ID><ProviderID>V1</ProviderID>
    <PaymentReference>PR-%d</PaymentReference>
    <Activity>
      <ID>A1</ID><PaymentAmount>50.00</PaymentAmount>
    </Activity>
  </Claim>`, i, i)
	}
	return doc + "\n</Remittance.Advice>"
}

func newChunkedService(ctx context.Context, t *testing.T) (*Service, *pgxpool.Pool) {
	db := sqltest.NewClaimsDBForTests(ctx, t)
	return New(db, Options{
		RefDataAutoInsert:   true,
		TxPerChunkThreshold: 2,
		TxChunkClaims:       2,
	}), db
}

func TestPersist_ChunkedSubmission(t *testing.T) {
	ctx := context.Background()
	s, db := newChunkedService(ctx, t)

	xmlDoc := multiClaimSubmissionXML(5)
	res, err := s.Persist(ctx, "FILE-CHUNK-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 5, res.Counts.Claims)
	assert.Equal(t, 5, res.Counts.Acts)
	assert.Equal(t, 5, res.Counts.Events)
	assert.Empty(t, res.RowErrors)

	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.ingestion_file"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.submission"))
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim"))
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim_event"))
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
}

func TestPersist_ChunkedReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, db := newChunkedService(ctx, t)

	xmlDoc := multiClaimSubmissionXML(5)
	_, err := s.Persist(ctx, "FILE-CHUNK-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)

	res, err := s.Persist(ctx, "FILE-CHUNK-1", []byte(xmlDoc), parseFile(t, xmlDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusAlready, res.Status)
	assert.Equal(t, 0, res.Counts.Claims)
	assert.Equal(t, 0, res.Counts.Events)
	assert.Empty(t, res.RowErrors)
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim"))
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim_event"))
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
}

func TestPersist_ChunkedResumeAfterPartialInstall(t *testing.T) {
	ctx := context.Background()
	s, db := newChunkedService(ctx, t)

	// Install only the first two claims under the file id, standing in for a
	// file interrupted between chunks.
	partial := multiClaimSubmissionXML(2)
	_, err := s.Persist(ctx, "FILE-CHUNK-1", []byte(partial), parseFile(t, partial))
	require.NoError(t, err)
	require.Equal(t, 2, sqltest.CountRows(ctx, t, db, "claims.claim"))

	// Redelivery of the full file picks up where it stopped.
	full := multiClaimSubmissionXML(5)
	res, err := s.Persist(ctx, "FILE-CHUNK-1", []byte(full), parseFile(t, full))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 3, res.Counts.Claims)
	assert.Empty(t, res.RowErrors)
	assert.Equal(t, 2, res.Counts.Conflicts)

	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim"))
	assert.Equal(t, 5, sqltest.CountRows(ctx, t, db, "claims.claim_event"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.submission"))
}

func TestPersist_ChunkedRemittance(t *testing.T) {
	ctx := context.Background()
	s, db := newChunkedService(ctx, t)

	subDoc := multiClaimSubmissionXML(3)
	_, err := s.Persist(ctx, "FILE-CHUNK-SUB", []byte(subDoc), parseFile(t, subDoc))
	require.NoError(t, err)

	raDoc := multiClaimRemittanceXML(3)
	res, err := s.Persist(ctx, "FILE-CHUNK-RA", []byte(raDoc), parseFile(t, raDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 3, res.Counts.RemitClaims)
	assert.Equal(t, 3, res.Counts.RemitActs)

	// Every claim moved SUBMITTED -> PAID.
	assert.Equal(t, 6, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
	var paid int
	require.NoError(t, db.QueryRow(ctx, `
SELECT COUNT(*) FROM claims.claim_status_timeline WHERE status = $1`, int16(schema.StatusPaid)).Scan(&paid))
	assert.Equal(t, 3, paid)

	// Replaying the advice adds nothing.
	res, err = s.Persist(ctx, "FILE-CHUNK-RA", []byte(raDoc), parseFile(t, raDoc))
	require.NoError(t, err)
	assert.Equal(t, StatusAlready, res.Status)
	assert.Equal(t, 6, sqltest.CountRows(ctx, t, db, "claims.claim_status_timeline"))
}

func TestPersist_SensitiveHashing(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewClaimsDBForTests(ctx, t)
	s := New(db, Options{HashSensitive: true, RefDataAutoInsert: true})

	_, err := s.Persist(ctx, "FILE-SUB-1", []byte(submissionXML), parseFile(t, submissionXML))
	require.NoError(t, err)

	var stored string
	require.NoError(t, db.QueryRow(ctx, `SELECT emirates_id FROM claims.claim`).Scan(&stored))
	assert.Equal(t, hashSensitive("784-1111"), stored)
	assert.NotContains(t, stored, "784")
}
