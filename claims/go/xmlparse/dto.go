// Package xmlparse turns raw claim submission and remittance advice XML into
// typed DTO trees, collecting validation problems along the way.
package xmlparse

import (
	"time"

	"github.com/shopspring/decimal"
)

// RootKind identifies the document type of a transaction file.
type RootKind string

const (
	RootSubmission = RootKind("Submission")
	RootRemittance = RootKind("Remittance")
	RootUnknown    = RootKind("Unknown")
)

// Header is the common file header of both document types.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// SubmissionDTO is the typed form of a Claim.Submission document. Claims that
// failed core validation are excluded; they appear in the problem list only.
type SubmissionDTO struct {
	Header Header
	Claims []ClaimDTO
}

// ClaimDTO is one submitted claim.
type ClaimDTO struct {
	ID           string
	IDPayer      string
	MemberID     string
	PayerID      string
	ProviderID   string
	EmiratesID   string
	Gross        decimal.Decimal
	PatientShare decimal.Decimal
	Net          decimal.Decimal
	Comments     string
	Encounter    *EncounterDTO
	Diagnoses    []DiagnosisDTO
	Activities   []ActivityDTO
	Resubmission *ResubmissionDTO
}

// EncounterDTO is the zero-or-one encounter of a claim.
type EncounterDTO struct {
	FacilityID          string
	Type                string
	PatientID           string
	Start               time.Time
	End                 time.Time
	StartType           string
	EndType             string
	TransferSource      string
	TransferDestination string
}

// DiagnosisDTO is one diagnosis code of a claim.
type DiagnosisDTO struct {
	Type string
	Code string
}

// ActivityDTO is one billable activity of a submitted claim.
type ActivityDTO struct {
	ID                   string
	Start                time.Time
	Type                 string
	Code                 string
	Quantity             decimal.Decimal
	Net                  decimal.Decimal
	Clinician            string
	PriorAuthorizationID string
	Observations         []ObservationDTO
}

// ObservationDTO is one observation of an activity. For type FILE the decoded
// attachment bytes ride alongside the string form.
type ObservationDTO struct {
	Type      string
	Code      string
	Value     string
	ValueType string
	Bytes     []byte
}

// ResubmissionDTO is the resubmission marker of a claim.
type ResubmissionDTO struct {
	Type       string
	Comment    string
	Attachment []byte
}

// RemittanceAdviceDTO is the typed form of a Remittance.Advice document.
type RemittanceAdviceDTO struct {
	Header Header
	Claims []RemitClaimDTO
}

// RemitClaimDTO is one remitted claim.
type RemitClaimDTO struct {
	ID               string
	IDPayer          string
	ProviderID       string
	DenialCode       string
	PaymentReference string
	FacilityID       string
	DateSettlement   time.Time
	Activities       []RemitActivityDTO
}

// RemitActivityDTO is one activity line of a remitted claim.
type RemitActivityDTO struct {
	ID            string
	Start         time.Time
	Type          string
	Code          string
	Quantity      decimal.Decimal
	Net           decimal.Decimal
	List          decimal.Decimal
	Gross         decimal.Decimal
	PatientShare  decimal.Decimal
	PaymentAmount decimal.Decimal
	DenialCode    string
	Clinician     string
}

// Result is the full outcome of parsing one file.
type Result struct {
	Root       RootKind
	Submission *SubmissionDTO
	Remittance *RemittanceAdviceDTO
	Problems   []Problem

	// ExpectedClaims and ExpectedActivities count every claim and activity
	// seen in the document, including ones dropped by validation. The
	// verifier compares persisted counts against these.
	ExpectedClaims     int
	ExpectedActivities int
}

// HasFatalProblem reports whether any problem forbids persisting the file at
// all (as opposed to skipping single objects).
func (r *Result) HasFatalProblem() bool {
	for _, p := range r.Problems {
		if p.Severity == SeverityError && (p.Code == CodeUnknownRoot || p.Code == CodeHdrMissing || p.Code == CodeParseIO) {
			return true
		}
	}
	return false
}
