package xmlparse

import "fmt"

// Severity of a parse or validation problem.
type Severity string

const (
	SeverityWarning = Severity("WARNING")
	SeverityError   = Severity("ERROR")
)

// ProblemCode classifies a parse or validation problem.
type ProblemCode string

const (
	CodeXSDInvalid          = ProblemCode("XSD_INVALID")
	CodeParseIO             = ProblemCode("PARSE_IO")
	CodeHdrMissing          = ProblemCode("HDR_MISSING")
	CodeClaimInvalidCore    = ProblemCode("CLAIM_INVALID_CORE")
	CodeActivityInvalidCore = ProblemCode("ACTIVITY_INVALID_CORE")
	CodeObsFileTooLarge     = ProblemCode("OBS_FILE_TOO_LARGE")
	CodeAttachmentCorrupt   = ProblemCode("ATTACHMENT_B64_CORRUPT")
	CodeRecordCountMismatch = ProblemCode("RECORDCOUNT_MISMATCH")
	CodeDateUnparseable     = ProblemCode("DATE_UNPARSEABLE")
	CodeUnknownRoot         = ProblemCode("UNKNOWN_ROOT")
)

// Problem is one parse or validation finding, fine-grained enough to locate
// the offending object in the source document.
type Problem struct {
	Severity   Severity
	Code       ProblemCode
	ObjectType string
	ObjectKey  string
	Message    string
	Line       int
	Column     int
}

// String implements fmt.Stringer for log lines.
func (p Problem) String() string {
	return fmt.Sprintf("%s %s %s[%s] at %d:%d: %s", p.Severity, p.Code, p.ObjectType, p.ObjectKey, p.Line, p.Column, p.Message)
}
