package xmlparse

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/sklog"
)

const (
	rootSubmissionTag = "<Claim.Submission"
	rootRemittanceTag = "<Remittance.Advice"

	// sniffWindow bounds the byte-level root scan.
	sniffWindow = 4096
)

// Date layouts the upstream service emits, tried in order. All values are
// normalized to UTC instants.
var dateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	time.RFC3339,
	"02/01/2006",
}

// Sniff identifies the document root without a full parse.
func Sniff(b []byte) RootKind {
	window := b
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	if bytes.Contains(window, []byte(rootSubmissionTag)) {
		return RootSubmission
	}
	if bytes.Contains(window, []byte(rootRemittanceTag)) {
		return RootRemittance
	}
	return RootUnknown
}

// Parser transforms raw file bytes into DTO trees. It is stateless and safe
// for concurrent use.
type Parser struct {
	maxAttachmentBytes int64

	parsed   metrics2.Counter
	problems metrics2.Counter
}

// New returns a Parser. Attachments larger than maxAttachmentBytes are
// flagged with a warning but still carried through.
func New(maxAttachmentBytes int64) *Parser {
	return &Parser{
		maxAttachmentBytes: maxAttachmentBytes,

		parsed:   metrics2.GetCounter("claims_parser_files"),
		problems: metrics2.GetCounter("claims_parser_problems"),
	}
}

// Parse never fails hard; syntax and validation findings are returned as
// problems on the Result. A single bad claim does not sink its peers.
func (p *Parser) Parse(b []byte) *Result {
	p.parsed.Inc(1)
	run := &parseRun{
		parser:   p,
		raw:      b,
		newlines: newlineOffsets(b),
		result:   &Result{Root: Sniff(b)},
	}
	switch run.result.Root {
	case RootSubmission:
		run.parseSubmission()
	case RootRemittance:
		run.parseRemittance()
	default:
		run.problem(SeverityError, CodeUnknownRoot, "File", "", 0, "document root is neither Claim.Submission nor Remittance.Advice")
	}
	p.problems.Inc(int64(len(run.result.Problems)))
	return run.result
}

// parseRun is the per-file state of one Parse call.
type parseRun struct {
	parser   *Parser
	raw      []byte
	newlines []int
	result   *Result

	// syntaxReported dedupes decoder failures; once the token stream is
	// broken every further read fails the same way.
	syntaxReported bool
	headerSeen     bool
}

func (r *parseRun) requireHeader() {
	if !r.headerSeen {
		r.problem(SeverityError, CodeHdrMissing, "Header", "", 0, "no usable Header element")
	}
}

// Wire structs mirror the document elements one to one; mapping and
// validation into DTOs happens separately.

type wireHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

type wireEncounter struct {
	FacilityID          string `xml:"FacilityID"`
	Type                string `xml:"Type"`
	PatientID           string `xml:"PatientID"`
	Start               string `xml:"Start"`
	End                 string `xml:"End"`
	StartType           string `xml:"StartType"`
	EndType             string `xml:"EndType"`
	TransferSource      string `xml:"TransferSource"`
	TransferDestination string `xml:"TransferDestination"`
}

type wireDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type wireObservation struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Value     string `xml:"Value"`
	ValueType string `xml:"ValueType"`
}

type wireActivity struct {
	ID                   string            `xml:"ID"`
	Start                string            `xml:"Start"`
	Type                 string            `xml:"Type"`
	Code                 string            `xml:"Code"`
	Quantity             string            `xml:"Quantity"`
	Net                  string            `xml:"Net"`
	List                 string            `xml:"List"`
	Gross                string            `xml:"Gross"`
	PatientShare         string            `xml:"PatientShare"`
	PaymentAmount        string            `xml:"PaymentAmount"`
	DenialCode           string            `xml:"DenialCode"`
	Clinician            string            `xml:"Clinician"`
	PriorAuthorizationID string            `xml:"PriorAuthorizationID"`
	Observations         []wireObservation `xml:"Observation"`
}

type wireResubmission struct {
	Type       string `xml:"Type"`
	Comment    string `xml:"Comment"`
	Attachment string `xml:"Attachment"`
}

type wireClaim struct {
	ID               string           `xml:"ID"`
	IDPayer          string           `xml:"IDPayer"`
	MemberID         string           `xml:"MemberID"`
	PayerID          string           `xml:"PayerID"`
	ProviderID       string           `xml:"ProviderID"`
	EmiratesIDNumber string           `xml:"EmiratesIDNumber"`
	Gross            string           `xml:"Gross"`
	PatientShare     string           `xml:"PatientShare"`
	Net              string           `xml:"Net"`
	Comments         string           `xml:"Comments"`
	DenialCode       string           `xml:"DenialCode"`
	PaymentReference string           `xml:"PaymentReference"`
	DateSettlement   string           `xml:"DateSettlement"`
	FacilityID       string           `xml:"FacilityID"`
	Encounter        *wireEncounter   `xml:"Encounter"`
	Diagnoses        []wireDiagnosis  `xml:"Diagnosis"`
	Activities       []wireActivity   `xml:"Activity"`
	Resubmission     *wireResubmission `xml:"Resubmission"`
}

// parseSubmission walks the document token by token, decoding one claim at a
// time so memory stays proportional to the largest claim, not the file.
func (r *parseRun) parseSubmission() {
	dto := &SubmissionDTO{}
	r.result.Submission = dto
	r.walk(func(dec *xml.Decoder, se xml.StartElement) bool {
		switch se.Name.Local {
		case "Header":
			var wh wireHeader
			if !r.decodeElement(dec, &se, &wh) {
				return false
			}
			r.headerSeen = true
			dto.Header = r.mapHeader(wh)
		case "Claim":
			var wc wireClaim
			if !r.decodeElement(dec, &se, &wc) {
				return false
			}
			r.result.ExpectedClaims++
			r.result.ExpectedActivities += len(wc.Activities)
			if claim, ok := r.mapClaim(wc, dec.InputOffset()); ok {
				dto.Claims = append(dto.Claims, claim)
			}
		default:
			return false
		}
		return true
	})
	r.requireHeader()
	r.checkRecordCount(dto.Header.RecordCount, r.result.ExpectedClaims)
}

func (r *parseRun) parseRemittance() {
	dto := &RemittanceAdviceDTO{}
	r.result.Remittance = dto
	r.walk(func(dec *xml.Decoder, se xml.StartElement) bool {
		switch se.Name.Local {
		case "Header":
			var wh wireHeader
			if !r.decodeElement(dec, &se, &wh) {
				return false
			}
			r.headerSeen = true
			dto.Header = r.mapHeader(wh)
		case "Claim":
			var wc wireClaim
			if !r.decodeElement(dec, &se, &wc) {
				return false
			}
			r.result.ExpectedClaims++
			r.result.ExpectedActivities += len(wc.Activities)
			if claim, ok := r.mapRemitClaim(wc, dec.InputOffset()); ok {
				dto.Claims = append(dto.Claims, claim)
			}
		default:
			return false
		}
		return true
	})
	r.requireHeader()
	r.checkRecordCount(dto.Header.RecordCount, r.result.ExpectedClaims)
}

// walk runs fn for every depth-two start element (Header, Claim). fn reports
// whether it consumed the element through to its end tag.
func (r *parseRun) walk(fn func(dec *xml.Decoder, se xml.StartElement) bool) {
	dec := xml.NewDecoder(bytes.NewReader(r.raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			r.tokenError(err)
			return
		}
		switch se := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && fn(dec, se) {
				// The matching end element was consumed by DecodeElement.
				depth--
			}
		case xml.EndElement:
			depth--
		}
	}
}

func (r *parseRun) decodeElement(dec *xml.Decoder, se *xml.StartElement, dst interface{}) bool {
	if err := dec.DecodeElement(dst, se); err != nil {
		r.tokenError(err)
		return false
	}
	return true
}

// tokenError classifies a decoder failure: XML syntax problems map to the
// schema-violation code, IO-level ones to PARSE_IO. There is no schema-file
// resolver, so XSD_INVALID covers well-formedness only; element-level schema
// rules surface as the business validation codes instead.
func (r *parseRun) tokenError(err error) {
	if r.syntaxReported {
		return
	}
	r.syntaxReported = true
	var syn *xml.SyntaxError
	if errors.As(err, &syn) {
		r.problemAt(SeverityError, CodeXSDInvalid, "File", "", syn.Line, 0, err.Error())
		return
	}
	r.problem(SeverityError, CodeParseIO, "File", "", 0, err.Error())
}

func (r *parseRun) mapHeader(wh wireHeader) Header {
	h := Header{
		SenderID:        strings.TrimSpace(wh.SenderID),
		ReceiverID:      strings.TrimSpace(wh.ReceiverID),
		DispositionFlag: strings.TrimSpace(wh.DispositionFlag),
	}
	var missing []string
	if h.SenderID == "" {
		missing = append(missing, "SenderID")
	}
	if h.ReceiverID == "" {
		missing = append(missing, "ReceiverID")
	}
	if strings.TrimSpace(wh.RecordCount) == "" {
		missing = append(missing, "RecordCount")
	} else if n, err := strconv.Atoi(strings.TrimSpace(wh.RecordCount)); err == nil {
		h.RecordCount = n
	} else {
		missing = append(missing, "RecordCount")
	}
	if strings.TrimSpace(wh.TransactionDate) == "" {
		missing = append(missing, "TransactionDate")
	} else if ts, err := parseInstant(wh.TransactionDate); err == nil {
		h.TransactionDate = ts
	} else {
		r.problem(SeverityError, CodeDateUnparseable, "Header", "TransactionDate", 0, err.Error())
		missing = append(missing, "TransactionDate")
	}
	if len(missing) > 0 {
		r.problem(SeverityError, CodeHdrMissing, "Header", "", 0, fmt.Sprintf("missing or invalid header fields: %s", strings.Join(missing, ", ")))
	}
	return h
}

func (r *parseRun) mapClaim(wc wireClaim, offset int64) (ClaimDTO, bool) {
	claimID := strings.TrimSpace(wc.ID)
	line, col := r.position(offset)

	var missing []string
	if claimID == "" {
		missing = append(missing, "ID")
	}
	if strings.TrimSpace(wc.PayerID) == "" {
		missing = append(missing, "PayerID")
	}
	if strings.TrimSpace(wc.ProviderID) == "" {
		missing = append(missing, "ProviderID")
	}
	gross, err := parseMoney(wc.Gross)
	if err != nil {
		missing = append(missing, "Gross")
	}
	share, err := parseMoney(wc.PatientShare)
	if err != nil {
		missing = append(missing, "PatientShare")
	}
	net, err := parseMoney(wc.Net)
	if err != nil {
		missing = append(missing, "Net")
	}
	if len(missing) > 0 {
		r.problemAt(SeverityError, CodeClaimInvalidCore, "Claim", claimID, line, col, fmt.Sprintf("missing or invalid claim fields: %s", strings.Join(missing, ", ")))
		return ClaimDTO{}, false
	}

	claim := ClaimDTO{
		ID:           claimID,
		IDPayer:      strings.TrimSpace(wc.IDPayer),
		MemberID:     strings.TrimSpace(wc.MemberID),
		PayerID:      strings.TrimSpace(wc.PayerID),
		ProviderID:   strings.TrimSpace(wc.ProviderID),
		EmiratesID:   strings.TrimSpace(wc.EmiratesIDNumber),
		Gross:        gross,
		PatientShare: share,
		Net:          net,
		Comments:     strings.TrimSpace(wc.Comments),
	}
	if wc.Encounter != nil {
		claim.Encounter = r.mapEncounter(*wc.Encounter, claimID)
	}
	for _, wd := range wc.Diagnoses {
		claim.Diagnoses = append(claim.Diagnoses, DiagnosisDTO{Type: strings.TrimSpace(wd.Type), Code: strings.TrimSpace(wd.Code)})
	}
	for _, wa := range wc.Activities {
		if act, ok := r.mapActivity(wa, claimID, line, col); ok {
			claim.Activities = append(claim.Activities, act)
		}
	}
	if wc.Resubmission != nil {
		claim.Resubmission = r.mapResubmission(*wc.Resubmission, claimID, line, col)
	}
	return claim, true
}

func (r *parseRun) mapEncounter(we wireEncounter, claimID string) *EncounterDTO {
	enc := &EncounterDTO{
		FacilityID:          strings.TrimSpace(we.FacilityID),
		Type:                strings.TrimSpace(we.Type),
		PatientID:           strings.TrimSpace(we.PatientID),
		StartType:           strings.TrimSpace(we.StartType),
		EndType:             strings.TrimSpace(we.EndType),
		TransferSource:      strings.TrimSpace(we.TransferSource),
		TransferDestination: strings.TrimSpace(we.TransferDestination),
	}
	enc.Start = r.optionalInstant(we.Start, "Encounter", claimID)
	enc.End = r.optionalInstant(we.End, "Encounter", claimID)
	return enc
}

func (r *parseRun) mapActivity(wa wireActivity, claimID string, line, col int) (ActivityDTO, bool) {
	activityID := strings.TrimSpace(wa.ID)
	key := claimID + "/" + activityID

	var missing []string
	if activityID == "" {
		missing = append(missing, "ID")
	}
	if strings.TrimSpace(wa.Type) == "" {
		missing = append(missing, "Type")
	}
	if strings.TrimSpace(wa.Code) == "" {
		missing = append(missing, "Code")
	}
	net, err := parseMoney(wa.Net)
	if err != nil {
		missing = append(missing, "Net")
	}
	if len(missing) > 0 {
		r.problemAt(SeverityError, CodeActivityInvalidCore, "Activity", key, line, col, fmt.Sprintf("missing or invalid activity fields: %s", strings.Join(missing, ", ")))
		return ActivityDTO{}, false
	}

	quantity := decimal.NewFromInt(1)
	if strings.TrimSpace(wa.Quantity) != "" {
		if q, err := parseMoney(wa.Quantity); err == nil {
			quantity = q
		}
	}
	act := ActivityDTO{
		ID:                   activityID,
		Type:                 strings.TrimSpace(wa.Type),
		Code:                 strings.TrimSpace(wa.Code),
		Quantity:             quantity,
		Net:                  net,
		Clinician:            strings.TrimSpace(wa.Clinician),
		PriorAuthorizationID: strings.TrimSpace(wa.PriorAuthorizationID),
	}
	act.Start = r.optionalInstant(wa.Start, "Activity", key)
	for _, wo := range wa.Observations {
		act.Observations = append(act.Observations, r.mapObservation(wo, key, line, col))
	}
	return act, true
}

func (r *parseRun) mapObservation(wo wireObservation, activityKey string, line, col int) ObservationDTO {
	obs := ObservationDTO{
		Type:      strings.TrimSpace(wo.Type),
		Code:      strings.TrimSpace(wo.Code),
		Value:     strings.TrimSpace(wo.Value),
		ValueType: strings.TrimSpace(wo.ValueType),
	}
	if !strings.EqualFold(obs.Type, "File") {
		return obs
	}
	decoded, err := base64.StdEncoding.DecodeString(obs.Value)
	if err != nil {
		r.problemAt(SeverityError, CodeAttachmentCorrupt, "Observation", activityKey+"/"+obs.Code, line, col, fmt.Sprintf("attachment is not valid base64: %s", err))
		return obs
	}
	if int64(len(decoded)) > r.parser.maxAttachmentBytes {
		r.problemAt(SeverityWarning, CodeObsFileTooLarge, "Observation", activityKey+"/"+obs.Code, line, col, fmt.Sprintf("attachment is %d bytes, threshold %d", len(decoded), r.parser.maxAttachmentBytes))
	}
	obs.Bytes = decoded
	return obs
}

func (r *parseRun) mapResubmission(wr wireResubmission, claimID string, line, col int) *ResubmissionDTO {
	res := &ResubmissionDTO{
		Type:    strings.TrimSpace(wr.Type),
		Comment: strings.TrimSpace(wr.Comment),
	}
	if v := strings.TrimSpace(wr.Attachment); v != "" {
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			r.problemAt(SeverityError, CodeAttachmentCorrupt, "Resubmission", claimID, line, col, fmt.Sprintf("resubmission attachment is not valid base64: %s", err))
		} else {
			res.Attachment = decoded
		}
	}
	return res
}

func (r *parseRun) mapRemitClaim(wc wireClaim, offset int64) (RemitClaimDTO, bool) {
	claimID := strings.TrimSpace(wc.ID)
	line, col := r.position(offset)
	if claimID == "" {
		r.problemAt(SeverityError, CodeClaimInvalidCore, "RemitClaim", "", line, col, "missing claim ID")
		return RemitClaimDTO{}, false
	}
	claim := RemitClaimDTO{
		ID:               claimID,
		IDPayer:          strings.TrimSpace(wc.IDPayer),
		ProviderID:       strings.TrimSpace(wc.ProviderID),
		DenialCode:       strings.TrimSpace(wc.DenialCode),
		PaymentReference: strings.TrimSpace(wc.PaymentReference),
		FacilityID:       strings.TrimSpace(wc.FacilityID),
	}
	claim.DateSettlement = r.optionalInstant(wc.DateSettlement, "RemitClaim", claimID)
	for _, wa := range wc.Activities {
		if act, ok := r.mapRemitActivity(wa, claimID, line, col); ok {
			claim.Activities = append(claim.Activities, act)
		}
	}
	return claim, true
}

func (r *parseRun) mapRemitActivity(wa wireActivity, claimID string, line, col int) (RemitActivityDTO, bool) {
	activityID := strings.TrimSpace(wa.ID)
	key := claimID + "/" + activityID

	var missing []string
	if activityID == "" {
		missing = append(missing, "ID")
	}
	payment, err := parseMoney(wa.PaymentAmount)
	if err != nil {
		missing = append(missing, "PaymentAmount")
	}
	if len(missing) > 0 {
		r.problemAt(SeverityError, CodeActivityInvalidCore, "RemitActivity", key, line, col, fmt.Sprintf("missing or invalid remittance activity fields: %s", strings.Join(missing, ", ")))
		return RemitActivityDTO{}, false
	}

	act := RemitActivityDTO{
		ID:            activityID,
		Type:          strings.TrimSpace(wa.Type),
		Code:          strings.TrimSpace(wa.Code),
		PaymentAmount: payment,
		DenialCode:    strings.TrimSpace(wa.DenialCode),
		Clinician:     strings.TrimSpace(wa.Clinician),
	}
	act.Start = r.optionalInstant(wa.Start, "RemitActivity", key)
	act.Quantity = optionalMoney(wa.Quantity)
	act.Net = optionalMoney(wa.Net)
	act.List = optionalMoney(wa.List)
	act.Gross = optionalMoney(wa.Gross)
	act.PatientShare = optionalMoney(wa.PatientShare)
	return act, true
}

func (r *parseRun) checkRecordCount(declared, seen int) {
	if declared > 0 && declared != seen {
		r.problem(SeverityWarning, CodeRecordCountMismatch, "Header", "", 0, fmt.Sprintf("header declares %d records, document carries %d", declared, seen))
	}
}

// optionalInstant parses a date that may legitimately be absent; a present
// but unparseable value is a warning.
func (r *parseRun) optionalInstant(s, objectType, objectKey string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	ts, err := parseInstant(s)
	if err != nil {
		r.problem(SeverityWarning, CodeDateUnparseable, objectType, objectKey, 0, err.Error())
		return time.Time{}
	}
	return ts
}

func (r *parseRun) problem(severity Severity, code ProblemCode, objectType, objectKey string, line int, message string) {
	r.problemAt(severity, code, objectType, objectKey, line, 0, message)
}

func (r *parseRun) problemAt(severity Severity, code ProblemCode, objectType, objectKey string, line, col int, message string) {
	p := Problem{
		Severity:   severity,
		Code:       code,
		ObjectType: objectType,
		ObjectKey:  objectKey,
		Message:    message,
		Line:       line,
		Column:     col,
	}
	sklog.Debugf("Parse problem: %s", p)
	r.result.Problems = append(r.result.Problems, p)
}

// position maps a decoder byte offset to a 1-based line and column.
func (r *parseRun) position(offset int64) (int, int) {
	if offset <= 0 {
		return 0, 0
	}
	line := sort.SearchInts(r.newlines, int(offset))
	lineStart := 0
	if line > 0 {
		lineStart = r.newlines[line-1] + 1
	}
	return line + 1, int(offset) - lineStart + 1
}

func newlineOffsets(b []byte) []int {
	var rv []int
	for i, c := range b {
		if c == '\n' {
			rv = append(rv, i)
		}
	}
	return rv
}

// parseInstant tries the known layouts and normalizes to UTC.
func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", s)
}

func parseMoney(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

// optionalMoney returns zero for absent or malformed amounts.
func optionalMoney(s string) decimal.Decimal {
	d, err := parseMoney(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
