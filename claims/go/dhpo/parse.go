package dhpo

import (
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"

	"go.sahl.health/claims/go/skerr"
)

// The list operations wrap their payload in an escaped inner XML document of
// <File .../> rows; the decoder below unwraps both layers.

type listResponseEnvelope struct {
	GetNewResult    string `xml:"Body>GetNewTransactionsResponse>GetNewTransactionsResult"`
	GetNewXML       string `xml:"Body>GetNewTransactionsResponse>xmlTransaction"`
	SearchResult    string `xml:"Body>SearchTransactionsResponse>SearchTransactionsResult"`
	SearchFoundXML  string `xml:"Body>SearchTransactionsResponse>foundTransactions"`
	SearchErrorText string `xml:"Body>SearchTransactionsResponse>errorMessage"`
}

type downloadResponseEnvelope struct {
	Result       string `xml:"Body>DownloadTransactionFileResponse>DownloadTransactionFileResult"`
	FileName     string `xml:"Body>DownloadTransactionFileResponse>fileName"`
	File         string `xml:"Body>DownloadTransactionFileResponse>file"`
	ErrorMessage string `xml:"Body>DownloadTransactionFileResponse>errorMessage"`
}

type ackResponseEnvelope struct {
	Result       string `xml:"Body>SetTransactionDownloadedResponse>SetTransactionDownloadedResult"`
	ErrorMessage string `xml:"Body>SetTransactionDownloadedResponse>errorMessage"`
}

type innerFileList struct {
	Files []innerFileRow `xml:"File"`
}

type innerFileRow struct {
	FileID          string `xml:"FileID,attr"`
	FileName        string `xml:"FileName,attr"`
	SenderID        string `xml:"SenderID,attr"`
	ReceiverID      string `xml:"ReceiverID,attr"`
	TransactionDate string `xml:"TransactionDate,attr"`
	RecordCount     string `xml:"RecordCount,attr"`
	IsDownloaded    string `xml:"IsDownloaded,attr"`
}

// parseListResponse handles both GetNewTransactions and SearchTransactions.
func parseListResponse(body []byte, operation string) (ResultCode, []TransactionFile, error) {
	var env listResponseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return 0, nil, skerr.Wrapf(err, "decoding %s envelope", operation)
	}
	var codeStr, inner string
	if operation == opGetNewTransactions {
		codeStr, inner = env.GetNewResult, env.GetNewXML
	} else {
		codeStr, inner = env.SearchResult, env.SearchFoundXML
	}
	code, err := parseResultCode(codeStr, operation)
	if err != nil {
		return 0, nil, err
	}
	if err := remoteError(code, env.SearchErrorText); err != nil {
		return code, nil, err
	}
	if code != CodeOK || strings.TrimSpace(inner) == "" {
		return code, nil, nil
	}
	files, err := parseFileList(inner)
	if err != nil {
		return code, nil, skerr.Wrapf(err, "decoding %s file list", operation)
	}
	return code, files, nil
}

// parseFileList decodes the inner XML document carried inside the list
// responses.
func parseFileList(inner string) ([]TransactionFile, error) {
	var list innerFileList
	if err := xml.Unmarshal([]byte(inner), &list); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make([]TransactionFile, 0, len(list.Files))
	for _, row := range list.Files {
		f := TransactionFile{
			FileID:          row.FileID,
			FileName:        row.FileName,
			SenderID:        row.SenderID,
			ReceiverID:      row.ReceiverID,
			TransactionDate: row.TransactionDate,
			IsDownloaded:    strings.EqualFold(row.IsDownloaded, "true") || row.IsDownloaded == "1",
		}
		// Absent or malformed counts are tolerated; zero means unknown.
		if n, err := strconv.Atoi(strings.TrimSpace(row.RecordCount)); err == nil {
			f.RecordCount = n
		}
		rv = append(rv, f)
	}
	return rv, nil
}

// parseDownloadResponse decodes the base64-wrapped file payload.
func parseDownloadResponse(body []byte) (ResultCode, string, []byte, error) {
	var env downloadResponseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return 0, "", nil, skerr.Wrapf(err, "decoding download envelope")
	}
	code, err := parseResultCode(env.Result, opDownloadTransactionFile)
	if err != nil {
		return 0, "", nil, err
	}
	if err := remoteError(code, env.ErrorMessage); err != nil {
		return code, "", nil, err
	}
	if code != CodeOK {
		return code, "", nil, nil
	}
	fileBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.File))
	if err != nil {
		return code, "", nil, skerr.Wrapf(err, "decoding base64 file payload")
	}
	return code, env.FileName, fileBytes, nil
}

// parseAckResponse decodes the SetTransactionDownloaded response.
func parseAckResponse(body []byte) (ResultCode, string, error) {
	var env ackResponseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return 0, "", skerr.Wrapf(err, "decoding ack envelope")
	}
	code, err := parseResultCode(env.Result, opSetTransactionDownloaded)
	if err != nil {
		return 0, "", err
	}
	return code, env.ErrorMessage, remoteError(code, env.ErrorMessage)
}

func parseResultCode(s, operation string) (ResultCode, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, skerr.Wrapf(err, "%s returned non-numeric result code %q", operation, s)
	}
	return ResultCode(n), nil
}

// RemoteError is a non-retryable application failure reported by DHPO, e.g.
// bad credentials. It surfaces immediately, bypassing the retry budget.
type RemoteError struct {
	Code    ResultCode
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "DHPO error code " + strconv.Itoa(int(e.Code))
	}
	return "DHPO error code " + strconv.Itoa(int(e.Code)) + ": " + e.Message
}

// remoteError returns a RemoteError for negative non-transient codes and nil
// for everything else, so the retry loop and the coordinator can branch on
// the code itself.
func remoteError(code ResultCode, message string) error {
	if code >= 0 || code.Retryable() {
		return nil
	}
	return &RemoteError{Code: code, Message: message}
}
