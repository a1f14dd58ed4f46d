// Package dhpo is the typed SOAP gateway to the DHPO document exchange
// service. It renders request envelopes, applies the service's transport and
// result-code retry rules, and parses the operation responses.
package dhpo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
)

// ResultCode is the integer status every DHPO operation returns.
type ResultCode int

const (
	// CodeOK means the operation succeeded.
	CodeOK = ResultCode(0)
	// CodeNoNewData means the list operation found nothing; not an error.
	CodeNoNewData = ResultCode(2)
	// CodeTransient is DHPO's documented transient failure; retryable.
	CodeTransient = ResultCode(-4)
)

// Retryable reports whether the code may succeed on a later attempt.
func (c ResultCode) Retryable() bool {
	return c == CodeTransient
}

// errTransient marks a retryable attempt inside the backoff loop.
var errTransient = errors.New("transient DHPO failure")

// TransactionFile is one row of the file listings returned by
// GetNewTransactions and SearchTransactions.
type TransactionFile struct {
	FileID          string
	FileName        string
	SenderID        string
	ReceiverID      string
	TransactionDate string
	RecordCount     int
	IsDownloaded    bool
}

// SearchQuery holds the SearchTransactions request fields. Zero values are
// sent as empty elements, which DHPO treats as wildcards.
type SearchQuery struct {
	Direction     int
	CallerLicense string
	EPartner      string
	TransactionID string
	Status        int
	FileName      string
	FromDate      time.Time
	ToDate        time.Time
	MinRecord     int
	MaxRecord     int
}

// Gateway is the operation surface the fetch coordinator and acker use.
type Gateway interface {
	GetNewTransactions(ctx context.Context, endpoint, login, pwd string) (ResultCode, []TransactionFile, error)
	SearchTransactions(ctx context.Context, endpoint, login, pwd string, q SearchQuery) (ResultCode, []TransactionFile, error)
	DownloadTransactionFile(ctx context.Context, endpoint, login, pwd, fileID string) (ResultCode, string, []byte, error)
	SetTransactionDownloaded(ctx context.Context, endpoint, login, pwd, fileID string) (ResultCode, error)
}

// searchDateLayout is the dd/MM/yyyy format SearchTransactions expects.
const searchDateLayout = "02/01/2006"

// Client implements Gateway over HTTP.
type Client struct {
	// httpClient must not do its own status-code retries; the client owns the
	// retry budget so transient result codes and HTTP errors share it.
	httpClient    *http.Client
	soap12        bool
	retries       uint64
	retryInterval time.Duration

	calls    metrics2.Counter
	failures metrics2.Counter
}

// ClientOpts configures a Client.
type ClientOpts struct {
	HTTPClient *http.Client
	// SOAP12 selects SOAP 1.2 framing. Default is SOAP 1.1.
	SOAP12 bool
	// Retries is the retry budget for transient conditions. Default 3.
	Retries int
	// RetryInterval is the fixed wait between attempts. Default 2s.
	RetryInterval time.Duration
}

// NewClient returns a Client with the given options.
func NewClient(opts ClientOpts) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	return &Client{
		httpClient:    opts.HTTPClient,
		soap12:        opts.SOAP12,
		retries:       uint64(opts.Retries),
		retryInterval: opts.RetryInterval,

		calls:    metrics2.GetCounter("claims_dhpo_calls"),
		failures: metrics2.GetCounter("claims_dhpo_failures"),
	}
}

// GetNewTransactions lists files not yet marked downloaded for the account.
func (c *Client) GetNewTransactions(ctx context.Context, endpoint, login, pwd string) (ResultCode, []TransactionFile, error) {
	envelope := renderEnvelope(c.soap12, opGetNewTransactions, []param{
		{"login", login},
		{"pwd", pwd},
	})
	var code ResultCode
	var files []TransactionFile
	err := c.call(ctx, endpoint, opGetNewTransactions, envelope, func(body []byte) error {
		var err error
		code, files, err = parseListResponse(body, opGetNewTransactions)
		return err
	}, &code)
	if err != nil {
		return code, nil, skerr.Wrap(err)
	}
	return code, files, nil
}

// SearchTransactions lists files matching the query, including already
// downloaded ones.
func (c *Client) SearchTransactions(ctx context.Context, endpoint, login, pwd string, q SearchQuery) (ResultCode, []TransactionFile, error) {
	envelope := renderEnvelope(c.soap12, opSearchTransactions, []param{
		{"login", login},
		{"pwd", pwd},
		{"direction", strconv.Itoa(q.Direction)},
		{"callerLicense", q.CallerLicense},
		{"ePartner", q.EPartner},
		{"transactionID", q.TransactionID},
		{"transactionStatus", strconv.Itoa(q.Status)},
		{"transactionFileName", q.FileName},
		{"transactionFromDate", formatSearchDate(q.FromDate)},
		{"transactionToDate", formatSearchDate(q.ToDate)},
		{"minRecordCount", strconv.Itoa(q.MinRecord)},
		{"maxRecordCount", strconv.Itoa(q.MaxRecord)},
	})
	var code ResultCode
	var files []TransactionFile
	err := c.call(ctx, endpoint, opSearchTransactions, envelope, func(body []byte) error {
		var err error
		code, files, err = parseListResponse(body, opSearchTransactions)
		return err
	}, &code)
	if err != nil {
		return code, nil, skerr.Wrap(err)
	}
	return code, files, nil
}

// DownloadTransactionFile fetches the raw file bytes for the given id.
func (c *Client) DownloadTransactionFile(ctx context.Context, endpoint, login, pwd, fileID string) (ResultCode, string, []byte, error) {
	envelope := renderEnvelope(c.soap12, opDownloadTransactionFile, []param{
		{"login", login},
		{"pwd", pwd},
		{"fileId", fileID},
	})
	var code ResultCode
	var fileName string
	var fileBytes []byte
	err := c.call(ctx, endpoint, opDownloadTransactionFile, envelope, func(body []byte) error {
		var err error
		code, fileName, fileBytes, err = parseDownloadResponse(body)
		return err
	}, &code)
	if err != nil {
		return code, "", nil, skerr.Wrap(err)
	}
	return code, fileName, fileBytes, nil
}

// SetTransactionDownloaded acknowledges the file to the service.
func (c *Client) SetTransactionDownloaded(ctx context.Context, endpoint, login, pwd, fileID string) (ResultCode, error) {
	envelope := renderEnvelope(c.soap12, opSetTransactionDownloaded, []param{
		{"login", login},
		{"pwd", pwd},
		{"fileId", fileID},
	})
	var code ResultCode
	err := c.call(ctx, endpoint, opSetTransactionDownloaded, envelope, func(body []byte) error {
		var err error
		code, _, err = parseAckResponse(body)
		return err
	}, &code)
	if err != nil {
		return code, skerr.Wrap(err)
	}
	return code, nil
}

// call posts the envelope and runs parse over the response body, retrying on
// transport errors, HTTP 408/429/5xx and the transient result code. Other
// negative result codes are left to the caller; they parse cleanly and are
// not errors at the transport layer.
func (c *Client) call(ctx context.Context, endpoint, operation string, envelope []byte, parse func(body []byte) error, code *ResultCode) error {
	t := metrics2.NewTimer("claims_dhpo_call")
	defer t.Stop()

	attempt := func() error {
		c.calls.Inc(1)
		body, err := c.post(ctx, endpoint, operation, envelope)
		if err != nil {
			return err
		}
		if err := parse(body); err != nil {
			return backoff.Permanent(skerr.Wrapf(err, "parsing %s response", operation))
		}
		if code.Retryable() {
			return errTransient
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		sklog.Warningf("DHPO %s against %s failed transiently, retrying in %s: %s", operation, endpoint, wait, err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), c.retries), ctx)
	if err := backoff.RetryNotify(attempt, bo, notify); err != nil {
		c.failures.Inc(1)
		if errors.Is(err, errTransient) {
			// Attempts exhausted on -4; surface the code, not an error.
			return nil
		}
		return skerr.Wrapf(err, "calling DHPO %s", operation)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint, operation string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, backoff.Permanent(skerr.Wrap(err))
	}
	action := soapAction(operation)
	if c.soap12 {
		req.Header.Set("Content-Type", fmt.Sprintf("application/soap+xml; charset=utf-8; action=%q", action))
	} else {
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", fmt.Sprintf("%q", action))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network and IO errors are retryable.
		return nil, skerr.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if retryableStatus(resp.StatusCode) {
		return nil, skerr.Fmt("DHPO returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(skerr.Fmt("DHPO returned HTTP %d: %s", resp.StatusCode, truncate(body, 512)))
	}
	return body, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

func formatSearchDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(searchDateLayout)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
