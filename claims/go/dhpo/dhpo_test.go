package dhpo

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func soapResponse(operation, inner string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <%sResponse xmlns="http://www.eClaimLink.ae/">%s</%sResponse>
  </soap:Body>
</soap:Envelope>`, operation, inner, operation)
}

func testClient(ts *httptest.Server) *Client {
	return NewClient(ClientOpts{
		HTTPClient:    ts.Client(),
		Retries:       2,
		RetryInterval: time.Millisecond,
	})
}

func TestGetNewTransactions_ParsesInnerFileList(t *testing.T) {
	// The file list arrives as an escaped XML document inside xmlTransaction.
	inner := `&lt;Files&gt;&lt;File FileID=&quot;1001&quot; FileName=&quot;CS_1001.xml&quot; SenderID=&quot;DHA-F-001&quot; ReceiverID=&quot;INS-P-9&quot; TransactionDate=&quot;10/01/2025 12:00&quot; RecordCount=&quot;2&quot;/&gt;&lt;/Files&gt;`
	var gotContentType, gotAction string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAction = r.Header.Get("SOAPAction")
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<login>user1</login>")
		_, _ = fmt.Fprint(w, soapResponse("GetNewTransactions",
			"<GetNewTransactionsResult>0</GetNewTransactionsResult><xmlTransaction>"+inner+"</xmlTransaction>"))
	}))
	defer ts.Close()

	code, files, err := testClient(ts).GetNewTransactions(context.Background(), ts.URL, "user1", "pw")
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	require.Len(t, files, 1)
	assert.Equal(t, TransactionFile{
		FileID:          "1001",
		FileName:        "CS_1001.xml",
		SenderID:        "DHA-F-001",
		ReceiverID:      "INS-P-9",
		TransactionDate: "10/01/2025 12:00",
		RecordCount:     2,
	}, files[0])

	// SOAP 1.1 framing.
	assert.Equal(t, "text/xml; charset=utf-8", gotContentType)
	assert.Equal(t, `"http://www.eClaimLink.ae/GetNewTransactions"`, gotAction)
}

func TestGetNewTransactions_NoNewData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, soapResponse("GetNewTransactions",
			"<GetNewTransactionsResult>2</GetNewTransactionsResult>"))
	}))
	defer ts.Close()

	code, files, err := testClient(ts).GetNewTransactions(context.Background(), ts.URL, "u", "p")
	require.NoError(t, err)
	assert.Equal(t, CodeNoNewData, code)
	assert.Empty(t, files)
}

func TestSearchTransactions_ParsesIsDownloaded(t *testing.T) {
	inner := `&lt;Files&gt;&lt;File FileID=&quot;1002&quot; FileName=&quot;RA_1002.xml&quot; IsDownloaded=&quot;true&quot;/&gt;&lt;/Files&gt;`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<transactionFromDate>01/01/2025</transactionFromDate>")
		_, _ = fmt.Fprint(w, soapResponse("SearchTransactions",
			"<SearchTransactionsResult>0</SearchTransactionsResult><foundTransactions>"+inner+"</foundTransactions>"))
	}))
	defer ts.Close()

	q := SearchQuery{
		Direction: 1,
		FromDate:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
	}
	code, files, err := testClient(ts).SearchTransactions(context.Background(), ts.URL, "u", "p", q)
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	require.Len(t, files, 1)
	assert.True(t, files[0].IsDownloaded)
}

func TestDownloadTransactionFile_DecodesBase64(t *testing.T) {
	payload := []byte("<Claim.Submission/>")
	b64 := base64.StdEncoding.EncodeToString(payload)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, soapResponse("DownloadTransactionFile",
			"<DownloadTransactionFileResult>0</DownloadTransactionFileResult><fileName>CS_1001.xml</fileName><file>"+b64+"</file>"))
	}))
	defer ts.Close()

	code, name, got, err := testClient(ts).DownloadTransactionFile(context.Background(), ts.URL, "u", "p", "1001")
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, "CS_1001.xml", name)
	assert.Equal(t, payload, got)
}

func TestCall_RetriesTransientResultCode(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = fmt.Fprint(w, soapResponse("SetTransactionDownloaded",
				"<SetTransactionDownloadedResult>-4</SetTransactionDownloadedResult>"))
			return
		}
		_, _ = fmt.Fprint(w, soapResponse("SetTransactionDownloaded",
			"<SetTransactionDownloadedResult>0</SetTransactionDownloadedResult>"))
	}))
	defer ts.Close()

	code, err := testClient(ts).SetTransactionDownloaded(context.Background(), ts.URL, "u", "p", "1001")
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCall_RetriesServerError(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, soapResponse("SetTransactionDownloaded",
			"<SetTransactionDownloadedResult>0</SetTransactionDownloadedResult>"))
	}))
	defer ts.Close()

	code, err := testClient(ts).SetTransactionDownloaded(context.Background(), ts.URL, "u", "p", "1001")
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCall_NonRetryableCodeSurfacesImmediately(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = fmt.Fprint(w, soapResponse("DownloadTransactionFile",
			"<DownloadTransactionFileResult>-1</DownloadTransactionFileResult><errorMessage>Invalid login</errorMessage>"))
	}))
	defer ts.Close()

	_, _, _, err := testClient(ts).DownloadTransactionFile(context.Background(), ts.URL, "u", "p", "1001")
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ResultCode(-1), remote.Code)
	assert.Equal(t, "Invalid login", remote.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCall_TransientBudgetExhausted_ReturnsCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, soapResponse("SetTransactionDownloaded",
			"<SetTransactionDownloadedResult>-4</SetTransactionDownloadedResult>"))
	}))
	defer ts.Close()

	code, err := testClient(ts).SetTransactionDownloaded(context.Background(), ts.URL, "u", "p", "1001")
	require.NoError(t, err)
	assert.Equal(t, CodeTransient, code)
}

func TestSOAP12_ContentType(t *testing.T) {
	var gotContentType, gotAction string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAction = r.Header.Get("SOAPAction")
		_, _ = fmt.Fprint(w, soapResponse("SetTransactionDownloaded",
			"<SetTransactionDownloadedResult>0</SetTransactionDownloadedResult>"))
	}))
	defer ts.Close()

	c := NewClient(ClientOpts{HTTPClient: ts.Client(), SOAP12: true, RetryInterval: time.Millisecond})
	_, err := c.SetTransactionDownloaded(context.Background(), ts.URL, "u", "p", "1001")
	require.NoError(t, err)
	assert.Equal(t, `application/soap+xml; charset=utf-8; action="http://www.eClaimLink.ae/SetTransactionDownloaded"`, gotContentType)
	assert.Empty(t, gotAction)
}
