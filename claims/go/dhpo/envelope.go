package dhpo

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Namespace is the DHPO service namespace used for SOAP bodies and actions.
const Namespace = "http://www.eClaimLink.ae/"

const (
	soap11EnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soap12EnvelopeNS = "http://www.w3.org/2003/05/soap-envelope"
)

const (
	opGetNewTransactions       = "GetNewTransactions"
	opSearchTransactions       = "SearchTransactions"
	opDownloadTransactionFile  = "DownloadTransactionFile"
	opSetTransactionDownloaded = "SetTransactionDownloaded"
)

// param is one element inside the operation body, rendered in order.
type param struct {
	name  string
	value string
}

// renderEnvelope produces the full SOAP request document for one operation.
func renderEnvelope(soap12 bool, operation string, params []param) []byte {
	envNS := soap11EnvelopeNS
	if soap12 {
		envNS = soap12EnvelopeNS
	}
	buf := &bytes.Buffer{}
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	fmt.Fprintf(buf, `<soap:Envelope xmlns:soap=%q><soap:Body>`, envNS)
	fmt.Fprintf(buf, `<%s xmlns=%q>`, operation, Namespace)
	for _, p := range params {
		fmt.Fprintf(buf, "<%s>", p.name)
		_ = xml.EscapeText(buf, []byte(p.value))
		fmt.Fprintf(buf, "</%s>", p.name)
	}
	fmt.Fprintf(buf, "</%s></soap:Body></soap:Envelope>", operation)
	return buf.Bytes()
}

// soapAction returns the action URI for the given operation.
func soapAction(operation string) string {
	return Namespace + operation
}
