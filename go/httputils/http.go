// Package httputils provides HTTP clients with sane timeouts and exponential
// backoff retries, plus a couple of handler helpers.
package httputils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"

	"go.sahl.health/claims/go/sklog"
)

const (
	DialTimeoutDefault    = time.Minute
	RequestTimeoutDefault = 5 * time.Minute

	// Exponential backoff defaults.
	initialInterval     = 500 * time.Millisecond
	randomizationFactor = 0.5
	backOffMultiplier   = 1.5
	maxInterval         = 60 * time.Second
	maxElapsedTime      = 5 * time.Minute
)

var (
	serverErr = errors.New("Server error")
	clientErr = errors.New("Client error")
)

// ClientConfig represents options for the behavior of an http.Client. Each
// field is a function that modifies and returns the config, so they can be
// chained, e.g.
//
//	client := DefaultClientConfig().WithDialTimeout(time.Second).Client()
type ClientConfig struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
	retries        bool
}

// DefaultClientConfig returns a ClientConfig with reasonable defaults and
// backoff retries enabled.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		dialTimeout:    DialTimeoutDefault,
		requestTimeout: RequestTimeoutDefault,
		retries:        true,
	}
}

// WithDialTimeout returns a new ClientConfig with the given dial timeout.
func (c ClientConfig) WithDialTimeout(dialTimeout time.Duration) ClientConfig {
	c.dialTimeout = dialTimeout
	return c
}

// WithRequestTimeout returns a new ClientConfig with the given overall
// request timeout.
func (c ClientConfig) WithRequestTimeout(requestTimeout time.Duration) ClientConfig {
	c.requestTimeout = requestTimeout
	return c
}

// WithoutRetries returns a new ClientConfig with retries disabled.
func (c ClientConfig) WithoutRetries() ClientConfig {
	c.retries = false
	return c
}

// Client returns an http.Client as configured.
func (c ClientConfig) Client() *http.Client {
	var transport http.RoundTripper = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: c.dialTimeout,
		}).DialContext,
	}
	if c.retries {
		transport = NewBackOffTransport(transport)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   c.requestTimeout,
	}
}

// BackOffTransport is an http.RoundTripper which retries requests that fail
// with 5xx status codes or transport errors, with exponential backoff.
type BackOffTransport struct {
	Transport http.RoundTripper
}

// NewBackOffTransport creates a BackOffTransport wrapping the given base
// RoundTripper.
func NewBackOffTransport(base http.RoundTripper) http.RoundTripper {
	return &BackOffTransport{Transport: base}
}

// RoundTrip implements the RoundTripper interface.
func (t *BackOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	backOffClient := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     initialInterval,
		RandomizationFactor: randomizationFactor,
		Multiplier:          backOffMultiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      maxElapsedTime,
		Clock:               backoff.SystemClock,
	}, req.Context())
	// Make a copy of the request's Body so that we can reuse it if the request
	// needs to be backed off and retried.
	bodyBuf := bytes.Buffer{}
	if req.Body != nil {
		if _, err := bodyBuf.ReadFrom(req.Body); err != nil {
			return nil, fmt.Errorf("Failed to read request body: %v", err)
		}
	}

	var resp *http.Response
	var err error
	roundTripOp := func() error {
		if req.Body != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBuf.Bytes()))
		}
		resp, err = t.Transport.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp != nil {
			if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
				// This error will be retried.
				return serverErr
			} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
				// Using Permanent so that the request will not be retried.
				return backoff.Permanent(clientErr)
			}
		}
		return nil
	}
	notifyFunc := func(notifyErr error, wait time.Duration) {
		if notifyErr == serverErr {
			sklog.Warningf("Got server error status code %d while making the HTTP %s request to %s", resp.StatusCode, req.Method, req.URL)
			ReadAndClose(resp.Body)
			resp = nil
		} else {
			sklog.Warningf("Got error while making the round trip to %s: %s. Retrying HTTP request after sleeping for %s", req.URL, notifyErr, wait)
		}
	}

	// Overall return values should be the return values of the final call to
	// t.Transport.RoundTrip.
	if err := backoff.RetryNotify(roundTripOp, backOffClient, notifyFunc); err == nil || err == clientErr {
		return resp, nil
	} else if err == serverErr {
		sklog.Warningf("Final attempt got server error status code %d in spite of exponential backoff while making the HTTP %s request to %s", resp.StatusCode, req.Method, req.URL)
		return resp, nil
	} else {
		sklog.Warningf("Final attempt failed in spite of exponential backoff for HTTP %s request to %s: %s", req.Method, req.URL, err)
		return nil, err
	}
}

// ReadAndClose reads the content of a ReadCloser (e.g. http Response), and
// returns it as a string. If the response was nil or there was a problem, it
// will return empty string.
func ReadAndClose(r io.ReadCloser) string {
	if r == nil {
		return ""
	}
	defer func() {
		_ = r.Close()
	}()
	b, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		sklog.Debugf("Problem reading response body: %s", err)
	}
	return string(b)
}

// ReadyHandleFunc can be used to set up a ready-handler used to check
// whether a service is ready. Simply returns 'ready'.
func ReadyHandleFunc(w http.ResponseWriter, r *http.Request) {
	if _, err := w.Write([]byte("ready")); err != nil {
		sklog.Errorf("Failed to write response: %s", err)
	}
}
