package orthanc

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	contentTypeDICOM = "application/dicom"
	contentTypeJSON  = "application/json"

	instrumentationName = "github.com/ewag/orthanc-client/internal/orthanc"

	// error bodies are small JSON documents; never buffer more than this
	maxErrorBody = 64 * 1024

	maxRetryDelay = time.Minute
)

// RetryPolicy controls how transient failures are retried. Retry n
// (1-based) waits Backoff * 2^(n-1), at most a minute, before being sent.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy retries 3 times after 0.2s, 0.4s and 0.8s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Backoff: 200 * time.Millisecond}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.Backoff
	for i := 1; i < retry && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// Client manages communication with the Orthanc API
type Client struct {
	BaseURL    string
	httpClient *http.Client

	header          http.Header
	user, password  string
	retry           RetryPolicy
	pollingInterval time.Duration

	requests metric.Int64Counter
	retries  metric.Int64Counter

	Patients   *Patients
	Studies    *Studies
	Series     *SeriesList
	Instances  *Instances
	Jobs       *Jobs
	Transfers  *Transfers
	Modalities *Modalities
	Peers      *Peers
	DicomWeb   *DicomWebServers
}

// ClientOption customises a Client at construction time.
type ClientOption func(*Client)

// WithBasicAuth sends HTTP basic credentials on every request.
func WithBasicAuth(user, password string) ClientOption {
	return func(c *Client) {
		c.user, c.password = user, password
	}
}

// WithAPIToken sends an Authorization header; a bare token gets the Bearer prefix.
func WithAPIToken(token string) ClientOption {
	return func(c *Client) {
		if token == "" {
			return
		}
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		c.header.Set("Authorization", token)
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Add(key, value) }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithPollingInterval sets the default interval between job status checks.
func WithPollingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollingInterval = d
		}
	}
}

// NewClient creates a new Orthanc API client with a default HTTP client
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	return NewClientWithHttpClient(baseURL, &http.Client{Timeout: timeout}, opts...)
}

// NewClientWithHttpClient creates a new Orthanc API client with a specific *http.Client
// This allows passing an instrumented client.
func NewClientWithHttpClient(baseURL string, client *http.Client, opts ...ClientOption) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      client,
		header:          http.Header{},
		retry:           DefaultRetryPolicy,
		pollingInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if c.requests, err = meter.Int64Counter("orthanc.client.requests",
		metric.WithDescription("HTTP requests sent to Orthanc, retries included")); err != nil {
		slog.Warn("Failed to create orthanc request counter", "error", err)
	}
	if c.retries, err = meter.Int64Counter("orthanc.client.retries",
		metric.WithDescription("Requests to Orthanc retried after a transient failure")); err != nil {
		slog.Warn("Failed to create orthanc retry counter", "error", err)
	}

	c.Patients = &Patients{newResources[PatientInfo](c, LevelPatient)}
	c.Studies = &Studies{newResources[StudyInfo](c, LevelStudy)}
	c.Series = &SeriesList{newResources[SeriesInfo](c, LevelSeries)}
	c.Instances = &Instances{newResources[InstanceInfo](c, LevelInstance)}
	c.Jobs = &Jobs{client: c}
	c.Transfers = &Transfers{client: c}
	c.Modalities = &Modalities{client: c}
	c.Peers = &Peers{client: c}
	c.DicomWeb = &DicomWebServers{client: c}
	return c
}

// Response is a fully read 2xx answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// JSON decodes the body into out.
func (r *Response) JSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.URL, err)
	}
	return nil
}

func (c *Client) url(path string) string {
	return c.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// Do sends a request and reads the whole answer. Connection and timeout
// failures as well as 502/503 answers are retried according to the client's
// RetryPolicy. A body cut short after a 2xx status is retried only for
// idempotent methods, never for POST. Any other non-2xx answer is returned
// as *HTTPError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	var out *Response
	err := c.roundTrip(ctx, method, path, body, header, func(resp *http.Response, target string) error {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &readError{err: err}
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, URL: target}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stream copies a 2xx answer body to w. Failures after the first byte was
// written are not retried.
func (c *Client) stream(ctx context.Context, method, path string, body []byte, header http.Header, w io.Writer) (int64, error) {
	var written int64
	err := c.roundTrip(ctx, method, path, body, header, func(resp *http.Response, target string) error {
		cw := &countingWriter{w: w}
		_, err := io.Copy(cw, resp.Body)
		written = cw.n
		if err != nil {
			if cw.n == 0 {
				return &readError{err: err}
			}
			return &TransportError{Method: method, URL: target, Attempts: 1, Err: err, kind: classifyRead(ctx, err)}
		}
		return nil
	})
	return written, err
}

type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, header http.Header, consume func(*http.Response, string) error) error {
	target := c.url(path)
	methodAttr := metric.WithAttributes(attribute.String("http.request.method", method))

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			wait := c.retry.delay(attempt - 1)
			if c.retries != nil {
				c.retries.Add(ctx, 1, methodAttr)
			}
			select {
			case <-ctx.Done():
				return &TransportError{Method: method, URL: target, Attempts: attempt - 1, Err: ctx.Err(), kind: classify(ctx, ctx.Err())}
			case <-time.After(wait):
			}
		}
		canRetry := attempt <= c.retry.MaxRetries

		req, err := c.newRequest(ctx, method, target, body, header)
		if err != nil {
			return fmt.Errorf("failed to create request to %s: %w", target, err)
		}
		if c.requests != nil {
			c.requests.Add(ctx, 1, methodAttr)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			kind := classify(ctx, err)
			if canRetry && ctx.Err() == nil {
				slog.WarnContext(ctx, "Orthanc request failed, retrying", "method", method, "url", target, "attempt", attempt, "error", err)
				continue
			}
			slog.ErrorContext(ctx, "Orthanc client failed to execute request", "method", method, "url", target, "attempt", attempt, "error", err)
			return &TransportError{Method: method, URL: target, Attempts: attempt, Err: err, kind: kind}
		}

		logAttrs := []any{"method", method, "url", target, "statusCode", resp.StatusCode}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			transient := resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable
			if transient && canRetry && ctx.Err() == nil {
				slog.WarnContext(ctx, "Orthanc unavailable, retrying", append(logAttrs, "attempt", attempt)...)
				continue
			}
			logAttrs = append(logAttrs, "responseBody", string(bodyBytes))
			if resp.StatusCode == http.StatusNotFound {
				slog.DebugContext(ctx, "Orthanc resource not found", logAttrs...)
			} else {
				slog.ErrorContext(ctx, "Orthanc returned non-OK status", logAttrs...)
			}
			return newHTTPError(method, target, resp.StatusCode, bodyBytes)
		}

		err = consume(resp, target)
		resp.Body.Close()
		var re *readError
		if errors.As(err, &re) {
			if canRetry && idempotent(method) && ctx.Err() == nil {
				slog.WarnContext(ctx, "Failed reading Orthanc response, retrying", append(logAttrs, "attempt", attempt, "error", re.err)...)
				continue
			}
			slog.ErrorContext(ctx, "Failed reading Orthanc response", append(logAttrs, "attempt", attempt, "error", re.err)...)
			return &TransportError{Method: method, URL: target, Attempts: attempt, Err: re.err, kind: classifyRead(ctx, re.err)}
		}
		if err != nil {
			return err
		}
		slog.DebugContext(ctx, "Orthanc request succeeded", logAttrs...)
		return nil
	}
}

func (c *Client) newRequest(ctx context.Context, method, target string, body []byte, header http.Header) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	return req, nil
}

// classify maps a transport failure to ErrTimeout, ErrSSL or ErrConnection.
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrTimeout
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &recordErr), errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr), errors.As(err, &invalidCert):
		return ErrSSL
	}
	return ErrConnection
}

// classifyRead labels a failure reading an answer body: ErrTimeout or
// ErrResponseRead.
func classifyRead(ctx context.Context, err error) error {
	if kind := classify(ctx, err); kind == ErrTimeout {
		return kind
	}
	return ErrResponseRead
}

// idempotent reports whether a request may be re-sent after Orthanc answered.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return resp.JSON(out)
}

// postJSON marshals in as the request body and decodes the answer into out
// when out is not nil.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", path, err)
	}
	resp, err := c.Do(ctx, http.MethodPost, path, body, jsonHeader())
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.JSON(out)
}

func (c *Client) put(ctx context.Context, path string, body []byte, header http.Header) (*Response, error) {
	if body == nil {
		body = []byte{}
	}
	return c.Do(ctx, http.MethodPut, path, body, header)
}

func (c *Client) delete(ctx context.Context, path string) error {
	_, err := c.Do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// streamJSON posts in and copies the binary answer to w.
func (c *Client) streamJSON(ctx context.Context, path string, in any, w io.Writer) (int64, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request for %s: %w", path, err)
	}
	return c.stream(ctx, http.MethodPost, path, body, jsonHeader(), w)
}

func jsonHeader() http.Header { return http.Header{"Content-Type": {contentTypeJSON}} }

func (c *Client) String() string { return c.BaseURL }
