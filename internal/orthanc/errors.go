package orthanc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. Match them with errors.Is; use errors.As with *HTTPError,
// *TransportError or *JobError to get the URL and server details.
var (
	ErrConnection            = errors.New("could not connect to orthanc")
	ErrTimeout               = errors.New("orthanc took too long to respond")
	ErrSSL                   = errors.New("tls failure talking to orthanc")
	ErrResponseRead          = errors.New("orthanc answer was cut short")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrForbidden             = errors.New("forbidden")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrConflict              = errors.New("conflict")
	ErrBadFileFormat         = errors.New("bad file format")
	ErrTooManyResourcesFound = errors.New("too many resources found with the same id")
	ErrJobFailed             = errors.New("job failed")

	ErrSnapshotMismatch = errors.New("modified resources do not match the snapshot")
	ErrSetDeleted       = errors.New("instances set was deleted")
)

// orthancStatusBadFileFormat is the OrthancStatus reported in a 400 body
// when an uploaded buffer is not DICOM.
const orthancStatusBadFileFormat = 15

// HTTPError is a non-2xx answer from Orthanc.
type HTTPError struct {
	StatusCode    int
	Method        string
	URL           string
	Message       string
	Details       string
	OrthancStatus int
	Body          []byte

	kind error
}

func (e *HTTPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "orthanc http %d on %s %s", e.StatusCode, e.Method, e.URL)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Details != "" {
		fmt.Fprintf(&b, " (%s)", e.Details)
	}
	return b.String()
}

// Unwrap exposes the sentinel kind (ErrResourceNotFound, ErrConflict, ...).
func (e *HTTPError) Unwrap() error { return e.kind }

// errorBody is the JSON shape Orthanc uses to describe failures.
type errorBody struct {
	Message       string `json:"Message"`
	Details       string `json:"Details"`
	OrthancStatus int    `json:"OrthancStatus"`
	HTTPError     string `json:"HttpError"`
}

func newHTTPError(method, url string, statusCode int, body []byte) *HTTPError {
	e := &HTTPError{
		StatusCode: statusCode,
		Method:     method,
		URL:        url,
		Body:       body,
	}
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Message = eb.Message
		e.Details = eb.Details
		e.OrthancStatus = eb.OrthancStatus
	}
	if e.Message == "" {
		e.Message = http.StatusText(statusCode)
	}

	switch statusCode {
	case http.StatusUnauthorized:
		e.kind = ErrNotAuthorized
	case http.StatusForbidden:
		e.kind = ErrForbidden
	case http.StatusNotFound:
		e.kind = ErrResourceNotFound
	case http.StatusConflict:
		e.kind = ErrConflict
	}
	return e
}

// asBadFileFormat re-labels a 400 upload failure when Orthanc says the
// buffer is not a DICOM file. Other errors are returned unchanged.
func asBadFileFormat(err error) error {
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusBadRequest && he.OrthancStatus == orthancStatusBadFileFormat {
		he.kind = ErrBadFileFormat
	}
	return err
}

// TransportError is a failure that happened before an HTTP answer was
// fully read.
type TransportError struct {
	Method   string
	URL      string
	Attempts int
	Err      error

	kind error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v: %v", e.Method, e.URL, e.Attempts, e.kind, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{e.kind, e.Err} }

// JobError reports a bulk operation whose job did not succeed.
type JobError struct {
	JobID     string
	Operation string
	Level     Level
	State     JobState
	Content   json.RawMessage
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s of %s resources failed, job %s ended in state %q: %s",
		e.Operation, e.Level, e.JobID, e.State, string(e.Content))
}

func (e *JobError) Unwrap() error { return ErrJobFailed }

// IsNotFound is a shorthand used by callers that only care about absence.
func IsNotFound(err error) bool { return errors.Is(err, ErrResourceNotFound) }
