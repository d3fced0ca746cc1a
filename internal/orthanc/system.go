package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// SystemInfo is GET /system.
type SystemInfo struct {
	Name            string `json:"Name"`
	Version         string `json:"Version"`
	APIVersion      int    `json:"ApiVersion"`
	DicomAet        string `json:"DicomAet"`
	DicomPort       int    `json:"DicomPort"`
	DatabaseVersion int    `json:"DatabaseVersion"`
	HasLabels       bool   `json:"HasLabels"`
	CheckRevisions  bool   `json:"CheckRevisions"`
	Capabilities    struct {
		HasExtendedFind    bool `json:"HasExtendedFind"`
		HasExtendedChanges bool `json:"HasExtendedChanges"`
	} `json:"Capabilities"`
}

// SystemStatistics is GET /statistics.
type SystemStatistics struct {
	CountPatients           int    `json:"CountPatients"`
	CountStudies            int    `json:"CountStudies"`
	CountSeries             int    `json:"CountSeries"`
	CountInstances          int    `json:"CountInstances"`
	TotalDiskSize           string `json:"TotalDiskSize"`
	TotalDiskSizeMB         int64  `json:"TotalDiskSizeMB"`
	TotalUncompressedSize   string `json:"TotalUncompressedSize"`
	TotalUncompressedSizeMB int64  `json:"TotalUncompressedSizeMB"`
}

func (c *Client) System(ctx context.Context) (SystemInfo, error) {
	var info SystemInfo
	err := c.getJSON(ctx, "system", &info)
	return info, err
}

// IsAlive reports whether Orthanc answers GET /system within timeout.
// Retries are not attempted.
func (c *Client) IsAlive(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	probe := *c
	probe.retry = RetryPolicy{}
	_, err := probe.Do(ctx, http.MethodGet, "system", nil, nil)
	return err == nil
}

// WaitStarted polls IsAlive until Orthanc answers or timeout elapses.
func (c *Client) WaitStarted(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.IsAlive(ctx, time.Second) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.pollingInterval):
		}
	}
}

func (c *Client) Statistics(ctx context.Context) (SystemStatistics, error) {
	var st SystemStatistics
	err := c.getJSON(ctx, "statistics", &st)
	return st, err
}

// AllLabels lists the labels used anywhere in Orthanc.
func (c *Client) AllLabels(ctx context.Context) ([]string, error) {
	var labels []string
	err := c.getJSON(ctx, "tools/labels", &labels)
	return labels, err
}

// Lookup searches the whole archive for needle (a DICOM UID, PatientID,
// AccessionNumber...). With levels given only those resource types are
// returned.
func (c *Client) Lookup(ctx context.Context, needle string, levels ...Level) ([]ResourceRef, error) {
	resp, err := c.Do(ctx, http.MethodPost, "tools/lookup", []byte(needle), http.Header{"Content-Type": {"text/plain"}})
	if err != nil {
		return nil, fmt.Errorf("lookup of %q failed: %w", needle, err)
	}
	var refs []ResourceRef
	if err := resp.JSON(&refs); err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return refs, nil
	}
	out := refs[:0]
	for _, r := range refs {
		for _, l := range levels {
			if r.Type == l.String() {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

type ChangeType string

const (
	ChangeNewInstance   ChangeType = "NewInstance"
	ChangeNewSeries     ChangeType = "NewSeries"
	ChangeNewStudy      ChangeType = "NewStudy"
	ChangeNewPatient    ChangeType = "NewPatient"
	ChangeStableSeries  ChangeType = "StableSeries"
	ChangeStableStudy   ChangeType = "StableStudy"
	ChangeStablePatient ChangeType = "StablePatient"
)

// Change is one entry of the /changes feed.
type Change struct {
	Seq          int64
	ChangeType   ChangeType
	ResourceType string
	ResourceID   string
	Timestamp    time.Time
}

func (c Change) String() string {
	return fmt.Sprintf("[%09d] %s: %s - %s", c.Seq, c.Timestamp.Format(time.RFC3339), c.ChangeType, c.ResourceID)
}

type rawChange struct {
	Seq          int64      `json:"Seq"`
	ChangeType   ChangeType `json:"ChangeType"`
	ResourceType string     `json:"ResourceType"`
	ID           string     `json:"ID"`
	Date         string     `json:"Date"`
}

const changeDateLayout = "20060102T150405"

// Changes reads the change feed after sequence since. It returns the
// changes, the last sequence number and whether the feed is exhausted.
// Zero since or limit leave the server defaults.
func (c *Client) Changes(ctx context.Context, since int64, limit int) ([]Change, int64, bool, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "changes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var body struct {
		Changes []rawChange `json:"Changes"`
		Done    bool        `json:"Done"`
		Last    int64       `json:"Last"`
	}
	if err := c.getJSON(ctx, path, &body); err != nil {
		return nil, 0, false, err
	}
	changes := make([]Change, 0, len(body.Changes))
	for _, rc := range body.Changes {
		ts, err := time.Parse(changeDateLayout, rc.Date)
		if err != nil {
			return nil, 0, false, fmt.Errorf("change %d has invalid date %q: %w", rc.Seq, rc.Date, err)
		}
		changes = append(changes, Change{
			Seq:          rc.Seq,
			ChangeType:   rc.ChangeType,
			ResourceType: rc.ResourceType,
			ResourceID:   rc.ID,
			Timestamp:    ts,
		})
	}
	return changes, body.Last, body.Done, nil
}

// Upload stores a DICOM file or a zip of DICOM files and returns the ids
// of the stored instances. A buffer Orthanc cannot parse fails with
// ErrBadFileFormat. With ignoreErrors, bad files and concurrent duplicate
// uploads (409) yield an empty result instead.
func (c *Client) Upload(ctx context.Context, buffer []byte, ignoreErrors bool) ([]string, error) {
	resp, err := c.Do(ctx, http.MethodPost, "instances", buffer, http.Header{"Content-Type": {contentTypeDICOM}})
	if err != nil {
		err = asBadFileFormat(err)
		if ignoreErrors && (errors.Is(err, ErrConflict) || errors.Is(err, ErrBadFileFormat)) {
			slog.WarnContext(ctx, "Ignoring upload failure", "error", err)
			return nil, nil
		}
		return nil, err
	}

	// a single file yields an object, a zip yields a list
	var many []ResourceRef
	if err := json.Unmarshal(resp.Body, &many); err == nil {
		ids := make([]string, 0, len(many))
		for _, r := range many {
			ids = append(ids, r.ID)
		}
		return ids, nil
	}
	var one ResourceRef
	if err := resp.JSON(&one); err != nil {
		return nil, err
	}
	return []string{one.ID}, nil
}

// UploadFile uploads a file from disk.
func (c *Client) UploadFile(ctx context.Context, path string, ignoreErrors bool) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	slog.InfoContext(ctx, "Uploading file", "path", path, "size", len(data))
	return c.Upload(ctx, data, ignoreErrors)
}
