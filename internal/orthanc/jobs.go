package orthanc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type JobType string

const (
	JobTypeDicomWebStowClient   JobType = "DicomWebStowClient"
	JobTypeDicomMoveScu         JobType = "DicomMoveScu"
	JobTypeDicomModalityStore   JobType = "DicomModalityStore"
	JobTypeMedia                JobType = "Media"
	JobTypeArchive              JobType = "Archive"
	JobTypeMergeStudy           JobType = "MergeStudy"
	JobTypeSplitStudy           JobType = "SplitStudy"
	JobTypeOrthancPeerStore     JobType = "OrthancPeerStore"
	JobTypeResourceModification JobType = "ResourceModification"
	JobTypeStorageCommitmentScp JobType = "StorageCommitmentScp"
	JobTypePushTransfer         JobType = "PushTransfer"
	JobTypePullTransfer         JobType = "PullTransfer"
)

// JobState follows Pending -> Running -> Success|Failure. Paused and Retry
// are side states that return to Running.
type JobState string

const (
	JobPending JobState = "Pending"
	JobRunning JobState = "Running"
	JobSuccess JobState = "Success"
	JobFailure JobState = "Failure"
	JobPaused  JobState = "Paused"
	JobRetry   JobState = "Retry"
)

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool { return s == JobSuccess || s == JobFailure }

// JobInfo is GET /jobs/{id}.
type JobInfo struct {
	ID               string          `json:"ID"`
	State            JobState        `json:"State"`
	Type             JobType         `json:"Type"`
	Content          json.RawMessage `json:"Content"`
	Progress         int             `json:"Progress"`
	Priority         int             `json:"Priority"`
	ErrorCode        int             `json:"ErrorCode"`
	ErrorDescription string          `json:"ErrorDescription"`
	ErrorDetails     string          `json:"ErrorDetails,omitempty"`
	DimseErrorStatus *int            `json:"DimseErrorStatus,omitempty"`
	CreationTime     string          `json:"CreationTime"`
	CompletionTime   string          `json:"CompletionTime,omitempty"`
}

// DecodeContent unmarshals the type-specific Content payload.
func (i JobInfo) DecodeContent(out any) error {
	if len(i.Content) == 0 {
		return fmt.Errorf("job %s has no content", i.ID)
	}
	return json.Unmarshal(i.Content, out)
}

// Jobs is the /jobs directory.
type Jobs struct {
	client *Client
}

// Get returns a handle on an existing job. Nothing is fetched yet.
func (j *Jobs) Get(id string) *Job {
	return &Job{client: j.client, ID: id}
}

// List returns the ids of the jobs Orthanc remembers.
func (j *Jobs) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := j.client.getJSON(ctx, "jobs", &ids)
	return ids, err
}

// Job is a handle on a server-side asynchronous job. Its status is fetched
// lazily and only changes on Refresh.
type Job struct {
	ID string

	client *Client
	mu     sync.Mutex
	info   *JobInfo
}

// Info returns the last fetched status, fetching it on first use.
func (j *Job) Info(ctx context.Context) (JobInfo, error) {
	j.mu.Lock()
	cached := j.info
	j.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	return j.Refresh(ctx)
}

// Refresh re-fetches the job status.
func (j *Job) Refresh(ctx context.Context) (JobInfo, error) {
	var info JobInfo
	if err := j.client.getJSON(ctx, "jobs/"+url.PathEscape(j.ID), &info); err != nil {
		return JobInfo{}, fmt.Errorf("failed to get job %s: %w", j.ID, err)
	}
	j.mu.Lock()
	j.info = &info
	j.mu.Unlock()
	return info, nil
}

// IsComplete refreshes and reports whether the job reached Success or Failure.
func (j *Job) IsComplete(ctx context.Context) (bool, error) {
	info, err := j.Refresh(ctx)
	if err != nil {
		return false, err
	}
	return info.State.Terminal(), nil
}

// WaitCompleted polls every pollingInterval until the job completes. It
// returns false once timeout elapses; a zero timeout waits until ctx is done.
// A zero pollingInterval uses the client default.
func (j *Job) WaitCompleted(ctx context.Context, timeout, pollingInterval time.Duration) (bool, error) {
	if pollingInterval <= 0 {
		pollingInterval = j.client.pollingInterval
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		done, err := j.IsComplete(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			slog.DebugContext(ctx, "Timed out waiting for job", "jobID", j.ID, "timeout", timeout)
			return false, nil
		case <-ticker.C:
		}
	}
}

func (j *Job) action(ctx context.Context, name string) error {
	if _, err := j.client.Do(ctx, http.MethodPost, "jobs/"+url.PathEscape(j.ID)+"/"+name, []byte("{}"), nil); err != nil {
		return fmt.Errorf("failed to %s job %s: %w", name, j.ID, err)
	}
	return nil
}

// Cancel asks Orthanc to cancel the job. The local status is unchanged
// until the next Refresh.
func (j *Job) Cancel(ctx context.Context) error   { return j.action(ctx, "cancel") }
func (j *Job) Pause(ctx context.Context) error    { return j.action(ctx, "pause") }
func (j *Job) Resume(ctx context.Context) error   { return j.action(ctx, "resume") }
func (j *Job) Resubmit(ctx context.Context) error { return j.action(ctx, "resubmit") }

// Action runs one of cancel, pause, resume or resubmit by name.
func (j *Job) Action(ctx context.Context, name string) error {
	switch name {
	case "cancel", "pause", "resume", "resubmit":
		return j.action(ctx, name)
	default:
		return fmt.Errorf("unknown job action %q", name)
	}
}
