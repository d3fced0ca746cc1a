package orthanc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// RemoteJob is a pull transfer started on the remote peer; it cannot be
// polled through this client.
type RemoteJob struct {
	ID  string
	URL string
}

// TransferResult is either a local Job (push) or a RemoteJob (pull).
type TransferResult struct {
	Job       *Job
	RemoteJob *RemoteJob
}

// Transfers drives the transfers accelerator plugin.
type Transfers struct {
	client *Client
}

type transferResource struct {
	Level Level  `json:"Level"`
	ID    string `json:"ID"`
}

// SendAsync sends resources of the given level to peer through the
// transfers plugin.
func (t *Transfers) SendAsync(ctx context.Context, peer string, level Level, ids []string, compress bool) (TransferResult, error) {
	resources := make([]transferResource, 0, len(ids))
	for _, id := range ids {
		resources = append(resources, transferResource{Level: level, ID: id})
	}
	compression := "none"
	if compress {
		compression = "gzip"
	}
	req := map[string]any{
		"Resources":   resources,
		"Compression": compression,
		"Peer":        peer,
	}
	var out struct {
		ID        string `json:"ID"`
		RemoteJob string `json:"RemoteJob"`
		URL       string `json:"URL"`
	}
	if err := t.client.postJSON(ctx, "transfers/send", req, &out); err != nil {
		return TransferResult{}, fmt.Errorf("error while sending through transfers plugin: %w", err)
	}
	switch {
	case out.RemoteJob != "":
		return TransferResult{RemoteJob: &RemoteJob{ID: out.RemoteJob, URL: out.URL}}, nil
	case out.ID != "":
		return TransferResult{Job: t.client.Jobs.Get(out.ID)}, nil
	default:
		return TransferResult{}, fmt.Errorf("transfers plugin answer carries no job id")
	}
}

// Send pushes resources to peer and waits for the transfer job. Pull
// transfers are rejected; use SendAsync for those.
func (t *Transfers) Send(ctx context.Context, peer string, level Level, ids []string, compress bool, pollingInterval time.Duration) error {
	res, err := t.SendAsync(ctx, peer, level, ids, compress)
	if err != nil {
		return err
	}
	if res.Job == nil {
		return errors.New("pull transfers are not supported by Send, use SendAsync")
	}
	return waitSucceeded(ctx, res.Job, "transfer", level, pollingInterval)
}

// waitSucceeded waits for job and turns anything but Success into *JobError.
func waitSucceeded(ctx context.Context, job *Job, operation string, level Level, pollingInterval time.Duration) error {
	if _, err := job.WaitCompleted(ctx, 0, pollingInterval); err != nil {
		return err
	}
	info, err := job.Info(ctx)
	if err != nil {
		return err
	}
	if info.State != JobSuccess {
		return &JobError{JobID: job.ID, Operation: operation, Level: level, State: info.State, Content: info.Content}
	}
	return nil
}

// startJob posts req to path and returns the job Orthanc answers with.
func (c *Client) startJob(ctx context.Context, path string, req any, what string) (*Job, error) {
	var out struct {
		ID string `json:"ID"`
	}
	if err := c.postJSON(ctx, path, req, &out); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%s answer carries no job id", what)
	}
	return c.Jobs.Get(out.ID), nil
}

// Peers sends resources to other Orthanc servers declared as peers.
type Peers struct {
	client *Client
}

func (p *Peers) List(ctx context.Context) ([]string, error) {
	var names []string
	err := p.client.getJSON(ctx, "peers", &names)
	return names, err
}

// StoreAsync starts an OrthancPeerStore job sending ids to peer.
func (p *Peers) StoreAsync(ctx context.Context, peer string, ids []string) (*Job, error) {
	return p.client.startJob(ctx, "peers/"+url.PathEscape(peer)+"/store",
		map[string]any{"Resources": ids, "Synchronous": false, "Asynchronous": true},
		"store to peer "+peer)
}

func (p *Peers) Store(ctx context.Context, peer string, ids []string) error {
	job, err := p.StoreAsync(ctx, peer, ids)
	if err != nil {
		return err
	}
	return waitSucceeded(ctx, job, "peer store", LevelInstance, 0)
}

// DicomWebServers sends resources to remote DICOMweb servers with STOW-RS.
type DicomWebServers struct {
	client *Client
}

func (d *DicomWebServers) List(ctx context.Context) ([]string, error) {
	var names []string
	err := d.client.getJSON(ctx, "dicom-web/servers", &names)
	return names, err
}

// StowAsync starts a DicomWebStowClient job sending ids to server.
func (d *DicomWebServers) StowAsync(ctx context.Context, server string, ids []string) (*Job, error) {
	return d.client.startJob(ctx, "dicom-web/servers/"+url.PathEscape(server)+"/stow",
		map[string]any{"Resources": ids, "Synchronous": false},
		"stow to dicomweb server "+server)
}

func (d *DicomWebServers) Stow(ctx context.Context, server string, ids []string) error {
	job, err := d.StowAsync(ctx, server, ids)
	if err != nil {
		return err
	}
	return waitSucceeded(ctx, job, "stow", LevelInstance, 0)
}
