package orthanc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BulkOperation names the tools/bulk-* endpoint.
type BulkOperation string

const (
	BulkModify    BulkOperation = "modify"
	BulkAnonymize BulkOperation = "anonymize"
)

// BulkResult holds the resources produced by a bulk job, split by level.
type BulkResult struct {
	Instances []string
	Series    []string
	Studies   []string
	Patients  []string
}

type bulkRequest struct {
	Level        Level          `json:"Level"`
	Resources    []string       `json:"Resources"`
	Replace      map[string]any `json:"Replace,omitempty"`
	Remove       []string       `json:"Remove,omitempty"`
	Keep         []string       `json:"Keep,omitempty"`
	Force        bool           `json:"Force"`
	Asynchronous bool           `json:"Asynchronous"`
	KeepSource   bool           `json:"KeepSource"`
	Transcode    string         `json:"Transcode,omitempty"`
	Permissive   bool           `json:"Permissive"`
}

type bulkJobContent struct {
	Resources *[]ResourceRef `json:"Resources"`
}

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// BulkAsync submits a bulk modification or anonymization of ids at level
// and returns the job handle without waiting.
func (c *Client) BulkAsync(ctx context.Context, op BulkOperation, level Level, ids []string, opts ModifyOptions) (*Job, error) {
	req := bulkRequest{
		Level:        level,
		Resources:    ids,
		Replace:      opts.Replace,
		Remove:       opts.Remove,
		Keep:         opts.Keep,
		Force:        opts.Force,
		Asynchronous: true,
		KeepSource:   !opts.DeleteOriginal,
		Transcode:    opts.Transcode,
		Permissive:   opts.Permissive,
	}
	if req.Resources == nil {
		req.Resources = []string{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bulk-%s request: %w", op, err)
	}
	resp, err := c.Do(ctx, http.MethodPost, "tools/bulk-"+string(op), body, jsonHeader())
	if err != nil {
		return nil, fmt.Errorf("error in bulk-%s: %w", op, err)
	}
	var out struct {
		ID string `json:"ID"`
	}
	if err := resp.JSON(&out); err != nil || out.ID == "" {
		he := newHTTPError(http.MethodPost, resp.URL, resp.StatusCode, resp.Body)
		he.Message = fmt.Sprintf("bulk-%s answer carries no job id", op)
		return nil, he
	}
	slog.DebugContext(ctx, "Submitted bulk job", "operation", string(op), "level", level.String(), "jobID", out.ID, "resourceCount", len(ids))
	return c.Jobs.Get(out.ID), nil
}

// Bulk submits the job, waits for it and partitions the resulting resources
// by level. A job that does not succeed, or succeeds without a result list,
// fails with *JobError.
func (c *Client) Bulk(ctx context.Context, op BulkOperation, level Level, ids []string, opts ModifyOptions) (BulkResult, error) {
	ctx, span := tracer().Start(ctx, "orthanc.bulk-"+string(op), trace.WithAttributes(
		attribute.String("orthanc.level", level.String()),
		attribute.Int("orthanc.resource_count", len(ids)),
	))
	defer span.End()

	res, err := c.bulk(ctx, op, level, ids, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Client) bulk(ctx context.Context, op BulkOperation, level Level, ids []string, opts ModifyOptions) (BulkResult, error) {
	job, err := c.BulkAsync(ctx, op, level, ids, opts)
	if err != nil {
		return BulkResult{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("orthanc.job_id", job.ID))

	if _, err := job.WaitCompleted(ctx, 0, 0); err != nil {
		return BulkResult{}, fmt.Errorf("waiting for bulk-%s job %s: %w", op, job.ID, err)
	}
	info, err := job.Info(ctx)
	if err != nil {
		return BulkResult{}, err
	}

	jobErr := &JobError{JobID: job.ID, Operation: string(op), Level: level, State: info.State, Content: info.Content}
	if info.State != JobSuccess {
		return BulkResult{}, jobErr
	}
	var content bulkJobContent
	if err := info.DecodeContent(&content); err != nil || content.Resources == nil {
		return BulkResult{}, jobErr
	}
	return partition(*content.Resources), nil
}

func partition(refs []ResourceRef) BulkResult {
	var res BulkResult
	for _, r := range refs {
		switch r.Type {
		case LevelInstance.String():
			res.Instances = append(res.Instances, r.ID)
		case LevelSeries.String():
			res.Series = append(res.Series, r.ID)
		case LevelStudy.String():
			res.Studies = append(res.Studies, r.ID)
		case LevelPatient.String():
			res.Patients = append(res.Patients, r.ID)
		}
	}
	return res
}

// BulkDelete deletes exactly ids, whatever their level.
func (c *Client) BulkDelete(ctx context.Context, ids []string) error {
	if err := c.postJSON(ctx, "tools/bulk-delete", map[string][]string{"Resources": ids}, nil); err != nil {
		return fmt.Errorf("failed to bulk delete %d resources: %w", len(ids), err)
	}
	return nil
}

func (r *Resources[T]) ModifyBulkAsync(ctx context.Context, ids []string, opts ModifyOptions) (*Job, error) {
	return r.client.BulkAsync(ctx, BulkModify, r.level, ids, opts)
}

func (r *Resources[T]) AnonymizeBulkAsync(ctx context.Context, ids []string, opts ModifyOptions) (*Job, error) {
	return r.client.BulkAsync(ctx, BulkAnonymize, r.level, ids, opts)
}

// ModifyBulk modifies ids at this level and waits for the result.
func (r *Resources[T]) ModifyBulk(ctx context.Context, ids []string, opts ModifyOptions) (BulkResult, error) {
	return r.client.Bulk(ctx, BulkModify, r.level, ids, opts)
}

// AnonymizeBulk anonymizes ids at this level and waits for the result.
func (r *Resources[T]) AnonymizeBulk(ctx context.Context, ids []string, opts ModifyOptions) (BulkResult, error) {
	return r.client.Bulk(ctx, BulkAnonymize, r.level, ids, opts)
}
