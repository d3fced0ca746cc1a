package orthanc

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SeriesGroup is the captured instance list of one series.
type SeriesGroup struct {
	SeriesID    string   `json:"seriesId"`
	InstanceIDs []string `json:"instanceIds"`
}

// InstancesSet is a snapshot of the instances of a study taken at one
// instant. Its operations act on the captured ids only, so instances
// received after the snapshot are never deleted or modified by it.
//
// An InstancesSet is not safe for concurrent use.
type InstancesSet struct {
	client *Client

	studyID     string
	seriesOrder []string
	bySeries    map[string][]string
	instances   []string
	computedID  string
	deleted     bool
}

// NewInstancesSet returns an empty set. studyID may be empty; it is then
// taken from the first series added.
func NewInstancesSet(c *Client, studyID string) *InstancesSet {
	return &InstancesSet{client: c, studyID: studyID, bySeries: map[string][]string{}}
}

// SnapshotStudy captures every instance of every series of the study.
func SnapshotStudy(ctx context.Context, c *Client, studyID string) (*InstancesSet, error) {
	study, err := c.Studies.Get(ctx, studyID)
	if err != nil {
		return nil, err
	}
	s := NewInstancesSet(c, study.ID)
	for _, seriesID := range study.Series {
		if err := s.AddSeries(ctx, seriesID); err != nil {
			return nil, err
		}
	}
	slog.DebugContext(ctx, "Captured study snapshot", "studyID", studyID, "setID", s.ID(),
		"seriesCount", len(s.seriesOrder), "instanceCount", len(s.instances))
	return s, nil
}

// SnapshotSeries captures the instances of one series.
func SnapshotSeries(ctx context.Context, c *Client, seriesID string) (*InstancesSet, error) {
	s := NewInstancesSet(c, "")
	if err := s.AddSeries(ctx, seriesID); err != nil {
		return nil, err
	}
	return s, nil
}

// SnapshotInstance builds a set holding a single instance.
func SnapshotInstance(ctx context.Context, c *Client, instanceID string) (*InstancesSet, error) {
	inst, err := c.Instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	studyID, err := c.Series.ParentStudy(ctx, inst.ParentSeries)
	if err != nil {
		return nil, err
	}
	s := NewInstancesSet(c, studyID)
	s.addSeries(inst.ParentSeries, []string{inst.ID})
	return s, nil
}

// RestoreInstancesSet rebuilds a set from previously captured groups
// without querying Orthanc.
func RestoreInstancesSet(c *Client, studyID string, groups []SeriesGroup) *InstancesSet {
	s := NewInstancesSet(c, studyID)
	for _, g := range groups {
		s.addSeries(g.SeriesID, g.InstanceIDs)
	}
	return s
}

// AddSeries captures the current instances of seriesID. The series must
// belong to the set's study and must not already be in the set.
func (s *InstancesSet) AddSeries(ctx context.Context, seriesID string) error {
	if _, ok := s.bySeries[seriesID]; ok {
		return fmt.Errorf("series %s is already in set %s", seriesID, s.ID())
	}
	info, err := s.client.Series.Get(ctx, seriesID)
	if err != nil {
		return err
	}
	if s.studyID == "" {
		s.studyID = info.ParentStudy
	} else if info.ParentStudy != "" && info.ParentStudy != s.studyID {
		return fmt.Errorf("series %s belongs to study %s, not %s", seriesID, info.ParentStudy, s.studyID)
	}
	s.addSeries(seriesID, info.Instances)
	return nil
}

func (s *InstancesSet) addSeries(seriesID string, instanceIDs []string) {
	ids := append([]string(nil), instanceIDs...)
	if _, ok := s.bySeries[seriesID]; !ok {
		s.seriesOrder = append(s.seriesOrder, seriesID)
	}
	s.bySeries[seriesID] = append(s.bySeries[seriesID], ids...)
	s.instances = append(s.instances, ids...)
	s.computedID = ""
}

// ID is a short digest of the member ids, for display and log correlation.
// It depends on member order, so two sets holding the same instances in a
// different order get different ids; do not compare sets with it.
func (s *InstancesSet) ID() string {
	if s.computedID == "" {
		s.computedID = computeSetID(s.instances)
	}
	return s.computedID
}

func computeSetID(instanceIDs []string) string {
	sum := sha1.Sum([]byte(strings.Join(instanceIDs, ",")))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:10]
}

func (s *InstancesSet) StudyID() string { return s.studyID }

// InstanceIDs returns the captured instance ids in capture order.
func (s *InstancesSet) InstanceIDs() []string {
	return append([]string(nil), s.instances...)
}

// SeriesIDs returns the captured series ids in capture order.
func (s *InstancesSet) SeriesIDs() []string {
	return append([]string(nil), s.seriesOrder...)
}

// InstanceIDsOf returns the captured instances of one series, nil if the
// series is not in the set.
func (s *InstancesSet) InstanceIDsOf(seriesID string) []string {
	ids, ok := s.bySeries[seriesID]
	if !ok {
		return nil
	}
	return append([]string(nil), ids...)
}

// Groups returns the per-series grouping, suitable for RestoreInstancesSet.
func (s *InstancesSet) Groups() []SeriesGroup {
	groups := make([]SeriesGroup, 0, len(s.seriesOrder))
	for _, id := range s.seriesOrder {
		groups = append(groups, SeriesGroup{SeriesID: id, InstanceIDs: s.InstanceIDsOf(id)})
	}
	return groups
}

func (s *InstancesSet) Len() int        { return len(s.instances) }
func (s *InstancesSet) IsEmpty() bool   { return len(s.instances) == 0 }
func (s *InstancesSet) IsDeleted() bool { return s.deleted }

func (s *InstancesSet) String() string {
	return fmt.Sprintf("%s - %d series / %d instances", s.ID(), len(s.seriesOrder), len(s.instances))
}

func (s *InstancesSet) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "orthanc.instances-set."+name, trace.WithAttributes(
		attribute.String("orthanc.set_id", s.ID()),
		attribute.String("orthanc.study_id", s.studyID),
		attribute.Int("orthanc.instance_count", len(s.instances)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Delete removes exactly the captured instances with one bulk-delete call.
// Instances added to the study after the snapshot are left alone.
func (s *InstancesSet) Delete(ctx context.Context) (err error) {
	if s.deleted {
		return ErrSetDeleted
	}
	ctx, span := s.startSpan(ctx, "delete")
	defer func() { endSpan(span, err) }()

	if err := s.client.BulkDelete(ctx, s.instances); err != nil {
		return err
	}
	s.deleted = true
	slog.InfoContext(ctx, "Deleted instances set", "setID", s.ID(), "instanceCount", len(s.instances))
	return nil
}

// Modify rewrites the captured instances and returns the set of modified
// instances. The receiver is left untouched. The result must hold exactly
// one study, as many series and as many instances as the receiver;
// otherwise Modify fails with ErrSnapshotMismatch and returns no set.
// opts.DeleteOriginal removes the source instances.
func (s *InstancesSet) Modify(ctx context.Context, opts ModifyOptions) (_ *InstancesSet, err error) {
	if s.deleted {
		return nil, ErrSetDeleted
	}
	if s.IsEmpty() {
		return nil, fmt.Errorf("cannot modify empty instances set %s", s.ID())
	}
	ctx, span := s.startSpan(ctx, "modify")
	defer func() { endSpan(span, err) }()

	res, err := s.client.Bulk(ctx, BulkModify, LevelInstance, s.instances, opts)
	if err != nil {
		return nil, err
	}
	if err := s.checkShape(len(res.Studies), len(res.Series), len(res.Instances)); err != nil {
		return nil, err
	}

	produced := make(map[string]struct{}, len(res.Instances))
	for _, id := range res.Instances {
		produced[id] = struct{}{}
	}

	modified := NewInstancesSet(s.client, res.Studies[0])
	for _, seriesID := range res.Series {
		// the target series may already hold instances that this
		// modification did not produce
		current, err := s.client.Series.InstanceIDs(ctx, seriesID)
		if err != nil {
			return nil, err
		}
		var kept []string
		for _, id := range current {
			if _, ok := produced[id]; ok {
				kept = append(kept, id)
			}
		}
		modified.addSeries(seriesID, kept)
	}
	if err := s.checkShape(1, len(modified.seriesOrder), len(modified.instances)); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Modified instances set", "setID", s.ID(), "modifiedSetID", modified.ID(),
		"studyID", modified.studyID, "instanceCount", len(modified.instances))
	return modified, nil
}

func (s *InstancesSet) checkShape(studies, series, instances int) error {
	switch {
	case studies != 1:
		return fmt.Errorf("set %s: modification produced %d studies, expected 1: %w", s.ID(), studies, ErrSnapshotMismatch)
	case series != len(s.seriesOrder):
		return fmt.Errorf("set %s: modification produced %d series, expected %d: %w", s.ID(), series, len(s.seriesOrder), ErrSnapshotMismatch)
	case instances != len(s.instances):
		return fmt.Errorf("set %s: modification produced %d instances, expected %d: %w", s.ID(), instances, len(s.instances), ErrSnapshotMismatch)
	}
	return nil
}

// InstanceFunc is called with the client and one member instance id.
type InstanceFunc func(ctx context.Context, c *Client, instanceID string) error

// InstancePredicate decides whether an instance stays in the set.
type InstancePredicate func(ctx context.Context, c *Client, instanceID string) (bool, error)

// FilterInstances keeps the instances accepted by keep and moves the others
// into the returned set. Series left empty are dropped from the receiver.
// If keep fails the receiver is not changed.
func (s *InstancesSet) FilterInstances(ctx context.Context, keep InstancePredicate) (*InstancesSet, error) {
	if s.deleted {
		return nil, ErrSetDeleted
	}
	rejected := make(map[string]bool, len(s.instances))
	for _, id := range s.instances {
		ok, err := keep(ctx, s.client, id)
		if err != nil {
			return nil, fmt.Errorf("filtering instance %s of set %s: %w", id, s.ID(), err)
		}
		if !ok {
			rejected[id] = true
		}
	}

	removed := NewInstancesSet(s.client, s.studyID)
	kept := NewInstancesSet(s.client, s.studyID)
	for _, seriesID := range s.seriesOrder {
		var in, out []string
		for _, id := range s.bySeries[seriesID] {
			if rejected[id] {
				out = append(out, id)
			} else {
				in = append(in, id)
			}
		}
		if len(in) > 0 {
			kept.addSeries(seriesID, in)
		}
		if len(out) > 0 {
			removed.addSeries(seriesID, out)
		}
	}

	s.seriesOrder, s.bySeries, s.instances = kept.seriesOrder, kept.bySeries, kept.instances
	s.computedID = ""
	return removed, nil
}

// KeepSeries is an InstancePredicate accepting the members of the given
// series. It only looks at the set grouping captured in s.
func (s *InstancesSet) KeepSeries(seriesIDs ...string) InstancePredicate {
	accept := map[string]bool{}
	for _, seriesID := range seriesIDs {
		for _, id := range s.bySeries[seriesID] {
			accept[id] = true
		}
	}
	return func(_ context.Context, _ *Client, instanceID string) (bool, error) {
		return accept[instanceID], nil
	}
}

// ProcessInstances calls fn once per member, in capture order, and stops
// at the first error.
func (s *InstancesSet) ProcessInstances(ctx context.Context, fn InstanceFunc) error {
	for _, id := range s.instances {
		if err := fn(ctx, s.client, id); err != nil {
			return fmt.Errorf("processing instance %s of set %s: %w", id, s.ID(), err)
		}
	}
	return nil
}

type packageRequest struct {
	Synchronous bool     `json:"Synchronous"`
	Resources   []string `json:"Resources"`
}

// WriteArchive streams a zip of exactly the captured instances to w.
func (s *InstancesSet) WriteArchive(ctx context.Context, w io.Writer) (int64, error) {
	return s.writePackage(ctx, "tools/create-archive", w)
}

// WriteMedia streams a DICOMDIR media zip of the captured instances to w.
func (s *InstancesSet) WriteMedia(ctx context.Context, w io.Writer) (int64, error) {
	return s.writePackage(ctx, "tools/create-media", w)
}

func (s *InstancesSet) writePackage(ctx context.Context, path string, w io.Writer) (n int64, err error) {
	if s.deleted {
		return 0, ErrSetDeleted
	}
	ctx, span := s.startSpan(ctx, strings.TrimPrefix(path, "tools/"))
	defer func() { endSpan(span, err) }()
	return s.client.streamJSON(ctx, path, packageRequest{Synchronous: true, Resources: s.instances}, w)
}

// DownloadArchive writes the zip archive of the set to a local file.
func (s *InstancesSet) DownloadArchive(ctx context.Context, path string) error {
	return downloadTo(path, func(w io.Writer) (int64, error) { return s.WriteArchive(ctx, w) })
}

// DownloadMedia writes the DICOMDIR media of the set to a local file.
func (s *InstancesSet) DownloadMedia(ctx context.Context, path string) error {
	return downloadTo(path, func(w io.Writer) (int64, error) { return s.WriteMedia(ctx, w) })
}

// downloadTo writes to path and removes the file when write fails.
func downloadTo(path string, write func(io.Writer) (int64, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
