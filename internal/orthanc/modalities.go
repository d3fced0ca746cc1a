package orthanc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Modalities drives DICOM modalities through the Orthanc REST API.
type Modalities struct {
	client *Client
}

func modalityPath(modality, action string) string {
	return "modalities/" + url.PathEscape(modality) + "/" + action
}

func (m *Modalities) List(ctx context.Context) ([]string, error) {
	var names []string
	err := m.client.getJSON(ctx, "modalities", &names)
	return names, err
}

// Echo runs a C-ECHO against the modality.
func (m *Modalities) Echo(ctx context.Context, modality string) error {
	_, err := m.client.Do(ctx, http.MethodPost, modalityPath(modality, "echo"), []byte("{}"), jsonHeader())
	return err
}

// StoreAsync starts a C-STORE of resources to the modality as a job.
func (m *Modalities) StoreAsync(ctx context.Context, modality string, ids []string) (*Job, error) {
	return m.client.startJob(ctx, modalityPath(modality, "store"),
		map[string]any{"Resources": ids, "Synchronous": false, "Asynchronous": true},
		"store to modality "+modality)
}

// Store sends resources to the modality and waits for the job.
func (m *Modalities) Store(ctx context.Context, modality string, ids []string) error {
	job, err := m.StoreAsync(ctx, modality, ids)
	if err != nil {
		return err
	}
	return waitSucceeded(ctx, job, "store", LevelInstance, 0)
}

// RemoteResource is one C-FIND answer from a remote modality.
type RemoteResource struct {
	Modality    string
	Level       Level
	DicomID     string
	Tags        SimplifiedTags
	RetrieveURL string
}

// Query runs a C-FIND at level on the modality, query being DICOM matching
// keys such as {"PatientName": "DOE*", "StudyDate": "20150503-"}.
func (m *Modalities) Query(ctx context.Context, modality string, level Level, query map[string]string) ([]RemoteResource, error) {
	if !level.valid() {
		return nil, fmt.Errorf("invalid query level %d", int(level))
	}
	if query == nil {
		query = map[string]string{}
	}
	var q struct {
		ID string `json:"ID"`
	}
	if err := m.client.postJSON(ctx, modalityPath(modality, "query"), map[string]any{"Level": level, "Query": query}, &q); err != nil {
		return nil, fmt.Errorf("failed to query modality %s: %w", modality, err)
	}
	if q.ID == "" {
		return nil, fmt.Errorf("query of modality %s answer carries no query id", modality)
	}

	base := "queries/" + url.PathEscape(q.ID) + "/answers"
	var answers []string
	if err := m.client.getJSON(ctx, base, &answers); err != nil {
		return nil, fmt.Errorf("failed to list answers of query %s: %w", q.ID, err)
	}
	out := make([]RemoteResource, 0, len(answers))
	for _, a := range answers {
		answer := base + "/" + url.PathEscape(a)
		var tags SimplifiedTags
		if err := m.client.getJSON(ctx, answer+"/content?simplify", &tags); err != nil {
			return nil, fmt.Errorf("failed to read answer %s of query %s: %w", a, q.ID, err)
		}
		out = append(out, RemoteResource{
			Modality:    modality,
			Level:       level,
			DicomID:     tags.Get(level.UIDTag()),
			Tags:        tags,
			RetrieveURL: answer + "/retrieve",
		})
	}
	return out, nil
}

func (m *Modalities) QueryStudies(ctx context.Context, modality string, query map[string]string) ([]RemoteResource, error) {
	return m.Query(ctx, modality, LevelStudy, query)
}

func (m *Modalities) QuerySeries(ctx context.Context, modality string, query map[string]string) ([]RemoteResource, error) {
	return m.Query(ctx, modality, LevelSeries, query)
}

func (m *Modalities) QueryInstances(ctx context.Context, modality string, query map[string]string) ([]RemoteResource, error) {
	return m.Query(ctx, modality, LevelInstance, query)
}

// MoveKeys identifies a resource on a remote modality. The deepest UID set
// decides the C-MOVE level.
type MoveKeys struct {
	StudyInstanceUID  string `json:"StudyInstanceUID"`
	SeriesInstanceUID string `json:"SeriesInstanceUID,omitempty"`
	SOPInstanceUID    string `json:"SOPInstanceUID,omitempty"`
}

func (k MoveKeys) level() (Level, error) {
	switch {
	case k.StudyInstanceUID == "":
		return 0, fmt.Errorf("move keys need a StudyInstanceUID")
	case k.SOPInstanceUID != "" && k.SeriesInstanceUID == "":
		return 0, fmt.Errorf("moving instance %s needs its SeriesInstanceUID", k.SOPInstanceUID)
	case k.SOPInstanceUID != "":
		return LevelInstance, nil
	case k.SeriesInstanceUID != "":
		return LevelSeries, nil
	}
	return LevelStudy, nil
}

// MoveAsync starts a C-MOVE job pulling keys from the modality. An empty
// targetAET moves the resource to this Orthanc.
func (m *Modalities) MoveAsync(ctx context.Context, modality string, keys MoveKeys, targetAET string) (*Job, error) {
	level, err := keys.level()
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"Level":        level,
		"Resources":    []MoveKeys{keys},
		"Synchronous":  false,
		"Asynchronous": true,
	}
	if targetAET != "" {
		req["TargetAet"] = targetAET
	}
	return m.client.startJob(ctx, modalityPath(modality, "move"), req, "move from modality "+modality)
}

// Move runs a C-MOVE and waits for its job.
func (m *Modalities) Move(ctx context.Context, modality string, keys MoveKeys, targetAET string) error {
	job, err := m.MoveAsync(ctx, modality, keys, targetAET)
	if err != nil {
		return err
	}
	level, _ := keys.level()
	return waitSucceeded(ctx, job, "move", level, 0)
}

// RetrieveStudy moves a study from the modality to this Orthanc and returns
// its Orthanc id.
func (m *Modalities) RetrieveStudy(ctx context.Context, modality, studyUID string) (string, error) {
	if err := m.Move(ctx, modality, MoveKeys{StudyInstanceUID: studyUID}, ""); err != nil {
		return "", err
	}
	id, found, err := m.client.Studies.Lookup(ctx, studyUID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("study %s retrieved from %s is not stored: %w", studyUID, modality, ErrResourceNotFound)
	}
	return id, nil
}

// FindWorklist runs a worklist C-FIND and returns the answers as Orthanc
// formats them.
func (m *Modalities) FindWorklist(ctx context.Context, modality string, query map[string]any) ([]SimplifiedTags, error) {
	if query == nil {
		query = map[string]any{}
	}
	var out []SimplifiedTags
	if err := m.client.postJSON(ctx, modalityPath(modality, "find-worklist"), query, &out); err != nil {
		return nil, fmt.Errorf("failed to find worklist on modality %s: %w", modality, err)
	}
	return out, nil
}
