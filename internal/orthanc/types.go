package orthanc

// Field names match the JSON keys returned by Orthanc's REST API for
// GET /{level}/{id}.

type PatientMainTags struct {
	PatientName      string `json:"PatientName,omitempty"`
	PatientID        string `json:"PatientID,omitempty"`
	PatientBirthDate string `json:"PatientBirthDate,omitempty"`
	PatientSex       string `json:"PatientSex,omitempty"`
}

type StudyMainTags struct {
	StudyInstanceUID       string `json:"StudyInstanceUID,omitempty"`
	StudyDate              string `json:"StudyDate,omitempty"`
	StudyTime              string `json:"StudyTime,omitempty"`
	StudyDescription       string `json:"StudyDescription,omitempty"`
	AccessionNumber        string `json:"AccessionNumber,omitempty"`
	ReferringPhysicianName string `json:"ReferringPhysicianName,omitempty"`
}

type SeriesMainTags struct {
	SeriesInstanceUID string `json:"SeriesInstanceUID,omitempty"`
	SeriesDescription string `json:"SeriesDescription,omitempty"`
	SeriesNumber      string `json:"SeriesNumber,omitempty"`
	Modality          string `json:"Modality,omitempty"`
	BodyPartExamined  string `json:"BodyPartExamined,omitempty"`
}

type InstanceMainTags struct {
	SOPInstanceUID string `json:"SOPInstanceUID,omitempty"`
	InstanceNumber string `json:"InstanceNumber,omitempty"` // Often string type in JSON
}

// PatientInfo is GET /patients/{id}.
type PatientInfo struct {
	ID         string          `json:"ID"`
	MainTags   PatientMainTags `json:"MainDicomTags"`
	Studies    []string        `json:"Studies"`
	IsStable   bool            `json:"IsStable"`
	LastUpdate string          `json:"LastUpdate"`
	Labels     []string        `json:"Labels,omitempty"`
	Type       string          `json:"Type"`
}

// StudyInfo is GET /studies/{id}.
type StudyInfo struct {
	ID              string          `json:"ID"`
	PatientMainTags PatientMainTags `json:"PatientMainDicomTags"`
	MainTags        StudyMainTags   `json:"MainDicomTags"`
	ParentPatient   string          `json:"ParentPatient"`
	Series          []string        `json:"Series"`
	IsStable        bool            `json:"IsStable"`
	LastUpdate      string          `json:"LastUpdate"`
	Labels          []string        `json:"Labels,omitempty"`
	Type            string          `json:"Type"`
}

// SeriesInfo is GET /series/{id}.
type SeriesInfo struct {
	ID                        string         `json:"ID"`
	MainTags                  SeriesMainTags `json:"MainDicomTags"`
	ParentStudy               string         `json:"ParentStudy"`
	Instances                 []string       `json:"Instances"`
	ExpectedNumberOfInstances *int           `json:"ExpectedNumberOfInstances"`
	Status                    string         `json:"Status"`
	IsStable                  bool           `json:"IsStable"`
	LastUpdate                string         `json:"LastUpdate"`
	Labels                    []string       `json:"Labels,omitempty"`
	Type                      string         `json:"Type"`
}

// InstanceInfo is GET /instances/{id}.
type InstanceInfo struct {
	ID            string           `json:"ID"`
	MainTags      InstanceMainTags `json:"MainDicomTags"`
	ParentSeries  string           `json:"ParentSeries"`
	FileSize      int64            `json:"FileSize"`
	FileUuid      string           `json:"FileUuid"`
	IndexInSeries int              `json:"IndexInSeries"`
	Labels        []string         `json:"Labels,omitempty"`
	Type          string           `json:"Type"`
}

// ResourceRef is the {Type, ID} pair used by lookups and job results.
type ResourceRef struct {
	Type string `json:"Type"`
	ID   string `json:"ID"`
	Path string `json:"Path,omitempty"`
}

// ResourceStatistics is GET /{level}/{id}/statistics. Orthanc reports the
// sizes as strings.
type ResourceStatistics struct {
	CountInstances        int    `json:"CountInstances"`
	CountSeries           int    `json:"CountSeries,omitempty"`
	CountStudies          int    `json:"CountStudies,omitempty"`
	DiskSize              string `json:"DiskSize"`
	DiskSizeMB            int64  `json:"DiskSizeMB"`
	UncompressedSize      string `json:"UncompressedSize"`
	UncompressedSizeMB    int64  `json:"UncompressedSizeMB"`
	DicomDiskSize         string `json:"DicomDiskSize,omitempty"`
	DicomUncompressedSize string `json:"DicomUncompressedSize,omitempty"`
}
