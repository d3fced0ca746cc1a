// Package orthanctest runs an in-process fake of the parts of the Orthanc
// REST API used by this module. It keeps its state in memory and lets
// tests inject failures and script job progress.
package orthanctest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// Ref is a {Type, ID} pair as found in lookups and job results.
type Ref struct {
	Type string `json:"Type"`
	ID   string `json:"ID"`
}

// BulkRequest is the decoded body of tools/bulk-modify and bulk-anonymize.
type BulkRequest struct {
	Level        string            `json:"Level"`
	Resources    []string          `json:"Resources"`
	Replace      map[string]any    `json:"Replace"`
	Remove       []string          `json:"Remove"`
	Keep         []string          `json:"Keep"`
	Force        bool              `json:"Force"`
	Asynchronous bool              `json:"Asynchronous"`
	KeepSource   *bool             `json:"KeepSource"`
	Transcode    string            `json:"Transcode"`
	Permissive   bool              `json:"Permissive"`
}

type patient struct {
	id, patientID, name string
	studies             []string
}

type study struct {
	id, patientID, uid, description string
	series                          []string
}

type series struct {
	id, studyID, uid, description string
	instances                     []string
}

type instance struct {
	id, seriesID, uid string
}

type revisioned struct {
	data        []byte
	contentType string
	revision    int
}

type job struct {
	id       string
	jobType  string
	states   []string
	step     int
	content  any
	canceled bool
}

type fault struct {
	method, path string
	status       int
	drop         bool
}

// Server is a fake Orthanc. All exported methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	patients    map[string]*patient
	studies     map[string]*study
	series      map[string]*series
	instances   map[string]*instance
	attachments map[string]*revisioned
	metadata    map[string]*revisioned
	labels      map[string]map[string]bool
	jobs        map[string]*job
	changes     []change
	faults      []fault
	requests    map[string]int
	jobScript   []string
	nextJob     int
	bulkHook    func(op string, req BulkRequest, refs []Ref) []Ref
	jobActions  []string
	remotes     map[string][]string
	answers     map[string][]map[string]string
	worklists   map[string][]map[string]string
	queries     map[string][]map[string]string
	nextQuery   int
}

type change struct {
	Seq          int64  `json:"Seq"`
	ChangeType   string `json:"ChangeType"`
	ResourceType string `json:"ResourceType"`
	ID           string `json:"ID"`
	Date         string `json:"Date"`
}

// New starts a fake Orthanc that is closed when the test ends.
func New(t testing.TB) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		patients:    map[string]*patient{},
		studies:     map[string]*study{},
		series:      map[string]*series{},
		instances:   map[string]*instance{},
		attachments: map[string]*revisioned{},
		metadata:    map[string]*revisioned{},
		labels:      map[string]map[string]bool{},
		jobs:        map[string]*job{},
		requests:    map[string]int{},
		jobScript:   []string{"Pending", "Running", "Success"},
		remotes:     map[string][]string{},
		answers:     map[string][]map[string]string{},
		worklists:   map[string][]map[string]string{},
		queries:     map[string][]map[string]string{},
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// AddInstances creates the study and series when needed and appends the
// instances to the series. The patient is "patient-"+studyID.
func (s *Server) AddInstances(studyID, seriesID string, instanceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addInstancesLocked(studyID, seriesID, instanceIDs...)
}

func (s *Server) addInstancesLocked(studyID, seriesID string, instanceIDs ...string) {
	st, ok := s.studies[studyID]
	if !ok {
		pid := "patient-" + studyID
		p, found := s.patients[pid]
		if !found {
			p = &patient{id: pid, patientID: "PID-" + studyID, name: "DOE^" + strings.ToUpper(studyID)}
			s.patients[pid] = p
			s.recordChange("NewPatient", "Patient", pid)
		}
		st = &study{id: studyID, patientID: pid, uid: "1.2.3." + studyID, description: "Study " + studyID}
		s.studies[studyID] = st
		p.studies = append(p.studies, studyID)
		s.recordChange("NewStudy", "Study", studyID)
	}
	se, ok := s.series[seriesID]
	if !ok {
		se = &series{id: seriesID, studyID: studyID, uid: "1.2.3." + studyID + "." + seriesID, description: "Series " + seriesID}
		s.series[seriesID] = se
		st.series = append(st.series, seriesID)
		s.recordChange("NewSeries", "Series", seriesID)
	}
	for _, id := range instanceIDs {
		s.instances[id] = &instance{id: id, seriesID: seriesID, uid: "1.2.3." + seriesID + "." + id}
		se.instances = append(se.instances, id)
		s.recordChange("NewInstance", "Instance", id)
	}
}

func (s *Server) recordChange(changeType, resourceType, id string) {
	s.changes = append(s.changes, change{
		Seq:          int64(len(s.changes) + 1),
		ChangeType:   changeType,
		ResourceType: resourceType,
		ID:           id,
		Date:         time.Now().UTC().Format("20060102T150405"),
	})
}

// SetSeriesDescription overrides the SeriesDescription tag of a series.
func (s *Server) SetSeriesDescription(seriesID, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.series[seriesID]; ok {
		se.description = description
	}
}

// RemoveInstance deletes an instance as an external actor would.
func (s *Server) RemoveInstance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteInstanceLocked(id)
}

// HasInstance reports whether the instance is stored.
func (s *Server) HasInstance(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[id]
	return ok
}

// SeriesInstances returns the current instances of a series.
func (s *Server) SeriesInstances(seriesID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.series[seriesID]; ok {
		return append([]string(nil), se.instances...)
	}
	return nil
}

// InstanceCount is the number of stored instances.
func (s *Server) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// SetJobScript sets the states reported by jobs created from now on, one
// per status request; the last state sticks.
func (s *Server) SetJobScript(states ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobScript = append([]string(nil), states...)
}

// AddJob registers a job with an explicit state script and content.
func (s *Server) AddJob(id, jobType string, content any, states ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &job{id: id, jobType: jobType, states: states, content: content}
}

// JobActions lists the "id/action" job actions received so far.
func (s *Server) JobActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobActions...)
}

// OnBulk lets a test rewrite the resources reported by bulk jobs.
func (s *Server) OnBulk(hook func(op string, req BulkRequest, refs []Ref) []Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkHook = hook
}

// FailNext answers the next len(statuses) requests matching method and path
// with the given statuses.
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range statuses {
		s.faults = append(s.faults, fault{method: method, path: path, status: st})
	}
}

// DropNext closes the connection of the next n requests matching method
// and path without answering.
func (s *Server) DropNext(method, path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, fault{method: method, path: path, drop: true})
	}
}

// Requests returns how many requests reached method and path, faults included.
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

func (s *Server) takeFault(method, path string) (fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[method+" "+path]++
	for i, f := range s.faults {
		if f.method == method && f.path == path {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f, true
		}
	}
	return fault{}, false
}

func (s *Server) faultInjector(c *gin.Context) {
	f, ok := s.takeFault(c.Request.Method, c.Request.URL.Path)
	if !ok {
		c.Next()
		return
	}
	if f.drop {
		conn, _, err := c.Writer.Hijack()
		if err == nil {
			conn.Close()
		}
		c.Abort()
		return
	}
	orthancError(c, f.status, "Injected failure", 0)
}

func orthancError(c *gin.Context, status int, message string, orthancStatus int) {
	c.AbortWithStatusJSON(status, gin.H{
		"HttpError":     http.StatusText(status),
		"HttpStatus":    status,
		"Message":       message,
		"Details":       c.Request.Method + " " + c.Request.URL.Path,
		"Method":        c.Request.Method,
		"OrthancError":  message,
		"OrthancStatus": orthancStatus,
		"Uri":           c.Request.URL.Path,
	})
}

func notFound(c *gin.Context) {
	orthancError(c, http.StatusNotFound, "Unknown resource", 17)
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.faultInjector)

	r.GET("/system", s.system)
	r.GET("/statistics", s.statistics)
	r.GET("/changes", s.listChanges)
	r.GET("/jobs", s.listJobs)
	r.GET("/jobs/:id", s.getJob)
	r.POST("/jobs/:id/:action", s.jobAction)
	r.GET("/tools/labels", s.allLabels)
	r.POST("/tools/lookup", s.lookup)
	r.POST("/tools/bulk-delete", s.bulkDelete)
	r.POST("/tools/bulk-modify", s.bulk("modify"))
	r.POST("/tools/bulk-anonymize", s.bulk("anonymize"))
	r.POST("/tools/create-archive", s.createPackage("archive"))
	r.POST("/tools/create-media", s.createPackage("media"))
	r.POST("/instances", s.upload)
	r.POST("/transfers/send", s.transfersSend)
	s.remoteRoutes(r)

	for _, level := range []string{"patients", "studies", "series", "instances"} {
		g := r.Group("/" + level)
		g.GET("", s.listIDs(level))
		g.GET("/:id", s.getResource(level))
		g.DELETE("/:id", s.deleteResource(level))
		g.GET("/:id/statistics", s.resourceStatistics(level))
		g.PUT("/:id/attachments/:name", s.putRevisioned(level, s.attachments))
		g.GET("/:id/attachments/:name/data", s.getRevisioned(level, s.attachments))
		g.PUT("/:id/metadata/:name", s.putRevisioned(level, s.metadata))
		g.GET("/:id/metadata/:name", s.getRevisioned(level, s.metadata))
		g.DELETE("/:id/metadata/:name", s.deleteMetadata(level))
		g.GET("/:id/labels", s.getLabels(level))
		g.PUT("/:id/labels/:label", s.putLabel(level))
		g.DELETE("/:id/labels/:label", s.deleteLabel(level))
		g.POST("/:id/modify", s.modifyOne(level))
		g.POST("/:id/anonymize", s.modifyOne(level))
		g.GET("/:id/archive", s.resourcePackage(level))
		g.GET("/:id/media", s.resourcePackage(level))
	}
	r.GET("/studies/:id/instances", s.studyInstances)
	r.GET("/studies/:id/module", s.studyModule)
	r.GET("/studies/:id/module-patient", s.patientModule)
	r.GET("/instances/:id/tags", s.instanceTags)
	r.GET("/instances/:id/simplified-tags", s.simplifiedTags)
	r.GET("/instances/:id/file", s.instanceFile)
	return r
}

func (s *Server) system(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"Name":            "orthanctest",
		"Version":         "1.12.4",
		"ApiVersion":      24,
		"DicomAet":        "ORTHANC",
		"DicomPort":       4242,
		"DatabaseVersion": 6,
		"HasLabels":       true,
		"CheckRevisions":  true,
		"Capabilities":    gin.H{"HasExtendedFind": false, "HasExtendedChanges": false},
	})
}

func (s *Server) statistics(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"CountPatients":           len(s.patients),
		"CountStudies":            len(s.studies),
		"CountSeries":             len(s.series),
		"CountInstances":          len(s.instances),
		"TotalDiskSize":           strconv.Itoa(len(s.instances) * 1024),
		"TotalDiskSizeMB":         0,
		"TotalUncompressedSize":   strconv.Itoa(len(s.instances) * 1024),
		"TotalUncompressedSizeMB": 0,
	})
}

func (s *Server) listChanges(c *gin.Context) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []change{}
	for _, ch := range s.changes {
		if ch.Seq > since && len(out) < limit {
			out = append(out, ch)
		}
	}
	last := since
	if len(out) > 0 {
		last = out[len(out)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"Changes": out,
		"Done":    last >= int64(len(s.changes)),
		"Last":    last,
	})
}

func (s *Server) listIDs(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var ids []string
		switch level {
		case "patients":
			for id := range s.patients {
				ids = append(ids, id)
			}
		case "studies":
			for id := range s.studies {
				ids = append(ids, id)
			}
		case "series":
			for id := range s.series {
				ids = append(ids, id)
			}
		case "instances":
			for id := range s.instances {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		if ids == nil {
			ids = []string{}
		}
		c.JSON(http.StatusOK, ids)
	}
}

func (s *Server) exists(level, id string) bool {
	switch level {
	case "patients":
		_, ok := s.patients[id]
		return ok
	case "studies":
		_, ok := s.studies[id]
		return ok
	case "series":
		_, ok := s.series[id]
		return ok
	case "instances":
		_, ok := s.instances[id]
		return ok
	}
	return false
}

func (s *Server) resourceKey(level, id string) string { return level + "/" + id }

func (s *Server) getResource(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		c.JSON(http.StatusOK, s.describe(level, id))
	}
}

func (s *Server) describe(level, id string) gin.H {
	labels := s.labelList(level, id)
	switch level {
	case "patients":
		p := s.patients[id]
		return gin.H{
			"ID": p.id, "Type": "Patient", "IsStable": true, "LastUpdate": "20240101T000000",
			"MainDicomTags": gin.H{"PatientID": p.patientID, "PatientName": p.name},
			"Studies":       append([]string{}, p.studies...),
			"Labels":        labels,
		}
	case "studies":
		st := s.studies[id]
		p := s.patients[st.patientID]
		return gin.H{
			"ID": st.id, "Type": "Study", "IsStable": true, "LastUpdate": "20240101T000000",
			"ParentPatient":        st.patientID,
			"MainDicomTags":        gin.H{"StudyInstanceUID": st.uid, "StudyDescription": st.description},
			"PatientMainDicomTags": gin.H{"PatientID": p.patientID, "PatientName": p.name},
			"Series":               append([]string{}, st.series...),
			"Labels":               labels,
		}
	case "series":
		se := s.series[id]
		return gin.H{
			"ID": se.id, "Type": "Series", "IsStable": true, "LastUpdate": "20240101T000000",
			"ParentStudy":   se.studyID,
			"MainDicomTags": gin.H{"SeriesInstanceUID": se.uid, "SeriesDescription": se.description, "Modality": "MR"},
			"Instances":     append([]string{}, se.instances...),
			"Status":        "Unknown",
			"Labels":        labels,
		}
	default:
		in := s.instances[id]
		return gin.H{
			"ID": in.id, "Type": "Instance",
			"ParentSeries":  in.seriesID,
			"MainDicomTags": gin.H{"SOPInstanceUID": in.uid},
			"FileSize":      1024,
			"FileUuid":      "file-" + in.id,
			"IndexInSeries": indexOf(s.series[in.seriesID].instances, id) + 1,
			"Labels":        labels,
		}
	}
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func (s *Server) deleteResource(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		s.deleteLocked(level, id)
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (s *Server) deleteLocked(level, id string) {
	switch level {
	case "patients":
		for _, st := range append([]string(nil), s.patients[id].studies...) {
			s.deleteLocked("studies", st)
		}
		delete(s.patients, id)
	case "studies":
		for _, se := range append([]string(nil), s.studies[id].series...) {
			s.deleteLocked("series", se)
		}
	case "series":
		for _, in := range append([]string(nil), s.series[id].instances...) {
			s.deleteInstanceLocked(in)
		}
	case "instances":
		s.deleteInstanceLocked(id)
	}
}

// deleteInstanceLocked removes an instance and any parent left empty.
func (s *Server) deleteInstanceLocked(id string) {
	in, ok := s.instances[id]
	if !ok {
		return
	}
	delete(s.instances, id)
	se := s.series[in.seriesID]
	se.instances = remove(se.instances, id)
	if len(se.instances) > 0 {
		return
	}
	delete(s.series, se.id)
	st := s.studies[se.studyID]
	st.series = remove(st.series, se.id)
	if len(st.series) > 0 {
		return
	}
	delete(s.studies, st.id)
	if p, ok := s.patients[st.patientID]; ok {
		p.studies = remove(p.studies, st.id)
		if len(p.studies) == 0 {
			delete(s.patients, p.id)
		}
	}
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (s *Server) resourceStatistics(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		n := len(s.instancesUnder(level, id))
		c.JSON(http.StatusOK, gin.H{
			"CountInstances":     n,
			"DiskSize":           strconv.Itoa(n * 1024),
			"DiskSizeMB":         0,
			"UncompressedSize":   strconv.Itoa(n * 1024),
			"UncompressedSizeMB": 0,
		})
	}
}

func (s *Server) instancesUnder(level, id string) []string {
	switch level {
	case "patients":
		var out []string
		for _, st := range s.patients[id].studies {
			out = append(out, s.instancesUnder("studies", st)...)
		}
		return out
	case "studies":
		var out []string
		for _, se := range s.studies[id].series {
			out = append(out, s.series[se].instances...)
		}
		return out
	case "series":
		return append([]string(nil), s.series[id].instances...)
	default:
		return []string{id}
	}
}

func etag(rev int) string { return `"` + strconv.Itoa(rev) + `"` }

func (s *Server) putRevisioned(level string, store map[string]*revisioned) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		key := s.resourceKey(level, id) + "/" + c.Param("name")
		cur, found := store[key]
		match := c.GetHeader("If-Match")
		if found && match != "" && match != etag(cur.revision) {
			orthancError(c, http.StatusConflict, "The revision does not match", 0)
			return
		}
		rev := 1
		if found {
			rev = cur.revision + 1
		}
		store[key] = &revisioned{data: body, contentType: c.GetHeader("Content-Type"), revision: rev}
		c.Header("ETag", etag(rev))
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (s *Server) getRevisioned(level string, store map[string]*revisioned) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, found := store[s.resourceKey(level, c.Param("id"))+"/"+c.Param("name")]
		if !found {
			notFound(c)
			return
		}
		ct := cur.contentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		c.Header("ETag", etag(cur.revision))
		c.Data(http.StatusOK, ct, cur.data)
	}
}

func (s *Server) deleteMetadata(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := s.resourceKey(level, c.Param("id")) + "/" + c.Param("name")
		cur, found := s.metadata[key]
		if !found {
			notFound(c)
			return
		}
		if match := c.GetHeader("If-Match"); match != "" && match != etag(cur.revision) {
			orthancError(c, http.StatusConflict, "The revision does not match", 0)
			return
		}
		delete(s.metadata, key)
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (s *Server) labelList(level, id string) []string {
	out := []string{}
	for l := range s.labels[s.resourceKey(level, id)] {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (s *Server) getLabels(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.exists(level, c.Param("id")) {
			notFound(c)
			return
		}
		c.JSON(http.StatusOK, s.labelList(level, c.Param("id")))
	}
}

func (s *Server) putLabel(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		key := s.resourceKey(level, id)
		if s.labels[key] == nil {
			s.labels[key] = map[string]bool{}
		}
		s.labels[key][c.Param("label")] = true
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (s *Server) deleteLabel(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.labels[s.resourceKey(level, c.Param("id"))], c.Param("label"))
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (s *Server) allLabels(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[string]bool{}
	for _, ls := range s.labels {
		for l := range ls {
			set[l] = true
		}
	}
	out := []string{}
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	c.JSON(http.StatusOK, out)
}

func (s *Server) lookup(c *gin.Context) {
	body, _ := io.ReadAll(c.Request.Body)
	needle := strings.TrimSpace(string(body))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Ref{}
	for _, p := range s.patients {
		if p.patientID == needle {
			out = append(out, Ref{Type: "Patient", ID: p.id})
		}
	}
	for _, st := range s.studies {
		if st.uid == needle {
			out = append(out, Ref{Type: "Study", ID: st.id})
		}
	}
	for _, se := range s.series {
		if se.uid == needle {
			out = append(out, Ref{Type: "Series", ID: se.id})
		}
	}
	for _, in := range s.instances {
		if in.uid == needle {
			out = append(out, Ref{Type: "Instance", ID: in.id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) bulkDelete(c *gin.Context) {
	var req struct {
		Resources []string `json:"Resources"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		orthancError(c, http.StatusBadRequest, err.Error(), 8)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.Resources {
		for _, level := range []string{"patients", "studies", "series", "instances"} {
			if s.exists(level, id) {
				s.deleteLocked(level, id)
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{})
}

// expand turns resources of any level into instance ids.
func (s *Server) expand(level string, ids []string) []string {
	seg := map[string]string{"Patient": "patients", "Study": "studies", "Series": "series", "Instance": "instances"}[level]
	var out []string
	for _, id := range ids {
		if s.exists(seg, id) {
			out = append(out, s.instancesUnder(seg, id)...)
		}
	}
	return out
}

// bulk copies every source instance into series "mod-"+series of study
// "mod-"+study, the way a real bulk modification allocates new ids.
func (s *Server) bulk(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			orthancError(c, http.StatusBadRequest, err.Error(), 8)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		prefix := "mod-"
		if op == "anonymize" {
			prefix = "anon-"
		}
		var refs []Ref
		seen := map[string]bool{}
		addRef := func(t, id string) {
			if !seen[t+id] {
				seen[t+id] = true
				refs = append(refs, Ref{Type: t, ID: id})
			}
		}
		sources := s.expand(req.Level, req.Resources)
		for _, id := range sources {
			in := s.instances[id]
			se := s.series[in.seriesID]
			st := s.studies[se.studyID]
			newStudy, newSeries, newInstance := prefix+st.id, prefix+se.id, prefix+in.id
			s.addInstancesLocked(newStudy, newSeries, newInstance)
			addRef("Instance", newInstance)
			addRef("Series", newSeries)
			addRef("Study", newStudy)
			addRef("Patient", s.studies[newStudy].patientID)
		}
		if req.KeepSource != nil && !*req.KeepSource {
			for _, id := range sources {
				s.deleteInstanceLocked(id)
			}
		}
		if s.bulkHook != nil {
			refs = s.bulkHook(op, req, refs)
		}

		s.nextJob++
		id := fmt.Sprintf("job-%d", s.nextJob)
		s.jobs[id] = &job{
			id:      id,
			jobType: "ResourceModification",
			states:  append([]string(nil), s.jobScript...),
			content: gin.H{"Description": "REST API", "IsAnonymization": op == "anonymize", "Resources": refs},
		}
		c.JSON(http.StatusOK, gin.H{"ID": id, "Path": "/jobs/" + id})
	}
}

// transfersSend answers like the transfers plugin: a peer whose name starts
// with "pull-" gets a remote job, any other a local push job.
func (s *Server) transfersSend(c *gin.Context) {
	var req struct {
		Peer      string `json:"Peer"`
		Resources []struct {
			Level string `json:"Level"`
			ID    string `json:"ID"`
		} `json:"Resources"`
		Compression string `json:"Compression"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		orthancError(c, http.StatusBadRequest, err.Error(), 8)
		return
	}
	if strings.HasPrefix(req.Peer, "pull-") {
		c.JSON(http.StatusOK, gin.H{"RemoteJob": "remote-1", "URL": "http://" + req.Peer + "/jobs/remote-1"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJob++
	id := fmt.Sprintf("job-%d", s.nextJob)
	s.jobs[id] = &job{id: id, jobType: "PushTransfer", states: append([]string(nil), s.jobScript...), content: gin.H{"Peer": req.Peer}}
	c.JSON(http.StatusOK, gin.H{"ID": id, "Path": "/jobs/" + id})
}

func (s *Server) listJobs(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.JSON(http.StatusOK, ids)
}

func (s *Server) getJob(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	state := "Running"
	if len(j.states) > 0 {
		state = j.states[j.step]
		if j.step < len(j.states)-1 {
			j.step++
		}
	}
	if j.canceled {
		state = "Failure"
	}
	body := gin.H{
		"ID": j.id, "Type": j.jobType, "State": state, "Content": j.content,
		"Progress": 0, "Priority": 0, "ErrorCode": 0, "ErrorDescription": "Success",
		"CreationTime": "20240101T000000",
	}
	if state == "Success" {
		body["Progress"] = 100
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) jobAction(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	action := c.Param("action")
	switch action {
	case "cancel":
		j.canceled = true
	case "resubmit":
		j.canceled = false
		j.step = 0
	case "pause", "resume":
	default:
		notFound(c)
		return
	}
	s.jobActions = append(s.jobActions, j.id+"/"+action)
	c.JSON(http.StatusOK, gin.H{})
}

// packageBytes fakes a zip: the "PK" magic then the member ids.
func packageBytes(kind string, ids []string) []byte {
	return []byte("PK\x03\x04" + kind + ":" + strings.Join(ids, ","))
}

func (s *Server) createPackage(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Synchronous bool     `json:"Synchronous"`
			Resources   []string `json:"Resources"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			orthancError(c, http.StatusBadRequest, err.Error(), 8)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range req.Resources {
			if !s.exists("instances", id) && !s.exists("series", id) && !s.exists("studies", id) && !s.exists("patients", id) {
				notFound(c)
				return
			}
		}
		c.Data(http.StatusOK, "application/zip", packageBytes(kind, req.Resources))
	}
}

func (s *Server) resourcePackage(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		kind := "archive"
		if strings.HasSuffix(c.Request.URL.Path, "/media") {
			kind = "media"
		}
		c.Data(http.StatusOK, "application/zip", packageBytes(kind, s.instancesUnder(level, id)))
	}
}

func (s *Server) modifyOne(level string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := c.Param("id")
		if !s.exists(level, id) {
			notFound(c)
			return
		}
		prefix := "mod-"
		if strings.HasSuffix(c.Request.URL.Path, "/anonymize") {
			prefix = "anon-"
		}
		lvl := map[string]string{"patients": "Patient", "studies": "Study", "series": "Series", "instances": "Instance"}[level]
		for _, inst := range s.expand(lvl, []string{id}) {
			in := s.instances[inst]
			se := s.series[in.seriesID]
			s.addInstancesLocked(prefix+se.studyID, prefix+se.id, prefix+in.id)
		}
		c.JSON(http.StatusOK, gin.H{"ID": prefix + id, "Path": "/" + level + "/" + prefix + id, "Type": lvl})
	}
}

func (s *Server) studyInstances(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("id")
	if !s.exists("studies", id) {
		notFound(c)
		return
	}
	out := []gin.H{}
	for _, in := range s.instancesUnder("studies", id) {
		out = append(out, s.describe("instances", in))
	}
	c.JSON(http.StatusOK, out)
}

func str(name, value string) gin.H {
	return gin.H{"Name": name, "Type": "String", "Value": value}
}

func (s *Server) studyModule(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"0020,000d": str("StudyInstanceUID", st.uid),
		"0008,1030": str("StudyDescription", st.description),
		"0010,0020": str("PatientID", "overridden-by-patient-module"),
	})
}

func (s *Server) patientModule(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	p := s.patients[st.patientID]
	c.JSON(http.StatusOK, gin.H{
		"0010,0020": str("PatientID", p.patientID),
		"0010,0010": str("PatientName", p.name),
	})
}

func (s *Server) instanceTags(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	se := s.series[in.seriesID]
	c.JSON(http.StatusOK, gin.H{
		"0008,0018": str("SOPInstanceUID", in.uid),
		"0020,000e": str("SeriesInstanceUID", se.uid),
		"0008,103e": str("SeriesDescription", se.description),
		"0010,1010": gin.H{"Name": "PatientAge", "Type": "Null", "Value": nil},
		"0040,0275": gin.H{"Name": "RequestAttributesSequence", "Type": "Sequence", "Value": []gin.H{
			{"0040,1001": str("RequestedProcedureID", "RP-"+in.id)},
			{"0040,1001": str("RequestedProcedureID", "RP2-"+in.id)},
		}},
	})
}

func (s *Server) simplifiedTags(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	se := s.series[in.seriesID]
	c.JSON(http.StatusOK, gin.H{
		"SOPInstanceUID":    in.uid,
		"SeriesInstanceUID": se.uid,
		"SeriesDescription": se.description,
	})
}

func (s *Server) instanceFile(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	c.Data(http.StatusOK, "application/dicom", DicomBytes(in.uid))
}

// DicomBytes builds a buffer with the 128-byte preamble and DICM magic that
// the fake upload endpoint accepts.
func DicomBytes(payload string) []byte {
	buf := make([]byte, 128, 132+len(payload))
	buf = append(buf, "DICM"...)
	return append(buf, payload...)
}

func (s *Server) upload(c *gin.Context) {
	body, _ := io.ReadAll(c.Request.Body)
	if len(body) < 132 || string(body[128:132]) != "DICM" {
		orthancError(c, http.StatusBadRequest, "Bad file format", 15)
		return
	}
	sum := sha1.Sum(body)
	id := hex.EncodeToString(sum[:])[:16]

	s.mu.Lock()
	defer s.mu.Unlock()
	status := "AlreadyStored"
	if _, ok := s.instances[id]; !ok {
		status = "Success"
		s.addInstancesLocked("uploaded-study", "uploaded-series", id)
	}
	c.JSON(http.StatusOK, gin.H{
		"ID":           id,
		"Path":         "/instances/" + id,
		"ParentSeries": "uploaded-series",
		"ParentStudy":  "uploaded-study",
		"Status":       status,
	})
}

// JSON is a helper for tests that need to build bodies.
func JSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
