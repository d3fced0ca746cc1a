package orthanctest

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	kindModality = "modalities"
	kindPeer     = "peers"
	kindDicomWeb = "dicom-web/servers"
)

var uidTags = map[string]string{
	"Patient":  "PatientID",
	"Study":    "StudyInstanceUID",
	"Series":   "SeriesInstanceUID",
	"Instance": "SOPInstanceUID",
}

// AddModality declares a DICOM modality that answers echo, store, query
// and move.
func (s *Server) AddModality(name string) { s.addRemote(kindModality, name) }

// AddPeer declares an Orthanc peer.
func (s *Server) AddPeer(name string) { s.addRemote(kindPeer, name) }

// AddDicomWebServer declares a DICOMweb server accepting STOW-RS.
func (s *Server) AddDicomWebServer(name string) { s.addRemote(kindDicomWeb, name) }

func (s *Server) addRemote(kind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[kind] = append(s.remotes[kind], name)
}

// AddRemoteAnswer stores a resource on a modality. C-FIND answers it when
// it carries the UID tag of the queried level and matches the query.
func (s *Server) AddRemoteAnswer(modality string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[modality] = append(s.answers[modality], tags)
}

// AddWorklist stores a worklist item on a modality.
func (s *Server) AddWorklist(modality string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worklists[modality] = append(s.worklists[modality], tags)
}

func (s *Server) remoteRoutes(r *gin.Engine) {
	for _, kind := range []string{kindModality, kindPeer, kindDicomWeb} {
		r.GET("/"+kind, s.listRemotes(kind))
	}
	m := r.Group("/"+kindModality+"/:name", s.requireRemote(kindModality))
	m.POST("/echo", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	m.POST("/store", s.storeJob("DicomModalityStore", "RemoteAet"))
	m.POST("/query", s.query)
	m.POST("/move", s.move)
	m.POST("/find-worklist", s.findWorklist)
	r.GET("/queries/:id/answers", s.queryAnswers)
	r.GET("/queries/:id/answers/:n/content", s.queryAnswer)

	r.POST("/"+kindPeer+"/:name/store", s.requireRemote(kindPeer), s.storeJob("OrthancPeerStore", "Peer"))
	r.POST("/"+kindDicomWeb+"/:name/stow", s.requireRemote(kindDicomWeb), s.storeJob("DicomWebStowClient", "Server"))
}

func (s *Server) listRemotes(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		c.JSON(http.StatusOK, append([]string{}, s.remotes[kind]...))
	}
}

func (s *Server) requireRemote(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		known := indexOf(s.remotes[kind], c.Param("name")) >= 0
		s.mu.Unlock()
		if !known {
			notFound(c)
			return
		}
		c.Next()
	}
}

func (s *Server) startJobLocked(jobType string, states []string, content any) string {
	s.nextJob++
	id := fmt.Sprintf("job-%d", s.nextJob)
	s.jobs[id] = &job{id: id, jobType: jobType, states: states, content: content}
	return id
}

func (s *Server) storeJob(jobType, remoteKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Resources []string `json:"Resources"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			orthancError(c, http.StatusBadRequest, err.Error(), 8)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		id := s.startJobLocked(jobType, append([]string(nil), s.jobScript...),
			gin.H{remoteKey: c.Param("name"), "ParentResources": req.Resources, "InstancesCount": len(req.Resources)})
		c.JSON(http.StatusOK, gin.H{"ID": id, "Path": "/jobs/" + id})
	}
}

// matches applies DICOM-like matching: empty or "*" matches anything and a
// trailing "*" matches a prefix.
func matches(tags, query map[string]string) bool {
	for k, want := range query {
		got, ok := tags[k]
		switch {
		case !ok:
			return false
		case want == "" || want == "*":
		case strings.HasSuffix(want, "*"):
			if !strings.HasPrefix(got, strings.TrimSuffix(want, "*")) {
				return false
			}
		case got != want:
			return false
		}
	}
	return true
}

func (s *Server) query(c *gin.Context) {
	var req struct {
		Level string            `json:"Level"`
		Query map[string]string `json:"Query"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		orthancError(c, http.StatusBadRequest, err.Error(), 8)
		return
	}
	uidTag, ok := uidTags[req.Level]
	if !ok {
		orthancError(c, http.StatusBadRequest, "bad query level "+req.Level, 8)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := []map[string]string{}
	for _, a := range s.answers[c.Param("name")] {
		if _, ok := a[uidTag]; ok && matches(a, req.Query) {
			found = append(found, a)
		}
	}
	s.nextQuery++
	id := fmt.Sprintf("query-%d", s.nextQuery)
	s.queries[id] = found
	c.JSON(http.StatusOK, gin.H{"ID": id, "Path": "/queries/" + id})
}

func (s *Server) queryAnswers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	answers, ok := s.queries[c.Param("id")]
	if !ok {
		notFound(c)
		return
	}
	out := make([]string, len(answers))
	for i := range answers {
		out[i] = strconv.Itoa(i)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) queryAnswer(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	answers, ok := s.queries[c.Param("id")]
	n, err := strconv.Atoi(c.Param("n"))
	if !ok || err != nil || n < 0 || n >= len(answers) {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, answers[n])
}

// move fails its job unless the modality stores the study. Without a
// TargetAet the study is created here under the moved StudyInstanceUID.
func (s *Server) move(c *gin.Context) {
	var req struct {
		Level     string              `json:"Level"`
		Resources []map[string]string `json:"Resources"`
		TargetAet string              `json:"TargetAet"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Resources) == 0 {
		orthancError(c, http.StatusBadRequest, "move needs Level and Resources", 8)
		return
	}
	name := c.Param("name")
	s.mu.Lock()
	defer s.mu.Unlock()

	states := append([]string(nil), s.jobScript...)
	for _, res := range req.Resources {
		uid := res["StudyInstanceUID"]
		stored := false
		for _, a := range s.answers[name] {
			if a["StudyInstanceUID"] == uid {
				stored = true
				break
			}
		}
		if !stored {
			states = []string{"Running", "Failure"}
			break
		}
		if req.TargetAet == "" {
			sid := fmt.Sprintf("moved-%d", s.nextJob+1)
			s.addInstancesLocked(sid, sid+"-series", sid+"-instance")
			s.studies[sid].uid = uid
		}
	}
	id := s.startJobLocked("DicomMoveScu", states,
		gin.H{"RemoteAet": name, "TargetAet": req.TargetAet, "Query": req.Resources})
	c.JSON(http.StatusOK, gin.H{"ID": id, "Path": "/jobs/" + id})
}

func (s *Server) findWorklist(c *gin.Context) {
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		orthancError(c, http.StatusBadRequest, err.Error(), 8)
		return
	}
	query := map[string]string{}
	for k, v := range req {
		if str, ok := v.(string); ok {
			query[k] = str
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]string{}
	for _, w := range s.worklists[c.Param("name")] {
		if matches(w, query) {
			out = append(out, w)
		}
	}
	c.JSON(http.StatusOK, out)
}
