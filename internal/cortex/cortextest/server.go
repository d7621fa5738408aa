// Package cortextest provides an in-process fake Cortex API for tests.
package cortextest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
)

// Server is a fake Cortex instance backed by httptest.
type Server struct {
	*httptest.Server

	APIKey string

	mu        sync.Mutex
	analyzers []cortex.Analyzer
	jobs      map[string]*cortex.Job
	runs      []Run
	seq       int
	failRun   int
	status    int
}

// Run records one analyzer run received by the fake.
type Run struct {
	AnalyzerID string
	Force      bool
	Observable cortex.Observable
}

// NewServer starts a fake Cortex that accepts apiKey and serves analyzers.
func NewServer(apiKey string, analyzers ...cortex.Analyzer) *Server {
	s := &Server{
		APIKey:    apiKey,
		analyzers: analyzers,
		jobs:      make(map[string]*cortex.Job),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// DefaultAnalyzers is a small catalogue covering ip, domain, hash and url.
func DefaultAnalyzers() []cortex.Analyzer {
	return []cortex.Analyzer{
		{ID: "an-abuse", Name: "AbuseIPDB_1_0", DataTypeList: []string{"ip"}},
		{ID: "an-vt", Name: "VirusTotal_GetReport_3_1", DataTypeList: []string{"domain", "file", "hash", "ip", "url"}},
		{ID: "an-urlhaus", Name: "URLhaus_2_0", DataTypeList: []string{"domain", "url", "hash"}},
	}
}

// Runs returns the analyzer runs received so far.
func (s *Server) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Run(nil), s.runs...)
}

// FailRuns makes the next n run requests answer 500.
func (s *Server) FailRuns(n int) {
	s.mu.Lock()
	s.failRun = n
	s.mu.Unlock()
}

// ForceStatus makes every request answer status; 0 restores normal behavior.
func (s *Server) ForceStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Finish marks a job as finished with status.
func (s *Server) Finish(jobID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = status
		j.EndDate = time.Now().UnixMilli()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	forced := s.status
	s.mu.Unlock()
	if forced != 0 {
		http.Error(w, http.StatusText(forced), forced)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+s.APIKey {
		http.Error(w, `{"type":"AuthenticationError","message":"Authentication failure"}`, http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/")
	parts := strings.Split(path, "/")
	switch {
	case r.Method == http.MethodPost && path == "analyzer/_search":
		s.search(w, r)
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "analyzer" && parts[1] == "type":
		s.byType(w, parts[2])
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "analyzer":
		s.byID(w, parts[1])
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "analyzer" && parts[2] == "run":
		s.run(w, r, parts[1])
	case len(parts) >= 2 && parts[0] == "job":
		s.job(w, r, parts)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query map[string]interface{} `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad query", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []cortex.Analyzer{}
	field, _ := req.Query["_field"].(string)
	value, _ := req.Query["_value"].(string)
	for _, a := range s.analyzers {
		if field == "name" && a.Name != value {
			continue
		}
		out = append(out, a)
	}
	if r.URL.Query().Get("range") == "0-1" && len(out) > 1 {
		out = out[:1]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) byType(w http.ResponseWriter, dataType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []cortex.Analyzer{}
	for _, a := range s.analyzers {
		if a.Supports(dataType) {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) byID(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.analyzers {
		if a.ID == id {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	http.Error(w, `{"type":"NotFoundError"}`, http.StatusNotFound)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, id string) {
	var obs cortex.Observable
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		http.Error(w, "bad observable", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRun > 0 {
		s.failRun--
		http.Error(w, "analyzer crashed", http.StatusInternalServerError)
		return
	}
	var analyzer *cortex.Analyzer
	for i := range s.analyzers {
		if s.analyzers[i].ID == id {
			analyzer = &s.analyzers[i]
		}
	}
	if analyzer == nil {
		http.Error(w, `{"type":"NotFoundError"}`, http.StatusNotFound)
		return
	}
	s.seq++
	s.runs = append(s.runs, Run{AnalyzerID: id, Force: r.URL.Query().Get("force") == "1", Observable: obs})
	job := &cortex.Job{
		ID:           fmt.Sprintf("job-%d", s.seq),
		AnalyzerID:   analyzer.ID,
		AnalyzerName: analyzer.Name,
		Status:       cortex.StatusWaiting,
		Data:         obs.Data,
		DataType:     obs.DataType,
		TLP:          obs.TLP,
		PAP:          obs.PAP,
		Message:      obs.Message,
		CreatedAt:    time.Now().UnixMilli(),
	}
	s.jobs[job.ID] = job
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) job(w http.ResponseWriter, r *http.Request, parts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[parts[1]]
	if !ok {
		http.Error(w, `{"type":"NotFoundError"}`, http.StatusNotFound)
		return
	}
	switch {
	case r.Method == http.MethodDelete && len(parts) == 2:
		j.Status = cortex.StatusDeleted
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && len(parts) == 2:
		writeJSON(w, http.StatusOK, j)
	case r.Method == http.MethodGet && (parts[2] == "report" || parts[2] == "waitreport"):
		rep := cortex.Report{Job: *j}
		if j.Status == cortex.StatusSuccess {
			rep.Report.Success = true
			rep.Report.Summary = map[string]interface{}{"taxonomies": []interface{}{}}
			rep.Report.Full = map[string]interface{}{"data": j.Data}
		}
		writeJSON(w, http.StatusOK, rep)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
