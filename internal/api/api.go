// Package api implements the thin contract-only REST layer of spec.md
// §6: it exposes the core's cluster/node/container/source/job operations
// over HTTP so they are reachable and testable end-to-end. It performs no
// authentication/ACL — that is explicitly an external collaborator's
// responsibility — and no response templating beyond JSON encoding.
// Grounded on the teacher's own api.go, a bare net/http handler set with
// http.Error for failures; here routed with the standard library's
// method-and-wildcard ServeMux patterns instead of a router dependency,
// since no example repo's domain stack carries one for this kind of
// internal control-plane surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/endpoint"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/node"
	"github.com/galadd/cluman/internal/source"
)

// Server wires the core registries to an http.Handler.
type Server struct {
	clusters *discovery.Registry
	nodes    *node.Registry
	source   *source.Service
	jobs     *job.Engine
	log      zerolog.Logger

	dockerTimeoutSec   int
	cacheAfterWriteSec int
}

// New constructs a Server. Call Handler() to obtain the http.Handler to
// pass to an http.Server.
func New(clusters *discovery.Registry, nodes *node.Registry, src *source.Service, jobs *job.Engine, log zerolog.Logger) *Server {
	return &Server{clusters: clusters, nodes: nodes, source: src, jobs: jobs, log: log}
}

// SetClusterDefaults wires the process-wide docker-timeout/cache-TTL
// defaults applied to a PUT /clusters/{name} body that omits them.
func (s *Server) SetClusterDefaults(dockerTimeoutSec, cacheAfterWriteSec int) {
	s.dockerTimeoutSec = dockerTimeoutSec
	s.cacheAfterWriteSec = cacheAfterWriteSec
}

// Handler builds the routed mux. A fresh mux is returned on every call so
// tests can mount it without touching any process-wide state.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /clusters", s.listClusters)
	mux.HandleFunc("PUT /clusters/{name}", s.putCluster)
	mux.HandleFunc("DELETE /clusters/{name}", s.deleteCluster)

	mux.HandleFunc("POST /clusters/{cluster}/nodes/{node}", s.attachNode)
	mux.HandleFunc("DELETE /clusters/{cluster}/nodes/{node}", s.detachNode)

	mux.HandleFunc("GET /clusters/{cluster}/containers", s.listContainers)

	mux.HandleFunc("GET /clusters/{cluster}/source", s.getSource)
	mux.HandleFunc("POST /clusters/{cluster}/source", s.postSource)

	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("POST /jobs", s.createJob)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.cancelJob)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the core's error taxonomy onto the HTTP status line
// per spec.md §6.
func statusFor(err error) int {
	if cerr, ok := err.(*endpoint.CallError); ok {
		switch cerr.Code {
		case endpoint.CodeNotFound:
			return http.StatusNotFound
		case endpoint.CodeConflict:
			return http.StatusConflict
		case endpoint.CodeNotModified:
			return http.StatusNotModified
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.clusters.ListClusters())
}

func (s *Server) putCluster(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var cfg model.ClusterConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg.Name = name
	if cfg.DockerTimeoutSec == 0 {
		cfg.DockerTimeoutSec = s.dockerTimeoutSec
	}
	if cfg.CacheAfterWriteSec == 0 {
		cfg.CacheAfterWriteSec = s.cacheAfterWriteSec
	}
	out, err := s.clusters.GetOrCreateCluster(r.Context(), cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteCluster(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.clusters.DeleteCluster(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) attachNode(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	nodeName := r.PathValue("node")
	if _, err := s.clusters.SetNodeCluster(r.Context(), nodeName, cluster); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) detachNode(w http.ResponseWriter, r *http.Request) {
	nodeName := r.PathValue("node")
	if _, err := s.clusters.SetNodeCluster(r.Context(), nodeName, ""); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	svc, err := s.clusters.GetService(r.Context(), cluster)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	containers, cerr := svc.ListContainers(r.Context(), true)
	if cerr != nil {
		http.Error(w, cerr.Error(), statusFor(cerr))
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")
	full := s.source.GetRootSource()
	for _, c := range full.Clusters {
		if c.Name == cluster {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	http.Error(w, "cluster not found", http.StatusNotFound)
}

func (s *Server) postSource(w http.ResponseWriter, r *http.Request) {
	var entry model.RootSourceCluster
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry.Name = r.PathValue("cluster")
	doc := model.RootSource{Clusters: []model.RootSourceCluster{entry}}
	if err := s.source.SetRootSource(r.Context(), doc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobSummaries(s.jobs.List()))
}

type jobSummary struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Status job.Status `json:"status"`
	Tail   []string   `json:"tail"`
}

func jobSummaries(instances []*job.Instance) []jobSummary {
	out := make([]jobSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, jobSummary{ID: inst.ID, Type: inst.Type, Status: inst.Status(), Tail: inst.Tail()})
	}
	return out
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inst, err := s.jobs.Create(r.Context(), req.Type, req.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, jobSummary{ID: inst.ID, Type: inst.Type, Status: inst.Status(), Tail: inst.Tail()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobSummary{ID: inst.ID, Type: inst.Type, Status: inst.Status(), Tail: inst.Tail()})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
