package api

import (
	"cluster-task-queue/pkg/logging"
	m "cluster-task-queue/pkg/metrics"
	"cluster-task-queue/pkg/queue"
	"cluster-task-queue/pkg/worker"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pool is the read-only view of a supervisor the server reports on.
type Pool interface {
	Size() int
	Alive() []int
	Restarts() int64
}

type Server struct {
	Pool   Pool
	Client queue.Client
}

// Handler mounts every route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/workers", s.ListWorkersHandler)
	mux.HandleFunc("/workers/", s.GetWorkerHandler)
	mux.HandleFunc("/queues/", s.QueueHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// GET /workers -> pool size, live unit ids and restart count
func (s *Server) ListWorkersHandler(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		http.Error(w, "no pool attached", http.StatusNotFound)
		return
	}
	alive := s.Pool.Alive()
	logging.L().Debug("list workers", zap.Int("count", len(alive)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"size":     s.Pool.Size(),
		"alive":    alive,
		"restarts": s.Pool.Restarts(),
	})
}

// GET /workers/:id -> last heartbeat of a worker
func (s *Server) GetWorkerHandler(w http.ResponseWriter, r *http.Request) {
	id := lastSegment(r.URL.Path)
	if id == "" {
		http.Error(w, "missing worker ID", http.StatusBadRequest)
		return
	}
	kv, ok := s.Client.(queue.KeyValue)
	if !ok {
		http.Error(w, queue.ErrUnsupported.Error(), http.StatusNotImplemented)
		return
	}
	info, ok, err := worker.Lookup(r.Context(), kv, id)
	if err != nil {
		logging.L().Error("lookup worker", zap.Error(err), zap.String("worker_id", id))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /queues/:name -> number of waiting tasks
func (s *Server) QueueHandler(w http.ResponseWriter, r *http.Request) {
	name := lastSegment(r.URL.Path)
	if name == "" {
		http.Error(w, "missing queue name", http.StatusBadRequest)
		return
	}
	n, err := s.Client.Len(r.Context(), name)
	if err != nil {
		logging.L().Error("queue length", zap.Error(err), zap.String("queue", name))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.QueueLength.WithLabelValues(name).Set(float64(n))
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": name, "length": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// lastSegment returns the final non-empty path segment.
func lastSegment(path string) string {
	segs := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segs) < 2 {
		return ""
	}
	return segs[len(segs)-1]
}
