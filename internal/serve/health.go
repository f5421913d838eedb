package serve

import (
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// handleHealth is the bare liveness probe: the process is up and able to
// answer, nothing more.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleReady additionally verifies the SQL pool answers and the archive
// directory is writable, per spec §6's readiness contract.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.st != nil {
		if err := s.st.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready", "reason": "database: " + err.Error()})
			return
		}
	}
	if s.archiveDir != "" {
		if err := checkDirWritable(s.archiveDir); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready", "reason": "archive: " + err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func checkDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".writable-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// handleMetrics serves the /metrics exposition. When a Metrics handler
// (normally internal/metrics' promhttp.Handler()) was wired in at New,
// delegate to it; otherwise fall back to a minimal line-based exposition
// so the endpoint never 404s.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte("# agentmail metrics unavailable: no metrics handler configured\n"))
}

// handleDoctor reports SQL reachability, archive directory writability,
// repo-cache occupancy, and rate-limiter bucket counts (SPEC_FULL §C.7) —
// supplements /health and /ready without replacing them.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	ctx, cancel := newTimeoutContext(r, 5*time.Second)
	defer cancel()

	report := map[string]interface{}{}

	if s.st != nil {
		if err := s.st.Ping(ctx); err != nil {
			report["database"] = map[string]interface{}{"ok": false, "error": err.Error()}
		} else {
			report["database"] = map[string]interface{}{"ok": true}
		}
	}

	if s.archiveDir != "" {
		if err := checkDirWritable(s.archiveDir); err != nil {
			report["archive"] = map[string]interface{}{"ok": false, "dir": s.archiveDir, "error": err.Error()}
		} else {
			report["archive"] = map[string]interface{}{"ok": true, "dir": s.archiveDir}
		}
	}

	if s.repos != nil {
		report["repo_cache"] = map[string]interface{}{"open_repos": s.repos.Len()}
	}

	if s.rateLimit != nil {
		report["rate_limit"] = map[string]interface{}{"active_buckets": s.rateLimit.BucketCount()}
	}

	if s.bus != nil {
		report["sse_clients"] = s.sseClientCount()
	}

	writeSuccessResponse(w, http.StatusOK, map[string]interface{}{"doctor": report}, reqID)
}
