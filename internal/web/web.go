package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"smartsched/internal/config"
	"smartsched/internal/conflict"
	"smartsched/internal/metrics"
	"smartsched/internal/scheduler"
)

// ExportFilename is the attachment name of /api/export responses.
const ExportFilename = "scheduled_meetings.ics"

// Server exposes the scheduler over HTTP. Every request plans its own
// upload; the only shared state is the scheduler's bookings source.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(logger *slog.Logger, cfg *config.Config, sched *scheduler.Scheduler, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		sched:   sched,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.handle("GET /health", "health", http.HandlerFunc(s.handleHealth))
	s.handle("GET /{$}", "index", http.HandlerFunc(s.handleIndex))
	s.handle("POST /api/check", "check", http.HandlerFunc(s.handleCheck))
	s.handle("POST /api/export", "export", http.HandlerFunc(s.handleExport))
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handle(pattern, name string, h http.Handler) {
	s.mux.Handle(pattern, s.metrics.Instrument(name, h))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

const indexHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>smartsched</title></head>
<body>
<h1>Schedule meetings</h1>
<form method="post" action="/api/export" enctype="multipart/form-data">
  <p><input type="file" name="file" accept=".csv,text/csv" required></p>
  <p>
    <label>Policy
      <select name="policy">
        <option value="reject">reject conflicting slots</option>
        <option value="first-wins">first come, first served</option>
      </select>
    </label>
  </p>
  <p><label>Accept IDs <input type="text" name="accept" placeholder="id1,id2"></label></p>
  <p>
    <button type="submit">Download invites</button>
    <button type="submit" formaction="/api/check">Check conflicts</button>
  </p>
</form>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexHTML)
}

// handleCheck plans the uploaded file and reports conflicts and row errors.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.plan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, plan.Summary())
}

// handleExport plans the uploaded file and returns the accepted records as
// a calendar attachment.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.plan(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	ferrs, err := s.sched.Export(&buf, plan)
	if err != nil {
		s.logger.Error("Failed to encode calendar", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode calendar")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/calendar; charset=utf-8")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ExportFilename}))
	h.Set("X-Skipped-Events", strconv.Itoa(len(ferrs)))
	h.Set("X-Rejected-Records", strconv.Itoa(len(plan.Resolution.Rejected)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// plan reads the upload and runs it through the scheduler. It writes the
// error response itself and returns ok=false on failure.
func (s *Server) plan(w http.ResponseWriter, r *http.Request) (*scheduler.Plan, bool) {
	data, err := s.readUpload(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	// An empty policy leaves the configured default in place.
	var policy conflict.Policy
	if v := r.FormValue("policy"); v != "" {
		if policy, err = conflict.ParsePolicy(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
	}
	accept := splitIDs(r.Form["accept"])

	plan, err := s.sched.Plan(r.Context(), bytes.NewReader(data), policy, accept)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrIntake):
		s.logger.Warn("Rejected upload", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	case errors.Is(err, scheduler.ErrBookings):
		s.logger.Error("Bookings unavailable", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return nil, false
	default:
		s.logger.Error("Planning failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return plan, true
}

// readUpload returns the CSV from the multipart field "file" or, for any
// other content type, the raw request body.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.cfg.Server.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, err
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing upload field %q", "file")
		}
		defer f.Close()
		return io.ReadAll(f)
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		data := r.PostForm.Get("file")
		if data == "" {
			return nil, fmt.Errorf("missing form field %q", "file")
		}
		return []byte(data), nil
	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return data, nil
	}
}

// splitIDs accepts repeated values as well as comma-separated lists.
func splitIDs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
