package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/broadcast"
	"github.com/cwygoda/distillery/internal/domain"
)

// JobQueue is the admission side the server drives.
type JobQueue interface {
	Submit(ctx context.Context, url string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) (*domain.Job, error)
	Len() int
	Active() int
}

// Options configures a Server.
type Options struct {
	Addr string
	// Heartbeat is the WebSocket ping interval. Zero disables pings.
	Heartbeat time.Duration
	Logger    logrus.FieldLogger
}

// Server is the HTTP adapter for job submission and observation.
type Server struct {
	svc      *domain.JobService
	queue    JobQueue
	events   *broadcast.Broadcaster
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
	opts     Options
	log      logrus.FieldLogger
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, queue JobQueue, events *broadcast.Broadcaster, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		svc:    svc,
		queue:  queue,
		events: events,
		mux:    http.NewServeMux(),
		opts:   opts,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("GET /jobs/{id}/logs", s.handleJobLogs)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws/jobs/status", s.handleStatusStream)
	s.mux.HandleFunc("GET /ws/jobs/{id}/logs", s.handleLogStream)
}

// createJobRequest is the request body for POST /jobs.
type createJobRequest struct {
	URL string `json:"url"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	VideoID         string   `json:"video_id,omitempty"`
	Status          string   `json:"status"`
	Progress        int      `json:"progress"`
	Error           string   `json:"error,omitempty"`
	CancelRequested bool     `json:"cancel_requested"`
	CreatedAt       string   `json:"created_at"`
	StartedAt       string   `json:"started_at,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
	UpdatedAt       string   `json:"updated_at"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// jobDetailResponse is the JSON response for GET /jobs/{id}.
type jobDetailResponse struct {
	jobResponse
	Stages []stageResponse `json:"stages"`
}

type stageResponse struct {
	Stage           string          `json:"stage"`
	OK              bool            `json:"ok"`
	Detail          string          `json:"detail,omitempty"`
	Error           string          `json:"error,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	StartedAt       string          `json:"started_at"`
	DurationSeconds float64         `json:"duration_seconds"`
}

type listResponse struct {
	Jobs   []jobResponse `json:"jobs"`
	Count  int           `json:"count"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type logsResponse struct {
	JobID string            `json:"job_id"`
	Logs  []domain.LogEvent `json:"logs"`
}

type statsResponse struct {
	TotalJobs          int            `json:"total_jobs"`
	CountsByStatus     map[string]int `json:"counts_by_status"`
	Running            int            `json:"running"`
	Queued             int            `json:"queued"`
	AvgDurationSeconds *float64       `json:"avg_duration_seconds"`
}

type healthResponse struct {
	Status            string `json:"status"`
	Queued            int    `json:"queued"`
	Active            int    `json:"active"`
	StatusSubscribers int    `json:"status_subscribers"`
	LogSubscribers    int    `json:"log_subscribers"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.queue.Submit(r.Context(), req.URL)
	if err != nil {
		s.writeServiceError(w, "submit", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := s.queryInt(w, r, "offset")
	if !ok {
		return
	}

	page, err := s.svc.List(r.Context(), limit, offset, r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, "list jobs", err)
		return
	}

	resp := lo.Map(page.Jobs, func(job domain.Job, _ int) jobResponse { return jobToResponse(&job) })
	s.writeJSON(w, http.StatusOK, listResponse{
		Jobs:   resp,
		Count:  len(resp),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get job", err)
		return
	}
	recs, err := s.svc.Stages(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get job", err)
		return
	}

	s.writeJSON(w, http.StatusOK, jobDetailResponse{
		jobResponse: jobToResponse(job),
		Stages:      lo.Map(recs, func(rec domain.StageRecord, _ int) stageResponse { return stageToResponse(rec) }),
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "cancel job", err)
		return
	}

	status := http.StatusOK
	if !job.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, jobToResponse(job))
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryInt(w, r, "limit")
	if !ok {
		return
	}

	id := r.PathValue("id")
	logs, err := s.svc.Logs(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, "job logs", err)
		return
	}
	if logs == nil {
		logs = []domain.LogEvent{}
	}

	s.writeJSON(w, http.StatusOK, logsResponse{JobID: id, Logs: logs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, "stats", err)
		return
	}

	resp := statsResponse{
		TotalJobs: st.TotalJobs,
		CountsByStatus: lo.MapKeys(st.CountsByStatus, func(_ int, status domain.JobStatus) string {
			return string(status)
		}),
		Running: st.Running,
		Queued:  s.queue.Len(),
	}
	if st.AvgDuration != nil {
		secs := st.AvgDuration.Seconds()
		resp.AvgDurationSeconds = &secs
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statusSubs, logSubs := s.events.Subscribers()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Queued:            s.queue.Len(),
		Active:            s.queue.Active(),
		StatusSubscribers: statusSubs,
		LogSubscribers:    logSubs,
	})
}

// writeServiceError maps domain errors onto HTTP statuses. Unexpected
// errors are logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Errorf("%s failed", op)
		s.writeError(w, http.StatusInternalServerError, domain.ErrSystem.Error())
	}
}

// queryInt reads a non-negative integer query parameter, 0 when absent.
// On a malformed value it writes a 400 and returns false.
func (s *Server) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:              job.ID,
		URL:             job.URL,
		VideoID:         job.VideoID(),
		Status:          string(job.Status),
		Progress:        job.Progress,
		Error:           job.Error,
		CancelRequested: job.CancelRequested,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
	}
	if job.StartedAt != nil {
		resp.StartedAt = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = formatTime(*job.CompletedAt)
	}
	if d, ok := job.Duration(); ok {
		secs := d.Seconds()
		resp.DurationSeconds = &secs
	}
	return resp
}

func stageToResponse(rec domain.StageRecord) stageResponse {
	return stageResponse{
		Stage:           rec.Stage.Stage(),
		OK:              rec.OK,
		Detail:          rec.Detail,
		Error:           rec.Error,
		Payload:         rec.Payload,
		StartedAt:       formatTime(rec.StartedAt),
		DurationSeconds: rec.Duration.Seconds(),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket
// connections are not tracked by net/http; they end when the broadcaster
// closes their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
