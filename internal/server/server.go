// Package server is the host control surface: recording control, the
// upload task list, session identity and health.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/breeze-rmm/recorder/internal/broadcast"
	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var log = logging.L("server")

const (
	controlTimeout = 30 * time.Second
	maxUploadBytes = 4 << 30
)

// Recorder is the capture pipeline as seen by the control surface.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	ToggleRecording(ctx context.Context) error
	IsRecording() bool
	ElapsedSeconds() int
	SessionID() string
	Session() capture.SessionInfo
	SetSession(info capture.SessionInfo)
}

// Queue is the upload queue as seen by the control surface.
type Queue interface {
	Tasks() []uploads.Task
	Enqueue(payload []byte, filename string, meta uploads.Metadata) uploads.TaskID
}

type Guard interface {
	Armed() bool
}

type Deps struct {
	Recorder Recorder
	Queue    Queue
	Guard    Guard
	Health   *health.Monitor
	// Updates serves the websocket task stream.
	Updates http.Handler
}

type Server struct {
	deps   Deps
	router *chi.Mux
}

func New(deps Deps) *Server {
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.Get("/healthz", s.health)

	r.Route("/recording", func(r chi.Router) {
		r.Get("/", s.recordingStatus)
		r.Post("/start", s.control((Recorder).StartRecording))
		r.Post("/stop", s.control((Recorder).StopRecording))
		r.Post("/toggle", s.control((Recorder).ToggleRecording))
	})

	r.Get("/session", s.getSession)
	r.Put("/session", s.putSession)

	r.Route("/uploads", func(r chi.Router) {
		r.Get("/", s.listUploads)
		r.Post("/", s.enqueueUpload)
		if s.deps.Updates != nil {
			r.Handle("/ws", s.deps.Updates)
		}
	})
}

type recordingStatus struct {
	IsRecording    bool   `json:"isRecording"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	SessionID      string `json:"sessionId,omitempty"`
}

func (s *Server) currentStatus() recordingStatus {
	return recordingStatus{
		IsRecording:    s.deps.Recorder.IsRecording(),
		ElapsedSeconds: s.deps.Recorder.ElapsedSeconds(),
		SessionID:      s.deps.Recorder.SessionID(),
	}
}

func (s *Server) recordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus())
}

// control runs op detached from the request so a client disconnect cannot
// leave a recording half started or half finalized.
func (s *Server) control(op func(Recorder, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), controlTimeout)
		defer cancel()
		if err := op(s.deps.Recorder, ctx); err != nil {
			logging.FromContext(r.Context()).Warn("recording control failed", "path", r.URL.Path, logging.KeyError, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.currentStatus())
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recorder.Session())
}

func (s *Server) putSession(w http.ResponseWriter, r *http.Request) {
	var info capture.SessionInfo
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session: "+err.Error())
		return
	}
	s.deps.Recorder.SetSession(info)
	writeJSON(w, http.StatusOK, info)
}

type uploadList struct {
	Tasks       []uploads.Task `json:"tasks"`
	UnloadGuard bool           `json:"unloadGuard"`
}

func (s *Server) listUploads(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Queue.Tasks()
	format := r.URL.Query().Get("format")
	if format == "" || format == broadcast.FormatJSON {
		if tasks == nil {
			tasks = []uploads.Task{}
		}
		writeJSON(w, http.StatusOK, uploadList{Tasks: tasks, UnloadGuard: s.armed()})
		return
	}
	switch format {
	case broadcast.FormatText, broadcast.FormatYAML:
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+format)
		return
	}
	w.Header().Set("Content-Type", broadcast.ContentType(format))
	w.WriteHeader(http.StatusOK)
	if err := broadcast.Render(w, format, tasks); err != nil {
		log.Warn("render task list", logging.KeyError, err)
	}
}

func (s *Server) armed() bool {
	return s.deps.Guard != nil && s.deps.Guard.Armed()
}

type enqueued struct {
	ID       uploads.TaskID `json:"id"`
	Filename string         `json:"filename"`
}

// enqueueUpload accepts an already-encoded artifact, for hosts that record
// in the browser and only need the delivery queue.
func (s *Server) enqueueUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile(uploads.FileField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(file, payload); err != nil {
		writeError(w, http.StatusBadRequest, "read file part: "+err.Error())
		return
	}

	filename := filepath.Base(hdr.Filename)
	if filename == "." || filename == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, "file part needs a filename")
		return
	}
	session := s.deps.Recorder.Session()
	meta := session.Metadata()
	if v := r.FormValue("teacherName"); v != "" {
		meta.TeacherName = v
	}
	if v := r.FormValue("teacherEmail"); v != "" {
		meta.TeacherEmail = v
	}
	if v := r.FormValue("roomId"); v != "" {
		meta.RoomID = v
	}
	if v := r.FormValue("role"); v != "" {
		meta.Role = v
	}

	id := s.deps.Queue.Enqueue(payload, filename, meta)
	if id == 0 {
		writeError(w, http.StatusServiceUnavailable, "upload queue is shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueued{ID: id, Filename: filename})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(health.Healthy)})
		return
	}
	report := s.deps.Health.Report()
	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}
