// Package control exposes the agent's local command surface: a websocket
// at /ws and REST mirrors for triggering uploads, submitting sensor
// readings and reading a status snapshot.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoDashPi/device-client/internal/engine"
	"github.com/GoDashPi/device-client/internal/store"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// The endpoint listens on loopback by default; any local origin is
	// accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Uploads schedules upload passes.
type Uploads interface {
	RequestUpload(statuses []store.Status) bool
	Stats() engine.Stats
}

// Sensors accepts sensor readings.
type Sensors interface {
	Add(ctx context.Context, sessionID, sensorType string, data any) (store.SensorReading, error)
}

// Sessions lists the sessions currently being captured.
type Sessions interface {
	Sessions() []string
}

// Snapshot is the reply to a status command.
type Snapshot struct {
	Files   map[store.Status]int `json:"files"`
	Sensors map[store.Status]int `json:"sensors"`
	Active  []string             `json:"active"`
	Engine  engine.Stats         `json:"engine"`
}

// Server handles control commands.
type Server struct {
	store    *store.Store
	uploads  Uploads
	sensors  Sensors
	sessions Sessions
	log      *slog.Logger
}

// New creates a Server.
func New(st *store.Store, uploads Uploads, sensors Sensors, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		uploads:  uploads,
		sensors:  sensors,
		sessions: sessions,
		log:      logger,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /sensor", s.handleSensor)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// ListenAndServe serves the handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("control endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("control endpoint: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control endpoint shutdown: %w", err)
		}
		return nil
	}
}

// Dispatch executes one command and returns its reply.
func (s *Server) Dispatch(ctx context.Context, req Request) Reply {
	switch req.Type {
	case TypeUpload:
		return s.upload(req)
	case TypeSensor:
		return s.sensor(ctx, req)
	case TypeStatus:
		snap, err := s.Snapshot(ctx)
		if err != nil {
			s.log.Error("status snapshot failed", "error", err)
			return errorReply(TypeStatus, CodeInternal, err.Error())
		}
		return Reply{Type: TypeStatus, Status: &snap}
	case "":
		return errorReply("", CodeInvalidMessage, "missing message type")
	default:
		return errorReply(req.Type, CodeInvalidMessage, fmt.Sprintf("unknown message type %q", req.Type))
	}
}

func (s *Server) upload(req Request) Reply {
	statuses, err := store.ParseStatuses(req.Statuses)
	if err != nil {
		return errorReply(TypeUpload, CodeInvalidMessage, err.Error())
	}
	if !s.uploads.RequestUpload(statuses) {
		return errorReply(TypeUpload, CodeUnavailable, "engine stopped")
	}
	s.log.Info("upload requested", "statuses", req.Statuses)
	return Reply{Type: TypeAck, Command: TypeUpload}
}

func (s *Server) sensor(ctx context.Context, req Request) Reply {
	if req.Session == "" || req.Sensor == "" {
		return errorReply(TypeSensor, CodeInvalidMessage, "session and sensor are required")
	}
	if len(req.Data) == 0 || !json.Valid(req.Data) {
		return errorReply(TypeSensor, CodeInvalidMessage, "data must be a JSON value")
	}

	if _, _, err := s.store.EnsureSession(ctx, req.Session); err != nil {
		s.log.Error("failed to ensure session", "session", req.Session, "error", err)
		return errorReply(TypeSensor, CodeInternal, err.Error())
	}
	r, err := s.sensors.Add(ctx, req.Session, req.Sensor, req.Data)
	if err != nil {
		s.log.Error("failed to store sensor reading", "session", req.Session, "sensor", req.Sensor, "error", err)
		return errorReply(TypeSensor, CodeInternal, err.Error())
	}
	return Reply{Type: TypeAck, Command: TypeSensor, ID: r.ID}
}

// Snapshot counts records per status and reports the loop state.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	files, err := s.store.CountByStatus(ctx, store.KindFile, "")
	if err != nil {
		return Snapshot{}, err
	}
	sensors, err := s.store.CountByStatus(ctx, store.KindSensor, "")
	if err != nil {
		return Snapshot{}, err
	}
	active := []string{}
	if s.sessions != nil {
		active = append(active, s.sessions.Sessions()...)
	}
	return Snapshot{
		Files:   files,
		Sensors: sensors,
		Active:  active,
		Engine:  s.uploads.Stats(),
	}, nil
}
