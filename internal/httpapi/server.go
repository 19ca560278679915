package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"manifold-hub/internal/commands"
	"manifold-hub/internal/model"
	"manifold-hub/internal/topic"
)

type Repo interface {
	CreateDevice(ctx context.Context, d *model.Device) error
	ListDevices(ctx context.Context) ([]model.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*model.Device, error)
	DeviceByTopicKey(ctx context.Context, key string) (*model.Device, error)
	CreateManifold(ctx context.Context, m *model.Manifold) error
	ManifoldByManifoldID(ctx context.Context, manifoldID string, withValves bool) (*model.Manifold, error)
	GetCommand(ctx context.Context, commandID string) (*model.ValveCommand, error)
}

type Issuer interface {
	Issue(ctx context.Context, manifoldID string, valveNumber int, action string) (*model.ValveCommand, error)
}

// Server exposes registration, state reads, command issue and the realtime socket.
type Server struct {
	repo     Repo
	commands Issuer
	realtime http.Handler

	// Middleware wraps every route; used for tracing and request metrics.
	Middleware []func(http.Handler) http.Handler
	// Health contributes extra fields to /health.
	Health func(ctx context.Context) map[string]any
}

var validate = validator.New()

func NewServer(repo Repo, cmds Issuer, realtime http.Handler) *Server {
	return &Server{repo: repo, commands: cmds, realtime: realtime}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	for _, mw := range s.Middleware {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	if s.realtime != nil {
		r.Get("/ws", s.realtime.ServeHTTP)
	}

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", s.handleDevicesList)
		r.Post("/", s.handleDevicesCreate)
		r.Get("/{device_id}", s.handleDevicesGet)
	})

	r.Route("/api/manifolds", func(r chi.Router) {
		r.Post("/", s.handleManifoldsCreate)
		r.Get("/{manifold_id}", s.handleManifoldsGet)
		r.Post("/{manifold_id}/valves/{valve_number}/commands", s.handleCommandsIssue)
	})

	r.Get("/api/commands/{command_id}", s.handleCommandsGet)

	mux.Handle("/", r)
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "invalid request: "+verrs.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "invalid json")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.Health != nil {
		for k, v := range s.Health(r.Context()) {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Devices ---

type deviceCreateRequest struct {
	DeviceID string         `json:"device_id" validate:"required,excludesall=/#+$"`
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load devices")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDevicesGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "device_id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	dev, err := s.repo.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDevicesCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	key := topic.DeviceKey(strings.TrimSpace(req.DeviceID))
	existing, err := s.repo.DeviceByTopicKey(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "device already registered")
		return
	}
	dev := &model.Device{TopicKey: key, Name: strings.TrimSpace(req.Name), Settings: req.Settings}
	if err := s.repo.CreateDevice(r.Context(), dev); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// --- Manifolds ---

type valveCreateRequest struct {
	ValveNumber int    `json:"valve_number" validate:"gt=0"`
	Name        string `json:"name"`
	Mode        string `json:"mode"`
}

type manifoldCreateRequest struct {
	ManifoldID string               `json:"manifold_id" validate:"required,excludesall=/#+$"`
	Name       string               `json:"name"`
	Valves     []valveCreateRequest `json:"valves" validate:"unique=ValveNumber,dive"`
}

func (s *Server) handleManifoldsCreate(w http.ResponseWriter, r *http.Request) {
	var req manifoldCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	id := strings.TrimSpace(req.ManifoldID)
	existing, err := s.repo.ManifoldByManifoldID(r.Context(), id, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load manifold")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "manifold already registered")
		return
	}
	m := &model.Manifold{ManifoldID: id, Name: strings.TrimSpace(req.Name)}
	for _, v := range req.Valves {
		m.Valves = append(m.Valves, model.Valve{
			ValveNumber:     v.ValveNumber,
			Name:            strings.TrimSpace(v.Name),
			OperationalData: model.ValveOperationalData{Mode: strings.TrimSpace(v.Mode)},
		})
	}
	if err := s.repo.CreateManifold(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create manifold")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleManifoldsGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.repo.ManifoldByManifoldID(r.Context(), chi.URLParam(r, "manifold_id"), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load manifold")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "manifold not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Commands ---

type commandIssueRequest struct {
	Action string `json:"action" validate:"required"`
}

func (s *Server) handleCommandsIssue(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "valve_number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid valve number")
		return
	}
	var req commandIssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	cmd, err := s.commands.Issue(r.Context(), chi.URLParam(r, "manifold_id"), number, req.Action)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, cmd)
	case errors.Is(err, commands.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, commands.ErrManifoldNotFound), errors.Is(err, commands.ErrValveNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, commands.ErrNotDelivered):
		writeJSON(w, http.StatusBadGateway, cmd)
	default:
		writeError(w, http.StatusInternalServerError, "failed to issue command")
	}
}

func (s *Server) handleCommandsGet(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.repo.GetCommand(r.Context(), chi.URLParam(r, "command_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	if cmd == nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
