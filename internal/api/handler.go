package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"meetlink/internal/chat"
	"meetlink/internal/devices"
	"meetlink/internal/meeting"
	"meetlink/internal/openvidu"
	"meetlink/internal/streams"
)

const maxChatBody = 64 << 10

// Meeting is satisfied by *meeting.Service.
type Meeting interface {
	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context)
	SetCamera(enabled bool) error
	SetMicrophone(enabled bool) error
	State() meeting.State
	RoomID() string
	Streams() []streams.Entry
}

// ChatSender is satisfied by *chat.Channel.
type ChatSender interface {
	Send(destination, contentType string, body []byte) error
}

type Handler struct {
	logger     zerolog.Logger
	meeting    Meeting
	chat       ChatSender
	sendPrefix string
	tracer     trace.Tracer
}

// NewHandler builds the control API. chat may be nil, in which case /chat
// answers 503.
func NewHandler(logger *zerolog.Logger, m Meeting, chat ChatSender, sendPrefix string) *Handler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "api").Logger()
	}
	return &Handler{
		logger:     l,
		meeting:    m,
		chat:       chat,
		sendPrefix: sendPrefix,
		tracer:     otel.Tracer("http-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /state", h.handleState)
	mux.HandleFunc("GET /streams", h.handleStreams)
	mux.HandleFunc("POST /join", h.handleJoin)
	mux.HandleFunc("POST /leave", h.handleLeave)
	mux.HandleFunc("POST /camera", h.handleCamera)
	mux.HandleFunc("POST /microphone", h.handleMicrophone)
	mux.HandleFunc("POST /chat", h.handleChat)
}

type StateResponse struct {
	State  string `json:"state"`
	RoomID string `json:"roomId,omitempty"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.State", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.respondJSON(w, StateResponse{
		State:  h.meeting.State().String(),
		RoomID: h.meeting.RoomID(),
	})
}

type StreamResponse struct {
	StreamID      string `json:"streamId"`
	Role          string `json:"role"`
	ParticipantID int    `json:"participantId"`
}

func (h *Handler) handleStreams(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Streams", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	entries := h.meeting.Streams()
	out := make([]StreamResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, StreamResponse{
			StreamID:      e.StreamID(),
			Role:          string(e.Role),
			ParticipantID: e.ParticipantID,
		})
	}
	h.respondJSON(w, out)
}

type JoinRequest struct {
	RoomID string `json:"roomId"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	if req.RoomID == "" {
		h.respondError(w, fmt.Errorf("roomId required"), http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "http.Join", trace.WithAttributes(attribute.String("room_id", req.RoomID)), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if err := h.meeting.Join(ctx, req.RoomID); err != nil {
		h.respondError(w, err, joinStatus(err))
		return
	}
	h.respondJSON(w, StateResponse{State: h.meeting.State().String(), RoomID: req.RoomID})
}

func joinStatus(err error) int {
	switch {
	case errors.Is(err, openvidu.ErrAuthFailure):
		return http.StatusBadGateway
	case errors.Is(err, meeting.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, devices.ErrNoDeviceFound):
		return http.StatusFailedDependency
	}
	return http.StatusInternalServerError
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.Leave", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.meeting.Leave(ctx)
	w.WriteHeader(http.StatusNoContent)
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleCamera(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "http.Camera", h.meeting.SetCamera)
}

func (h *Handler) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "http.Microphone", h.meeting.SetMicrophone)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, name string, set func(bool) error) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}

	_, span := h.tracer.Start(r.Context(), name, trace.WithAttributes(attribute.Bool("enabled", req.Enabled)), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if err := set(req.Enabled); err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChat forwards the request body, unchanged, to the chat destination of
// the current room.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Chat", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if h.chat == nil {
		h.respondError(w, fmt.Errorf("chat is disabled"), http.StatusServiceUnavailable)
		return
	}
	room := h.meeting.RoomID()
	if room == "" {
		h.respondError(w, fmt.Errorf("not in a room"), http.StatusConflict)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody))
	if err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	dest := h.sendPrefix + room
	span.SetAttributes(attribute.String("destination", dest))
	if err := h.chat.Send(dest, contentType, body); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, chat.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		h.respondError(w, err, status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
