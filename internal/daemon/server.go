package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewline/crewline/internal/auth"
	"github.com/crewline/crewline/internal/comms"
	"github.com/crewline/crewline/internal/delivery"
	"github.com/crewline/crewline/internal/gateway"
	"github.com/crewline/crewline/internal/profile"
)

// Server serves the daemon control API as JSON over the profile's Unix
// domain socket. Session snapshots are pushed over a WebSocket stream.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	profile    string
	ctrl       *comms.Controller
	upgrader   websocket.Upgrader
	startedAt  time.Time
	logger     *zap.Logger
}

// NewServer creates the control server bound to the profile's socket.
func NewServer(p Params, logger *zap.Logger, ctrl *comms.Controller) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		profile:    p.ProfileName,
		ctrl:       ctrl,
		startedAt:  time.Now(),
		logger:     logger,
	}
	s.httpServer = &http.Server{Handler: s.routes()}
	return s, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/v1/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue", s.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/v1/crews", s.handleCrews).Methods(http.MethodGet)

	r.HandleFunc("/v1/crews/{crew}/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/unsubscribe", s.handleUnsubscribe).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/messages/{msg}/edit", s.handleEdit).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/messages/{msg}/delete", s.handleDelete).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/messages/{msg}/pin", s.handlePin).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/messages/{msg}/read", s.handleRead).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/typing", s.handleTyping).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/safety/announcement", s.handleAnnouncement).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/safety/alert", s.handleAlert).Methods(http.MethodPost)
	r.HandleFunc("/v1/crews/{crew}/safety/checkin", s.handleCheckin).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"profile":   s.profile,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshots().Current())
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue": s.ctrl.Snapshots().Current().Queue,
	})
}

func (s *Server) handleCrews(w http.ResponseWriter, _ *http.Request) {
	crews, err := s.ctrl.Crews(50)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(crews))
	for _, c := range crews {
		out = append(out, map[string]any{
			"crew_id":              c.CrewID,
			"name":                 c.Name,
			"last_message_at":      c.LastMessageAt,
			"last_message_preview": c.LastMessagePreview,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"crews": out})
}

// handleStream pushes every session snapshot to the client as a WebSocket
// text frame, starting with the current one.
func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	snaps, unsub := s.ctrl.Snapshots().Subscribe(16)
	defer unsub()

	// Drain the read side so client close tears the stream down.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap := <-snaps:
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-done:
			return
		case <-req.Context().Done():
			return
		}
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	if err := s.ctrl.StartListeningToMessages(context.Background(), crewID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"crew_id": crewID, "state": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	s.ctrl.StopListeningToMessages(crewID)
	writeJSON(w, http.StatusOK, map[string]string{"crew_id": crewID, "state": "idle"})
}

func (s *Server) handleSend(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	var in struct {
		Body        string                `json:"body"`
		Kind        string                `json:"kind"`
		Attachments []delivery.Attachment `json:"attachments"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	kind := delivery.MessageKind(in.Kind)
	if kind == "" {
		kind = delivery.KindText
	}
	msg, err := s.ctrl.SendMessage(req.Context(), crewID, in.Body, kind, in.Attachments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"client_msg_id": msg.ClientID,
		"status":        string(msg.Status),
	})
}

func (s *Server) handleEdit(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var in struct {
		Body string `json:"body"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	if err := s.ctrl.EditMessage(req.Context(), vars["crew"], vars["msg"], in.Body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": vars["msg"]})
}

func (s *Server) handleDelete(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if err := s.ctrl.DeleteMessage(req.Context(), vars["crew"], vars["msg"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": vars["msg"]})
}

func (s *Server) handlePin(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var in struct {
		Pinned bool `json:"pinned"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	if err := s.ctrl.PinMessage(req.Context(), vars["crew"], vars["msg"], in.Pinned); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": vars["msg"], "pinned": in.Pinned})
}

func (s *Server) handleRead(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if err := s.ctrl.MarkMessageRead(req.Context(), vars["crew"], vars["msg"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": vars["msg"]})
}

func (s *Server) handleTyping(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	var in struct {
		MemberID string `json:"member_id"`
		Typing   bool   `json:"typing"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	s.ctrl.SetTyping(crewID, in.MemberID, in.Typing)
	writeJSON(w, http.StatusOK, map[string]any{"crew_id": crewID, "typing": in.Typing})
}

func (s *Server) handleAnnouncement(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	var in struct {
		Body string `json:"body"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	msg, err := s.ctrl.SendSafetyAnnouncement(req.Context(), crewID, in.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_msg_id": msg.ClientID})
}

func (s *Server) handleAlert(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	var in struct {
		Body     string `json:"body"`
		Location string `json:"location"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	msg, err := s.ctrl.SendEmergencyAlert(req.Context(), crewID, in.Body, in.Location)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_msg_id": msg.ClientID})
}

func (s *Server) handleCheckin(w http.ResponseWriter, req *http.Request) {
	crewID := mux.Vars(req)["crew"]
	var in struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, req, &in) {
		return
	}
	msg, err := s.ctrl.SendSafetyCheckin(req.Context(), crewID, in.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_msg_id": msg.ClientID})
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var werr *gateway.WriteError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		code = http.StatusUnauthorized
	case errors.As(err, &werr):
		code = http.StatusForbidden
	case strings.Contains(err.Error(), "not found"):
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
