package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/protocol"
	"github.com/mcdev12/stagesync/go/internal/timer"
)

const maxControlBody = 64 << 10

// ControlService is what the HTTP control API needs from the hub
type ControlService interface {
	Controller
	TimerState(ctx context.Context) (timer.State, error)
	ScreenState(ctx context.Context, screenID string) (protocol.ScreenState, error)
	ListConnections(ctx context.Context, screenID string) ([]ConnectionInfo, error)
	Health(ctx context.Context) (HealthSummary, error)
}

// ControlHandler serves the controller REST API
type ControlHandler struct {
	service ControlService
}

// NewControlHandler creates a new control handler
func NewControlHandler(service ControlService) *ControlHandler {
	return &ControlHandler{service: service}
}

// RegisterRoutes registers control and diagnostics routes
func (h *ControlHandler) RegisterRoutes(mux *http.ServeMux) {
	actions := map[string]string{
		"POST /api/timer/start":    ActionTimerStart,
		"POST /api/timer/pause":    ActionTimerPause,
		"POST /api/timer/stop":     ActionTimerStop,
		"POST /api/timer/reset":    ActionTimerReset,
		"POST /api/timer/set-time": ActionTimerSetTime,
		"POST /api/timer/set-mode": ActionTimerSetMode,
		"POST /api/message/show":   ActionMessageShow,
		"POST /api/message/send":   ActionMessageShow,
		"POST /api/message/hide":   ActionMessageHide,
		"POST /api/element/show":   ActionElementShow,
		"POST /api/element/hide":   ActionElementHide,
	}
	for pattern, action := range actions {
		mux.HandleFunc(pattern, h.handleAction(action))
	}

	mux.HandleFunc("GET /api/timer", h.HandleGetTimer)
	mux.HandleFunc("GET /api/screens", h.HandleListScreens)
	mux.HandleFunc("GET /api/screens/{screenId}/state", h.HandleGetScreenState)
	mux.HandleFunc("GET /api/clients", h.HandleListClients)
	mux.HandleFunc("GET /api/clients/{screenId}", h.HandleGetClient)
	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /api/health/clients", h.HandleHealthClients)
	mux.HandleFunc("POST /api/diagnostics/latency", h.HandleLatency)
}

func (h *ControlHandler) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ControlRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := ExecuteControl(r.Context(), h.service, action, req)
		if err != nil {
			status := http.StatusInternalServerError
			if IsClientError(err) {
				status = http.StatusBadRequest
			} else if errors.Is(err, ErrHubStopped) {
				status = http.StatusServiceUnavailable
			}
			log.Warn().Err(err).Str("action", action).Msg("control action failed")
			writeError(w, status, err)
			return
		}

		log.Debug().Str("action", action).Msg("control action applied")
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleGetTimer handles GET /api/timer
func (h *ControlHandler) HandleGetTimer(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.TimerState(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleListScreens handles GET /api/screens
func (h *ControlHandler) HandleListScreens(w http.ResponseWriter, r *http.Request) {
	screens, err := h.service.ListConnectedScreens(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if screens == nil {
		screens = []ScreenHealth{}
	}
	writeJSON(w, http.StatusOK, screens)
}

// HandleGetScreenState handles GET /api/screens/{screenId}/state
func (h *ControlHandler) HandleGetScreenState(w http.ResponseWriter, r *http.Request) {
	ss, err := h.service.ScreenState(r.Context(), r.PathValue("screenId"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

// HandleListClients handles GET /api/clients
func (h *ControlHandler) HandleListClients(w http.ResponseWriter, r *http.Request) {
	conns, err := h.service.ListConnections(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

// HandleGetClient handles GET /api/clients/{screenId}, returning the screen's oldest connection
func (h *ControlHandler) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.firstConnection(w, r, r.PathValue("screenId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// HandleHealth handles GET /api/health
func (h *ControlHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleHealthClients handles GET /api/health/clients
func (h *ControlHandler) HandleHealthClients(w http.ResponseWriter, r *http.Request) {
	conns, err := h.service.ListConnections(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	summary, err := h.service.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients":   conns,
		"timestamp": summary.Timestamp,
	})
}

// HandleLatency handles POST /api/diagnostics/latency
func (h *ControlHandler) HandleLatency(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ScreenID == "" {
		writeError(w, http.StatusBadRequest, ErrScreenRequired)
		return
	}
	conn, ok := h.firstConnection(w, r, req.ScreenID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"screenId":       conn.ScreenID,
		"latency":        conn.Latency,
		"status":         conn.Status,
		"lastPing":       conn.LastPing,
		"connectionTime": conn.ConnectionTime,
	})
}

func (h *ControlHandler) firstConnection(w http.ResponseWriter, r *http.Request, screenID string) (ConnectionInfo, bool) {
	conns, err := h.service.ListConnections(r.Context(), screenID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return ConnectionInfo{}, false
	}
	if len(conns) == 0 {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return ConnectionInfo{}, false
	}
	return conns[0], true
}

// decodeBody accepts an empty body as the zero request
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxControlBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ControlResponse{Success: false, Error: err.Error()})
}
