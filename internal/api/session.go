package api

import (
	"net/http"

	"github.com/matheus3301/wabridge/internal/status"
)

// statusResponse is the session view shared by initialize and status.
type statusResponse struct {
	Status      string `json:"status"`
	QRCode      string `json:"qr_code,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message"`
}

func newStatusResponse(s status.Snapshot) statusResponse {
	switch s.State {
	case status.Initializing:
		return statusResponse{Status: "connecting", Message: "Initializing WhatsApp client..."}
	case status.PairingReady:
		return statusResponse{Status: "qr_ready", QRCode: s.PairingPayload, Message: "Scan QR code with your phone"}
	case status.Ready:
		return statusResponse{Status: "ready", PhoneNumber: s.Identity, Message: "WhatsApp connected"}
	case status.Error:
		return statusResponse{
			Status:    "error",
			Error:     s.LastError,
			ErrorCode: s.ErrorKind.String(),
			Message:   "WhatsApp session failed, initialize again to retry",
		}
	default:
		return statusResponse{Status: "disconnected", Message: "WhatsApp session not initialized"}
	}
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.sessions.Initialize(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(snap))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(h.sessions.GetStatus(id)))
}

type disconnectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "Already disconnected"
	if h.sessions.Disconnect(r.Context(), id) {
		msg = "Disconnected successfully"
	}
	writeJSON(w, http.StatusOK, disconnectResponse{Success: true, Message: msg})
}
