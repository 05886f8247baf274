package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/outbox"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// maxSendBody bounds a send request, media included.
const maxSendBody = 64 << 20

type mediaPayload struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimetype"`
	FileName string `json:"filename"`
}

type sendRequest struct {
	Phone         string        `json:"phone"`
	Message       string        `json:"message"`
	Media         *mediaPayload `json:"media"`
	ReplyToID     string        `json:"reply_to_id"`
	ForwardFromID string        `json:"forward_from_id"`
}

type sendResponse struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	PhoneNumber string        `json:"phone_number"`
	Outcome     string        `json:"outcome"`
	Chat        store.Chat    `json:"chat"`
	Sent        store.Message `json:"sent"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&body); err != nil {
		writeError(w, failure.New(failure.InvalidRequest, "invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		writeError(w, failure.New(failure.InvalidRequest, "phone number is required"))
		return
	}

	req := outbox.SendRequest{
		To:          body.Phone,
		Text:        body.Message,
		ReplyTo:     body.ReplyToID,
		ForwardFrom: body.ForwardFromID,
	}
	if body.Media != nil {
		media, err := decodeMedia(*body.Media)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Media = &media
	}

	res, err := h.sender.Send(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		Success:     true,
		Message:     "Message sent successfully",
		PhoneNumber: res.Chat.ContactID,
		Outcome:     res.Outcome.String(),
		Chat:        res.Chat,
		Sent:        res.Message,
	})
}

// decodeMedia accepts plain base64 or a data URL.
func decodeMedia(p mediaPayload) (wa.Media, error) {
	raw := p.Data
	mime := p.MIMEType
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return wa.Media{}, failure.New(failure.InvalidRequest, "malformed data URL")
		}
		if mime == "" {
			mime = strings.TrimSuffix(header, ";base64")
		}
		raw = payload
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return wa.Media{}, failure.New(failure.InvalidRequest, "media data is not valid base64")
	}
	if len(data) == 0 {
		return wa.Media{}, failure.New(failure.InvalidRequest, "media data is empty")
	}
	return wa.Media{Data: data, MIMEType: mime, FileName: p.FileName}, nil
}
