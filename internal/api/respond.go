package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/paths"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps an error kind to its HTTP status code.
func httpStatus(err error) int {
	switch failure.KindOf(err) {
	case failure.InvalidRecipient, failure.InvalidRequest:
		return http.StatusBadRequest
	case failure.NotReady:
		return http.StatusConflict
	case failure.NotFound:
		return http.StatusNotFound
	case failure.SendFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{
		Error: err.Error(),
		Code:  failure.KindOf(err).String(),
	})
}

// userID reads and validates the {userId} route parameter.
func userID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "userId")
	if err := paths.ValidateUserID(id); err != nil {
		return "", failure.Wrap(failure.InvalidRequest, err, "user id")
	}
	return id, nil
}

// intParam parses a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, failure.New(failure.InvalidRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}
