package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/mesh"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/session"
)

// statusFor maps domain errors onto HTTP codes: absent rows 404, device
// permission refusals 403, lifecycle conflicts 409, requests the call
// cannot satisfy 400, anything unrecognized 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, callstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotRinging),
		errors.Is(err, session.ErrEnded),
		errors.Is(err, mesh.ErrEnded),
		errors.Is(err, mesh.ErrCallFull),
		errors.Is(err, mesh.ErrSharing),
		errors.Is(err, mesh.ErrNotSharing),
		errors.Is(err, callstore.ErrCallTerminal),
		errors.Is(err, callstore.ErrAnswerAlreadySet):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrNotGroup),
		errors.Is(err, session.ErrNoVideo),
		errors.Is(err, mesh.ErrNoVideo),
		errors.Is(err, media.ErrNoDevice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// The status line is already out; a failed encode leaves nothing to
	// report to the client.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}
