package api

import (
	"encoding/json"
	"net/http"

	"github.com/scribeforge/scribeforge/internal/errs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: message})
}

// writeCoreError translates the closed errs.Kind taxonomy (spec §6/§7) into
// an HTTP status and JSON body.
func writeCoreError(w http.ResponseWriter, err error) {
	ce, ok := errs.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch ce.Kind {
	case errs.KindRateLimited:
		w.Header().Set("Retry-After", ce.RetryAfter.String())
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: ce.Error(), RetryAfter: ce.RetryAfter.String()})
	case errs.KindQuotaExhausted:
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: ce.Error()})
	case errs.KindNotFound:
		writeError(w, http.StatusNotFound, ce.Error())
	case errs.KindForbidden:
		writeError(w, http.StatusForbidden, ce.Error())
	case errs.KindPreconditionFailed:
		writeError(w, http.StatusConflict, ce.Error())
	case errs.KindUploadInvalidSize, errs.KindUploadInvalidChunkIndex,
		errs.KindUploadInvalidMagicMismatch, errs.KindUploadInvalidConflict,
		errs.KindUploadInvalidMissingChunks:
		writeError(w, http.StatusBadRequest, ce.Error())
	default:
		writeError(w, http.StatusInternalServerError, ce.Error())
	}
}
