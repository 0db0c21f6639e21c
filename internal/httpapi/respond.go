package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tacmap/backend/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error to its status and a client-safe
// `{error}` body. Unclassified errors collapse to 500 without leaking
// internals.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), map[string]string{"error": apperr.Message(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed JSON body", err))
		return false
	}
	return true
}
