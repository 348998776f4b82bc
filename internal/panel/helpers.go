package panel

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rendis/verdict/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps engine error codes to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	verr := schema.AsVerdictError(err, schema.ErrCodeStore)
	writeJSON(w, statusFor(verr.Code), map[string]string{
		"error": verr.Message,
		"code":  verr.Code,
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound, schema.ErrCodeWorkflowNotFound, schema.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidTransition, schema.ErrCodeSessionCompleted:
		return http.StatusConflict
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool reads "1" or "true" as true.
func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	return v == "1" || v == "true"
}
