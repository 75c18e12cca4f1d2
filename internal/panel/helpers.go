package panel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps err's code to an HTTP status and writes it.
func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error(), "code": schema.ErrorCode(err)}
	var fe *schema.FlowError
	if errors.As(err, &fe) && len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	if status >= http.StatusInternalServerError {
		logging.LogWith(r.Context(), s.deps.Logger).Error("request failed",
			slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeDefinition, schema.ErrCodeNodeConfig,
		schema.ErrCodeExpressionParse, schema.ErrCodeExpressionEval:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeNotWaiting, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid id %q", raw)
	}
	return id, nil
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

// respond writes v, reshaped by the request's jq "filter" parameter when
// one is given.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		writeJSON(w, http.StatusOK, v)
		return
	}
	out, err := s.jq.QueryValue(r.Context(), filter, v)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
