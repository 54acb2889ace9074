package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cxxkb/internal/cxxerr"
)

// maxBodyBytes bounds request bodies. PR overlay payloads with inline
// content are the largest legitimate requests.
const maxBodyBytes = 32 << 20

// legacyFields are the single-repo request fields from the pre-workspace
// API. They are rejected outright so old clients fail loudly instead of
// silently querying the wrong scope.
var legacyFields = []string{"repo_root", "file_path", "file_paths"}

// ErrorResponse is the JSON shape of every error answer.
type ErrorResponse struct {
	Error          string             `json:"error"`
	Kind           string             `json:"kind"`
	Details        interface{}        `json:"details,omitempty"`
	SuggestedFixes []cxxerr.FixAction `json:"suggestedFixes,omitempty"`
}

// legacyFieldError marks a request naming a legacy single-repo field; it
// maps to 422 instead of the usual 400.
type legacyFieldError struct {
	field string
}

func (e *legacyFieldError) Error() string {
	return fmt.Sprintf("legacy single-repo field %q is not supported; use workspace_id and file_key", e.field)
}

// StatusForKind maps the closed error-kind set onto HTTP status codes.
func StatusForKind(kind cxxerr.Kind) int {
	switch kind {
	case cxxerr.ValidationError:
		return http.StatusBadRequest
	case cxxerr.NotFound:
		return http.StatusNotFound
	case cxxerr.ManifestError:
		return http.StatusUnprocessableEntity
	case cxxerr.Unauthorized, cxxerr.SyncAuthFailed:
		return http.StatusUnauthorized
	case cxxerr.OverlayCapExceeded:
		return http.StatusConflict
	case cxxerr.WriteContention:
		return http.StatusServiceUnavailable
	case cxxerr.ExtractorTimeout:
		return http.StatusGatewayTimeout
	case cxxerr.ExtractorUnavailable, cxxerr.SyncCheckoutFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders any error as an ErrorResponse with its mapped
// status code.
func WriteError(w http.ResponseWriter, err error) {
	var legacy *legacyFieldError
	if errors.As(err, &legacy) {
		WriteJSON(w, ErrorResponse{
			Error:   legacy.Error(),
			Kind:    string(cxxerr.ValidationError),
			Details: map[string]string{"field": legacy.field},
		}, http.StatusUnprocessableEntity)
		return
	}

	resp := ErrorResponse{Error: err.Error(), Kind: string(cxxerr.Internal)}
	status := http.StatusInternalServerError

	var ce *cxxerr.Error
	if errors.As(err, &ce) {
		resp.Kind = string(ce.Kind)
		resp.Details = ce.Details
		resp.SuggestedFixes = ce.SuggestedFixes
		status = StatusForKind(ce.Kind)
	}

	WriteJSON(w, resp, status)
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// BadRequest writes a 400 validation error.
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, cxxerr.New(cxxerr.ValidationError, message))
}

// NotFound writes a 404.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, cxxerr.New(cxxerr.NotFound, message))
}

// MethodNotAllowed writes a 405.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSON(w, ErrorResponse{
		Error: "method not allowed",
		Kind:  string(cxxerr.ValidationError),
	}, http.StatusMethodNotAllowed)
}

// decodeJSON reads the body into dst, rejecting legacy single-repo
// fields at any top level of the document.
func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return cxxerr.Wrap(cxxerr.ValidationError, "failed to read request body", err)
	}
	if len(body) == 0 {
		return cxxerr.New(cxxerr.ValidationError, "request body is required")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return cxxerr.Wrap(cxxerr.ValidationError, "request body is not a JSON object", err)
	}
	for _, field := range legacyFields {
		if _, ok := probe[field]; ok {
			return &legacyFieldError{field: field}
		}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return cxxerr.Wrap(cxxerr.ValidationError, "malformed request body", err)
	}
	return nil
}
