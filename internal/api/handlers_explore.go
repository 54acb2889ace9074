package api

import (
	"net/http"
	"strings"

	"cxxkb/internal/engine"
)

// handleExploreRoutes dispatches /v1/explore/{operation}. The explore
// surface is a set of low-level primitives; each response carries cost
// and coverage envelopes instead of a confidence envelope.
func (s *Server) handleExploreRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	var req engine.ExploreRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		BadRequest(w, "workspace_id is required")
		return
	}

	operation := strings.TrimPrefix(r.URL.Path, "/v1/explore/")
	var (
		resp interface{}
		err  error
	)
	switch operation {
	case "rg-search":
		resp, err = s.engine.RgSearch(r.Context(), &req)
	case "read-file":
		resp, err = s.engine.ReadFile(r.Context(), &req)
	case "get-compile-command":
		resp, err = s.engine.GetCompileCommand(r.Context(), &req)
	case "list-candidates":
		resp, err = s.engine.ListCandidates(r.Context(), &req)
	case "classify-freshness":
		resp, err = s.engine.ClassifyFreshness(r.Context(), &req)
	case "parse-file":
		resp, err = s.engine.ParseFiles(r.Context(), &req)
	case "fetch-symbols":
		resp, err = s.engine.FetchSymbols(r.Context(), &req)
	case "fetch-references":
		resp, err = s.engine.FetchReferences(r.Context(), &req)
	case "fetch-call-edges":
		resp, err = s.engine.FetchCallEdges(r.Context(), &req)
	case "get-confidence":
		resp, err = s.engine.GetConfidence(r.Context(), &req)
	default:
		NotFound(w, "unknown explore operation: "+operation)
		return
	}

	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp, http.StatusOK)
}
