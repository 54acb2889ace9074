package engine

import (
	"context"

	"cxxkb/internal/contexts"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/writer"
)

// InvalidateRequest names the facts to drop. An empty file list drops
// nothing but still flushes the compile-db cache for the workspace.
type InvalidateRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	Context     contexts.Selector `json:"analysis_context,omitempty"`
	FileKeys    []string          `json:"file_keys,omitempty"`
	// Repos invalidates every tracked file under the named repos.
	Repos []string `json:"repos,omitempty"`
}

// InvalidateResponse reports how many tracked files were dropped.
type InvalidateResponse struct {
	Invalidated int `json:"invalidated"`
}

// Invalidate drops cached facts so the next query reparses. Fact rows
// cascade from tracked_files; the compile-db cache is flushed so flag
// changes are observed too.
func (e *Engine) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if req.WorkspaceID == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "workspace_id is required")
	}
	resolved, err := e.contexts.Resolve(ctx, req.WorkspaceID, req.Context)
	if err != nil {
		return nil, err
	}

	keys := append([]string(nil), req.FileKeys...)
	for _, repoID := range req.Repos {
		repoKeys, err := e.trackedKeysForRepo(resolved.Chain, repoID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, repoKeys...)
	}

	e.compileDBs.Invalidate(req.WorkspaceID)
	if len(keys) == 0 {
		return &InvalidateResponse{}, nil
	}

	total := 0
	future, err := e.writer.Submit(ctx, writer.WriteOp{
		Name: "invalidate_files",
		Fn: func() error {
			for _, contextID := range resolved.Chain {
				n, err := e.facts.InvalidateFiles(contextID, keys)
				if err != nil {
					return err
				}
				total += n
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("facts invalidated", map[string]interface{}{
		"workspace_id": req.WorkspaceID,
		"files":        len(keys),
		"invalidated":  total,
	})
	return &InvalidateResponse{Invalidated: total}, nil
}

func (e *Engine) trackedKeysForRepo(chain []string, repoID string) ([]string, error) {
	var keys []string
	for _, contextID := range chain {
		ks, err := e.facts.TrackedKeysByRepo(contextID, repoID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, ks...)
	}
	return keys, nil
}
