// Package summaries persists commit diff summaries with embedding
// vectors and answers similarity searches over them.
package summaries

import (
	"context"
	"regexp"

	"cxxkb/internal/config"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Service validates and stores commit diff summaries. Writes go through
// the writer; reads and searches hit the store directly.
type Service struct {
	logger     *logging.Logger
	store      *storage.SummaryRepository
	writer     *writer.Writer
	workspaces *workspace.Manager
	cfg        config.SummariesConfig
}

func New(logger *logging.Logger, db *storage.DB, wr *writer.Writer, workspaces *workspace.Manager, cfg config.SummariesConfig) *Service {
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = 16000
	}
	return &Service{
		logger:     logger.Named("summaries"),
		store:      storage.NewSummaryRepository(db),
		writer:     wr,
		workspaces: workspaces,
		cfg:        cfg,
	}
}

// UpsertRequest carries one summary with its embedding.
type UpsertRequest struct {
	WorkspaceID    string    `json:"workspace_id"`
	RepoID         string    `json:"repo_id"`
	CommitSHA      string    `json:"commit_sha"`
	EmbeddingModel string    `json:"embedding_model"`
	SummaryText    string    `json:"summary_text"`
	FilesChanged   []string  `json:"files_changed"`
	Embedding      []float32 `json:"embedding"`
}

// Upsert validates and stores one summary. The same tuple replaces the
// previous row, vector included.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*storage.CommitSummary, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	summary := &storage.CommitSummary{
		WorkspaceID:    req.WorkspaceID,
		RepoID:         req.RepoID,
		CommitSHA:      req.CommitSHA,
		EmbeddingModel: req.EmbeddingModel,
		SummaryText:    req.SummaryText,
		FilesChanged:   req.FilesChanged,
	}
	future, err := s.writer.Submit(ctx, writer.WriteOp{
		Name: "upsert_commit_summary",
		Fn:   func() error { return s.store.Upsert(summary, req.Embedding) },
	})
	if err == nil {
		err = future.Wait(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("commit summary stored", map[string]interface{}{
		"workspace_id": req.WorkspaceID,
		"repo_id":      req.RepoID,
		"commit_sha":   req.CommitSHA,
	})
	return summary, nil
}

// SearchRequest asks for the top-k summaries nearest to the query vector.
type SearchRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	RepoID      string    `json:"repo_id"`
	Embedding   []float32 `json:"embedding"`
	TopK        int       `json:"top_k"`
	MinScore    float64   `json:"min_score"`
}

// Search ranks stored summaries by cosine similarity.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]storage.CommitSummary, error) {
	if _, err := s.workspaces.Get(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}
	if len(req.Embedding) != s.cfg.EmbeddingDim {
		return nil, cxxerr.Newf(cxxerr.ValidationError,
			"embedding has %d dimensions, expected %d", len(req.Embedding), s.cfg.EmbeddingDim)
	}
	return s.store.Search(req.WorkspaceID, req.RepoID, req.Embedding, req.TopK, req.MinScore)
}

// Get fetches one summary by tuple.
func (s *Service) Get(ctx context.Context, workspaceID, repoID, commitSHA, model string) (*storage.CommitSummary, error) {
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	summary, err := s.store.Get(workspaceID, repoID, commitSHA, model)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "no summary for %s@%s", repoID, commitSHA)
	}
	return summary, nil
}

func (s *Service) validate(ctx context.Context, req UpsertRequest) error {
	ws, err := s.workspaces.Get(ctx, req.WorkspaceID)
	if err != nil {
		return err
	}
	if ws.Repo(req.RepoID) == nil {
		return cxxerr.Newf(cxxerr.NotFound, "repo %s not in workspace %s", req.RepoID, req.WorkspaceID)
	}
	if !shaPattern.MatchString(req.CommitSHA) {
		return cxxerr.New(cxxerr.ValidationError, "commit_sha must be a 40-char lowercase hex SHA")
	}
	if req.EmbeddingModel == "" {
		return cxxerr.New(cxxerr.ValidationError, "embedding_model is required")
	}
	if req.SummaryText == "" {
		return cxxerr.New(cxxerr.ValidationError, "summary_text is required")
	}
	if len(req.SummaryText) > s.cfg.MaxSummaryChars {
		return cxxerr.Newf(cxxerr.ValidationError,
			"summary_text exceeds %d chars", s.cfg.MaxSummaryChars)
	}
	if len(req.Embedding) != s.cfg.EmbeddingDim {
		return cxxerr.Newf(cxxerr.ValidationError,
			"embedding has %d dimensions, expected %d", len(req.Embedding), s.cfg.EmbeddingDim)
	}
	return nil
}
