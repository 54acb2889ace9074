package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// SummaryRepository stores commit diff summaries and their embedding
// vectors. Search is brute-force cosine over the workspace's vectors;
// the corpus is small (one row per summarised commit) so no index
// structure is kept.
type SummaryRepository struct {
	db *DB
}

func NewSummaryRepository(db *DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// SummaryID derives the stable primary key for one (workspace, repo,
// commit, model) tuple.
func SummaryID(workspaceID, repoID, commitSHA, model string) string {
	sum := sha256.Sum256([]byte(workspaceID + "|" + repoID + "|" + commitSHA + "|" + model))
	return hex.EncodeToString(sum[:])
}

// Upsert writes a summary and its vector in one transaction. An existing
// row for the same tuple is replaced, vector included.
func (r *SummaryRepository) Upsert(summary *CommitSummary, embedding []float32) error {
	summary.SummaryID = SummaryID(summary.WorkspaceID, summary.RepoID, summary.CommitSHA, summary.EmbeddingModel)

	filesJSON, err := json.Marshal(summary.FilesChanged)
	if err != nil {
		return fmt.Errorf("failed to encode files_changed: %w", err)
	}
	if summary.FilesChanged == nil {
		filesJSON = []byte("[]")
	}
	now := nowRFC3339()

	return r.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO commit_diff_summaries (
				summary_id, workspace_id, repo_id, commit_sha, embedding_model,
				summary_text, files_changed_json, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (summary_id) DO UPDATE SET
				summary_text = excluded.summary_text,
				files_changed_json = excluded.files_changed_json,
				updated_at = excluded.updated_at
		`, summary.SummaryID, summary.WorkspaceID, summary.RepoID, summary.CommitSHA,
			summary.EmbeddingModel, summary.SummaryText, string(filesJSON), now, now); err != nil {
			return fmt.Errorf("failed to upsert summary: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO commit_summary_vectors (summary_id, dim, embedding)
			VALUES (?, ?, ?)
			ON CONFLICT (summary_id) DO UPDATE SET
				dim = excluded.dim,
				embedding = excluded.embedding
		`, summary.SummaryID, len(embedding), encodeVector(embedding)); err != nil {
			return fmt.Errorf("failed to upsert summary vector: %w", err)
		}

		return nil
	})
}

// Get returns one summary by tuple, or nil when absent.
func (r *SummaryRepository) Get(workspaceID, repoID, commitSHA, model string) (*CommitSummary, error) {
	return r.getByID(SummaryID(workspaceID, repoID, commitSHA, model))
}

func (r *SummaryRepository) getByID(summaryID string) (*CommitSummary, error) {
	var s CommitSummary
	var filesJSON string
	err := r.db.QueryRow(`
		SELECT summary_id, workspace_id, repo_id, commit_sha, embedding_model,
		       summary_text, files_changed_json, created_at, updated_at
		FROM commit_diff_summaries
		WHERE summary_id = ?
	`, summaryID).Scan(
		&s.SummaryID, &s.WorkspaceID, &s.RepoID, &s.CommitSHA, &s.EmbeddingModel,
		&s.SummaryText, &filesJSON, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &s.FilesChanged); err != nil {
		return nil, fmt.Errorf("bad files_changed_json on summary %s: %w", s.SummaryID, err)
	}
	return &s, nil
}

// Search ranks a workspace's summaries by cosine similarity against the
// query vector and returns the top k at or above minScore. Vectors whose
// dimension does not match the query are skipped.
func (r *SummaryRepository) Search(workspaceID, repoID string, query []float32, topK int, minScore float64) ([]CommitSummary, error) {
	if topK <= 0 {
		topK = 10
	}

	sqlQuery := `
		SELECT s.summary_id, s.workspace_id, s.repo_id, s.commit_sha, s.embedding_model,
		       s.summary_text, s.files_changed_json, s.created_at, s.updated_at,
		       v.dim, v.embedding
		FROM commit_diff_summaries s
		JOIN commit_summary_vectors v ON v.summary_id = s.summary_id
		WHERE s.workspace_id = ?
	`
	args := []interface{}{workspaceID}
	if repoID != "" {
		sqlQuery += " AND s.repo_id = ?"
		args = append(args, repoID)
	}

	rows, err := r.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load summaries: %w", err)
	}
	defer rows.Close()

	var scored []CommitSummary
	for rows.Next() {
		var s CommitSummary
		var filesJSON string
		var dim int
		var blob []byte
		if err := rows.Scan(
			&s.SummaryID, &s.WorkspaceID, &s.RepoID, &s.CommitSHA, &s.EmbeddingModel,
			&s.SummaryText, &filesJSON, &s.CreatedAt, &s.UpdatedAt, &dim, &blob,
		); err != nil {
			return nil, err
		}
		if dim != len(query) {
			continue
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("bad vector for summary %s: %w", s.SummaryID, err)
		}
		score := cosineSimilarity(query, vec)
		if score < minScore {
			continue
		}
		if err := json.Unmarshal([]byte(filesJSON), &s.FilesChanged); err != nil {
			return nil, fmt.Errorf("bad files_changed_json on summary %s: %w", s.SummaryID, err)
		}
		s.Score = score
		scored = append(scored, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].SummaryID < scored[j].SummaryID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Delete removes a summary and, via cascade, its vector.
func (r *SummaryRepository) Delete(workspaceID, repoID, commitSHA, model string) (bool, error) {
	result, err := r.db.Exec(
		"DELETE FROM commit_diff_summaries WHERE summary_id = ?",
		SummaryID(workspaceID, repoID, commitSHA, model),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// encodeVector packs float32 values little-endian.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("expected %d bytes, got %d", 4*dim, len(blob))
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// cosineSimilarity returns the cosine of the angle between two equal
// length vectors, or 0 when either has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
