package storage

import (
	"database/sql"
	"fmt"
)

// TokenRepository stores API token records. Only the bcrypt hash of a
// token's secret part ever reaches this table.
type TokenRepository struct {
	db *DB
}

func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func (r *TokenRepository) Insert(token *APIToken) error {
	if token.CreatedAt == "" {
		token.CreatedAt = nowRFC3339()
	}
	_, err := r.db.Exec(`
		INSERT INTO api_tokens (key_id, token_hash, description, created_at, last_used_at)
		VALUES (?, ?, ?, ?, '')
	`, token.KeyID, token.TokenHash, token.Description, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store api token: %w", err)
	}
	return nil
}

func (r *TokenRepository) FindByKeyID(keyID string) (*APIToken, error) {
	var t APIToken
	err := r.db.QueryRow(`
		SELECT key_id, token_hash, description, created_at, last_used_at
		FROM api_tokens
		WHERE key_id = ?
	`, keyID).Scan(&t.KeyID, &t.TokenHash, &t.Description, &t.CreatedAt, &t.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TokenRepository) TouchLastUsed(keyID string) error {
	_, err := r.db.Exec(
		"UPDATE api_tokens SET last_used_at = ? WHERE key_id = ?",
		nowRFC3339(), keyID,
	)
	return err
}

func (r *TokenRepository) Delete(keyID string) (bool, error) {
	result, err := r.db.Exec("DELETE FROM api_tokens WHERE key_id = ?", keyID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// List returns all tokens ordered by creation time. Hashes are included;
// callers rendering token lists must not echo them.
func (r *TokenRepository) List() ([]APIToken, error) {
	rows, err := r.db.Query(`
		SELECT key_id, token_hash, description, created_at, last_used_at
		FROM api_tokens
		ORDER BY created_at, key_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var t APIToken
		if err := rows.Scan(&t.KeyID, &t.TokenHash, &t.Description, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
