package auth

import (
	"context"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

// Manager owns the API token lifecycle. Reads go straight to the store;
// anything that mutates the tokens table goes through the writer.
type Manager struct {
	logger *logging.Logger
	tokens *storage.TokenRepository
	writer *writer.Writer
}

func NewManager(logger *logging.Logger, db *storage.DB, wr *writer.Writer) *Manager {
	return &Manager{
		logger: logger.Named("auth"),
		tokens: storage.NewTokenRepository(db),
		writer: wr,
	}
}

// Create mints a credential and stores its hash. The raw token is
// returned once and never again.
func (m *Manager) Create(ctx context.Context, description string) (*storage.APIToken, string, error) {
	keyID, rawToken, hash, err := Mint()
	if err != nil {
		return nil, "", cxxerr.Wrap(cxxerr.Internal, "mint token", err)
	}

	token := &storage.APIToken{
		KeyID:       keyID,
		TokenHash:   hash,
		Description: description,
	}
	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "insert_api_token",
		Fn:   func() error { return m.tokens.Insert(token) },
	})
	if err == nil {
		err = future.Wait(ctx)
	}
	if err != nil {
		return nil, "", err
	}

	m.logger.Info("api token created", map[string]interface{}{
		"key_id": keyID,
		"token":  MaskToken(rawToken),
	})
	return token, rawToken, nil
}

// Authenticate validates a presented credential and returns its record.
func (m *Manager) Authenticate(ctx context.Context, raw string) (*storage.APIToken, error) {
	keyID, secret, err := SplitToken(raw)
	if err != nil {
		return nil, err
	}

	token, err := m.tokens.FindByKeyID(keyID)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.Internal, "token lookup", err)
	}
	if token == nil || !VerifySecret(secret, token.TokenHash) {
		return nil, cxxerr.New(cxxerr.Unauthorized, "invalid API token")
	}

	// Last-used bookkeeping is best effort; a full writer queue must not
	// stall authentication.
	if _, err := m.writer.TrySubmit(writer.WriteOp{
		Name: "touch_api_token",
		Fn:   func() error { return m.tokens.TouchLastUsed(keyID) },
	}); err != nil && err != writer.ErrWouldBlock {
		m.logger.Warn("token last-used update failed", map[string]interface{}{
			"key_id": keyID,
			"error":  err.Error(),
		})
	}

	return token, nil
}

// Revoke removes a token by key id.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	var deleted bool
	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "delete_api_token",
		Fn: func() error {
			var err error
			deleted, err = m.tokens.Delete(keyID)
			return err
		},
	})
	if err == nil {
		err = future.Wait(ctx)
	}
	if err != nil {
		return err
	}
	if !deleted {
		return cxxerr.Newf(cxxerr.NotFound, "token %s not found", keyID)
	}

	m.logger.Info("api token revoked", map[string]interface{}{"key_id": keyID})
	return nil
}

// List returns all token records with hashes redacted.
func (m *Manager) List() ([]storage.APIToken, error) {
	tokens, err := m.tokens.List()
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		tokens[i].TokenHash = ""
	}
	return tokens, nil
}
