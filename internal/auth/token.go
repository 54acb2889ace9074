// Package auth issues and verifies bearer tokens for the HTTP API.
// A credential is minted once, shown to the caller once, and only its
// bcrypt hash is stored. The key id is embedded in the token so a
// presented credential resolves to exactly one row and one hash compare.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"cxxkb/internal/cxxerr"
)

const (
	// KeyIDPrefix prefixes public key identifiers.
	KeyIDPrefix = "cxxkb_key_"

	// TokenPrefix prefixes presented credentials. Not a secret itself.
	TokenPrefix = "cxxkb_sk_" // #nosec G101

	keyIDBytes  = 8
	secretBytes = 32

	bcryptCost = 12
)

// Mint generates a fresh credential. It returns the public key id, the
// raw token to hand to the caller exactly once, and the bcrypt hash to
// persist. Token shape: cxxkb_sk_<key hex>.<secret hex>.
func Mint() (keyID, rawToken, tokenHash string, err error) {
	idBuf := make([]byte, keyIDBytes)
	if _, err = rand.Read(idBuf); err != nil {
		return "", "", "", fmt.Errorf("generate key id: %w", err)
	}
	secretBuf := make([]byte, secretBytes)
	if _, err = rand.Read(secretBuf); err != nil {
		return "", "", "", fmt.Errorf("generate token secret: %w", err)
	}

	idHex := hex.EncodeToString(idBuf)
	secret := hex.EncodeToString(secretBuf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash token secret: %w", err)
	}

	return KeyIDPrefix + idHex, TokenPrefix + idHex + "." + secret, string(hash), nil
}

// SplitToken decomposes a presented credential into its key id and
// secret part. The error never echoes any portion of the input.
func SplitToken(raw string) (keyID, secret string, err error) {
	rest, ok := strings.CutPrefix(raw, TokenPrefix)
	if !ok {
		return "", "", cxxerr.New(cxxerr.Unauthorized, "malformed API token")
	}
	idHex, secret, ok := strings.Cut(rest, ".")
	if !ok || len(idHex) != keyIDBytes*2 || len(secret) != secretBytes*2 {
		return "", "", cxxerr.New(cxxerr.Unauthorized, "malformed API token")
	}
	if _, err := hex.DecodeString(idHex); err != nil {
		return "", "", cxxerr.New(cxxerr.Unauthorized, "malformed API token")
	}
	return KeyIDPrefix + idHex, secret, nil
}

// VerifySecret compares a presented secret against a stored hash.
func VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// MaskToken renders a credential for logs and listings.
func MaskToken(raw string) string {
	if len(raw) <= len(TokenPrefix)+8 {
		return "****"
	}
	return raw[:len(TokenPrefix)+8] + "****"
}
