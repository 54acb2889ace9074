package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cxxkb/internal/auth"
	"cxxkb/internal/config"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
	Long: `Create, list, and revoke API tokens. Tokens authenticate HTTP
requests when server.authEnabled is on; the raw secret is shown once at
creation and only its hash is stored.`,
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create [description]",
	Short: "Create a new API token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description := ""
		if len(args) > 0 {
			description = args[0]
		}
		return withAuthManager(func(ctx context.Context, mgr *auth.Manager) error {
			tok, raw, err := mgr.Create(ctx, description)
			if err != nil {
				return err
			}
			fmt.Printf("key id: %s\n", tok.KeyID)
			fmt.Printf("token:  %s\n", raw)
			fmt.Println("Store the token now; it cannot be shown again.")
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthManager(func(ctx context.Context, mgr *auth.Manager) error {
			tokens, err := mgr.List()
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Println("no tokens")
				return nil
			}
			fmt.Printf("%-14s %-20s %-20s %s\n", "KEY ID", "CREATED", "LAST USED", "DESCRIPTION")
			for _, tok := range tokens {
				lastUsed := tok.LastUsedAt
				if lastUsed == "" {
					lastUsed = "never"
				}
				fmt.Printf("%-14s %-20s %-20s %s\n", tok.KeyID, tok.CreatedAt, lastUsed, tok.Description)
			}
			return nil
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuthManager(func(ctx context.Context, mgr *auth.Manager) error {
			if err := mgr.Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		})
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)
}

// withAuthManager opens the store and a short-lived writer around one
// token operation.
func withAuthManager(fn func(context.Context, *auth.Manager) error) error {
	root, err := resolveDataRoot()
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(root)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(logging.Config{Format: "human", Level: "warn"})

	dbPath := cfg.DBPath()
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	wr := writer.New(logger, writer.Options{})
	wr.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wr.Close(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, auth.NewManager(logger, db, wr))
}
