package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cxxkb/internal/contexts"
	"cxxkb/internal/export"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

var (
	exportWorkspace string
	exportContext   string
	exportFormat    string
	exportOut       string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a context's facts as SCIP or a bundle",
	Long: `Export the facts visible through a context (baseline by default,
or a PR overlay chain via --context) to a SCIP index or a compressed
bundle of JSON lines.

Path filtering, privacy, and paging come from cxxkb-export.toml in the
workspace root when present.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportWorkspace, "workspace", "", "Workspace id to export (required)")
	exportCmd.Flags().StringVar(&exportContext, "context", "", "PR overlay context id (default: baseline)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "scip", "Output format (scip, bundle)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output path: a file for scip, a directory for bundle (required)")
	_ = exportCmd.MarkFlagRequired("workspace")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

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

	wsMgr, err := workspace.NewManager(logger, db, wr)
	if err != nil {
		return err
	}
	ctxMgr := contexts.NewManager(logger, db, wr, contexts.Options{})

	ctx := context.Background()
	ws, err := wsMgr.Get(ctx, exportWorkspace)
	if err != nil {
		return err
	}

	sel := contexts.Selector{}
	if exportContext != "" {
		sel = contexts.Selector{Mode: "pr", ContextID: exportContext}
	}
	resolved, err := ctxMgr.Resolve(ctx, ws.ID, sel)
	if err != nil {
		return err
	}

	expCfg, err := export.LoadConfig(filepath.Join(ws.RootPath, export.ConfigFileName))
	if err != nil {
		return err
	}
	exporter := export.New(logger, db, expCfg)

	switch exportFormat {
	case "scip":
		stats, err := exporter.WriteSCIP(ws, resolved, exportOut)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s: %d documents, %d symbols, %d occurrences\n",
			exportOut, stats.Documents, stats.Symbols, stats.Occurrences)
	case "bundle":
		stats, err := exporter.WriteBundle(ws, resolved, exportOut)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d part(s) to %s: %d files, %d fact rows\n",
			len(stats.Parts), exportOut, stats.Files, stats.Rows)
	default:
		return fmt.Errorf("unknown export format %q (want scip or bundle)", exportFormat)
	}
	return nil
}
