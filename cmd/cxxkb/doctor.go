package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cxxkb/internal/config"
	"cxxkb/internal/extract"
	"cxxkb/internal/logging"
	"cxxkb/internal/recall"
	"cxxkb/internal/storage"
)

var (
	doctorCheck  string
	doctorFormat string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose cxxkb configuration and environment issues",
	Long: `Run environment diagnostics: config validity, store reachability,
ripgrep and extractor availability, registered workspaces.

Use --check to run a single check (config, storage, ripgrep, extractor, workspaces).`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorCheck, "check", "", "Run specific check (config, storage, ripgrep, extractor, workspaces)")
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "human", "Output format (json, human)")
	rootCmd.AddCommand(doctorCmd)
}

// DoctorCheck is a single diagnostic result.
type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message"`
}

// DoctorReport aggregates all checks.
type DoctorReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []DoctorCheck `json:"checks"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	root, err := resolveDataRoot()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(logging.Config{Format: "human", Level: "error"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := &DoctorReport{Healthy: true}
	add := func(c DoctorCheck) {
		if doctorCheck != "" && doctorCheck != c.Name {
			return
		}
		report.Checks = append(report.Checks, c)
		if c.Status == "fail" {
			report.Healthy = false
		}
	}

	cfg, cfgErr := config.LoadConfig(root)
	if cfgErr == nil {
		cfgErr = cfg.Validate()
	}
	if cfgErr != nil {
		add(DoctorCheck{Name: "config", Status: "fail", Message: cfgErr.Error()})
		cfg = config.DefaultConfig()
	} else {
		add(DoctorCheck{Name: "config", Status: "pass", Message: "configuration valid"})
	}

	add(checkStorage(root, cfg, logger))
	add(checkRipgrep(ctx, cfg, logger))
	add(checkExtractor(cfg, logger))
	add(checkWorkspaces(root, cfg, logger))

	if doctorFormat == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			mark := map[string]string{"pass": "ok", "warn": "warn", "fail": "FAIL"}[c.Status]
			fmt.Printf("%-12s %-5s %s\n", c.Name, mark, c.Message)
		}
	}

	if !report.Healthy {
		os.Exit(1)
	}
	return nil
}

func checkStorage(root string, cfg *config.Config, logger *logging.Logger) DoctorCheck {
	dbPath := cfg.DBPath()
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return DoctorCheck{Name: "storage", Status: "warn",
			Message: "store not created yet (" + dbPath + "); run 'cxxkb serve' to initialize"}
	}
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return DoctorCheck{Name: "storage", Status: "fail", Message: err.Error()}
	}
	defer db.Close()
	if err := storage.NewMetricsRepository(db).Ping(); err != nil {
		return DoctorCheck{Name: "storage", Status: "fail", Message: err.Error()}
	}
	return DoctorCheck{Name: "storage", Status: "pass", Message: "store reachable at " + dbPath}
}

func checkRipgrep(ctx context.Context, cfg *config.Config, logger *logging.Logger) DoctorCheck {
	rg := recall.NewRunner(logger, cfg.Tools.RgBinary,
		time.Duration(cfg.Recall.TimeoutSeconds)*time.Second, cfg.Recall.MaxHitsPerFile)
	version, err := rg.Probe(ctx)
	if err != nil {
		return DoctorCheck{Name: "ripgrep", Status: "fail", Message: err.Error()}
	}
	return DoctorCheck{Name: "ripgrep", Status: "pass", Message: "ripgrep " + version}
}

func checkExtractor(cfg *config.Config, logger *logging.Logger) DoctorCheck {
	driver := extract.NewDriver(logger, extract.Options{
		Binary:  cfg.Tools.ExtractorBinary,
		Timeout: time.Duration(cfg.Parse.TimeoutSeconds) * time.Second,
	})
	if err := driver.Available(); err != nil {
		return DoctorCheck{Name: "extractor", Status: "fail", Message: err.Error()}
	}
	return DoctorCheck{Name: "extractor", Status: "pass",
		Message: "extractor found: " + cfg.Tools.ExtractorBinary}
}

func checkWorkspaces(root string, cfg *config.Config, logger *logging.Logger) DoctorCheck {
	dbPath := cfg.DBPath()
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return DoctorCheck{Name: "workspaces", Status: "warn", Message: "store unavailable"}
	}
	defer db.Close()
	rows, err := storage.NewWorkspaceRepository(db).List()
	if err != nil {
		return DoctorCheck{Name: "workspaces", Status: "fail", Message: err.Error()}
	}
	if len(rows) == 0 {
		return DoctorCheck{Name: "workspaces", Status: "warn",
			Message: "no workspaces registered; POST /v1/workspace/register to add one"}
	}
	return DoctorCheck{Name: "workspaces", Status: "pass",
		Message: fmt.Sprintf("%d workspace(s) registered", len(rows))}
}
