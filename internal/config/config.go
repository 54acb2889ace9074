package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete cxxkb configuration (v1 schema)
type Config struct {
	Version int    `json:"version" mapstructure:"version"`
	DataDir string `json:"dataDir" mapstructure:"dataDir"`

	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	Workspace WorkspaceConfig `json:"workspace" mapstructure:"workspace"`
	Recall    RecallConfig    `json:"recall" mapstructure:"recall"`
	Parse     ParseConfig     `json:"parse" mapstructure:"parse"`
	Writer    WriterConfig    `json:"writer" mapstructure:"writer"`
	Overlay   OverlayConfig   `json:"overlay" mapstructure:"overlay"`
	Sync      SyncConfig      `json:"sync" mapstructure:"sync"`
	Summaries SummariesConfig `json:"summaries" mapstructure:"summaries"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// ServerConfig contains the HTTP surface configuration
type ServerConfig struct {
	Host            string `json:"host" mapstructure:"host"`
	Port            int    `json:"port" mapstructure:"port"`
	QueryDeadlineMs int    `json:"queryDeadlineMs" mapstructure:"queryDeadlineMs"`
	AuthEnabled     bool   `json:"authEnabled" mapstructure:"authEnabled"`
}

// ToolsConfig locates the external binaries the service shells out to
type ToolsConfig struct {
	RgBinary        string `json:"rgBinary" mapstructure:"rgBinary"`
	ExtractorBinary string `json:"extractorBinary" mapstructure:"extractorBinary"`
}

// WorkspaceConfig contains workspace/manifest settings
type WorkspaceConfig struct {
	ManifestName           string `json:"manifestName" mapstructure:"manifestName"`
	DefaultCompileCommands string `json:"defaultCompileCommands" mapstructure:"defaultCompileCommands"`
	FlagsOverrideName      string `json:"flagsOverrideName" mapstructure:"flagsOverrideName"`
	MaxRepoHops            int    `json:"maxRepoHops" mapstructure:"maxRepoHops"`
}

// RecallConfig bounds the candidate recall stage
type RecallConfig struct {
	MaxFiles        int      `json:"maxFiles" mapstructure:"maxFiles"`
	TimeoutSeconds  int      `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	MaxHitsPerFile  int      `json:"maxHitsPerFile" mapstructure:"maxHitsPerFile"`
	SourceGlobs     []string `json:"sourceGlobs" mapstructure:"sourceGlobs"`
	SlowQueryMillis int      `json:"slowQueryMillis" mapstructure:"slowQueryMillis"`
}

// ParseConfig bounds the extractor fan-out
type ParseConfig struct {
	MaxWorkers     int `json:"maxWorkers" mapstructure:"maxWorkers"`
	TimeoutSeconds int `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	MaxParseBudget int `json:"maxParseBudget" mapstructure:"maxParseBudget"`
}

// WriterConfig tunes the single store writer
type WriterConfig struct {
	QueueSize     int `json:"queueSize" mapstructure:"queueSize"`
	BatchSize     int `json:"batchSize" mapstructure:"batchSize"`
	BatchWindowMs int `json:"batchWindowMs" mapstructure:"batchWindowMs"`
	RetryAttempts int `json:"retryAttempts" mapstructure:"retryAttempts"`
	RetryDelayMs  int `json:"retryDelayMs" mapstructure:"retryDelayMs"`
}

// OverlayConfig caps PR overlay contexts and their lifecycle
type OverlayConfig struct {
	MaxFiles        int   `json:"maxFiles" mapstructure:"maxFiles"`
	MaxRows         int   `json:"maxRows" mapstructure:"maxRows"`
	TTLHours        int   `json:"ttlHours" mapstructure:"ttlHours"`
	DiskBudgetBytes int64 `json:"diskBudgetBytes" mapstructure:"diskBudgetBytes"`
	GCIntervalSec   int   `json:"gcIntervalSec" mapstructure:"gcIntervalSec"`
}

// SyncConfig tunes the background repo sync engine
type SyncConfig struct {
	Workers           int    `json:"workers" mapstructure:"workers"`
	MaxAttempts       int    `json:"maxAttempts" mapstructure:"maxAttempts"`
	GitTimeoutSeconds int    `json:"gitTimeoutSeconds" mapstructure:"gitTimeoutSeconds"`
	LeaseSeconds      int    `json:"leaseSeconds" mapstructure:"leaseSeconds"`
	HeartbeatSeconds  int    `json:"heartbeatSeconds" mapstructure:"heartbeatSeconds"`
	WebhookSecretEnv  string `json:"webhookSecretEnv" mapstructure:"webhookSecretEnv"`
}

// SummariesConfig validates commit diff summary payloads
type SummariesConfig struct {
	EmbeddingDim    int `json:"embeddingDim" mapstructure:"embeddingDim"`
	MaxSummaryChars int `json:"maxSummaryChars" mapstructure:"maxSummaryChars"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: ".cxxkb",
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			QueryDeadlineMs: 3000,
			AuthEnabled:     false,
		},
		Tools: ToolsConfig{
			RgBinary:        "",
			ExtractorBinary: "cxxtract",
		},
		Workspace: WorkspaceConfig{
			ManifestName:           "workspace.yaml",
			DefaultCompileCommands: "compile_commands.json",
			FlagsOverrideName:      "CXXFLAGS.toml",
			MaxRepoHops:            2,
		},
		Recall: RecallConfig{
			MaxFiles:       200,
			TimeoutSeconds: 30,
			MaxHitsPerFile: 5,
			SourceGlobs: []string{
				"*.cpp", "*.cxx", "*.cc", "*.c",
				"*.h", "*.hpp", "*.hxx", "*.inl",
			},
			SlowQueryMillis: 5000,
		},
		Parse: ParseConfig{
			MaxWorkers:     runtime.NumCPU(),
			TimeoutSeconds: 120,
			MaxParseBudget: 15,
		},
		Writer: WriterConfig{
			QueueSize:     1024,
			BatchSize:     64,
			BatchWindowMs: 25,
			RetryAttempts: 5,
			RetryDelayMs:  200,
		},
		Overlay: OverlayConfig{
			MaxFiles:        5000,
			MaxRows:         2_000_000,
			TTLHours:        72,
			DiskBudgetBytes: 4 << 30,
			GCIntervalSec:   300,
		},
		Sync: SyncConfig{
			Workers:           2,
			MaxAttempts:       5,
			GitTimeoutSeconds: 300,
			LeaseSeconds:      120,
			HeartbeatSeconds:  30,
			WebhookSecretEnv:  "CXXKB_WEBHOOK_SECRET",
		},
		Summaries: SummariesConfig{
			EmbeddingDim:    768,
			MaxSummaryChars: 16000,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// LoadConfig loads configuration from <root>/.cxxkb/config.json, layered
// with CXXKB_* environment overrides. A missing file yields defaults.
func LoadConfig(root string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("version", defaults.Version)
	v.SetDefault("dataDir", defaults.DataDir)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(root, ".cxxkb"))

	v.SetEnvPrefix("CXXKB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaults, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to <root>/.cxxkb/config.json
func (c *Config) Save(root string) error {
	dir := filepath.Join(root, ".cxxkb")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != 1 {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Writer.QueueSize <= 0 {
		return &ConfigError{Field: "writer.queueSize", Message: "must be positive"}
	}
	if c.Writer.BatchSize <= 0 {
		return &ConfigError{Field: "writer.batchSize", Message: "must be positive"}
	}
	if c.Parse.MaxParseBudget <= 0 {
		return &ConfigError{Field: "parse.maxParseBudget", Message: "must be positive"}
	}
	if c.Overlay.MaxFiles <= 0 || c.Overlay.MaxRows <= 0 {
		return &ConfigError{Field: "overlay", Message: "caps must be positive"}
	}
	if c.Sync.MaxAttempts <= 0 {
		return &ConfigError{Field: "sync.maxAttempts", Message: "must be positive"}
	}
	return nil
}

// DBPath returns the SQLite file path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "cxxkb.db")
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
