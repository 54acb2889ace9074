package storage

import (
	"time"
)

// Timestamps are stored as RFC3339 UTC TEXT. Second precision with an id
// tiebreaker in ORDER BY clauses keeps queue ordering deterministic.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Workspace represents a workspaces row.
type Workspace struct {
	WorkspaceID  string
	RootPath     string
	ManifestPath string
	CreatedAt    string
	UpdatedAt    string
}

// Repo represents a repos row. DependsOn is persisted as a JSON array.
type Repo struct {
	WorkspaceID         string
	RepoID              string
	Root                string
	CompileCommandsPath string
	DefaultBranch       string
	DependsOn           []string
	RemoteURL           string
	TokenEnvVar         string
	ProjectPath         string
	CommitSHA           string
	Position            int
}

// AnalysisContext represents an analysis_contexts row.
type AnalysisContext struct {
	ContextID        string
	WorkspaceID      string
	Mode             string // 'baseline' | 'pr'
	BaseContextID    string
	OverlayMode      string // 'full' | 'sparse' | 'partial_overlay'
	OverlayFileCount int
	OverlayRowCount  int
	Status           string // 'active' | 'expired'
	CreatedAt        string
	LastAccessedAt   string
	ExpiresAt        string // empty for baseline contexts
}

// ContextFileState represents a context_file_states row. Content holds
// optional inline PR file content for lazy parsing in partial mode.
type ContextFileState struct {
	ContextID           string
	FileKey             string
	State               string // 'added' | 'modified' | 'deleted' | 'renamed' | 'unchanged'
	ReplacedFromFileKey string
	Content             *string
	ContentHash         string
}

// TrackedFile represents a tracked_files row. CompositeHash is the
// invalidation key.
type TrackedFile struct {
	ContextID     string
	FileKey       string
	RepoID        string
	RelPath       string
	AbsPath       string
	ContentHash   string
	FlagsHash     string
	IncludesHash  string
	CompositeHash string
	LastParsedAt  string
}

// SymbolRow is a symbols row joined with its tracked file location.
type SymbolRow struct {
	ContextID     string
	FileKey       string
	RepoID        string
	AbsPath       string
	Name          string
	QualifiedName string
	Kind          string
	Line          int
	Col           int
	ExtentEndLine int
}

// ReferenceRow is a references_ row joined with its tracked file location.
type ReferenceRow struct {
	ContextID           string
	FileKey             string
	RepoID              string
	AbsPath             string
	SymbolQualifiedName string
	Line                int
	Col                 int
	RefKind             string
}

// CallEdgeRow is a call_edges row joined with its tracked file location.
type CallEdgeRow struct {
	ContextID           string
	FileKey             string
	RepoID              string
	AbsPath             string
	CallerQualifiedName string
	CalleeQualifiedName string
	Line                int
}

// IncludeDepRow is an include_deps row.
type IncludeDepRow struct {
	ContextID       string
	FileKey         string
	IncludedFileKey string
	IncludedAbsPath string
	RawPath         string
	Depth           int
}

// ParseRun is an audit record for one extractor invocation.
type ParseRun struct {
	ID              string
	ContextID       string
	FileKey         string
	Action          string
	Success         bool
	DurationMs      int64
	DiagnosticsJSON string
	CreatedAt       string
}

// SyncJob represents a repo_sync_jobs row.
type SyncJob struct {
	ID          string
	WorkspaceID string
	RepoID      string
	Ref         string
	ContextID   string
	EventType   string
	EventSHA    string
	Status      string
	Attempts    int
	MaxAttempts int
	LeaseUntil  string
	StartedAt   string
	FinishedAt  string
	LastError   string
	CreatedAt   string
	UpdatedAt   string
}

// Sync job statuses.
const (
	JobPending    = "pending"
	JobRunning    = "running"
	JobDone       = "done"
	JobFailed     = "failed"
	JobDeadLetter = "dead_letter"
)

// SyncState represents a repo_sync_state row.
type SyncState struct {
	WorkspaceID   string
	RepoID        string
	LastSyncedSHA string
	LastSyncedRef string
	LastSyncedAt  string
	LastStatus    string
	LastError     string
}

// CommitSummary represents a commit_diff_summaries row. Score is only
// populated on search results.
type CommitSummary struct {
	SummaryID      string
	WorkspaceID    string
	RepoID         string
	CommitSHA      string
	EmbeddingModel string
	SummaryText    string
	FilesChanged   []string
	CreatedAt      string
	UpdatedAt      string
	Score          float64
}

// APIToken represents an api_tokens row. TokenHash is a bcrypt digest of
// the secret part; the plaintext is never stored.
type APIToken struct {
	KeyID       string
	TokenHash   string
	Description string
	CreatedAt   string
	LastUsedAt  string
}
