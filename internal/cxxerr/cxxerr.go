// Package cxxerr defines the stable error kinds surfaced by the service.
// Every failure that crosses a package boundary is wrapped in an *Error so
// handlers and clients can switch on Kind instead of string matching.
package cxxerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error code for a failure mode. The set is closed:
// new failure modes map onto an existing kind or get added here.
type Kind string

const (
	// ValidationError indicates a malformed or unsupported request
	ValidationError Kind = "validation_error"
	// NotFound indicates a missing workspace, context, job, or file
	NotFound Kind = "not_found"
	// ManifestError indicates an invalid workspace manifest
	ManifestError Kind = "manifest_error"
	// ExtractorUnavailable indicates the extractor binary is missing or unlaunchable
	ExtractorUnavailable Kind = "extractor_unavailable"
	// ExtractorTimeout indicates a parse exceeded its deadline
	ExtractorTimeout Kind = "extractor_timeout"
	// ParseFailed indicates the extractor ran but produced no usable facts
	ParseFailed Kind = "parse_failed"
	// MissingFlags indicates no compile entry could be matched for a file
	MissingFlags Kind = "missing_flags"
	// OverlayCapExceeded indicates a PR overlay breached its size caps
	OverlayCapExceeded Kind = "overlay_cap_exceeded"
	// BudgetExceeded indicates a per-query parse budget was hit
	BudgetExceeded Kind = "budget_exceeded"
	// WriteContention indicates the store writer saw busy/locked
	WriteContention Kind = "write_contention"
	// StoreCorrupt indicates the persistent store failed integrity checks
	StoreCorrupt Kind = "store_corrupt"
	// Unauthorized indicates a missing or invalid API token
	Unauthorized Kind = "unauthorized"
	// SyncAuthFailed indicates a repo sync could not authenticate
	SyncAuthFailed Kind = "sync_auth_failed"
	// SyncCheckoutFailed indicates a repo sync could not reach the requested state
	SyncCheckoutFailed Kind = "sync_checkout_failed"
	// Internal indicates an unexpected error
	Internal Kind = "internal_error"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// InstallTool suggests installing a tool
	InstallTool FixActionType = "install-tool"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
	Tool        string        `json:"tool,omitempty"`
}

// Error carries a Kind, a human message, and optional structured details.
type Error struct {
	Kind           Kind        `json:"kind"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:           kind,
		Message:        message,
		SuggestedFixes: GetSuggestedFixes(kind),
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorActions maps error kinds to suggested fix actions
var ErrorActions = map[Kind][]FixAction{
	ExtractorUnavailable: {
		{
			Type:        RunCommand,
			Command:     "cxxkb doctor",
			Safe:        true,
			Description: "Check extractor and ripgrep configuration",
		},
	},
	MissingFlags: {
		{
			Type:        RunCommand,
			Command:     "cxxkb doctor --check=compile-db",
			Safe:        true,
			Description: "Verify compile_commands.json paths in the manifest",
		},
	},
	SyncAuthFailed: {
		{
			Type:        RunCommand,
			Command:     "cxxkb doctor --check=sync",
			Safe:        true,
			Description: "Verify the token environment variable named in the manifest is set",
		},
	},
	WriteContention: {
		{
			Type:        RunCommand,
			Command:     "sleep 1 && retry",
			Safe:        true,
			Description: "Retry after brief delay",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error kind
func GetSuggestedFixes(kind Kind) []FixAction {
	if fixes, ok := ErrorActions[kind]; ok {
		return fixes
	}
	return nil
}
