//go:build !cgo

package outline

import (
	"context"

	"cxxkb/internal/cxxerr"
)

// Extractor is inert without cgo; the tree-sitter C++ grammar needs it.
type Extractor struct{}

// NewExtractor creates the no-op extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Available reports whether outline extraction can run in this build.
func Available() bool {
	return false
}

// FileOutline always fails in a no-cgo build.
func (e *Extractor) FileOutline(ctx context.Context, absPath string) ([]Symbol, error) {
	return nil, cxxerr.New(cxxerr.ExtractorUnavailable, "outline fallback requires a cgo build")
}

// SourceOutline always fails in a no-cgo build.
func (e *Extractor) SourceOutline(ctx context.Context, source []byte) ([]Symbol, error) {
	return nil, cxxerr.New(cxxerr.ExtractorUnavailable, "outline fallback requires a cgo build")
}
