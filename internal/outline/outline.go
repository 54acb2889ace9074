// Package outline produces a degraded structural outline of a C++ file
// with tree-sitter, for files whose compile flags are unknown. Outline
// results are syntax-only: no qualified names across translation units,
// no references, no call edges. They are served alongside verified
// facts, never merged into them, and never persisted.
package outline

// Symbol is one outlined declaration. Confidence is fixed at 0.7:
// tree-sitter sees syntax, not semantics, so overload sets, template
// specialisations, and macro-generated declarations are unreliable.
type Symbol struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"` // "function", "method", "class", "struct", "enum", "namespace"
	Container  string  `json:"container,omitempty"`
	Signature  string  `json:"signature,omitempty"`
	Line       int     `json:"line"`
	EndLine    int     `json:"end_line"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// SourceTreeSitter marks outline symbols in responses.
const SourceTreeSitter = "treesitter_outline"

const outlineConfidence = 0.7
