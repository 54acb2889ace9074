// Package facts defines the semantic fact types flowing from the extractor
// through the writer into the store. It is a leaf package: extract produces
// these, storage persists them, the orchestrator reads them back.
package facts

// SymbolKind is the closed set of AST cursor kinds tracked by the index.
type SymbolKind string

const (
	KindFunction         SymbolKind = "Function"
	KindCXXMethod        SymbolKind = "CXXMethod"
	KindConstructor      SymbolKind = "Constructor"
	KindDestructor       SymbolKind = "Destructor"
	KindClassDecl        SymbolKind = "ClassDecl"
	KindStructDecl       SymbolKind = "StructDecl"
	KindEnumDecl         SymbolKind = "EnumDecl"
	KindEnumConstant     SymbolKind = "EnumConstant"
	KindNamespace        SymbolKind = "Namespace"
	KindTypedef          SymbolKind = "Typedef"
	KindTypeAlias        SymbolKind = "TypeAlias"
	KindVarDecl          SymbolKind = "VarDecl"
	KindFieldDecl        SymbolKind = "FieldDecl"
	KindFunctionTemplate SymbolKind = "FunctionTemplate"
	KindClassTemplate    SymbolKind = "ClassTemplate"
	KindMacro            SymbolKind = "Macro"
	KindUnknown          SymbolKind = "Unknown"
)

// RefKind describes how a symbol is referenced.
type RefKind string

const (
	RefCall    RefKind = "call"
	RefRead    RefKind = "read"
	RefWrite   RefKind = "write"
	RefAddr    RefKind = "addr"
	RefTypeRef RefKind = "type_ref"
	RefUnknown RefKind = "unknown"
)

// CallDirection selects the traversal direction for call-graph queries.
type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
	DirectionBoth     CallDirection = "both"
)

// FreshnessClass describes where a candidate file sits relative to its
// composite hash.
type FreshnessClass string

const (
	Fresh        FreshnessClass = "fresh"
	Stale        FreshnessClass = "stale"
	Unparsed     FreshnessClass = "unparsed"
	MissingFlags FreshnessClass = "missing_flags"
)

// ExtractedSymbol is a symbol definition as emitted by the extractor.
type ExtractedSymbol struct {
	Name          string `json:"name"`
	QualifiedName string `json:"qualified_name"`
	Kind          string `json:"kind"`
	Line          int    `json:"line"`
	Col           int    `json:"col"`
	ExtentEndLine int    `json:"extent_end_line"`
}

// ExtractedReference is a symbol reference as emitted by the extractor.
type ExtractedReference struct {
	Symbol string `json:"symbol"`
	Line   int    `json:"line"`
	Col    int    `json:"col"`
	Kind   string `json:"kind"`
}

// ExtractedCallEdge is a caller/callee pair as emitted by the extractor.
type ExtractedCallEdge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Line   int    `json:"line"`
}

// ExtractedIncludeDep is an include dependency as emitted by the extractor.
// Path is whatever the preprocessor saw; resolution to a file_key happens
// in the workspace layer.
type ExtractedIncludeDep struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

// ExtractorOutput is the single JSON document the extractor writes to
// stdout for one file. The extractor exits 0 even when diagnostics are
// present; Success=false means no usable facts.
type ExtractorOutput struct {
	File        string                `json:"file"`
	Symbols     []ExtractedSymbol     `json:"symbols"`
	References  []ExtractedReference  `json:"references"`
	CallEdges   []ExtractedCallEdge   `json:"call_edges"`
	IncludeDeps []ExtractedIncludeDep `json:"include_deps"`
	Success     bool                  `json:"success"`
	Diagnostics []string              `json:"diagnostics"`
}

// FactRowCount is the number of persistable fact rows in the output.
// Resolved include deps are counted by the payload, not here.
func (o *ExtractorOutput) FactRowCount() int {
	return len(o.Symbols) + len(o.References) + len(o.CallEdges)
}

// ResolvedIncludeDep is an include dependency after workspace/path-remap
// normalisation. Unresolved deps keep Resolved=false and are excluded
// from includes_hash.
type ResolvedIncludeDep struct {
	RawPath         string `json:"raw_path"`
	ResolvedFileKey string `json:"resolved_file_key"`
	ResolvedAbsPath string `json:"resolved_abs_path"`
	Resolved        bool   `json:"resolved"`
	Depth           int    `json:"depth"`
}

// ParsePayload is what a parse worker hands to the single writer: the
// extractor output plus workspace identity and the hashes computed for
// the invalidation gate.
type ParsePayload struct {
	ContextID           string               `json:"context_id"`
	FileKey             string               `json:"file_key"`
	RepoID              string               `json:"repo_id"`
	RelPath             string               `json:"rel_path"`
	AbsPath             string               `json:"abs_path"`
	Output              ExtractorOutput      `json:"output"`
	ResolvedIncludeDeps []ResolvedIncludeDep `json:"resolved_include_deps"`
	ContentHash         string               `json:"content_hash"`
	FlagsHash           string               `json:"flags_hash"`
	IncludesHash        string               `json:"includes_hash"`
	CompositeHash       string               `json:"composite_hash"`
	Warnings            []string             `json:"warnings"`
}

// PersistedRowCount is the total number of fact rows this payload writes:
// symbols, references, call edges, and resolved include deps.
func (p *ParsePayload) PersistedRowCount() int {
	n := p.Output.FactRowCount()
	for _, dep := range p.ResolvedIncludeDeps {
		if dep.Resolved {
			n++
		}
	}
	return n
}
