package export

import (
	"fmt"
	"os"
	"strings"

	scippb "github.com/sourcegraph/scip/bindings/go/scip"
	"google.golang.org/protobuf/proto"

	"cxxkb/internal/contexts"
	"cxxkb/internal/storage"
	"cxxkb/internal/version"
	"cxxkb/internal/workspace"
)

// SCIPStats summarises one SCIP emission.
type SCIPStats struct {
	Documents   int `json:"documents"`
	Occurrences int `json:"occurrences"`
	Symbols     int `json:"symbols"`
}

// WriteSCIP renders the chain's facts as a SCIP index at outPath.
func (e *Exporter) WriteSCIP(ws *workspace.Workspace, resolved *contexts.Resolved, outPath string) (*SCIPStats, error) {
	files, err := e.collectFiles(ws, resolved)
	if err != nil {
		return nil, err
	}
	q := e.chainQuery(resolved)

	projectRoot := "file://" + ws.RootPath
	if e.cfg.Privacy.RedactAbsolutePaths {
		projectRoot = "file:///" + ws.ID
	}

	index := &scippb.Index{
		Metadata: &scippb.Metadata{
			ToolInfo: &scippb.ToolInfo{
				Name:    "cxxkb",
				Version: version.Version,
			},
			ProjectRoot:          projectRoot,
			TextDocumentEncoding: scippb.TextEncoding_UTF8,
		},
	}
	stats := &SCIPStats{}

	// First pass: symbol kinds by qualified name, so reference occurrences
	// render the same descriptor as the definition they point at.
	kinds := make(map[string]string)
	fileSymbols := make(map[string][]storage.SymbolRow, len(files))
	for _, file := range files {
		symbols, err := e.facts.FileSymbols(q, file.FileKey)
		if err != nil {
			return nil, err
		}
		fileSymbols[file.FileKey] = symbols
		for _, sym := range symbols {
			if _, ok := kinds[sym.QualifiedName]; !ok {
				kinds[sym.QualifiedName] = sym.Kind
			}
		}
	}

	for _, file := range files {
		doc := &scippb.Document{
			Language:     "cpp",
			RelativePath: file.FileKey,
		}

		for _, sym := range fileSymbols[file.FileKey] {
			scipSym := scipSymbol(file.RepoID, sym.QualifiedName, sym.Kind)
			doc.Symbols = append(doc.Symbols, &scippb.SymbolInformation{
				Symbol:      scipSym,
				DisplayName: sym.QualifiedName,
				Kind:        scipKind(sym.Kind),
			})
			doc.Occurrences = append(doc.Occurrences, &scippb.Occurrence{
				Range:       occurrenceRange(sym.Line, sym.Col, len(sym.Name)),
				Symbol:      scipSym,
				SymbolRoles: int32(scippb.SymbolRole_Definition),
			})
		}

		refs, err := e.facts.FileReferences(q, file.FileKey)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			name := ref.SymbolQualifiedName
			if idx := strings.LastIndex(name, "::"); idx >= 0 {
				name = name[idx+2:]
			}
			kind := kinds[ref.SymbolQualifiedName]
			doc.Occurrences = append(doc.Occurrences, &scippb.Occurrence{
				Range:  occurrenceRange(ref.Line, ref.Col, len(name)),
				Symbol: scipSymbol(ref.RepoID, ref.SymbolQualifiedName, kind),
			})
		}

		if len(doc.Occurrences) == 0 && len(doc.Symbols) == 0 {
			continue
		}
		index.Documents = append(index.Documents, doc)
		stats.Documents++
		stats.Occurrences += len(doc.Occurrences)
		stats.Symbols += len(doc.Symbols)
	}

	data, err := proto.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("encode scip index: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return nil, fmt.Errorf("write scip index: %w", err)
	}

	e.logger.Info("scip index written", map[string]interface{}{
		"path":        outPath,
		"documents":   stats.Documents,
		"occurrences": stats.Occurrences,
	})
	return stats, nil
}

// scipSymbol renders a qualified C++ name in SCIP symbol syntax:
// scheme, package (manager name version), then one descriptor per
// namespace component.
func scipSymbol(repoID, qualifiedName, kind string) string {
	parts := strings.Split(qualifiedName, "::")
	var sb strings.Builder
	sb.WriteString("cxxkb cpp ")
	sb.WriteString(repoID)
	sb.WriteString(" . ")
	for i, part := range parts {
		if i < len(parts)-1 {
			sb.WriteString(part)
			sb.WriteString("/")
			continue
		}
		sb.WriteString(part)
		sb.WriteString(descriptorSuffix(kind))
	}
	return sb.String()
}

func descriptorSuffix(kind string) string {
	switch kind {
	case "function", "method", "constructor", "destructor":
		return "()."
	case "class", "struct", "enum", "union", "typedef", "type_alias":
		return "#"
	case "namespace":
		return "/"
	case "variable", "field", "enum_constant", "reference":
		return "."
	default:
		return "#"
	}
}

func scipKind(kind string) scippb.SymbolInformation_Kind {
	switch kind {
	case "function":
		return scippb.SymbolInformation_Function
	case "method":
		return scippb.SymbolInformation_Method
	case "constructor":
		return scippb.SymbolInformation_Constructor
	case "class":
		return scippb.SymbolInformation_Class
	case "struct":
		return scippb.SymbolInformation_Struct
	case "enum":
		return scippb.SymbolInformation_Enum
	case "namespace":
		return scippb.SymbolInformation_Namespace
	case "variable":
		return scippb.SymbolInformation_Variable
	case "field":
		return scippb.SymbolInformation_Field
	case "typedef", "type_alias":
		return scippb.SymbolInformation_TypeAlias
	default:
		return scippb.SymbolInformation_UnspecifiedKind
	}
}

// occurrenceRange builds a three-element SCIP range (same-line) from
// 1-based extractor coordinates.
func occurrenceRange(line, col, nameLen int) []int32 {
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}
	if nameLen < 1 {
		nameLen = 1
	}
	return []int32{int32(line - 1), int32(col - 1), int32(col - 1 + nameLen)}
}
