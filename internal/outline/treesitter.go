//go:build cgo

package outline

import (
	"context"
	"os"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"

	"cxxkb/internal/cxxerr"
)

// Extractor outlines C++ sources with the tree-sitter C++ grammar.
type Extractor struct {
	parser *sitter.Parser
}

// NewExtractor creates an outline extractor.
func NewExtractor() *Extractor {
	p := sitter.NewParser()
	p.SetLanguage(cpp.GetLanguage())
	return &Extractor{parser: p}
}

// Available reports whether outline extraction can run in this build.
func Available() bool {
	return true
}

// FileOutline outlines one file on disk.
func (e *Extractor) FileOutline(ctx context.Context, absPath string) ([]Symbol, error) {
	source, err := os.ReadFile(absPath)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.NotFound, "cannot read file for outline: "+absPath, err)
	}
	return e.SourceOutline(ctx, source)
}

// SourceOutline outlines source bytes.
func (e *Extractor) SourceOutline(ctx context.Context, source []byte) ([]Symbol, error) {
	tree, err := e.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.ParseFailed, "tree-sitter parse failed", err)
	}
	root := tree.RootNode()

	var symbols []Symbol
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}
		switch node.Type() {
		case "function_definition":
			if sym := functionSymbol(node, source); sym != nil {
				symbols = append(symbols, *sym)
			}
		case "class_specifier", "struct_specifier", "enum_specifier":
			if sym := typeSymbol(node, source); sym != nil {
				symbols = append(symbols, *sym)
			}
		case "namespace_definition":
			if sym := namespaceSymbol(node, source); sym != nil {
				symbols = append(symbols, *sym)
			}
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(root)
	return symbols, nil
}

func functionSymbol(node *sitter.Node, source []byte) *Symbol {
	name := declaratorName(node.ChildByFieldName("declarator"), source)
	if name == "" {
		return nil
	}
	kind := "function"
	container := enclosingTypeName(node, source)
	if container != "" || strings.Contains(name, "::") {
		kind = "method"
	}
	return &Symbol{
		Name:       name,
		Kind:       kind,
		Container:  container,
		Signature:  firstLine(node, source, 200),
		Line:       int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		Source:     SourceTreeSitter,
		Confidence: outlineConfidence,
	}
}

func typeSymbol(node *sitter.Node, source []byte) *Symbol {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		// Anonymous structs and enums carry no outline value.
		return nil
	}
	kind := "class"
	switch node.Type() {
	case "struct_specifier":
		kind = "struct"
	case "enum_specifier":
		kind = "enum"
	}
	// Forward declarations have no body; skip them so a class outlines
	// once, at its definition.
	if node.ChildByFieldName("body") == nil {
		return nil
	}
	return &Symbol{
		Name:       text(nameNode, source),
		Kind:       kind,
		Container:  enclosingTypeName(node, source),
		Signature:  firstLine(node, source, 100),
		Line:       int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		Source:     SourceTreeSitter,
		Confidence: outlineConfidence,
	}
}

func namespaceSymbol(node *sitter.Node, source []byte) *Symbol {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	return &Symbol{
		Name:       text(nameNode, source),
		Kind:       "namespace",
		Line:       int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		Source:     SourceTreeSitter,
		Confidence: outlineConfidence,
	}
}

// declaratorName digs through pointer, reference, and parenthesised
// declarators to the declared identifier.
func declaratorName(node *sitter.Node, source []byte) string {
	for node != nil {
		switch node.Type() {
		case "identifier", "field_identifier", "qualified_identifier",
			"destructor_name", "operator_name":
			return text(node, source)
		case "function_declarator", "pointer_declarator",
			"reference_declarator", "parenthesized_declarator":
			next := node.ChildByFieldName("declarator")
			if next == nil {
				// Reference declarators keep the inner declarator as a
				// plain child.
				for i := 0; i < int(node.ChildCount()); i++ {
					child := node.Child(i)
					if child != nil && strings.HasSuffix(child.Type(), "declarator") {
						next = child
						break
					}
					if child != nil && child.Type() == "identifier" {
						return text(child, source)
					}
				}
			}
			node = next
		default:
			return ""
		}
	}
	return ""
}

// enclosingTypeName walks up to the nearest class or struct body the
// node sits in.
func enclosingTypeName(node *sitter.Node, source []byte) string {
	for p := node.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "class_specifier" || p.Type() == "struct_specifier" {
			if nameNode := p.ChildByFieldName("name"); nameNode != nil {
				return text(nameNode, source)
			}
		}
	}
	return ""
}

func text(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// firstLine renders the declaration up to its first newline or brace.
func firstLine(node *sitter.Node, source []byte, max int) string {
	raw := source[node.StartByte():node.EndByte()]
	for i, b := range raw {
		if b == '\n' || b == '{' {
			return strings.TrimSpace(string(raw[:i]))
		}
	}
	if len(raw) > max {
		return strings.TrimSpace(string(raw[:max])) + "..."
	}
	return strings.TrimSpace(string(raw))
}
