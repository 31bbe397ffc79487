// Package python locates function definitions in Python source using tree-sitter.
//
// The parse tree is only used to find declarations. Everything returned to
// callers is sliced verbatim out of the original text so that fingerprints
// computed over it match fingerprints computed by other tools over the same
// file.
package python

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Common locator errors.
var (
	// ErrNotFound is returned when the container or function does not exist.
	// It is benign: callers treat it as "nothing to check".
	ErrNotFound = errors.New("function not found")

	// ErrSyntax is returned by CheckDefinition when the text does not parse cleanly.
	ErrSyntax = errors.New("syntax error")
)

// FunctionSpan is the verbatim source of one function definition.
type FunctionSpan struct {
	// StartLine is the first line (1-based), including leading decorators.
	StartLine int

	// EndLine is the last line (1-based, inclusive), including one trailing
	// blank line when the definition is followed by one.
	EndLine int

	// Text is lines StartLine..EndLine joined with "\n".
	Text string
}

// Parser wraps a tree-sitter parser configured for Python.
// A tree-sitter parser is not safe for concurrent use, so calls are serialized.
type Parser struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// NewParser creates a new Python parser.
func NewParser() *Parser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &Parser{parser: p}
}

func (p *Parser) parse(ctx context.Context, content []byte) (*sitter.Tree, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tree, err := p.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}
	return tree, nil
}

// Locate returns the span of function inside the class named container.
// An empty container selects a module-level function.
func (p *Parser) Locate(ctx context.Context, source []byte, container, function string) (*FunctionSpan, error) {
	tree, err := p.parse(ctx, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()

	var def *sitter.Node
	if container == "" {
		def = findFunctionInBody(root, source, function)
	} else {
		def = findMethod(root, source, container, function)
	}
	if def == nil {
		return nil, fmt.Errorf("%s: %w", qualifiedName(container, function), ErrNotFound)
	}

	lines := SplitLines(string(source))

	// A decorated definition starts at its first decorator, which may span
	// several lines.
	start := int(def.StartPoint().Row)

	end := endRow(def)
	if end > len(lines) {
		end = len(lines)
	}
	if end < len(lines) && strings.TrimSpace(lines[end]) == "" {
		end++
	}

	return &FunctionSpan{
		StartLine: start + 1,
		EndLine:   end,
		Text:      strings.Join(lines[start:end], "\n"),
	}, nil
}

// findMethod walks the whole tree for classes named container and returns the
// first direct-body function named function.
func findMethod(node *sitter.Node, content []byte, container, function string) *sitter.Node {
	if node.Type() == "class_definition" {
		if nameNode := node.ChildByFieldName("name"); nameNode != nil && nameNode.Content(content) == container {
			if body := node.ChildByFieldName("body"); body != nil {
				if def := findFunctionInBody(body, content, function); def != nil {
					return def
				}
			}
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		if def := findMethod(node.NamedChild(i), content, container, function); def != nil {
			return def
		}
	}
	return nil
}

// findFunctionInBody scans the direct children of a block (or module) for a
// function definition named function. A decorated function is returned as
// its decorated_definition wrapper so the node covers the decorators too.
func findFunctionInBody(body *sitter.Node, content []byte, function string) *sitter.Node {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		def := stmt
		if stmt.Type() == "decorated_definition" {
			def = stmt.ChildByFieldName("definition")
			if def == nil {
				continue
			}
		}
		if def.Type() != "function_definition" {
			continue
		}
		if nameNode := def.ChildByFieldName("name"); nameNode != nil && nameNode.Content(content) == function {
			return stmt
		}
	}
	return nil
}

// endRow returns the exclusive 0-based line index just past the node.
func endRow(node *sitter.Node) int {
	end := node.EndPoint()
	if end.Column == 0 && end.Row > node.StartPoint().Row {
		return int(end.Row)
	}
	return int(end.Row) + 1
}

// SplitLines splits text on line boundaries without keeping the terminators.
// A trailing terminator does not produce an empty final line, and "\r\n" and
// lone "\r" count as one boundary.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// ReplaceSpan returns source with the lines covered by span replaced by text.
// Replacing a span with its own Text reproduces an LF-terminated source exactly.
func ReplaceSpan(source []byte, span *FunctionSpan, text string) []byte {
	lines := SplitLines(string(source))
	out := make([]string, 0, len(lines))
	out = append(out, lines[:span.StartLine-1]...)
	out = append(out, strings.Split(text, "\n")...)
	out = append(out, lines[span.EndLine:]...)

	joined := strings.Join(out, "\n")
	if strings.HasSuffix(string(source), "\n") {
		joined += "\n"
	}
	return []byte(joined)
}

// Dedent removes the whitespace prefix shared by every non-blank line.
func Dedent(text string) string {
	lines := strings.Split(text, "\n")

	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix = indent
			first = false
			continue
		}
		prefix = commonPrefix(prefix, indent)
	}
	if prefix == "" {
		return text
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = strings.TrimLeft(line, " \t")
			continue
		}
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}

// CheckDefinition verifies that text is a syntactically valid Python unit that
// defines function at its top level. The text is dedented first, so a method
// sliced out of a class body can be checked on its own.
func (p *Parser) CheckDefinition(ctx context.Context, text, function string) error {
	content := []byte(Dedent(text))

	tree, err := p.parse(ctx, content)
	if err != nil {
		return err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		if bad := firstErrorNode(root); bad != nil {
			return fmt.Errorf("%w at line %d", ErrSyntax, bad.StartPoint().Row+1)
		}
		return ErrSyntax
	}

	if findFunctionInBody(root, content, function) == nil {
		return fmt.Errorf("%s: %w", function, ErrNotFound)
	}
	return nil
}

func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node.Type() == "ERROR" || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if bad := firstErrorNode(node.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}

func qualifiedName(container, function string) string {
	if container == "" {
		return function
	}
	return container + "." + function
}
