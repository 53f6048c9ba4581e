package treesitter

import (
	"fmt"
	"sort"
	"unsafe"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// grammars maps the language names extractors ask for to their grammar
var grammars = map[string]func() unsafe.Pointer{
	"javascript": tree_sitter_javascript.Language,
	"jsx":        tree_sitter_javascript.Language,
	"typescript": tree_sitter_typescript.LanguageTypescript,
	"tsx":        tree_sitter_typescript.LanguageTSX,
	"python":     tree_sitter_python.Language,
}

// Languages lists the grammar names NewLanguageParser accepts
func Languages() []string {
	names := make([]string, 0, len(grammars))
	for name := range grammars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LanguageParser holds a tree-sitter parser bound to one grammar.
// Close must be called; the parser lives in C memory.
type LanguageParser struct {
	parser *sitter.Parser
	lang   string
}

// NewLanguageParser creates a parser for lang
func NewLanguageParser(lang string) (*LanguageParser, error) {
	grammar, ok := grammars[lang]
	if !ok {
		return nil, fmt.Errorf("no grammar for %q", lang)
	}

	parser := sitter.NewParser()
	if parser == nil {
		return nil, fmt.Errorf("create %s parser", lang)
	}
	if err := parser.SetLanguage(sitter.NewLanguage(grammar())); err != nil {
		parser.Close()
		return nil, fmt.Errorf("load %s grammar: %w", lang, err)
	}
	return &LanguageParser{parser: parser, lang: lang}, nil
}

func (lp *LanguageParser) Close() {
	if lp.parser != nil {
		lp.parser.Close()
		lp.parser = nil
	}
}

// Parse returns the syntax tree of code. The caller closes the tree.
func (lp *LanguageParser) Parse(code []byte) (*sitter.Tree, error) {
	if lp.parser == nil {
		return nil, fmt.Errorf("%s parser is closed", lp.lang)
	}
	tree := lp.parser.Parse(code, nil)
	if tree == nil {
		return nil, fmt.Errorf("%s parser returned no tree", lp.lang)
	}
	return tree, nil
}

// ParseChecked parses code and rejects trees containing syntax errors,
// reporting the first error position. The caller closes the tree.
func ParseChecked(lang string, code []byte) (*sitter.Tree, error) {
	lp, err := NewLanguageParser(lang)
	if err != nil {
		return nil, err
	}
	defer lp.Close()

	tree, err := lp.Parse(code)
	if err != nil {
		return nil, err
	}

	root := tree.RootNode()
	if !root.HasError() {
		return tree, nil
	}
	defer tree.Close()
	if bad := FirstError(root); bad != nil {
		return nil, fmt.Errorf("syntax error at line %d", Line(bad))
	}
	return nil, fmt.Errorf("syntax error")
}
