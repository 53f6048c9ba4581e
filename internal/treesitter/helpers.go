package treesitter

import (
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// Text extracts text from a node using byte offsets
func Text(node *sitter.Node, code []byte) string {
	if node == nil {
		return ""
	}
	start := node.StartByte()
	end := node.EndByte()
	if int(end) > len(code) {
		end = uint(len(code))
	}
	return string(code[start:end])
}

// Line returns the 1-based start line of node
func Line(node *sitter.Node) int {
	return int(node.StartPosition().Row) + 1
}

// EndLine returns the 1-based end line of node
func EndLine(node *sitter.Node) int {
	return int(node.EndPosition().Row) + 1
}

// Walk visits node and its descendants depth-first. Returning false from
// visit skips the node's children.
func Walk(node *sitter.Node, visit func(*sitter.Node) bool) {
	if node == nil {
		return
	}
	if !visit(node) {
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		Walk(node.Child(i), visit)
	}
}

// NamedChildren returns the named children of node
func NamedChildren(node *sitter.Node) []*sitter.Node {
	if node == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, node.NamedChildCount())
	for i := uint(0); i < node.NamedChildCount(); i++ {
		if child := node.NamedChild(i); child != nil {
			out = append(out, child)
		}
	}
	return out
}

// FirstError finds the first ERROR or MISSING node under root
func FirstError(root *sitter.Node) *sitter.Node {
	var found *sitter.Node
	Walk(root, func(n *sitter.Node) bool {
		if found != nil {
			return false
		}
		if n.IsError() || n.IsMissing() {
			found = n
			return false
		}
		return n.HasError()
	})
	return found
}

// EnclosingKind traverses up to the nearest ancestor of one of kinds
func EnclosingKind(node *sitter.Node, kinds ...string) *sitter.Node {
	for current := node.Parent(); current != nil; current = current.Parent() {
		for _, k := range kinds {
			if current.Kind() == k {
				return current
			}
		}
	}
	return nil
}

// StringValue returns the contents of a string literal node without
// prefix or quotes. ok is false for non-literal or interpolated strings
// (f-strings keep their braces and are reported as ok).
func StringValue(node *sitter.Node, code []byte) (string, bool) {
	if node == nil {
		return "", false
	}
	switch node.Kind() {
	case "string", "template_string":
	default:
		return "", false
	}
	return Unquote(Text(node, code)), true
}

// Unquote strips Python/JS string prefixes and quotes
func Unquote(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`, "`"} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
