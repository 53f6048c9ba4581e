package treesitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sitter "github.com/tree-sitter/go-tree-sitter"
)

func TestLanguages(t *testing.T) {
	assert.Equal(t, []string{"javascript", "jsx", "python", "tsx", "typescript"}, Languages())

	_, err := NewLanguageParser("dart")
	assert.Error(t, err)
}

func TestParseChecked(t *testing.T) {
	code := []byte("def create():\n    return 'ok'\n")
	tree, err := ParseChecked("python", code)
	require.NoError(t, err)
	defer tree.Close()

	root := tree.RootNode()
	assert.Equal(t, "module", root.Kind())

	var names []string
	Walk(root, func(n *sitter.Node) bool {
		if n.Kind() == "function_definition" {
			names = append(names, Text(n.ChildByFieldName("name"), code))
		}
		return true
	})
	assert.Equal(t, []string{"create"}, names)

	_, err = ParseChecked("python", []byte("def broken(:\n    pass\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestParseAfterClose(t *testing.T) {
	lp, err := NewLanguageParser("typescript")
	require.NoError(t, err)
	lp.Close()
	lp.Close()

	_, err = lp.Parse([]byte("const x = 1;"))
	assert.Error(t, err)
}
