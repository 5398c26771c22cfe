package sysunit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/methodtree"
	"github.com/gnosek/mtrpc/pkg/protocol"
)

func buildTree(t *testing.T) *methodtree.Tree {
	t.Helper()
	add := &methodtree.ProcedureSpec{
		Doc: "Add two numbers.",
		Params: []methodtree.Param{
			{Name: "a"},
			{Name: "b"},
		},
		Handler: func(call *methodtree.Call) (any, error) { return nil, nil },
	}
	root := &methodtree.Unit{
		Units: map[string]*methodtree.Unit{
			"system": NewUnit(),
			"math": {
				Doc:        "Arithmetic helpers.",
				Exports:    []string{"add"},
				Procedures: map[string]*methodtree.ProcedureSpec{"add": add},
			},
		},
	}
	tree, err := methodtree.Build(root, nil)
	require.NoError(t, err)
	return tree
}

func callProc(t *testing.T, tree *methodtree.Tree, fullName string, pos []any, kw map[string]any, keyhole string) (any, error) {
	t.Helper()
	ctx := access.Context{access.FieldExchange: "request"}
	proc, err := tree.ObtainProcedure(fullName, ctx, "{full_name}", keyhole)
	require.NoError(t, err)

	if kw == nil {
		kw = map[string]any{}
	}
	kw[access.DictParam] = ctx
	kw[access.KeyParam] = "{full_name}"
	kw[access.KeyholeParam] = keyhole
	return proc.Call(pos, kw)
}

func TestListRoot(t *testing.T) {
	tree := buildTree(t)

	result, err := callProc(t, tree, "system.list", []any{""}, map[string]any{"deep": true}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"",
		"math",
		"math.add(a, b)",
		"system",
		"system.help(name, deep=false, as_string=false)",
		"system.list(module_name, deep=false, as_string=false)",
	}, result)
}

func TestListAsString(t *testing.T) {
	tree := buildTree(t)

	result, err := callProc(t, tree, "system.list", []any{"math"}, map[string]any{"as_string": true}, "")
	require.NoError(t, err)
	s, ok := result.(string)
	require.True(t, ok)
	assert.Equal(t, []string{"math", "math.add(a, b)"}, strings.Split(s, "\n\n"))
}

func TestListFiltersByAccess(t *testing.T) {
	tree := buildTree(t)

	// A keyhole admitting only system.* must hide the math subtree from
	// the listing, while the listing origin itself stays visible.
	result, err := callProc(t, tree, "system.list", []any{""}, map[string]any{"deep": true}, `^system\b`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"",
		"system",
		"system.help(name, deep=false, as_string=false)",
		"system.list(module_name, deep=false, as_string=false)",
	}, result)
}

func TestListUnknownModule(t *testing.T) {
	tree := buildTree(t)

	_, err := callProc(t, tree, "system.list", []any{"nowhere"}, nil, "")
	we := protocol.AsWireError(err)
	require.NotNil(t, we)
	assert.Equal(t, protocol.ErrNameNotFound, we.Name)
}

func TestHelpForProcedure(t *testing.T) {
	tree := buildTree(t)

	result, err := callProc(t, tree, "system.help", []any{"math.add"}, nil, "")
	require.NoError(t, err)
	texts, ok := result.([]string)
	require.True(t, ok)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Method: math.add(a, b)")
	assert.Contains(t, texts[0], "Add two numbers.")
}

func TestHelpForNamespace(t *testing.T) {
	tree := buildTree(t)

	result, err := callProc(t, tree, "system.help", []any{"math"}, map[string]any{"as_string": true}, "")
	require.NoError(t, err)
	s, ok := result.(string)
	require.True(t, ok)
	texts := strings.Split(s, "\n\n")
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Module: math")
	assert.Contains(t, texts[0], "Arithmetic helpers.")
	assert.Contains(t, texts[1], "Method: math.add(a, b)")
}

func TestHelpDeniedTargetIsNotFound(t *testing.T) {
	tree := buildTree(t)

	_, err := callProc(t, tree, "system.help", []any{"math.add"}, nil, `^system\b`)
	we := protocol.AsWireError(err)
	require.NotNil(t, we)
	assert.Equal(t, protocol.ErrNameNotFound, we.Name)
}
