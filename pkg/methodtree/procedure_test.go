package methodtree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/protocol"
)

func addProc(t *testing.T) *Procedure {
	t.Helper()
	proc, err := NewProcedure(&ProcedureSpec{
		Doc: "Add two numbers.",
		Params: []Param{
			{Name: "a"},
			{Name: "b"},
			{Name: "precise", Default: false, HasDefault: true},
		},
		Handler: func(call *Call) (any, error) {
			a, _ := call.Args["a"].(float64)
			b, _ := call.Args["b"].(float64)
			return a + b, nil
		},
	})
	require.NoError(t, err)
	return proc
}

func TestProcedureSignature(t *testing.T) {
	proc := addProc(t)
	assert.Equal(t, "(a, b, precise=false)", proc.Signature())

	variadic, err := NewProcedure(&ProcedureSpec{
		Params:     []Param{{Name: "fmt", Default: "plain", HasDefault: true}},
		VarArgs:    "args",
		VarKeyword: "options",
		Handler:    func(*Call) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "(fmt='plain', *args, **options)", variadic.Signature())
}

func TestProcedureSignatureHidesAccessParams(t *testing.T) {
	proc, err := NewProcedure(&ProcedureSpec{
		Params: []Param{
			{Name: "name", Default: "", HasDefault: true},
			{Name: access.DictParam},
			{Name: access.KeyParam, Default: "", HasDefault: true},
		},
		Handler: func(*Call) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "(name='')", proc.Signature())
}

func TestProcedureRejectsAccessParamBeforePublic(t *testing.T) {
	_, err := NewProcedure(&ProcedureSpec{
		Params: []Param{
			{Name: access.DictParam},
			{Name: "name"},
		},
		Handler: func(*Call) (any, error) { return nil, nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), access.DictParam)
}

func TestProcedureCallBinding(t *testing.T) {
	proc := addProc(t)

	result, err := proc.Call([]any{float64(2), float64(3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)

	result, err = proc.Call([]any{float64(2)}, map[string]any{"b": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)
}

func TestProcedureCallBadArguments(t *testing.T) {
	proc := addProc(t)

	cases := []struct {
		name string
		pos  []any
		kw   map[string]any
	}{
		{"missing required", []any{float64(2)}, nil},
		{"too many positional", []any{1, 2, 3, 4}, nil},
		{"unknown keyword", []any{float64(2), float64(3)}, map[string]any{"rounding": "up"}},
		{"duplicate value", []any{float64(2), float64(3)}, map[string]any{"a": float64(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := proc.Call(tc.pos, tc.kw)
			require.Error(t, err)
			we := protocol.AsWireError(err)
			require.NotNil(t, we)
			assert.Equal(t, protocol.ErrNameBadArguments, we.Name)
			assert.Contains(t, we.Message, proc.Signature())
		})
	}
}

func TestProcedureCallStripsUnwantedAccessKwargs(t *testing.T) {
	var seen access.Context
	proc, err := NewProcedure(&ProcedureSpec{
		Params: []Param{
			{Name: "x"},
			{Name: access.DictParam, Default: nil, HasDefault: true},
		},
		Handler: func(call *Call) (any, error) {
			seen = call.AccessContext()
			return call.Args["x"], nil
		},
	})
	require.NoError(t, err)

	ctx := access.Context{access.FieldExchange: "request"}
	result, err := proc.Call([]any{"v"}, map[string]any{
		access.DictParam:    ctx,
		access.KeyParam:     "{exchange}",
		access.KeyholeParam: ".*",
	})
	require.NoError(t, err)
	assert.Equal(t, "v", result)
	assert.Equal(t, "request", seen[access.FieldExchange])
}

func TestProcedureVarArgsAndVarKw(t *testing.T) {
	proc, err := NewProcedure(&ProcedureSpec{
		VarArgs:    "items",
		VarKeyword: "opts",
		Handler: func(call *Call) (any, error) {
			return []any{call.VarArgs, call.VarKw}, nil
		},
	})
	require.NoError(t, err)

	result, err := proc.Call([]any{1, 2}, map[string]any{"mode": "fast"})
	require.NoError(t, err)
	parts := result.([]any)
	assert.Equal(t, []any{1, 2}, parts[0])
	assert.Equal(t, map[string]any{"mode": "fast"}, parts[1])
}

func TestProcedureAuthorizeWrapsPlainError(t *testing.T) {
	proc, err := NewProcedure(&ProcedureSpec{
		Authorize: func(access.Context) error { return errors.New("no anonymous callers") },
		Handler:   func(*Call) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	authErr := proc.Authorize(access.Context{})
	we := protocol.AsWireError(authErr)
	require.NotNil(t, we)
	assert.Equal(t, "AccessDenied", we.Name)
	assert.Equal(t, "no anonymous callers", we.Message)
}

func TestProcedureHelp(t *testing.T) {
	proc := addProc(t)
	help := proc.RenderHelp("math.add")
	assert.Contains(t, help, "Method: math.add(a, b, precise=false)")
	assert.Contains(t, help, "Add two numbers.")
}
