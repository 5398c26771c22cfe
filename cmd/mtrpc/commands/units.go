package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/gnosek/mtrpc/pkg/config"
	"github.com/gnosek/mtrpc/pkg/methodtree"
	"github.com/gnosek/mtrpc/pkg/sysunit"
)

// builtinUnits maps the unit names accepted in tree.units. The system
// unit is always mounted and not listed here.
func builtinUnits() map[string]*methodtree.Unit {
	return map[string]*methodtree.Unit{
		"example": exampleUnit(),
	}
}

// buildTree assembles the served method tree from the configuration.
func buildTree(cfg *config.Config) (*methodtree.Tree, error) {
	available := builtinUnits()

	root := &methodtree.Unit{
		Units: map[string]*methodtree.Unit{
			"system": sysunit.NewUnit(),
		},
	}
	for _, name := range cfg.Tree.Units {
		unit, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q in tree.units", name)
		}
		root.Units[name] = unit
	}

	return methodtree.Build(root, cfg.Tree.InitValues)
}

// exampleUnit is a small demonstration unit, off by default. Enable it
// with tree.units: [example].
func exampleUnit() *methodtree.Unit {
	return &methodtree.Unit{
		Doc:     "Example methods for trying out the server",
		Exports: []string{"echo", "add", "now", "text.upper", "text.lower"},
		Procedures: map[string]*methodtree.ProcedureSpec{
			"echo": {
				Doc:    "Return the given text unchanged.",
				Params: []methodtree.Param{{Name: "text", Default: "", HasDefault: true}},
				Handler: func(call *methodtree.Call) (any, error) {
					return call.Args["text"], nil
				},
			},
			"add": {
				Doc:    "Add two numbers.",
				Params: []methodtree.Param{{Name: "a"}, {Name: "b"}},
				Handler: func(call *methodtree.Call) (any, error) {
					a, aok := call.Args["a"].(float64)
					b, bok := call.Args["b"].(float64)
					if !aok || !bok {
						return nil, fmt.Errorf("add expects numbers, got %T and %T",
							call.Args["a"], call.Args["b"])
					}
					return a + b, nil
				},
			},
			"now": {
				Doc:      "Return the current server time.",
				ReadOnly: true,
				Handler: func(*methodtree.Call) (any, error) {
					return time.Now(), nil
				},
			},
		},
		Units: map[string]*methodtree.Unit{
			"text": {
				Doc:     "Text transformations",
				Exports: []string{"upper", "lower"},
				Procedures: map[string]*methodtree.ProcedureSpec{
					"upper": {
						Doc:    "Uppercase the given text.",
						Params: []methodtree.Param{{Name: "text"}},
						Handler: func(call *methodtree.Call) (any, error) {
							return strings.ToUpper(call.String("text")), nil
						},
					},
					"lower": {
						Doc:    "Lowercase the given text.",
						Params: []methodtree.Param{{Name: "text"}},
						Handler: func(call *methodtree.Call) (any, error) {
							return strings.ToLower(call.String("text")), nil
						},
					},
				},
			},
		},
	}
}
