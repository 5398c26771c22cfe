// Package sysunit provides the standard system.* introspection procedures:
// system.list enumerates names and signatures, system.help returns help
// texts. Both honor the access policy of the binding the request arrived
// on, so callers only ever see what they could also call.
package sysunit

import (
	"strings"

	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/methodtree"
)

// NewUnit returns the unit carrying the system procedures. The unit picks
// up the method tree it introspects at mount time, so one unit value
// serves exactly one tree.
func NewUnit() *methodtree.Unit {
	svc := &service{}
	return &methodtree.Unit{
		Doc:     "Standard system methods",
		Exports: []string{"list", "help"},
		Procedures: map[string]*methodtree.ProcedureSpec{
			"list": {
				Doc: "List module names and method signatures (within a given module).",
				Params: []methodtree.Param{
					{Name: "module_name"},
					{Name: "deep", Default: false, HasDefault: true},
					{Name: "as_string", Default: false, HasDefault: true},
					{Name: access.DictParam, Default: nil, HasDefault: true},
					{Name: access.KeyParam, Default: "", HasDefault: true},
					{Name: access.KeyholeParam, Default: "", HasDefault: true},
				},
				ReadOnly: true,
				Handler:  svc.list,
			},
			"help": {
				Doc: "List module/method help texts, i.e. signatures plus documentation.",
				Params: []methodtree.Param{
					{Name: "name"},
					{Name: "deep", Default: false, HasDefault: true},
					{Name: "as_string", Default: false, HasDefault: true},
					{Name: access.DictParam, Default: nil, HasDefault: true},
					{Name: access.KeyParam, Default: "", HasDefault: true},
					{Name: access.KeyholeParam, Default: "", HasDefault: true},
				},
				ReadOnly: true,
				Handler:  svc.help,
			},
		},
		OnMount: func(m *methodtree.Mount) error {
			svc.tree = m.Tree
			return nil
		},
	}
}

type service struct {
	tree *methodtree.Tree
}

// list returns the given module name followed by the accessible names it
// contains, each procedure suffixed with its signature. The listing origin
// itself is not access-checked, only its contents.
func (s *service) list(call *methodtree.Call) (any, error) {
	moduleName := call.String("module_name")
	ctx := call.AccessContext()
	key, keyhole := call.AccessPatterns()

	items, err := s.tree.AccessibleItems(moduleName, call.Bool("deep"), false, ctx, key, keyhole)
	if err != nil {
		return nil, err
	}

	entries := []string{moduleName}
	for _, item := range items {
		entry := item.Name
		if proc, isProc := item.Node.(*methodtree.Procedure); isProc {
			entry += proc.Signature()
		}
		entries = append(entries, entry)
	}

	if call.Bool("as_string") {
		return strings.Join(entries, "\n\n"), nil
	}
	return entries, nil
}

// help returns help texts. For a procedure it is that procedure's help
// alone; for a namespace it is the namespace's own help followed by the
// help of every accessible item in it.
func (s *service) help(call *methodtree.Call) (any, error) {
	name := call.String("name")
	ctx := call.AccessContext()
	key, keyhole := call.AccessPatterns()

	node, err := s.tree.ObtainNode(name, ctx, key, keyhole)
	if err != nil {
		return nil, err
	}

	var texts []string
	if _, isProc := node.(*methodtree.Procedure); isProc {
		texts = []string{node.RenderHelp(name)}
	} else {
		items, err := s.tree.AccessibleItems(name, call.Bool("deep"), false, ctx, key, keyhole)
		if err != nil {
			return nil, err
		}
		texts = []string{node.RenderHelp(name)}
		for _, item := range items {
			texts = append(texts, item.Node.RenderHelp(item.Name))
		}
	}

	if call.Bool("as_string") {
		return strings.Join(texts, "\n\n"), nil
	}
	return texts, nil
}
