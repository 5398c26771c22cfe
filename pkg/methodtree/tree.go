package methodtree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/protocol"
)

// Tree is the complete method hierarchy with a flat index from full names
// to nodes. A tree is mutable while being built and frozen afterwards;
// once frozen it is safe for concurrent lookups without locking.
type Tree struct {
	root   *Namespace
	index  map[string]Node
	frozen bool
}

// NewTree returns an empty tree containing only the root namespace.
func NewTree() *Tree {
	root := newNamespace()
	return &Tree{
		root:  root,
		index: map[string]Node{"": root},
	}
}

// Freeze marks the tree complete. Further mutation fails.
func (t *Tree) Freeze() {
	t.frozen = true
}

// Root returns the root namespace.
func (t *Tree) Root() *Namespace {
	return t.root
}

// Lookup finds a node by absolute full name, without any access check.
func (t *Tree) Lookup(fullName string) (Node, bool) {
	node, ok := t.index[fullName]
	return node, ok
}

// EnsureNamespace returns the namespace at fullName, creating it and any
// missing ancestors. The empty name addresses the root.
func (t *Tree) EnsureNamespace(fullName string) (*Namespace, error) {
	if t.frozen {
		return nil, fmt.Errorf("method tree is frozen")
	}
	if fullName == "" {
		return t.root, nil
	}
	if node, ok := t.index[fullName]; ok {
		ns, isNS := node.(*Namespace)
		if !isNS {
			return nil, fmt.Errorf("%s is a procedure, not a namespace", fullName)
		}
		return ns, nil
	}

	parentName, local := SplitFullName(fullName)
	parent, err := t.EnsureNamespace(parentName)
	if err != nil {
		return nil, err
	}
	ns := newNamespace()
	if err := parent.addNamespace(local, ns); err != nil {
		return nil, fmt.Errorf("mounting namespace %s: %w", fullName, err)
	}
	t.index[fullName] = ns
	return ns, nil
}

// AddProcedure mounts a procedure under the namespace at nsFullName,
// creating the namespace if needed.
func (t *Tree) AddProcedure(nsFullName, local string, proc *Procedure) error {
	if t.frozen {
		return fmt.Errorf("method tree is frozen")
	}
	ns, err := t.EnsureNamespace(nsFullName)
	if err != nil {
		return err
	}
	if err := ns.addProcedure(local, proc); err != nil {
		return fmt.Errorf("mounting procedure under %q: %w", nsFullName, err)
	}
	fullName := local
	if nsFullName != "" {
		fullName = nsFullName + "." + local
	}
	t.index[fullName] = proc
	return nil
}

// TargetContext builds the target-derived half of an access context for
// the node at fullName.
func TargetContext(fullName string, node Node) access.Context {
	parentName, local := SplitFullName(fullName)
	return access.Context{
		access.FieldFullName:   fullName,
		access.FieldLocalName:  local,
		access.FieldParentName: parentName,
		access.FieldSplitName:  strings.Split(fullName, "."),
		access.FieldDoc:        node.Doc(),
		access.FieldTags:       node.Tags(),
		access.FieldHelp:       node.RenderHelp(fullName),
		access.FieldType:       node.nodeType(),
	}
}

// CheckAccess renders the key/keyhole pair against the transport context
// merged over the node's target context and reports admission. Transport
// fields shadow target fields of the same name.
func (t *Tree) CheckAccess(fullName string, node Node, transportCtx access.Context, keyPatt, keyholePatt string) (bool, error) {
	ctx := access.Merged(TargetContext(fullName, node), transportCtx)
	return access.Check(keyPatt, keyholePatt, ctx)
}

// ObtainProcedure resolves fullName to a procedure admitted by the given
// access patterns.
//
// Absence, a namespace where a procedure is expected, and denial all yield
// the same NotFound error, so callers cannot distinguish hidden names from
// missing ones. A malformed pattern pair propagates as a
// *access.BadPatternError, which is a server configuration fault.
func (t *Tree) ObtainProcedure(fullName string, transportCtx access.Context, keyPatt, keyholePatt string) (*Procedure, error) {
	node, ok := t.index[fullName]
	if !ok {
		return nil, protocol.NewNotFound(fullName)
	}
	proc, ok := node.(*Procedure)
	if !ok {
		return nil, protocol.NewNotFound(fullName)
	}
	admitted, err := t.CheckAccess(fullName, proc, transportCtx, keyPatt, keyholePatt)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, protocol.NewNotFound(fullName)
	}
	return proc, nil
}

// ObtainNode resolves fullName to any admitted node, procedure or
// namespace.
func (t *Tree) ObtainNode(fullName string, transportCtx access.Context, keyPatt, keyholePatt string) (Node, error) {
	node, ok := t.index[fullName]
	if !ok {
		return nil, protocol.NewNotFound(fullName)
	}
	admitted, err := t.CheckAccess(fullName, node, transportCtx, keyPatt, keyholePatt)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, protocol.NewNotFound(fullName)
	}
	return node, nil
}

// Item is one entry of a tree listing: a node together with its name,
// absolute or relative to the listing origin.
type Item struct {
	Name string
	Node Node
}

// Items lists the subtree rooted at fullName. Procedures of a namespace
// come first, sorted, then each child namespace followed by its own
// contents when deep is set. With relative set the names are relative to
// the origin, otherwise absolute.
func (t *Tree) Items(fullName string, deep, relative bool) ([]Item, error) {
	node, ok := t.index[fullName]
	if !ok {
		return nil, protocol.NewNotFound(fullName)
	}
	ns, ok := node.(*Namespace)
	if !ok {
		return nil, fmt.Errorf("%s is not a namespace", fullName)
	}

	prefix := ""
	if !relative && fullName != "" {
		prefix = fullName + "."
	}
	return collectItems(ns, prefix, deep), nil
}

func collectItems(ns *Namespace, prefix string, deep bool) []Item {
	var items []Item
	for _, local := range ns.ProcedureNames() {
		proc, _ := ns.Procedure(local)
		items = append(items, Item{Name: prefix + local, Node: proc})
	}
	for _, local := range ns.NamespaceNames() {
		sub, _ := ns.Child(local)
		items = append(items, Item{Name: prefix + local, Node: sub})
		if deep {
			items = append(items, collectItems(sub, prefix+local+".", deep)...)
		}
	}
	return items
}

// AccessibleItems lists the subtree rooted at fullName, keeping only nodes
// admitted by the given access patterns. The listing origin itself is not
// re-checked; callers obtain it first.
func (t *Tree) AccessibleItems(fullName string, deep, relative bool, transportCtx access.Context, keyPatt, keyholePatt string) ([]Item, error) {
	items, err := t.Items(fullName, deep, relative)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if fullName != "" {
		prefix = fullName + "."
	}
	var admitted []Item
	for _, item := range items {
		absName := item.Name
		if relative {
			absName = prefix + item.Name
		}
		ok, err := t.CheckAccess(absName, item.Node, transportCtx, keyPatt, keyholePatt)
		if err != nil {
			return nil, err
		}
		if ok {
			admitted = append(admitted, item)
		}
	}
	return admitted, nil
}

// ProcedureNames returns the absolute full names of all mounted
// procedures, sorted. Used for diagnostics at startup.
func (t *Tree) ProcedureNames() []string {
	var names []string
	for name, node := range t.index {
		if _, isProc := node.(*Procedure); isProc {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
