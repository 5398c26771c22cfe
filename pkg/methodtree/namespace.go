package methodtree

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Node is either a *Procedure or a *Namespace mounted in a tree.
type Node interface {
	Doc() string
	Tags() Tags
	RenderHelp(name string) string
	nodeType() string
}

// localNameRe constrains local names of procedures and namespaces. Dots are
// reserved as the path separator.
var localNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SplitFullName splits a dotted full name into parent full name and local
// name. The root's parent is the root itself.
func SplitFullName(fullName string) (parent, local string) {
	if i := strings.LastIndexByte(fullName, '.'); i >= 0 {
		return fullName[:i], fullName[i+1:]
	}
	return "", fullName
}

// Namespace is one interior node of the method tree: a named collection of
// procedures and child namespaces with its own documentation and tags.
type Namespace struct {
	doc  string
	tags Tags

	procs map[string]*Procedure
	subs  map[string]*Namespace
}

func newNamespace() *Namespace {
	return &Namespace{
		tags:  Tags{},
		procs: map[string]*Procedure{},
		subs:  map[string]*Namespace{},
	}
}

// Doc returns the namespace documentation string.
func (ns *Namespace) Doc() string {
	return ns.doc
}

// Tags returns the namespace tag map.
func (ns *Namespace) Tags() Tags {
	return ns.tags
}

// SetDocAndTags declares documentation and tags. Redeclaring a different
// doc on an already documented namespace fails; tags merge, with later
// declarations winning per key.
func (ns *Namespace) SetDocAndTags(doc string, tags Tags) error {
	if doc != "" {
		if ns.doc != "" && ns.doc != doc {
			return fmt.Errorf("namespace documentation declared twice with different content")
		}
		ns.doc = doc
	}
	for key, value := range tags {
		ns.tags[key] = value
	}
	return nil
}

// RenderHelp substitutes the caller-relative full name into the help text.
func (ns *Namespace) RenderHelp(name string) string {
	help := fmt.Sprintf("Module: {name}\n    %s", ns.doc)
	return strings.ReplaceAll(help, "{name}", name)
}

func (ns *Namespace) nodeType() string { return "namespace" }

func (ns *Namespace) addProcedure(local string, proc *Procedure) error {
	if !localNameRe.MatchString(local) {
		return fmt.Errorf("illegal procedure name %q", local)
	}
	if _, exists := ns.procs[local]; exists {
		return fmt.Errorf("procedure %q already mounted", local)
	}
	if _, exists := ns.subs[local]; exists {
		return fmt.Errorf("name %q already taken by a namespace", local)
	}
	ns.procs[local] = proc
	return nil
}

func (ns *Namespace) addNamespace(local string, sub *Namespace) error {
	if !localNameRe.MatchString(local) {
		return fmt.Errorf("illegal namespace name %q", local)
	}
	if _, exists := ns.subs[local]; exists {
		return fmt.Errorf("namespace %q already mounted", local)
	}
	if _, exists := ns.procs[local]; exists {
		return fmt.Errorf("name %q already taken by a procedure", local)
	}
	ns.subs[local] = sub
	return nil
}

// ProcedureNames returns the local names of directly contained procedures,
// sorted.
func (ns *Namespace) ProcedureNames() []string {
	names := make([]string, 0, len(ns.procs))
	for name := range ns.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamespaceNames returns the local names of directly contained child
// namespaces, sorted.
func (ns *Namespace) NamespaceNames() []string {
	names := make([]string, 0, len(ns.subs))
	for name := range ns.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Procedure returns a directly contained procedure by local name.
func (ns *Namespace) Procedure(local string) (*Procedure, bool) {
	proc, ok := ns.procs[local]
	return proc, ok
}

// Child returns a directly contained namespace by local name.
func (ns *Namespace) Child(local string) (*Namespace, bool) {
	sub, ok := ns.subs[local]
	return sub, ok
}
