package methodtree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gnosek/mtrpc/internal/logger"
)

// Unit is one registered source of procedures: a bundle of handlers, the
// names it exports, optional child units and an optional mount hook. Units
// form an explicit graph; the builder walks it and materializes the method
// tree.
type Unit struct {
	// Doc and Tags annotate the namespace this unit materializes into.
	Doc  string
	Tags Tags

	// Exports lists the names this unit publishes: local procedure names,
	// dotted paths into child units, the wildcard "*" covering all public
	// procedures, or a dotted wildcard like "sub.*".
	Exports []string

	// Public optionally narrows what "*" expands to. When nil every
	// procedure whose name does not start with "_" is public.
	Public []string

	// Procedures maps local names to their registered specs.
	Procedures map[string]*ProcedureSpec

	// Units maps local names to child units.
	Units map[string]*Unit

	// OnMount runs after the unit's namespace is materialized, before the
	// tree is frozen. Returning an error aborts the build.
	OnMount MountHook
}

// MountHook is the fixed-shape per-unit initialization hook.
type MountHook func(m *Mount) error

// Mount is everything a mount hook may touch: the materialized namespace,
// its position in the tree, and the configured initialization values.
type Mount struct {
	FullName  string
	Namespace *Namespace
	Tree      *Tree
	Config    ConfigView
}

// ConfigView exposes the initialization values configured for the build.
// A missing key is a configuration fault that fails the whole build, so
// misconfiguration surfaces at startup rather than at call time.
type ConfigView struct {
	unitName string
	values   map[string]any
}

// Get returns the configured value for key.
func (v ConfigView) Get(key string) (any, error) {
	value, ok := v.values[key]
	if !ok {
		return nil, fmt.Errorf("unit %q: missing required initialization key %q", v.unitName, key)
	}
	return value, nil
}

// GetString returns the configured value for key as a string.
func (v ConfigView) GetString(key string) (string, error) {
	value, err := v.Get(key)
	if err != nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unit %q: initialization key %q is not a string", v.unitName, key)
	}
	return s, nil
}

// Build walks the unit graph rooted at root and materializes a frozen
// method tree. initValues feeds the mount hooks.
//
// The walk tolerates a cyclic unit graph: a unit reached through itself is
// logged and not descended into again, so every unit mounts along exactly
// one ancestor path. A unit reachable along several non-cyclic paths
// mounts at the first path encountered; later encounters are logged and
// skipped, keeping one namespace per unit.
func Build(root *Unit, initValues map[string]any) (*Tree, error) {
	b := &builder{
		tree:        NewTree(),
		initValues:  initValues,
		initialized: map[*Unit]string{},
		anticipated: map[*Unit]map[string]bool{},
	}
	if err := b.populate(root, "", map[*Unit]bool{root: true}); err != nil {
		return nil, err
	}
	b.tree.Freeze()
	return b.tree, nil
}

type builder struct {
	tree       *Tree
	initValues map[string]any

	// initialized records the full name each unit mounted at
	initialized map[*Unit]string

	// anticipated collects names requested for a unit through dotted
	// exports of its ancestors, to be honored when the unit is visited
	anticipated map[*Unit]map[string]bool
}

func (b *builder) populate(unit *Unit, fullName string, ancestors map[*Unit]bool) error {
	if mountedAt, done := b.initialized[unit]; done {
		logger.Warn("unit already mounted elsewhere, skipping",
			"mounted_at", displayName(mountedAt), "skipped_at", displayName(fullName))
		return nil
	}
	b.initialized[unit] = fullName

	names, err := b.exportedNames(unit, fullName)
	if err != nil {
		return err
	}

	mounted := 0
	for _, name := range names {
		n, err := b.mountExport(unit, fullName, name)
		if err != nil {
			return err
		}
		mounted += n
	}

	if mounted > 0 || unit.Doc != "" || len(unit.Tags) > 0 || unit.OnMount != nil {
		if err := b.materialize(unit, fullName); err != nil {
			return err
		}
	}

	for _, local := range sortedUnitNames(unit.Units) {
		child := unit.Units[local]
		if ancestors[child] {
			logger.Warn("unit graph cycle detected, not descending",
				"unit", displayName(fullName), "child", local)
			continue
		}
		childName := local
		if fullName != "" {
			childName = fullName + "." + local
		}
		childAncestors := make(map[*Unit]bool, len(ancestors)+1)
		for u := range ancestors {
			childAncestors[u] = true
		}
		childAncestors[child] = true
		if err := b.populate(child, childName, childAncestors); err != nil {
			return err
		}
	}
	return nil
}

// exportedNames merges the unit's export list with names anticipated for
// it by ancestors, expanding the "*" wildcard, and returns them sorted.
func (b *builder) exportedNames(unit *Unit, fullName string) ([]string, error) {
	set := map[string]bool{}
	for name := range b.anticipated[unit] {
		set[name] = true
	}
	for _, name := range unit.Exports {
		set[name] = true
	}

	if set["*"] {
		delete(set, "*")
		for _, name := range b.publicProcedureNames(unit) {
			set[name] = true
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		if err := validateExportName(name); err != nil {
			return nil, fmt.Errorf("unit %q: %w", displayName(fullName), err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *builder) publicProcedureNames(unit *Unit) []string {
	if unit.Public != nil {
		allowed := map[string]bool{}
		for _, name := range unit.Public {
			allowed[name] = true
		}
		var names []string
		for name := range unit.Procedures {
			if allowed[name] {
				names = append(names, name)
			}
		}
		return names
	}
	var names []string
	for name := range unit.Procedures {
		if !strings.HasPrefix(name, "_") {
			names = append(names, name)
		}
	}
	return names
}

func validateExportName(name string) error {
	if name == "" {
		return fmt.Errorf("empty export name")
	}
	segments := strings.Split(name, ".")
	for i, segment := range segments {
		if segment == "*" && i == len(segments)-1 {
			continue
		}
		if !localNameRe.MatchString(segment) {
			return fmt.Errorf("illegal export name %q", name)
		}
	}
	return nil
}

// mountExport handles one exported name: a local procedure mounts
// directly, a dotted path defers to the named child unit via its
// anticipated set. Returns the number of nodes mounted into this unit's
// own namespace.
func (b *builder) mountExport(unit *Unit, fullName, name string) (int, error) {
	if first, rest, dotted := strings.Cut(name, "."); dotted {
		child, ok := unit.Units[first]
		if !ok {
			if _, isProc := unit.Procedures[first]; isProc {
				return 0, fmt.Errorf("unit %q: export %q traverses procedure %q as if it were a unit",
					displayName(fullName), name, first)
			}
			return 0, fmt.Errorf("unit %q: export %q names unknown child unit %q",
				displayName(fullName), name, first)
		}
		if b.anticipated[child] == nil {
			b.anticipated[child] = map[string]bool{}
		}
		b.anticipated[child][rest] = true
		return 0, nil
	}

	if _, isUnit := unit.Units[name]; isUnit {
		// The child namespace materializes during its own visit.
		return 0, nil
	}

	spec, ok := unit.Procedures[name]
	if !ok {
		logger.Warn("exported name has no registered handler, skipping",
			"unit", displayName(fullName), "name", name)
		return 0, nil
	}
	proc, err := NewProcedure(spec)
	if err != nil {
		return 0, fmt.Errorf("unit %q: procedure %q: %w", displayName(fullName), name, err)
	}
	if err := b.tree.AddProcedure(fullName, name, proc); err != nil {
		return 0, err
	}
	return 1, nil
}

func (b *builder) materialize(unit *Unit, fullName string) error {
	ns, err := b.tree.EnsureNamespace(fullName)
	if err != nil {
		return err
	}
	if err := ns.SetDocAndTags(unit.Doc, unit.Tags); err != nil {
		return fmt.Errorf("unit %q: %w", displayName(fullName), err)
	}
	if unit.OnMount != nil {
		mount := &Mount{
			FullName:  fullName,
			Namespace: ns,
			Tree:      b.tree,
			Config:    ConfigView{unitName: displayName(fullName), values: b.initValues},
		}
		if err := unit.OnMount(mount); err != nil {
			return fmt.Errorf("unit %q: mount hook: %w", displayName(fullName), err)
		}
	}
	return nil
}

func sortedUnitNames(units map[string]*Unit) []string {
	names := make([]string, 0, len(units))
	for name := range units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func displayName(fullName string) string {
	if fullName == "" {
		return "<root>"
	}
	return fullName
}
