// Package methodtree implements the hierarchical namespace of callable
// procedures: the procedure wrapper, namespaces, the tree with its flat
// index, and the declarative builder that assembles a tree from registered
// source units.
//
// Some terminology:
//   - full name: the absolute dotted name of a procedure or namespace,
//     e.g. "foo.bar.baz"; the empty name is the root,
//   - local name: a name relative to its parent, e.g. "baz".
package methodtree

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/protocol"
)

// Tags is a free-form annotation map attached to procedures and namespaces.
// Lookup of an absent key yields the empty string.
type Tags map[string]string

// Get returns the tag value, or "" when absent.
func (t Tags) Get(key string) string {
	return t[key]
}

// Param is one declared parameter of a procedure.
type Param struct {
	Name       string
	Default    any
	HasDefault bool
}

// AuthorizeFunc is an optional per-procedure admission hook. It runs before
// argument validation and signals refusal by returning an error.
type AuthorizeFunc func(ctx access.Context) error

// Handler is the body of a procedure. It receives the bound call and
// returns the result value or an error. Returning a *protocol.WireError
// controls exactly what the client sees; any other error propagates as a
// domain error named after its type.
type Handler func(call *Call) (any, error)

// Call carries the bound arguments of one invocation.
type Call struct {
	// Args maps declared parameter names to their bound values, defaults
	// included. Reserved access parameters the procedure declared are bound
	// here as well.
	Args map[string]any

	// VarArgs holds positional arguments beyond the declared parameters,
	// when the procedure declared a varargs catch-all.
	VarArgs []any

	// VarKw holds keyword arguments that match no declared parameter, when
	// the procedure declared a variadic-keyword catch-all.
	VarKw map[string]any
}

// String returns the named argument as a string, or "" when absent or of
// another type.
func (c *Call) String(name string) string {
	s, _ := c.Args[name].(string)
	return s
}

// Bool returns the named argument as a bool, false when absent.
func (c *Call) Bool(name string) bool {
	b, _ := c.Args[name].(bool)
	return b
}

// AccessContext returns the access context bound via the reserved
// _access_dict parameter, or nil when the procedure does not declare it.
func (c *Call) AccessContext() access.Context {
	ctx, _ := c.Args[access.DictParam].(access.Context)
	return ctx
}

// AccessPatterns returns the key and keyhole patterns bound via the
// reserved pattern parameters.
func (c *Call) AccessPatterns() (key, keyhole string) {
	key, _ = c.Args[access.KeyParam].(string)
	keyhole, _ = c.Args[access.KeyholeParam].(string)
	return key, keyhole
}

// ProcedureSpec is the declarative description of one procedure, supplied
// at registration time.
//
// Params may include the reserved access parameter names; those are bound
// from the server rather than from the client and never appear in the
// public signature. Reserved parameters must be declared after all public
// ones.
type ProcedureSpec struct {
	Params     []Param
	VarArgs    string // name of the *args catch-all, "" if none
	VarKeyword string // name of the **kwargs catch-all, "" if none
	Doc        string
	Tags       Tags
	ReadOnly   bool
	Authorize  AuthorizeFunc
	Handler    Handler
}

// Procedure wraps one handler into a uniform call/introspect surface.
type Procedure struct {
	handler    Handler
	doc        string
	tags       Tags
	readOnly   bool
	authorize  AuthorizeFunc
	params     []Param
	varArgs    string
	varKeyword string

	// reserved access parameters the handler declared, by name
	accessParams map[string]bool

	formattedSig string
	help         string
}

// NewProcedure wraps a handler described by spec.
//
// The wrap fails when the handler is missing, a parameter name repeats, or
// a reserved access parameter is declared before a public one. A mutable
// (map or slice) default value logs a warning unless the procedure is
// tagged suppress_mutable_arg_warning.
func NewProcedure(spec *ProcedureSpec) (*Procedure, error) {
	if spec.Handler == nil {
		return nil, fmt.Errorf("procedure handler must not be nil")
	}

	p := &Procedure{
		handler:      spec.Handler,
		doc:          spec.Doc,
		tags:         spec.Tags,
		readOnly:     spec.ReadOnly,
		authorize:    spec.Authorize,
		varArgs:      spec.VarArgs,
		varKeyword:   spec.VarKeyword,
		accessParams: map[string]bool{},
	}
	if p.tags == nil {
		p.tags = Tags{}
	}

	seen := map[string]bool{}
	sawReserved := ""
	for _, param := range spec.Params {
		if param.Name == "" {
			return nil, fmt.Errorf("parameter name must not be empty")
		}
		if seen[param.Name] {
			return nil, fmt.Errorf("duplicate parameter %q", param.Name)
		}
		seen[param.Name] = true

		if access.IsReservedParam(param.Name) {
			sawReserved = param.Name
			p.accessParams[param.Name] = true
		} else if sawReserved != "" {
			return nil, fmt.Errorf(
				"access-related parameter %q must be placed after all other parameters (found before %q)",
				sawReserved, param.Name)
		}
		p.params = append(p.params, param)
	}

	p.auditDefaults()
	p.formattedSig = p.formatSignature()
	p.help = fmt.Sprintf("Method: {name}%s\n    %s", p.formattedSig, p.doc)
	return p, nil
}

// auditDefaults warns about default values that are mutable containers.
// Shared mutable defaults are a classic source of cross-call state leaks.
func (p *Procedure) auditDefaults() {
	if p.tags.Get("suppress_mutable_arg_warning") != "" {
		return
	}
	for _, param := range p.params {
		if !param.HasDefault || param.Default == nil || access.IsReservedParam(param.Name) {
			continue
		}
		switch reflect.TypeOf(param.Default).Kind() {
		case reflect.Map, reflect.Slice:
			logger.Warn("default value of procedure argument is a mutable container",
				"param", param.Name, "default", fmt.Sprintf("%v", param.Default))
		}
	}
}

// formatSignature renders the public signature: reserved access parameters
// are omitted so clients never see them.
func (p *Procedure) formatSignature() string {
	var parts []string
	for _, param := range p.params {
		if access.IsReservedParam(param.Name) {
			continue
		}
		if param.HasDefault {
			parts = append(parts, fmt.Sprintf("%s=%s", param.Name, formatDefault(param.Default)))
		} else {
			parts = append(parts, param.Name)
		}
	}
	if p.varArgs != "" {
		parts = append(parts, "*"+p.varArgs)
	}
	if p.varKeyword != "" {
		parts = append(parts, "**"+p.varKeyword)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatDefault(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + val + "'"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Signature returns the formatted public argument signature.
func (p *Procedure) Signature() string {
	return p.formattedSig
}

// ParamNames returns the declared public parameter names in order, reserved
// access parameters excluded.
func (p *Procedure) ParamNames() []string {
	names := make([]string, 0, len(p.params))
	for _, param := range p.params {
		if access.IsReservedParam(param.Name) {
			continue
		}
		names = append(names, param.Name)
	}
	return names
}

// Doc returns the procedure documentation string.
func (p *Procedure) Doc() string {
	return p.doc
}

// Tags returns the procedure tag map.
func (p *Procedure) Tags() Tags {
	return p.tags
}

// ReadOnly reports whether the procedure is tagged side-effect-free.
func (p *Procedure) ReadOnly() bool {
	return p.readOnly
}

// RenderHelp substitutes the caller-relative full name into the help text.
func (p *Procedure) RenderHelp(name string) string {
	return strings.ReplaceAll(p.help, "{name}", name)
}

// HelpTemplate returns the raw help text with the {name} placeholder intact.
func (p *Procedure) HelpTemplate() string {
	return p.help
}

func (p *Procedure) nodeType() string { return "procedure" }

// WantsAccessParam reports whether the handler declared the given reserved
// parameter.
func (p *Procedure) WantsAccessParam(name string) bool {
	return p.accessParams[name]
}

// Authorize runs the optional per-procedure admission hook.
func (p *Procedure) Authorize(ctx access.Context) error {
	if p.authorize == nil {
		return nil
	}
	if err := p.authorize(ctx); err != nil {
		if we := protocol.AsWireError(err); we != nil {
			return we
		}
		return protocol.Errorf("AccessDenied", "%s", err.Error())
	}
	return nil
}

// bind validates the given arguments against the declared signature and
// produces the bound call, without invoking the handler. This is the
// argument-testing step: a mismatch surfaces before the handler runs.
func (p *Procedure) bind(positional []any, keyword map[string]any) (*Call, error) {
	call := &Call{Args: make(map[string]any, len(p.params))}

	if len(positional) > len(p.params) {
		extra := positional[len(p.params):]
		if p.varArgs == "" {
			return nil, fmt.Errorf("too many positional arguments (%d given)", len(positional))
		}
		call.VarArgs = extra
		positional = positional[:len(p.params)]
	}
	for i, value := range positional {
		name := p.params[i].Name
		if access.IsReservedParam(name) {
			return nil, fmt.Errorf("too many positional arguments (%d given)", len(positional))
		}
		call.Args[name] = value
	}

	for name, value := range keyword {
		if _, bound := call.Args[name]; bound {
			return nil, fmt.Errorf("got multiple values for argument %q", name)
		}
		if p.hasParam(name) {
			call.Args[name] = value
			continue
		}
		if p.varKeyword == "" {
			return nil, fmt.Errorf("got an unexpected keyword argument %q", name)
		}
		if call.VarKw == nil {
			call.VarKw = map[string]any{}
		}
		call.VarKw[name] = value
	}

	for _, param := range p.params {
		if _, bound := call.Args[param.Name]; bound {
			continue
		}
		if !param.HasDefault {
			return nil, fmt.Errorf("missing required argument %q", param.Name)
		}
		call.Args[param.Name] = param.Default
	}

	return call, nil
}

func (p *Procedure) hasParam(name string) bool {
	for _, param := range p.params {
		if param.Name == name {
			return true
		}
	}
	return false
}

// Call invokes the procedure with the supplied positional and keyword
// arguments, plus the reserved access keyword arguments injected by the
// server.
//
// Reserved keywords the handler did not declare are stripped first. The
// remaining arguments are validated against the declared signature before
// the handler runs; a mismatch yields BadArguments with the {name}
// placeholder left for the caller to substitute.
func (p *Procedure) Call(positional []any, keyword map[string]any) (any, error) {
	kw := make(map[string]any, len(keyword))
	for name, value := range keyword {
		if access.IsReservedParam(name) && !p.accessParams[name] {
			continue
		}
		kw[name] = value
	}

	call, err := p.bind(positional, kw)
	if err != nil {
		return nil, protocol.NewBadArguments("{name}", p.formattedSig, p.formatGivenArgs(positional, kw))
	}

	return p.handler(call)
}

// formatGivenArgs renders the offending argument list for the BadArguments
// message, with reserved keywords removed.
func (p *Procedure) formatGivenArgs(positional []any, keyword map[string]any) string {
	var parts []string
	for _, value := range positional {
		parts = append(parts, fmt.Sprintf("%v", value))
	}

	names := make([]string, 0, len(keyword))
	for name := range keyword {
		if access.IsReservedParam(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, keyword[name]))
	}

	return strings.Join(parts, ", ")
}
