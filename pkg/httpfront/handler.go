package httpfront

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/methodtree"
	"github.com/gnosek/mtrpc/pkg/protocol"
)

// handler serves help and call requests against one method tree.
type handler struct {
	tree *methodtree.Tree
	cfg  Config
}

// callRequest is the POST /call/{name} body.
type callRequest struct {
	Params   []any          `json:"params"`
	Kwparams map[string]any `json:"kwparams"`
}

// callResponse mirrors the wire envelope: exactly one of Result and
// Error is meaningful.
type callResponse struct {
	Result any                 `json:"result"`
	Error  *protocol.WireError `json:"error"`
}

// Healthz handles GET /healthz.
func (h *handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Help handles GET /help and GET /help/{name}. For a procedure the
// response carries that procedure's help alone; for a namespace the
// namespace's own help plus the help of every accessible item in it.
func (h *handler) Help(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := h.transportContext(r, name)

	node, err := h.tree.ObtainNode(name, ctx, h.cfg.AccessKey, h.cfg.AccessKeyhole)
	if err != nil {
		h.writeError(w, err)
		return
	}

	texts := []string{node.RenderHelp(name)}
	if _, isProc := node.(*methodtree.Procedure); !isProc {
		items, err := h.tree.AccessibleItems(name, true, false, ctx, h.cfg.AccessKey, h.cfg.AccessKeyhole)
		if err != nil {
			h.writeError(w, err)
			return
		}
		for _, item := range items {
			texts = append(texts, item.Node.RenderHelp(item.Name))
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(texts, "\n\n") + "\n"))
}

// Call handles POST /call/{name}.
func (h *handler) Call(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req callRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeWireError(w, protocol.Errorf(protocol.ErrNameDeserialization,
				"request body could not be deserialized: %s", err))
			return
		}
	}

	h.invoke(w, r, name, req.Params, req.Kwparams, false)
}

// CallReadOnly handles GET /call/{name}. Only procedures marked
// read-only may be called this way; query parameters become keyword
// arguments with string values.
func (h *handler) CallReadOnly(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	kwparams := map[string]any{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			kwparams[key] = values[0]
		}
	}

	h.invoke(w, r, name, nil, kwparams, true)
}

func (h *handler) invoke(w http.ResponseWriter, r *http.Request, name string, params []any, kwparams map[string]any, readOnlyOnly bool) {
	ctx := h.transportContext(r, name)

	proc, err := h.tree.ObtainProcedure(name, ctx, h.cfg.AccessKey, h.cfg.AccessKeyhole)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if readOnlyOnly && !proc.ReadOnly() {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "method is not read-only, use POST",
		})
		return
	}

	if err := proc.Authorize(ctx); err != nil {
		h.writeError(w, err)
		return
	}

	merged := make(map[string]any, len(kwparams)+3)
	for k, v := range kwparams {
		merged[k] = v
	}
	merged[access.DictParam] = ctx
	merged[access.KeyParam] = h.cfg.AccessKey
	merged[access.KeyholeParam] = h.cfg.AccessKeyhole

	result, err := callProcedure(proc, params, merged)
	if err != nil {
		h.writeWireError(w, classifyCallError(name, err))
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Result: result})
}

// transportContext builds the access context of one HTTP request. The
// method name doubles as the routing key so key patterns written for
// AMQP bindings keep working.
func (h *handler) transportContext(r *http.Request, name string) access.Context {
	return access.TransportContext("http", h.cfg.Addr, name, name, r.RemoteAddr, map[string]any{
		"http_method": r.Method,
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
	})
}

// errProcedurePanic marks a handler panic caught during an HTTP call.
var errProcedurePanic = errors.New("procedure panicked")

func callProcedure(proc *methodtree.Procedure, params []any, kwparams map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic during HTTP method call", "panic", p)
			err = errProcedurePanic
		}
	}()
	if params == nil {
		params = []any{}
	}
	return proc.Call(params, kwparams)
}

// classifyCallError maps an invocation error onto the wire taxonomy,
// the same way the AMQP worker does.
func classifyCallError(method string, err error) *protocol.WireError {
	var badPatt *access.BadPatternError
	switch {
	case errors.Is(err, errProcedurePanic):
		return protocol.NewInternalServerError()
	case errors.As(err, &badPatt):
		logger.Error("bad access pattern used inside a method", logger.Err(err))
		return protocol.NewInternalServerError()
	}

	if we := protocol.AsWireError(err); we != nil {
		if we.Name == protocol.ErrNameBadArguments {
			named := *we
			named.Message = strings.ReplaceAll(we.Message, "{name}", method)
			return &named
		}
		return we
	}
	return &protocol.WireError{Name: errorTypeName(err), Message: err.Error()}
}

// errorTypeName derives the wire name of a domain error from its Go
// type. Unexported or anonymous error types collapse to plain "Error".
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "Error"
	}
	name := t.Name()
	first, _ := utf8.DecodeRuneInString(name)
	if name == "" || !unicode.IsUpper(first) {
		return "Error"
	}
	return name
}

// writeError reports a lookup or authorization failure. Broken access
// patterns are configuration faults and never leak to the caller.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	if we := protocol.AsWireError(err); we != nil {
		h.writeWireError(w, we)
		return
	}
	logger.Error("bad access pattern in HTTP frontend configuration", logger.Err(err))
	h.writeWireError(w, protocol.NewInternalServerError())
}

func (h *handler) writeWireError(w http.ResponseWriter, we *protocol.WireError) {
	writeJSON(w, statusForError(we), callResponse{Error: we})
}

// statusForError maps the runtime taxonomy onto HTTP statuses. Domain
// errors raised by handlers stay 200: the call itself succeeded, the
// envelope carries the outcome.
func statusForError(we *protocol.WireError) int {
	switch we.Name {
	case protocol.ErrNameNotFound:
		return http.StatusNotFound
	case protocol.ErrNameBadArguments, protocol.ErrNameDeserialization, protocol.ErrNameInvalidRequest:
		return http.StatusBadRequest
	case "AccessDenied":
		return http.StatusForbidden
	case protocol.ErrNameInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("HTTP response could not be encoded", logger.Err(err))
	}
}
