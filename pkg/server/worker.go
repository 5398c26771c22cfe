package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/internal/telemetry"
	"github.com/gnosek/mtrpc/pkg/access"
	"github.com/gnosek/mtrpc/pkg/methodtree"
	"github.com/gnosek/mtrpc/pkg/metrics"
	"github.com/gnosek/mtrpc/pkg/protocol"
)

// errProcedurePanic marks a handler panic caught during invocation.
var errProcedurePanic = errors.New("procedure panicked")

// worker executes one task: decode, resolve, authorize, invoke, classify,
// encode, enqueue. It runs in its own goroutine; panics in handlers are
// contained, a panic in the worker itself is logged and the task is left
// unanswered (which the responder reports at shutdown).
type worker struct {
	task    *Task
	tree    *methodtree.Tree
	sh      *shared
	metrics *metrics.RPCMetrics
}

func (w *worker) run() {
	defer w.sh.workerDone()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("worker crashed, no response will be sent",
				logger.TaskID(w.task.ID), "panic", p)
		}
	}()

	msgRK, _ := w.task.AccessCtx[access.FieldMsgRK].(string)
	ctx, span := telemetry.StartTaskSpan(context.Background(), w.task.ID, w.task.Queue, msgRK,
		telemetry.ReplyTo(w.task.ReplyTo))
	defer span.End()

	lc := logger.NewLogContext(w.task.ID, w.task.Queue, w.task.ReplyTo)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		lc = lc.WithTrace(traceID, telemetry.SpanID(ctx))
	}
	ctx = logger.WithContext(ctx, lc)

	resp := w.execute(ctx)
	body, err := protocol.EncodeResponse(resp)
	if err != nil {
		logger.ErrorCtx(ctx, "response could not be encoded, no response will be sent", logger.Err(err))
		return
	}
	if resp.Err != nil {
		telemetry.SetAttributes(ctx, telemetry.RPCErrorName(resp.Err.Name))
		w.metrics.WireError(resp.Err.Name)
	}
	item := fifoItem{result: &Result{
		TaskID:  w.task.ID,
		ReplyTo: w.task.ReplyTo,
		Body:    body,
	}}
	select {
	case w.sh.fifo <- item:
	case <-w.sh.dropped:
		logger.DebugCtx(ctx, "responder already stopped, result dropped")
	}
}

func (w *worker) execute(ctx context.Context) *protocol.Response {
	task := w.task

	req, err := protocol.DecodeRequest(task.Body)
	if err != nil {
		logger.DebugCtx(ctx, "request rejected", logger.Err(err))
		// A request whose id could not be read is answered under the
		// reply-to key, which clients set equal to the id.
		return &protocol.Response{ID: task.ReplyTo, Err: protocol.AsWireError(err)}
	}
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithMethod(req.Method))
	telemetry.SetAttributes(ctx, telemetry.RPCMethod(req.Method))

	proc, err := w.tree.ObtainProcedure(req.Method, task.AccessCtx, task.KeyPatt, task.KeyholePatt)
	if err != nil {
		if we := protocol.AsWireError(err); we != nil {
			logger.DebugCtx(ctx, "method not obtained", logger.Err(err))
			return &protocol.Response{ID: req.ID, Err: we}
		}
		logger.ErrorCtx(ctx, "bad access pattern in binding configuration", logger.Err(err))
		return &protocol.Response{ID: req.ID, Err: protocol.NewInternalServerError()}
	}

	if err := proc.Authorize(task.AccessCtx); err != nil {
		logger.DebugCtx(ctx, "authorization refused", logger.Err(err))
		return &protocol.Response{ID: req.ID, Err: protocol.AsWireError(err)}
	}

	kwparams := make(map[string]any, len(req.Kwparams)+3)
	for k, v := range req.Kwparams {
		kwparams[k] = v
	}
	kwparams[access.DictParam] = task.AccessCtx
	kwparams[access.KeyParam] = task.KeyPatt
	kwparams[access.KeyholeParam] = task.KeyholePatt

	started := time.Now()
	logger.DebugCtx(ctx, "calling method", logger.KeyArgs, formatCallArgs(proc, req.Params, req.Kwparams))
	invokeCtx, invokeSpan := telemetry.StartInvokeSpan(ctx, req.Method)
	result, err := invoke(proc, req.Params, kwparams)
	if err != nil {
		telemetry.RecordError(invokeCtx, err)
	}
	invokeSpan.End()
	w.metrics.TaskObserved(req.Method, time.Since(started).Seconds())

	if err == nil {
		logger.DebugCtx(ctx, "method call completed",
			logger.DurationMs(logger.Duration(started)),
			logger.KeyResult, truncateForLog(fmt.Sprintf("%v", result)))
		return &protocol.Response{ID: req.ID, Result: result}
	}
	return &protocol.Response{ID: req.ID, Err: w.classify(ctx, req.Method, err)}
}

// classify maps an invocation error onto the wire taxonomy. Errors a
// handler returns deliberately propagate under their type name; anything
// that smells like a server-side fault is reported opaquely.
func (w *worker) classify(ctx context.Context, method string, err error) *protocol.WireError {
	var badPatt *access.BadPatternError
	switch {
	case errors.Is(err, errProcedurePanic):
		return protocol.NewInternalServerError()
	case errors.As(err, &badPatt):
		logger.ErrorCtx(ctx, "bad access pattern used inside a method", logger.Err(err))
		return protocol.NewInternalServerError()
	}

	if we := protocol.AsWireError(err); we != nil {
		if we.Name == protocol.ErrNameBadArguments {
			logger.DebugCtx(ctx, "bad arguments", logger.Err(err))
			named := *we
			named.Message = strings.ReplaceAll(we.Message, "{name}", method)
			return &named
		}
		logger.DebugCtx(ctx, "method call raised an error", logger.Err(err))
		return we
	}

	logger.DebugCtx(ctx, "method call returned a domain error", logger.Err(err))
	return &protocol.WireError{Name: errorTypeName(err), Message: err.Error()}
}

// invoke calls the procedure, converting a handler panic into an error so
// the caller can answer with an opaque internal error.
func invoke(proc *methodtree.Procedure, params []any, kwparams map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic during method call", "panic", p)
			err = errProcedurePanic
		}
	}()
	return proc.Call(params, kwparams)
}

// logValueLimit caps argument and result representations in debug logs.
const logValueLimit = 256

// formatCallArgs renders the call arguments for debug logging. Values bound
// to parameters whose name contains "passw" are masked; reserved access
// keywords are dropped.
func formatCallArgs(proc *methodtree.Procedure, params []any, kwparams map[string]any) string {
	names := proc.ParamNames()
	var parts []string
	for i, value := range params {
		if i < len(names) && strings.Contains(strings.ToLower(names[i]), "passw") {
			parts = append(parts, names[i]+"=***")
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}

	keys := make([]string, 0, len(kwparams))
	for key := range kwparams {
		if access.IsReservedParam(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.Contains(strings.ToLower(key), "passw") {
			parts = append(parts, key+"=***")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, kwparams[key]))
	}

	return truncateForLog(strings.Join(parts, ", "))
}

func truncateForLog(s string) string {
	if len(s) <= logValueLimit {
		return s
	}
	return s[:logValueLimit] + "..."
}

// errorTypeName derives the wire name of a domain error from its Go type.
// Unexported or anonymous error types collapse to plain "Error".
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
