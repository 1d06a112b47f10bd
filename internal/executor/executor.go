// Package executor invokes skills on behalf of the control loop. Every
// invocation produces a Result, never a panic or a bare error: failures are
// observations the loop can reason about. Faults on dynamic skills feed the
// catalog's consecutive-fault counter.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/skillforge/internal/catalog"
)

// Deterministic fault reason codes carried on error Results.
const (
	ReasonToolError   = "TOOL_ERROR"
	ReasonToolTimeout = "TOOL_TIMEOUT"
	ReasonNotFound    = "TOOL_NOT_FOUND"
	ReasonQuarantined = "TOOL_QUARANTINED"
	ReasonBadArgs     = "TOOL_BAD_ARGS"
)

// DefaultTimeout is the wall-clock limit for a single invocation.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one skill invocation.
type Result struct {
	Status  string         `json:"status"` // "ok" or "error"
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Fault   string         `json:"fault,omitempty"` // reason code when status is "error"
}

func (r Result) OK() bool { return r.Status == "ok" }

func ok(message string, data map[string]any) Result {
	return Result{Status: "ok", Message: message, Data: data}
}

func fail(fault, format string, args ...any) Result {
	return Result{Status: "error", Fault: fault, Message: fmt.Sprintf(format, args...)}
}

// Handler executes a builtin skill.
type Handler func(ctx context.Context, args map[string]any) Result

// Executor dispatches invocations by skill kind.
type Executor struct {
	catalog *catalog.Catalog
	log     *slog.Logger
	timeout time.Duration

	scripts  *scriptRunner
	wasm     *WasmHost
	builtins map[string]Handler
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func WithWasmHost(h *WasmHost) Option {
	return func(e *Executor) { e.wasm = h }
}

// New creates an Executor. workspaceDir is where script skills run; it is
// also their HOME.
func New(cat *catalog.Catalog, workspaceDir string, opts ...Option) *Executor {
	e := &Executor{
		catalog:  cat,
		log:      slog.Default(),
		timeout:  DefaultTimeout,
		builtins: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scripts = &scriptRunner{workspaceDir: workspaceDir}
	return e
}

// RegisterHandler binds a builtin skill name to its implementation.
func (e *Executor) RegisterHandler(name string, h Handler) {
	e.builtins[catalog.CanonicalKey(name)] = h
}

// Invoke runs a skill. The returned Result is always usable as an
// observation; it never carries partial state on error.
func (e *Executor) Invoke(ctx context.Context, name string, args map[string]any) Result {
	desc, err := e.catalog.Get(name)
	if err != nil {
		return fail(ReasonNotFound, "skill %q not found", name)
	}
	if desc.Status == catalog.StatusQuarantined {
		return fail(ReasonQuarantined, "skill %q is quarantined", name)
	}
	if desc.Status != catalog.StatusActive {
		return fail(ReasonQuarantined, "skill %q is %s", name, desc.Status)
	}

	if msg, bad := validateArgs(desc, args); bad {
		return fail(ReasonBadArgs, "invalid arguments for %q: %s", name, msg)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res := e.dispatch(invokeCtx, desc, args)
	e.log.Info("skill invoked",
		"skill", desc.Name, "kind", string(desc.Kind),
		"status", res.Status, "fault", res.Fault,
		"duration_ms", time.Since(start).Milliseconds())

	// Only execution faults count against the skill; bad lookups and bad
	// arguments are the caller's problem.
	if desc.Source == catalog.SourceDynamic {
		switch {
		case res.OK():
			e.catalog.RecordUse(ctx, desc.Name)
		case res.Fault == ReasonToolError || res.Fault == ReasonToolTimeout:
			if e.catalog.RecordFault(ctx, desc.Name) {
				res.Message += " (skill quarantined after repeated faults)"
			}
		}
	} else if res.OK() {
		e.catalog.RecordUse(ctx, desc.Name)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, desc catalog.Descriptor, args map[string]any) Result {
	switch desc.Kind {
	case catalog.KindBuiltin:
		h, found := e.builtins[catalog.CanonicalKey(desc.Name)]
		if !found {
			return fail(ReasonToolError, "builtin %q has no handler", desc.Name)
		}
		return h(ctx, args)

	case catalog.KindInstruction:
		// Instruction skills carry no code: the body itself is the output,
		// injected into the loop as guidance.
		body, err := e.catalog.LoadBody(desc.Name)
		if err != nil {
			return fail(ReasonToolError, "load instructions for %q: %v", desc.Name, err)
		}
		return ok("instructions loaded", map[string]any{"instructions": body})

	case catalog.KindScript:
		return e.runScript(ctx, desc, args)

	case catalog.KindWasm:
		return e.runWasm(ctx, desc, args)

	default:
		return fail(ReasonToolError, "skill %q has unknown kind %q", desc.Name, desc.Kind)
	}
}

// runWasm instantiates the skill's declared .wasm resource lazily, reloading
// when the skill's version changed, then calls its entrypoint.
func (e *Executor) runWasm(ctx context.Context, desc catalog.Descriptor, args map[string]any) Result {
	if e.wasm == nil {
		return fail(ReasonToolError, "wasm runtime not configured")
	}
	var resource string
	for _, r := range desc.Resources {
		if strings.EqualFold(filepath.Ext(r), ".wasm") {
			resource = r
			break
		}
	}
	if resource == "" {
		return fail(ReasonToolError, "skill %q declares no .wasm resource", desc.Name)
	}
	if !e.wasm.ModuleLoaded(desc.Name, desc.Version) {
		raw, err := e.catalog.LoadResource(desc.Name, resource)
		if err != nil {
			return fail(ReasonToolError, "load wasm for %q: %v", desc.Name, err)
		}
		if err := e.wasm.LoadModule(ctx, desc.Name, desc.Version, []byte(raw)); err != nil {
			return fail(ReasonToolError, "skill %q: %v", desc.Name, err)
		}
	}
	return e.wasm.invoke(ctx, desc.Name, args)
}

func (e *Executor) runScript(ctx context.Context, desc catalog.Descriptor, args map[string]any) Result {
	body, err := e.catalog.LoadBody(desc.Name)
	if err != nil {
		return fail(ReasonToolError, "load script for %q: %v", desc.Name, err)
	}
	script, found := catalog.ExtractScript(body)
	if !found || strings.TrimSpace(script) == "" {
		return fail(ReasonToolError, "skill %q has no runnable script", desc.Name)
	}

	out, err := e.scripts.run(ctx, script, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(ReasonToolTimeout, "skill %q exceeded its time limit", desc.Name)
		}
		return fail(ReasonToolError, "skill %q failed: %v", desc.Name, err)
	}
	return ok("script completed", map[string]any{"output": out})
}

// validateArgs checks args against the skill's JSON Schema, when declared.
func validateArgs(desc catalog.Descriptor, args map[string]any) (string, bool) {
	if strings.TrimSpace(desc.ParamsJSON) == "" {
		return "", false
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(desc.ParamsJSON))
	if err != nil {
		return fmt.Sprintf("unusable params schema: %v", err), true
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", doc); err != nil {
		return fmt.Sprintf("unusable params schema: %v", err), true
	}
	schema, err := c.Compile("params.json")
	if err != nil {
		return fmt.Sprintf("unusable params schema: %v", err), true
	}

	// Round-trip through jsonschema's decoder for correct number handling.
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err.Error(), true
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err.Error(), true
	}
	if err := schema.Validate(value); err != nil {
		return err.Error(), true
	}
	return "", false
}
