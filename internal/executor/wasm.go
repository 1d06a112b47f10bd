package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/skillforge/internal/audit"
	"github.com/basket/skillforge/internal/guard"
	"github.com/basket/skillforge/internal/persistence"
)

// defaultMemoryLimitPages caps a module at 160 pages = 10MB.
const defaultMemoryLimitPages = 160

// WasmHost runs wasm skills under wazero with memory limits and
// context-driven termination. Guest capabilities are narrow: logging,
// policy-gated HTTP GET, and writes to the kv_store table.
type WasmHost struct {
	runtime wazero.Runtime
	policy  *guard.LivePolicy
	store   *persistence.Store
	log     *slog.Logger

	mu       sync.Mutex
	modules  map[string]api.Module
	versions map[string]string
}

// WasmConfig sets up the wasm runtime.
type WasmConfig struct {
	Policy           *guard.LivePolicy
	Store            *persistence.Store
	Logger           *slog.Logger
	MemoryLimitPages uint32
}

// NewWasmHost builds the runtime and instantiates the host module.
func NewWasmHost(ctx context.Context, cfg WasmConfig) (*WasmHost, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = defaultMemoryLimitPages
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &WasmHost{
		runtime:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		policy:   cfg.Policy,
		store:    cfg.Store,
		log:      cfg.Logger,
		modules:  make(map[string]api.Module),
		versions: make(map[string]string),
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPGet).Export("host.http.get")
	builder.NewFunctionBuilder().WithFunc(h.hostKVSet).Export("host.kv.set")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *WasmHost) Close(ctx context.Context) error {
	h.mu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.versions, name)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// ModuleLoaded reports whether the named module is instantiated at the given
// catalog version. A version bump forces a reload.
func (h *WasmHost) ModuleLoaded(name, version string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, loaded := h.modules[name]
	return loaded && h.versions[name] == version
}

// LoadModule compiles and instantiates a wasm module under the skill's name,
// replacing any previous instance of that name.
func (h *WasmHost) LoadModule(ctx context.Context, name, version string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	h.mu.Lock()
	if old, loaded := h.modules[name]; loaded {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.versions, name)
	}
	h.mu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	h.mu.Lock()
	h.modules[name] = module
	h.versions[name] = version
	h.mu.Unlock()
	h.log.Info("wasm module loaded", "module", name, "version", version)
	return nil
}

// invoke calls the module's entrypoint. "run" is preferred, "main" accepted.
func (h *WasmHost) invoke(ctx context.Context, name string, args map[string]any) Result {
	h.mu.Lock()
	module, loaded := h.modules[name]
	h.mu.Unlock()
	if !loaded {
		return fail(ReasonToolError, "wasm module %q not loaded", name)
	}

	for _, fnName := range []string{"run", "main"} {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		params, err := passArgs(ctx, module, fn, args)
		if err != nil {
			return fail(ReasonToolError, "wasm module %q: %v", name, err)
		}
		results, err := fn.Call(ctx, params...)
		if err != nil {
			return classifyWasmFault(name, err)
		}
		data := map[string]any{}
		if len(results) > 0 {
			data["result"] = int32(results[0])
		}
		return ok("wasm module completed", data)
	}
	return fail(ReasonToolError, "wasm module %q exports no run or main", name)
}

// passArgs hands the invocation args to the entrypoint. Zero-arg entrypoints
// get nothing; a (ptr, len) pair receives the args as JSON written into guest
// memory through the guest's exported alloc.
func passArgs(ctx context.Context, module api.Module, fn api.Function, args map[string]any) ([]uint64, error) {
	switch len(fn.Definition().ParamTypes()) {
	case 0:
		return nil, nil
	case 2:
	default:
		return nil, errors.New("entrypoint must take no arguments or a (ptr, len) pair")
	}
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return nil, errors.New("entrypoint takes arguments but guest exports no alloc")
	}
	res, err := allocFn.Call(ctx, uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("guest alloc: %w", err)
	}
	if len(res) == 0 {
		return nil, errors.New("guest alloc returned nothing")
	}
	ptr := uint32(res[0])
	mem := module.Memory()
	if mem == nil || !mem.Write(ptr, payload) {
		return nil, errors.New("write args into guest memory failed")
	}
	return []uint64{uint64(ptr), uint64(len(payload))}, nil
}

func classifyWasmFault(name string, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fail(ReasonToolTimeout, "wasm module %q: %v", name, err)
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return fail(ReasonToolTimeout, "wasm module %q terminated: %v", name, err)
	}
	return fail(ReasonToolError, "wasm module %q: %v", name, err)
}

func readWasmString(module api.Module, ptr, length uint32) (string, bool) {
	data, found := module.Memory().Read(ptr, length)
	if !found {
		return "", false
	}
	return string(data), true
}

func (h *WasmHost) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, found := readWasmString(module, levelPtr, levelLen)
	if !found {
		level = "info"
	}
	msg, found := readWasmString(module, msgPtr, msgLen)
	if !found {
		h.log.Warn("host.log: unreadable message from wasm memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.log.Error("wasm guest log", "msg", msg)
	case "warn":
		h.log.Warn("wasm guest log", "msg", msg)
	case "debug":
		h.log.Debug("wasm guest log", "msg", msg)
	default:
		h.log.Info("wasm guest log", "msg", msg)
	}
}

func (h *WasmHost) hostHTTPGet(ctx context.Context, module api.Module, ptr, length uint32) uint32 {
	rawURL, found := readWasmString(module, ptr, length)
	if !found {
		h.log.Error("host.http.get: unreadable url from wasm memory")
		return 0
	}
	if h.policy == nil || !h.policy.AllowHTTPURL(rawURL) {
		audit.Record("deny", "wasm.http.get", "url not allowlisted", policyVersion(h.policy), rawURL)
		return 0
	}
	audit.Record("allow", "wasm.http.get", "url allowed", h.policy.PolicyVersion(), rawURL)

	body, err := httpGet(ctx, rawURL)
	if err != nil {
		h.log.Error("host.http.get failed", "url", rawURL, "error", err)
		return 0
	}
	bodyBytes := []byte(body)

	// Write into guest memory via its exported alloc, if it has one.
	if allocFn := module.ExportedFunction("alloc"); allocFn != nil {
		results, err := allocFn.Call(ctx, uint64(len(bodyBytes)))
		if err == nil && len(results) > 0 {
			destPtr := uint32(results[0])
			if module.Memory().Write(destPtr, bodyBytes) {
				return destPtr
			}
		}
	}

	// No alloc export: park the body in the kv store for the guest to read
	// through host.kv.get in a later revision.
	if h.store != nil {
		key := fmt.Sprintf("http_response:%s:%d", rawURL, time.Now().UnixNano())
		if err := h.store.SetKV(ctx, key, body); err != nil {
			h.log.Error("host.http.get: kv fallback failed", "url", rawURL, "error", err)
			return 0
		}
	}
	return uint32(len(bodyBytes))
}

func (h *WasmHost) hostKVSet(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	if h.store == nil {
		return 0
	}
	key, found := readWasmString(module, keyPtr, keyLen)
	if !found {
		return 0
	}
	val, found := readWasmString(module, valPtr, valLen)
	if !found {
		return 0
	}
	if err := h.store.SetKV(ctx, key, val); err != nil {
		h.log.Error("host.kv.set failed", "key", key, "error", err)
		return 0
	}
	return 1
}

func httpGet(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func policyVersion(lp *guard.LivePolicy) string {
	if lp == nil {
		return ""
	}
	return lp.PolicyVersion()
}
