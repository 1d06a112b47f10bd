package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/guard"
)

// A minimal module exporting run() -> i32 that returns 7.
// Sections: type () -> i32, one function, export "run", body i32.const 7.
var wasmRunReturns7 = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x07, 0x0b,
}

// Same shape but run(i32, i32) -> i32, and no alloc export: the host has no
// way to hand the args over.
var wasmRunWantsArgs = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x01, 0x0b,
}

func newWasmHost(t *testing.T) *WasmHost {
	t.Helper()
	h, err := NewWasmHost(context.Background(), WasmConfig{Logger: slog.Default()})
	if err != nil {
		t.Fatalf("new wasm host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func (r *testRig) addWasmSkill(t *testing.T, name string, wasmBytes []byte, resources ...string) catalog.Descriptor {
	t.Helper()
	dir := filepath.Join(r.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	doc := fmt.Sprintf("---\nname: %s\ndescription: a wasm skill\nkind: wasm\nresources: [%s]\n---\n\nRuns compiled code.\n",
		name, strings.Join(resources, ", "))
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
	for _, res := range resources {
		if filepath.Ext(res) == ".wasm" {
			if err := os.WriteFile(filepath.Join(dir, res), wasmBytes, 0o644); err != nil {
				t.Fatalf("write %s: %v", res, err)
			}
		}
	}
	desc := catalog.Descriptor{
		Name:        name,
		Description: "a wasm skill",
		Kind:        catalog.KindWasm,
		Dir:         dir,
		Resources:   resources,
	}
	if err := r.catalog.Register(context.Background(), desc, "", guard.Token{}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	live, err := r.catalog.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return live
}

func TestInvokeWasmSkill(t *testing.T) {
	host := newWasmHost(t)
	rig := newTestRig(t, WithWasmHost(host))
	desc := rig.addWasmSkill(t, "adder", wasmRunReturns7, "module.wasm")

	res := rig.exec.Invoke(context.Background(), "adder", nil)
	if !res.OK() {
		t.Fatalf("invoke wasm skill: %+v", res)
	}
	if got, ok := res.Data["result"].(int32); !ok || got != 7 {
		t.Fatalf("result = %v, want 7", res.Data["result"])
	}
	if !host.ModuleLoaded("adder", desc.Version) {
		t.Fatal("module not retained after invocation")
	}

	// Second call reuses the instantiated module.
	if res := rig.exec.Invoke(context.Background(), "adder", nil); !res.OK() {
		t.Fatalf("second invoke: %+v", res)
	}
}

func TestInvokeWasmSkillWithoutResource(t *testing.T) {
	host := newWasmHost(t)
	rig := newTestRig(t, WithWasmHost(host))
	rig.addWasmSkill(t, "bare", nil, "notes.md")

	res := rig.exec.Invoke(context.Background(), "bare", nil)
	if res.OK() || res.Fault != ReasonToolError {
		t.Fatalf("want TOOL_ERROR, got %+v", res)
	}
	if !strings.Contains(res.Message, ".wasm") {
		t.Fatalf("message should name the missing resource kind: %q", res.Message)
	}
}

func TestInvokeWasmSkillWithoutRuntime(t *testing.T) {
	rig := newTestRig(t)
	rig.addWasmSkill(t, "orphan", wasmRunReturns7, "module.wasm")

	res := rig.exec.Invoke(context.Background(), "orphan", nil)
	if res.OK() || res.Fault != ReasonToolError {
		t.Fatalf("want TOOL_ERROR, got %+v", res)
	}
	if !strings.Contains(res.Message, "runtime not configured") {
		t.Fatalf("unexpected message: %q", res.Message)
	}
}

func TestInvokeWasmSkillInvalidBinary(t *testing.T) {
	host := newWasmHost(t)
	rig := newTestRig(t, WithWasmHost(host))
	rig.addWasmSkill(t, "garbled", []byte("not wasm at all"), "module.wasm")

	res := rig.exec.Invoke(context.Background(), "garbled", nil)
	if res.OK() || res.Fault != ReasonToolError {
		t.Fatalf("want TOOL_ERROR, got %+v", res)
	}
}

func TestInvokeWasmEntrypointWantsArgsWithoutAlloc(t *testing.T) {
	host := newWasmHost(t)
	rig := newTestRig(t, WithWasmHost(host))
	rig.addWasmSkill(t, "needy", wasmRunWantsArgs, "module.wasm")

	res := rig.exec.Invoke(context.Background(), "needy", map[string]any{"n": 3})
	if res.OK() || res.Fault != ReasonToolError {
		t.Fatalf("want TOOL_ERROR, got %+v", res)
	}
	if !strings.Contains(res.Message, "alloc") {
		t.Fatalf("message should name the missing alloc export: %q", res.Message)
	}
}

func TestModuleLoadedTracksVersion(t *testing.T) {
	host := newWasmHost(t)
	if err := host.LoadModule(context.Background(), "m", "v1", wasmRunReturns7); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !host.ModuleLoaded("m", "v1") {
		t.Fatal("module should be loaded at v1")
	}
	if host.ModuleLoaded("m", "v2") {
		t.Fatal("version bump must force a reload")
	}
	if err := host.LoadModule(context.Background(), "m", "v2", wasmRunReturns7); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !host.ModuleLoaded("m", "v2") {
		t.Fatal("module should be loaded at v2")
	}
}
