package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/skillforge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestChecksSkipOnNilConfig(t *testing.T) {
	for _, check := range []func(context.Context, *config.Config) CheckResult{
		checkAPIKey, checkDatabase, checkPolicy, checkSkillTrees, checkPermissions, checkNetwork,
	} {
		if res := check(context.Background(), nil); res.Status != "SKIP" {
			t.Errorf("%s: status = %s, want SKIP", res.Name, res.Status)
		}
	}
	if res := checkConfig(context.Background(), nil); res.Status != "FAIL" {
		t.Errorf("Config check on nil config: status = %s, want FAIL", res.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("database check: %+v", res)
	}
}

func TestCheckPolicy(t *testing.T) {
	cfg := testConfig(t)

	// Missing file falls back to the default policy.
	res := checkPolicy(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("policy check with defaults: %+v", res)
	}

	if err := os.WriteFile(cfg.Guard.PolicyPath, []byte("level: [broken"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	res = checkPolicy(context.Background(), cfg)
	if res.Status != "FAIL" {
		t.Fatalf("policy check with broken file: %+v", res)
	}
}

func TestCheckSkillTrees(t *testing.T) {
	cfg := testConfig(t)

	res := checkSkillTrees(context.Background(), cfg)
	if res.Status != "WARN" {
		t.Fatalf("expected WARN for missing builtin dir: %+v", res)
	}

	if err := os.MkdirAll(cfg.Skills.BuiltinDir, 0o755); err != nil {
		t.Fatalf("mkdir builtin: %v", err)
	}
	res = checkSkillTrees(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("expected PASS once trees exist: %+v", res)
	}
	if _, err := os.Stat(cfg.Skills.SandboxDir); err != nil {
		t.Fatalf("sandbox dir not created: %v", err)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	res := checkPermissions(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("permissions check: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, ".write_test")); !os.IsNotExist(err) {
		t.Fatal("probe file left behind")
	}
}

func TestDiagnosisHealthy(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{
		{Status: "PASS"}, {Status: "WARN"}, {Status: "SKIP"},
	}}
	if !d.Healthy() {
		t.Fatal("warnings should not mark the diagnosis unhealthy")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if d.Healthy() {
		t.Fatal("failures must mark the diagnosis unhealthy")
	}
}
