package executor

import (
	"context"
	"strings"
	"testing"
)

func TestEnforceWriteRestriction(t *testing.T) {
	denied := []string{
		"echo hi > /etc/motd",
		"echo hi >> ~/profile",
		"cat data | tee /tmp/out",
		"cat ../secrets.txt",
		"cp report.txt /var/www/",
		"mv out.log /tmp/",
		"curl https://x.test -o /tmp/payload",
		"dd if=in of=/dev/sda",
		"echo `whoami`",
		"echo $(id)",
		"eval $CMD",
		"python3 -c 'open(\"/etc/x\",\"w\")'",
		"node -e 'require(\"fs\")'",
	}
	for _, script := range denied {
		if err := enforceWriteRestriction(script); err == nil {
			t.Errorf("allowed: %q", script)
		}
	}

	allowed := []string{
		"echo hi > out.txt",
		"ls -la",
		"grep -c error service.log",
		"printf 'a b c' | wc -w",
	}
	for _, script := range allowed {
		if err := enforceWriteRestriction(script); err != nil {
			t.Errorf("denied: %q: %v", script, err)
		}
	}
}

func TestIsDestructive(t *testing.T) {
	if !isDestructive("rm -rf build") {
		t.Error("rm not flagged")
	}
	if !isDestructive("mkfs.ext4 /dev/sdb1") {
		t.Error("mkfs not flagged")
	}
	if isDestructive("echo warm regards") {
		t.Error("benign script flagged")
	}
}

func TestRunRefusesDestructiveScript(t *testing.T) {
	r := &scriptRunner{workspaceDir: t.TempDir()}
	if _, err := r.run(context.Background(), "rm -rf .", nil); err == nil {
		t.Fatal("destructive script ran")
	}
}

func TestBuildMinimalEnv(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "hunter2")
	t.Setenv("PATH", "/usr/bin")

	env := buildMinimalEnv("/ws", map[string]any{"who": "world", "max-lines": 5})
	joined := strings.Join(env, "\n")

	if strings.Contains(joined, "SECRET_TOKEN") {
		t.Fatal("host secret leaked into script env")
	}
	for _, want := range []string{"HOME=/ws", "WORKSPACE=/ws", "PATH=/usr/bin", "ARG_WHO=world", "ARG_MAX_LINES=5"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in env: %v", want, env)
		}
	}
}

func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"who":       "WHO",
		"max-lines": "MAX_LINES",
		"dotted.id": "DOTTED_ID",
	}
	for in, want := range cases {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}
