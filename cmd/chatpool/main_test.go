package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "chatpool dev") {
		t.Errorf("output = %q", out)
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "default.txt"), []byte("INIT"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := `
database:
  driver: sqlite
  path: ledger.sqlite
containers:
  - id: qwen-1
    base_url: http://127.0.0.1:9001
socks:
  - socks_id: s1
    url: socks5://u:p@10.0.0.1:1080
profiles:
  - profile_id: p1
    profile_value: v1
    socks_id: s1
    allowed_containers: [qwen-1]
prompts:
  - prompt_id: default
    file: default.txt
`
	path := filepath.Join(dir, "chatpool.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDBInitCmd(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "db", "init", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated 5 tables") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Seeded 1 profiles: p1") {
		t.Errorf("output = %q", out)
	}

	ledgerPath := filepath.Join(filepath.Dir(cfgPath), "ledger.sqlite")
	if _, err := os.Stat(ledgerPath); err != nil {
		t.Errorf("ledger file missing: %v", err)
	}

	// Re-running init is idempotent.
	if _, err := runCommand(t, "db", "init", "--config", cfgPath); err != nil {
		t.Errorf("second init: %v", err)
	}
}

func TestDBResetCmd_RequiresConfirmation(t *testing.T) {
	cfgPath := writeTestConfig(t)
	if _, err := runCommand(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetIn(strings.NewReader("no\n"))
	cmd.SetArgs([]string{"db", "reset", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(buf.String(), "Aborted.") {
		t.Errorf("output = %q", buf.String())
	}

	out, err := runCommand(t, "db", "reset", "--config", cfgPath, "--yes")
	if err != nil {
		t.Fatalf("reset --yes: %v\n%s", err, out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("output = %q", out)
	}
}
