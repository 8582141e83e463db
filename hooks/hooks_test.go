package hooks

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"l4kern-go/config"
)

func TestRunNilHooks(t *testing.T) {
	if err := Run(nil, Boot, nil); err != nil {
		t.Errorf("nil hooks should be a no-op, got %v", err)
	}
}

func TestRunUnknownType(t *testing.T) {
	if err := Run(&config.Hooks{}, HookType("bogus"), nil); err == nil {
		t.Error("unknown hook type should fail")
	}
}

func TestRunHookReceivesState(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell hook test requires a POSIX shell")
	}

	tmpDir, err := os.MkdirTemp("", "l4kern-hooks-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	outPath := filepath.Join(tmpDir, "out")
	script := filepath.Join(tmpDir, "hook.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat > "+outPath+"\n"), 0755); err != nil {
		t.Fatalf("failed to write hook script: %v", err)
	}

	hooks := &config.Hooks{
		Boot: []config.Hook{{Path: script}},
	}
	state := []byte(`{"now":42}`)
	if err := Run(hooks, Boot, state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("hook output missing: %v", err)
	}
	if string(got) != string(state) {
		t.Errorf("hook stdin = %q, want %q", got, state)
	}
}

func TestRunHookFailure(t *testing.T) {
	hooks := &config.Hooks{
		Halt: []config.Hook{{Path: "/nonexistent/hook-binary"}},
	}
	if err := Run(hooks, Halt, nil); err == nil {
		t.Error("missing hook binary should fail")
	}
}

func TestRunOnlySelectedType(t *testing.T) {
	hooks := &config.Hooks{
		Boot: []config.Hook{{Path: "/nonexistent/hook-binary"}},
	}
	// Running halt hooks must not touch the boot list.
	if err := Run(hooks, Halt, nil); err != nil {
		t.Errorf("halt run touched boot hooks: %v", err)
	}
}
