package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/types"
)

// writeScript drops an executable test provider script.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testProject(t *testing.T) *types.Project {
	return &types.Project{ID: "p1", Name: "demo", Path: t.TempDir()}
}

func TestScriptPrepareProtocol(t *testing.T) {
	// Echo the env id back as metadata, proving stdin was delivered.
	path := writeScript(t, `
case "$1" in
prepare)
  input=$(cat)
  printf '{"got":%s}' "$input"
  ;;
esac`)
	s := NewScript("test", path, zap.NewNop())

	var stderr bytes.Buffer
	meta, err := s.Prepare(context.Background(), testProject(t), "env-123", &stderr)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	var out struct {
		Got struct {
			ProjectName string `json:"project_name"`
			EnvID       string `json:"env_id"`
		} `json:"got"`
	}
	if err := json.Unmarshal([]byte(meta), &out); err != nil {
		t.Fatalf("metadata not JSON: %v (%q)", err, meta)
	}
	if out.Got.EnvID != "env-123" || out.Got.ProjectName != "demo" {
		t.Fatalf("stdin payload wrong: %+v", out)
	}
}

func TestScriptClaimPassesMetadataVerbatim(t *testing.T) {
	path := writeScript(t, `[ "$1" = claim ] && cat`)
	s := NewScript("test", path, zap.NewNop())

	meta, err := s.Claim(context.Background(), `{"path":"/w/1"}`, os.Stderr)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if meta != `{"path":"/w/1"}` {
		t.Fatalf("metadata mangled: %q", meta)
	}
}

func TestScriptExitCodeClassification(t *testing.T) {
	transient := NewScript("t", writeScript(t, `exit 75`), zap.NewNop())
	_, err := transient.Update(context.Background(), `{}`, os.Stderr)
	if err == nil || IsPermanent(err) {
		t.Fatalf("exit 75 should be transient, got %v", err)
	}

	permanent := NewScript("p", writeScript(t, `exit 1`), zap.NewNop())
	_, err = permanent.Update(context.Background(), `{}`, os.Stderr)
	if !IsPermanent(err) {
		t.Fatalf("exit 1 should be permanent, got %v", err)
	}
}

func TestScriptMissingExecutableIsPermanent(t *testing.T) {
	s := NewScript("gone", "/does/not/exist-anywhere", zap.NewNop())
	_, err := s.Claim(context.Background(), `{}`, os.Stderr)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsPermanent(err) {
		t.Fatalf("missing executable should be permanent, got %v", err)
	}
}

func TestScriptRemoveIgnoresStdout(t *testing.T) {
	path := writeScript(t, `[ "$1" = remove ] && echo done`)
	s := NewScript("test", path, zap.NewNop())
	if err := s.Remove(context.Background(), `{"path":"/w"}`, os.Stderr); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

func TestScriptRunDetachesChild(t *testing.T) {
	path := writeScript(t, `
if [ "$1" = run ]; then
  cat >/dev/null
  echo ran
fi`)
	s := NewScript("test", path, zap.NewNop())

	var log bytes.Buffer
	proc, err := s.Run(context.Background(), `{}`, "echo", []string{"hi"}, &log)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	<-proc.Done()
	if proc.Err() != nil {
		t.Fatalf("child failed: %v", proc.Err())
	}
	if proc.ExitCode() != 0 {
		t.Fatalf("exit code = %d", proc.ExitCode())
	}
	if log.String() != "ran\n" {
		t.Fatalf("log = %q", log.String())
	}
}

func TestPermanentErrorWrapping(t *testing.T) {
	base := os.ErrNotExist
	wrapped := Permanent(base)
	if !IsPermanent(wrapped) {
		t.Fatal("not detected as permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if IsPermanent(base) {
		t.Fatal("plain error misdetected")
	}
}

func TestRunSpecResolve(t *testing.T) {
	spec := RunSpec{Command: "claude", Args: []string{"-p", "{task_description}"}}
	cmd, args := spec.Resolve("fix the parser")
	if cmd != "claude" {
		t.Fatalf("cmd = %q", cmd)
	}
	if len(args) != 2 || args[1] != "fix the parser" {
		t.Fatalf("args = %v", args)
	}
	// The template itself is untouched.
	if spec.Args[1] != "{task_description}" {
		t.Fatal("template mutated")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("nope"); !IsPermanent(err) {
		t.Fatalf("unknown provider should be permanent, got %v", err)
	}
	if _, err := reg.RunSpec("nope"); !IsPermanent(err) {
		t.Fatalf("unknown run spec should be permanent, got %v", err)
	}
}
