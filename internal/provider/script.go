package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"

	"go.uber.org/zap"

	"github.com/jclem/work/internal/types"
)

// exitTempFail is the sysexits EX_TEMPFAIL code; a script exiting with
// it signals a transient failure worth retrying. Any other non-zero
// exit is permanent.
const exitTempFail = 75

// Script drives an external executable speaking the provider protocol:
// one action argument, a JSON object on stdin, JSON (where applicable)
// on stdout, stderr inherited into the environment log.
type Script struct {
	name    string
	command string
	log     *zap.Logger
}

// NewScript creates a script provider for the given executable.
func NewScript(name, command string, log *zap.Logger) *Script {
	return &Script{name: name, command: command, log: log}
}

type scriptPrepareInput struct {
	ProjectName string `json:"project_name"`
	ProjectPath string `json:"project_path"`
	EnvID       string `json:"env_id"`
}

type scriptRemoveInput struct {
	Metadata json.RawMessage `json:"metadata"`
}

type scriptRunInput struct {
	Metadata json.RawMessage `json:"metadata"`
	Command  string          `json:"command"`
	Args     []string        `json:"args"`
}

func (s *Script) Prepare(ctx context.Context, project *types.Project, envID string, logw io.Writer) (string, error) {
	in, _ := json.Marshal(scriptPrepareInput{
		ProjectName: project.Name,
		ProjectPath: project.Path,
		EnvID:       envID,
	})
	out, err := s.invoke(ctx, "prepare", in, logw)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func (s *Script) Claim(ctx context.Context, metadata string, logw io.Writer) (string, error) {
	out, err := s.invoke(ctx, "claim", []byte(metadata), logw)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func (s *Script) Update(ctx context.Context, metadata string, logw io.Writer) (string, error) {
	out, err := s.invoke(ctx, "update", []byte(metadata), logw)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func (s *Script) Remove(ctx context.Context, metadata string, logw io.Writer) error {
	in, _ := json.Marshal(scriptRemoveInput{Metadata: rawMetadata(metadata)})
	_, err := s.invoke(ctx, "remove", in, logw)
	return err
}

// Run hands the command to the script, which execs it inside the
// workspace. The returned child is the script process itself.
func (s *Script) Run(ctx context.Context, metadata, command string, args []string, logw io.Writer) (*Proc, error) {
	in, _ := json.Marshal(scriptRunInput{
		Metadata: rawMetadata(metadata),
		Command:  command,
		Args:     args,
	})
	cmd := exec.Command(s.command, "run")
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = logw
	cmd.Stderr = logw
	return StartProcess(cmd)
}

// invoke runs one protocol action to completion and returns its stdout.
func (s *Script) invoke(ctx context.Context, action string, stdin []byte, logw io.Writer) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.command, action)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = logw

	s.log.Debug("invoking provider script",
		zap.String("provider", s.name),
		zap.String("action", action))

	if err := cmd.Run(); err != nil {
		return nil, s.classify(action, err)
	}
	return stdout.Bytes(), nil
}

// classify maps process failure to the retry policy: EX_TEMPFAIL and
// spawn-level I/O errors are transient; any other exit status and a
// missing executable are permanent.
func (s *Script) classify(action string, err error) error {
	wrapped := fmt.Errorf("provider %s %s: %w", s.name, action, err)
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ee.ExitCode() == exitTempFail {
			return wrapped
		}
		return Permanent(wrapped)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Permanent(wrapped)
	}
	return wrapped
}

// rawMetadata passes stored metadata through as JSON when it already is
// JSON, or re-encodes it as a string otherwise.
func rawMetadata(metadata string) json.RawMessage {
	if json.Valid([]byte(metadata)) && len(metadata) > 0 {
		return json.RawMessage(metadata)
	}
	quoted, _ := json.Marshal(metadata)
	return quoted
}
