package scanner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Clamscan runs the clamscan binary on a file. Buffers are written to a
// temporary file first since clamscan only accepts paths.
type Clamscan struct {
	Path    string
	TempDir string
}

func NewClamscan(path, tempDir string) *Clamscan {
	if path == "" {
		path = "clamscan"
	}

	return &Clamscan{Path: path, TempDir: tempDir}
}

func (e *Clamscan) Scan(ctx context.Context, in Input) (*Verdict, error) {
	p, cleanup, err := Materialize(in, e.TempDir)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.Path, "--no-summary", "--stdout", p)
	cmd.WaitDelay = time.Second

	var stdOut, stdErr bytes.Buffer
	cmd.Stdout = &stdOut
	cmd.Stderr = &stdErr

	zap.L().Debug("Running clamscan", zap.String("cmd", cmd.String()))

	err = cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrScanTimeout
		}

		return nil, ctx.Err()
	}

	v := &Verdict{
		Engine:        "clamscan",
		EngineVersion: e.version(ctx),
	}

	// Exit codes: 0 clean, 1 virus found, anything else is an error
	found := false
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w, %v", ErrEngineUnavailable, err)
		}

		if exitErr.ExitCode() != 1 {
			return nil, fmt.Errorf("clamscan failed with code %d, %s", exitErr.ExitCode(), strings.TrimSpace(stdErr.String()))
		}

		found = true
	}

	v.Signatures = parseClamscanOutput(stdOut.String())
	v.Infected = found || len(v.Signatures) > 0

	// The exit code is the verdict, the output only names it
	if v.Infected && len(v.Signatures) == 0 {
		v.Signatures = []string{UnknownSignature}
	}

	return v, nil
}

func (e *Clamscan) version(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, e.Path, "--version").Output()
	if err != nil {
		return ""
	}

	return parseVersion(string(out))
}

// parseClamscanOutput collects signature names from lines in the form of
// "/tmp/scan-123: Eicar-Test-Signature FOUND"
func parseClamscanOutput(out string) []string {
	var sigs []string

	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())

		rest, ok := strings.CutSuffix(line, " FOUND")
		if !ok {
			continue
		}

		idx := strings.LastIndex(rest, ": ")
		if idx < 0 {
			continue
		}

		sigs = append(sigs, rest[idx+2:])
	}

	return sigs
}
