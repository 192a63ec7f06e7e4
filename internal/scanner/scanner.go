// Package scanner wraps antivirus engines behind a single interface
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	ErrScanTimeout       = errors.New("scan timed out")
	ErrEngineUnavailable = errors.New("scan engine unavailable")
	ErrNoInput           = errors.New("no scan input provided")
)

// UnknownSignature names a detection the engine reported without a
// signature
const UnknownSignature = "unknown"

// Input is either an in-memory buffer or a path to a file on disk. When both
// are set Path wins.
type Input struct {
	Data     []byte
	Path     string
	Filename string
	MimeType string
}

type Verdict struct {
	Infected      bool
	Signatures    []string
	Engine        string
	EngineVersion string
}

type Engine interface {
	Scan(ctx context.Context, in Input) (*Verdict, error)
}

// Materialize returns a path for in, writing buffers to a temporary file
// when needed. The returned cleanup func must always be called and is safe
// to call when nothing was written.
func Materialize(in Input, dir string) (string, func(), error) {
	if in.Path != "" {
		return in.Path, func() {}, nil
	}

	if in.Data == nil {
		return "", func() {}, ErrNoInput
	}

	f, err := os.CreateTemp(dir, "scan-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to create temporary file, %w", err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	if _, err := f.Write(in.Data); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to write scan buffer, %w", err)
	}

	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to flush scan buffer, %w", err)
	}

	// clamd usually runs as a different user
	os.Chmod(f.Name(), 0o644)

	return f.Name(), cleanup, nil
}
