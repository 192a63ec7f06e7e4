package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dutchcoders/go-clamd"
	"go.uber.org/zap"
)

// Clamd talks to a clamd daemon over TCP or a unix socket
type Clamd struct {
	c *clamd.Clamd

	// StreamFiles sends file contents over the socket instead of asking the
	// daemon to open the path itself. Required when clamd doesn't share a
	// filesystem with this service.
	StreamFiles bool

	mu      sync.Mutex
	version string
}

// NewClamd creates an engine for an address like tcp://127.0.0.1:3310 or
// unix:///var/run/clamav/clamd.ctl
func NewClamd(address string, streamFiles bool) *Clamd {
	return &Clamd{
		c:           clamd.NewClamd(address),
		StreamFiles: streamFiles,
	}
}

func (e *Clamd) Ping() error {
	if err := e.c.Ping(); err != nil {
		return fmt.Errorf("%w, %v", ErrEngineUnavailable, err)
	}

	return nil
}

// ctxReader stops feeding a stream once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

type scanCall struct {
	results chan *clamd.ScanResult
	err     error
}

func (e *Clamd) Scan(ctx context.Context, in Input) (*Verdict, error) {
	var (
		body io.Reader
		path string
	)

	switch {
	case in.Path != "" && e.StreamFiles:
		f, err := os.Open(in.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file for scanning, %w", err)
		}
		defer f.Close()

		body = f
	case in.Path != "":
		path = in.Path
	case in.Data != nil:
		body = bytes.NewReader(in.Data)
	default:
		return nil, ErrNoInput
	}

	// Closing abort makes the client drop its connection, which unblocks a
	// stream stuck on a daemon that stopped reading
	abort := make(chan bool)
	var once sync.Once
	stop := func() { once.Do(func() { close(abort) }) }
	defer stop()

	calls := make(chan scanCall, 1)
	go func() {
		var c scanCall
		if body != nil {
			c.results, c.err = e.c.ScanStream(ctxReader{ctx: ctx, r: body}, abort)
		} else {
			c.results, c.err = e.c.ScanFile(path)
		}
		calls <- c
	}()

	var results chan *clamd.ScanResult

	select {
	case <-ctx.Done():
		stop()
		go func() {
			c := <-calls
			drain(c.results)
		}()

		return nil, ctxError(ctx)
	case c := <-calls:
		if c.err != nil {
			if ctx.Err() != nil {
				return nil, ctxError(ctx)
			}

			return nil, fmt.Errorf("%w, %v", ErrEngineUnavailable, c.err)
		}

		results = c.results
	}

	v := &Verdict{Engine: "clamd"}

	for {
		select {
		case <-ctx.Done():
			stop()
			go drain(results)

			return nil, ctxError(ctx)
		case r, ok := <-results:
			if !ok {
				v.EngineVersion = e.engineVersion()
				return v, nil
			}

			switch r.Status {
			case clamd.RES_FOUND:
				sig := strings.TrimSpace(r.Description)
				if sig == "" {
					sig = UnknownSignature
				}

				v.Infected = true
				v.Signatures = append(v.Signatures, sig)
			case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
				go drain(results)
				return nil, fmt.Errorf("clamd returned an error, %s", strings.TrimSpace(r.Raw))
			}
		}
	}
}

// drain lets the client goroutine finish writing into results
func drain(results chan *clamd.ScanResult) {
	if results == nil {
		return
	}

	for range results {
	}
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrScanTimeout
	}

	return ctx.Err()
}

// engineVersion asks the daemon for its version once and caches it. Errors
// aren't cached so a later scan can try again.
func (e *Clamd) engineVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.version != "" {
		return e.version
	}

	ch, err := e.c.Version()
	if err != nil {
		zap.L().Debug("Failed to query clamd version", zap.Error(err))
		return ""
	}

	for r := range ch {
		if e.version == "" {
			e.version = parseVersion(r.Raw)
		}
	}

	return e.version
}

// parseVersion extracts "1.0.1" out of "ClamAV 1.0.1/27000/Thu Jan  1 10:00:00 2026"
func parseVersion(raw string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(raw), "/")
	return strings.TrimSpace(strings.TrimPrefix(head, "ClamAV"))
}
