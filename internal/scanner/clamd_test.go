package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClamd speaks enough of the clamd protocol for VERSION, SCAN and
// INSTREAM. A stalled daemon accepts connections and never reads them.
type fakeClamd struct {
	ln    net.Listener
	stall bool

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeClamd(t *testing.T, stall bool) *fakeClamd {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeClamd{ln: ln, stall: stall}
	go f.serve()

	t.Cleanup(func() {
		ln.Close()

		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.conns {
			c.Close()
		}
	})

	return f
}

func (f *fakeClamd) address() string {
	return "tcp://" + f.ln.Addr().String()
}

func (f *fakeClamd) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		if !f.stall {
			go f.handle(conn)
		}
	}
}

func verdictLine(name string, data []byte) string {
	switch {
	case bytes.Contains(data, []byte("EICAR")):
		return name + ": Eicar-Test-Signature FOUND\n"
	case bytes.Contains(data, []byte("BROKEN")):
		return name + ": Can't allocate memory ERROR\n"
	}

	return name + ": OK\n"
}

func (f *fakeClamd) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	cmd, err := r.ReadString('\n')
	if err != nil {
		return
	}
	cmd = strings.TrimPrefix(strings.TrimSpace(cmd), "n")

	switch {
	case cmd == "VERSION":
		io.WriteString(conn, "ClamAV 1.2.3/27001/Mon Jan  5 08:00:00 2026\n")
	case cmd == "INSTREAM":
		var data []byte
		for {
			var size uint32
			if err := binary.Read(r, binary.BigEndian, &size); err != nil {
				return
			}
			if size == 0 {
				break
			}

			chunk := make([]byte, size)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			data = append(data, chunk...)
		}

		// Never answer, wait for the client to hang up
		if bytes.Contains(data, []byte("SLOW")) {
			io.Copy(io.Discard, r)
			return
		}

		io.WriteString(conn, verdictLine("stream", data))
	case strings.HasPrefix(cmd, "SCAN "):
		p := strings.TrimPrefix(cmd, "SCAN ")

		data, err := os.ReadFile(p)
		if err != nil {
			io.WriteString(conn, p+": File path check failure ERROR\n")
			return
		}

		io.WriteString(conn, verdictLine(p, data))
	}
}

func writeScanFile(t *testing.T, data []byte) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(p, data, 0o644))

	return p
}

func TestClamdVerdicts(t *testing.T) {
	f := newFakeClamd(t, false)

	tests := []struct {
		name     string
		stream   bool
		data     string
		infected bool
		wantErr  bool
	}{
		{"stream clean", true, "just some text", false, false},
		{"stream infected", true, "X5O!P%@AP EICAR test", true, false},
		{"stream engine error", true, "BROKEN", false, true},
		{"path clean", false, "just some text", false, false},
		{"path infected", false, "X5O!P%@AP EICAR test", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewClamd(f.address(), tt.stream)

			v, err := e.Scan(context.Background(), Input{Path: writeScanFile(t, []byte(tt.data))})
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "Can't allocate memory")
				return
			}
			require.NoError(t, err)

			assert.Equal(t, "clamd", v.Engine)
			assert.Equal(t, "1.2.3", v.EngineVersion)
			assert.Equal(t, tt.infected, v.Infected)

			if tt.infected {
				assert.Equal(t, []string{"Eicar-Test-Signature"}, v.Signatures)
			} else {
				assert.Empty(t, v.Signatures)
			}
		})
	}
}

func TestClamdBuffer(t *testing.T) {
	e := NewClamd(newFakeClamd(t, false).address(), false)

	v, err := e.Scan(context.Background(), Input{Data: []byte("EICAR")})
	require.NoError(t, err)
	assert.True(t, v.Infected)

	_, err = e.Scan(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestClamdUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "tcp://" + ln.Addr().String()
	ln.Close()

	e := NewClamd(addr, true)

	_, err = e.Scan(context.Background(), Input{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestClamdTimeoutWhileStreaming(t *testing.T) {
	e := NewClamd(newFakeClamd(t, true).address(), true)

	// Far more than the socket buffers hold, the write blocks
	p := writeScanFile(t, bytes.Repeat([]byte("a"), 32<<20))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Scan(ctx, Input{Path: p})

	assert.ErrorIs(t, err, ErrScanTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClamdTimeoutWaitingForVerdict(t *testing.T) {
	e := NewClamd(newFakeClamd(t, false).address(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Scan(ctx, Input{Data: []byte("SLOW")})

	assert.ErrorIs(t, err, ErrScanTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}
