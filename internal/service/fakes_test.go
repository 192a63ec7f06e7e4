package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitwise74/content-api/db"
	"bitwise74/content-api/internal/access"
	"bitwise74/content-api/internal/events"
	"bitwise74/content-api/internal/imaging"
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/scanner"
	"bitwise74/content-api/internal/storage"
	"bitwise74/content-api/pkg/validators"

	"github.com/stretchr/testify/require"
)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
	opts        storage.ObjectOptions
}

// memGateway keeps objects in memory and counts every call made to it
type memGateway struct {
	mu      sync.Mutex
	objects map[string]memObject
	calls   atomic.Int32
	signed  atomic.Int32

	presignErr error
	deleteErr  error
}

func newMemGateway() *memGateway {
	return &memGateway{objects: map[string]memObject{}}
}

func (g *memGateway) put(key string, data []byte, contentType string, modified time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.objects[key] = memObject{data: data, contentType: contentType, modified: modified}
}

func (g *memGateway) object(key string) memObject {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.objects[key]
}

func (g *memGateway) has(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.objects[key]
	return ok
}

func (g *memGateway) PresignPut(_ context.Context, req storage.PutRequest) (*storage.PresignedUpload, error) {
	g.calls.Add(1)
	if g.presignErr != nil {
		return nil, g.presignErr
	}

	return &storage.PresignedUpload{
		UploadURL:   "https://put.example.com/" + req.Key,
		DownloadURL: "https://get.example.com/" + req.Key,
		ExpiresAt:   time.Now().Add(req.TTL),
	}, nil
}

func (g *memGateway) PresignGet(_ context.Context, key string, ttl time.Duration, _ string) (string, error) {
	g.calls.Add(1)
	n := g.signed.Add(1)

	return fmt.Sprintf("https://get.example.com/%s?ttl=%d&n=%d", key, int(ttl.Seconds()), n), nil
}

func (g *memGateway) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	g.calls.Add(1)

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}

	return &storage.ObjectInfo{Key: key, ContentType: o.contentType, Size: int64(len(o.data)), LastModified: o.modified, Metadata: o.opts.Metadata}, nil
}

func (g *memGateway) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.Head(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}

	return err == nil, err
}

func (g *memGateway) Delete(_ context.Context, key string) error {
	g.calls.Add(1)
	if g.deleteErr != nil {
		return g.deleteErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.objects, key)
	return nil
}

func (g *memGateway) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := g.Delete(ctx, k); err != nil {
			return err
		}
	}

	return nil
}

func (g *memGateway) Copy(_ context.Context, src, dst string) error {
	g.calls.Add(1)

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.objects[src]
	if !ok {
		return storage.ErrObjectNotFound
	}

	g.objects[dst] = memObject{data: slices.Clone(o.data), contentType: o.contentType, modified: time.Now()}
	return nil
}

func (g *memGateway) PublicURL(key string) string {
	return "https://public.example.com/" + key
}

func (g *memGateway) Download(_ context.Context, key string, w io.WriterAt) (int64, error) {
	g.calls.Add(1)

	g.mu.Lock()
	o, ok := g.objects[key]
	g.mu.Unlock()

	if !ok {
		return 0, storage.ErrObjectNotFound
	}

	n, err := w.WriteAt(o.data, 0)
	return int64(n), err
}

func (g *memGateway) Upload(_ context.Context, key string, body io.Reader, o storage.ObjectOptions) error {
	g.calls.Add(1)

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.objects[key] = memObject{data: data, contentType: o.ContentType, modified: time.Now(), opts: o}
	return nil
}

func (g *memGateway) List(_ context.Context, startAfter string, limit int) ([]storage.ObjectInfo, error) {
	g.calls.Add(1)

	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]string, 0, len(g.objects))
	for k := range g.objects {
		if k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]storage.ObjectInfo, len(keys))
	for i, k := range keys {
		o := g.objects[k]
		out[i] = storage.ObjectInfo{Key: k, ContentType: o.contentType, Size: int64(len(o.data)), LastModified: o.modified}
	}

	return out, nil
}

// fakeScanner flags anything containing the EICAR marker. When hang is set
// it blocks until its context is done, gate blocks until closed.
type fakeScanner struct {
	calls   atomic.Int32
	hang    bool
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *fakeScanner) Scan(ctx context.Context, in scanner.Input) (*scanner.Verdict, error) {
	s.calls.Add(1)

	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}

	if s.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, err
	}

	if bytes.Contains(data, []byte("EICAR")) {
		return &scanner.Verdict{Infected: true, Signatures: []string{"Eicar-Test-Signature"}, Engine: "fake"}, nil
	}

	return &scanner.Verdict{Engine: "fake", EngineVersion: "1.0"}, nil
}

// fakeTranscoder halves the input on optimize and renders tiny thumbnails
type fakeTranscoder struct {
	calls atomic.Int32
	fail  bool
}

func (t *fakeTranscoder) Metadata(context.Context, []byte) (*imaging.Metadata, error) {
	t.calls.Add(1)
	return &imaging.Metadata{Width: 4000, Height: 3000, Format: imaging.FormatJPEG}, nil
}

func (t *fakeTranscoder) Optimize(_ context.Context, data []byte, opts imaging.OptimizeOptions) (*imaging.Result, error) {
	t.calls.Add(1)
	if t.fail {
		return nil, imaging.ErrUnsupportedFormat
	}

	return &imaging.Result{Data: data[:len(data)/2], Width: 4000, Height: 3000, Format: opts.Format}, nil
}

func (t *fakeTranscoder) Thumbnail(_ context.Context, _ []byte, opts imaging.ThumbnailOptions) (*imaging.Result, error) {
	t.calls.Add(1)
	if t.fail {
		return nil, imaging.ErrUnsupportedFormat
	}

	return &imaging.Result{
		Data:   []byte(fmt.Sprintf("thumb-%d", opts.Width)),
		Width:  opts.Width,
		Height: opts.Height,
		Format: opts.Format,
	}, nil
}

func (t *fakeTranscoder) Convert(_ context.Context, data []byte, target imaging.Format, _ int) (*imaging.Result, error) {
	t.calls.Add(1)
	return &imaging.Result{Data: data, Format: target}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventName()
	}

	return out
}

func (r *recorder) last(name string) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventName() == name {
			return r.events[i]
		}
	}

	return nil
}

type harness struct {
	store      *repository.Store
	gw         *memGateway
	scanner    *fakeScanner
	transcoder *fakeTranscoder
	events     *recorder

	uploads   *UploadCoordinator
	pipeline  *Pipeline
	files     *FileService
	retention *RetentionManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn, err := db.New(db.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, _ := conn.DB()
		sqlDB.Close()
	})

	h := &harness{
		store:      repository.New(conn),
		gw:         newMemGateway(),
		scanner:    &fakeScanner{},
		transcoder: &fakeTranscoder{},
		events:     &recorder{},
	}

	h.uploads = NewUploadCoordinator(h.store, h.gw, h.events, UploadOptions{
		Limits:       validators.SizeLimits{Default: 100 << 20, Video: 500 << 20},
		DefaultQuota: 10 << 30,
	})

	h.pipeline = NewPipeline(h.store, h.gw, h.scanner, h.transcoder, h.events, PipelineOptions{
		ScanTimeout: 2 * time.Second,
		TempDir:     t.TempDir(),
	})

	h.files = NewFileService(h.store, h.gw, access.Policy{}, h.uploads)
	t.Cleanup(func() { h.files.Close() })

	h.retention = NewRetentionManager(h.store, h.gw, h.events, RetentionOptions{
		DeleteInfected: true,
		DeleteFailed:   true,
	})

	return h
}

// upload creates an intent and stores data under its key, the way a client
// would after receiving the presigned URL
func (h *harness) upload(t *testing.T, r Requester, name, mimeType string, data []byte) string {
	t.Helper()

	intent, err := h.uploads.GenerateUploadIntent(context.Background(), IntentRequest{
		Filename:  name,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}, r)
	require.NoError(t, err)

	h.gw.put(intent.StoragePath, data, mimeType, time.Now())

	return intent.FileID
}

func jpegBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00})

	return data
}
