package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"bitwise74/content-api/internal/events"
	"bitwise74/content-api/internal/imaging"
	"bitwise74/content-api/internal/model"
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/scanner"
	"bitwise74/content-api/internal/storage"
	"bitwise74/content-api/pkg/validators"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	resultScannerDisabled = "scanner disabled"
	resultSkippedByPolicy = "skipped by policy"
	errObjectMissing      = "object missing"
)

type PipelineOptions struct {
	ScanTimeout      time.Duration
	ScanTimeoutFatal bool
	TranscodeTimeout time.Duration
	Quality          int
	MaxDimension     int
	Variants         []imaging.VariantSpec
	ThumbnailWorkers int
	TempDir          string
	// StaleAfter is how long a run may go without touching its record
	// before another run is allowed to take the file over
	StaleAfter time.Duration
	// Limits re-checks the size of the stored object, the client may have
	// uploaded more than it announced
	Limits validators.SizeLimits
}

type ProcessOptions struct {
	Force       bool   `json:"force"`
	RequestedBy string `json:"requestedBy,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Pipeline verifies uploaded objects, scans them and renders image variants
type Pipeline struct {
	Store   *repository.Store
	Storage storage.Gateway
	// Scanner may be nil, files are then recorded with an error verdict
	Scanner    scanner.Engine
	Transcoder imaging.Transcoder
	Events     events.Emitter
	Opts       PipelineOptions
}

func NewPipeline(s *repository.Store, g storage.Gateway, sc scanner.Engine, t imaging.Transcoder, e events.Emitter, o PipelineOptions) *Pipeline {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 30 * time.Second
	}
	if o.TranscodeTimeout <= 0 {
		o.TranscodeTimeout = 2 * time.Minute
	}
	if o.Quality <= 0 {
		o.Quality = imaging.DefaultQuality
	}
	if len(o.Variants) == 0 {
		o.Variants = imaging.DefaultVariants
	}
	if o.ThumbnailWorkers <= 0 {
		o.ThumbnailWorkers = 2
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = o.ScanTimeout + 2*o.TranscodeTimeout + 10*time.Minute
	}

	return &Pipeline{
		Store:      s,
		Storage:    g,
		Scanner:    sc,
		Transcoder: t,
		Events:     e,
		Opts:       o,
	}
}

// failure is a problem that ends a run and is recorded on the file instead
// of being returned to the caller
type failure struct {
	msg string
}

func (f *failure) Error() string { return f.msg }

func failf(format string, args ...any) error {
	return &failure{msg: fmt.Sprintf(format, args...)}
}

// Process runs a file through the pipeline. Completed files are returned
// untouched unless opts.Force is set. Failures found along the way end up
// on the returned record, the error is reserved for missing files,
// concurrent runs and database problems.
func (p *Pipeline) Process(ctx context.Context, fileID string, opts ProcessOptions) (*model.File, error) {
	f, err := p.Store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if f.ProcessingStatus == model.ProcessingCompleted && !opts.Force {
		return f, nil
	}

	if opts.Force && f.ProcessingStatus == model.ProcessingCompleted {
		zap.L().Warn("Force reprocessing a completed file",
			zap.String("file_id", f.ID),
			zap.String("requested_by", opts.RequestedBy),
			zap.String("reason", opts.Reason))

		err = p.Store.AddAudit(ctx, &model.ReprocessAudit{
			FileID:      f.ID,
			RequestedBy: opts.RequestedBy,
			Reason:      opts.Reason,
			PrevStatus:  f.ProcessingStatus,
		})
		if err != nil {
			return nil, err
		}
	}

	claimed, err := p.Store.StartProcessing(ctx, f.ID, opts.Force, time.Now().Add(-p.Opts.StaleAfter))
	if err != nil {
		return nil, err
	}

	if !claimed {
		// Somebody else may have just finished it
		cur, err := p.Store.Get(ctx, f.ID)
		if err == nil && cur.ProcessingStatus == model.ProcessingCompleted && !opts.Force {
			return cur, nil
		}

		return nil, ErrProcessingInProgress
	}

	zap.L().Debug("Processing file", zap.String("file_id", f.ID), zap.String("key", f.StoragePath))

	summary, err := p.run(ctx, f)
	if err != nil {
		var fl *failure
		if !errors.As(err, &fl) {
			err = failf("%v", err)
		}

		// Record the failure even when ctx is already done
		if mErr := p.Store.MarkFailed(context.WithoutCancel(ctx), f.ID, err.Error()); mErr != nil {
			return nil, mErr
		}

		p.Events.Emit(ctx, events.ProcessingError{
			FileID:         f.ID,
			Filename:       f.Filename,
			OwnerID:        f.OwnerID,
			OrganizationID: f.OrgID(),
			Error:          err.Error(),
		})
		zap.L().Warn("File processing failed", zap.String("file_id", f.ID), zap.Error(err))

		return p.Store.Get(context.WithoutCancel(ctx), f.ID)
	}

	if err := p.Store.Complete(ctx, f.ID); err != nil {
		return nil, err
	}

	done, err := p.Store.Get(ctx, f.ID)
	if err != nil {
		return nil, err
	}

	p.Events.Emit(ctx, events.Processed{
		FileID:         done.ID,
		Filename:       done.Filename,
		MimeType:       done.MimeType,
		SizeBytes:      done.SizeBytes,
		OwnerID:        done.OwnerID,
		OrganizationID: done.OrgID(),
		Checksum:       summary.checksum,
		Variants:       summary.variants,
		Infected:       summary.infected,
	})

	return done, nil
}

type runSummary struct {
	checksum string
	variants int
	infected bool
}

func (p *Pipeline) run(ctx context.Context, f *model.File) (*runSummary, error) {
	if f.StoragePath == "" {
		return nil, failf(errObjectMissing)
	}

	info, err := p.Storage.Head(ctx, f.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, failf(errObjectMissing)
		}

		return nil, err
	}

	if info.Size <= 0 {
		return nil, failf("object is empty")
	}

	mimeType := f.MimeType
	if ct := baseMime(info.ContentType); ct != "" && ct != "application/octet-stream" {
		mimeType = ct
	}

	if info.Size > f.SizeBytes {
		zap.L().Warn("Stored object is larger than announced",
			zap.String("file_id", f.ID),
			zap.Int64("announced", f.SizeBytes),
			zap.Int64("stored", info.Size))
	}

	if p.Opts.Limits.Default > 0 {
		if err := validators.Size(info.Size, mimeType, p.Opts.Limits); err != nil {
			return nil, failf("object is too large (%d bytes)", info.Size)
		}
	}

	tmp, err := p.fetch(ctx, f.StoragePath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	checksum, err := fileChecksum(tmp)
	if err != nil {
		return nil, err
	}

	if err := p.Store.SetObjectInfo(ctx, f.ID, info.Size, mimeType, checksum); err != nil {
		return nil, err
	}

	sniffed := ""
	if m, err := mimetype.DetectFile(tmp); err == nil {
		sniffed = m.String()
	}

	summary := &runSummary{checksum: checksum}

	status, err := p.scan(ctx, f, tmp, mimeType, sniffed)
	if err != nil {
		return nil, err
	}

	if status == model.ScanInfected {
		summary.infected = true
		return summary, nil
	}

	if format, ok := imaging.FormatFromMime(mimeType); ok && p.Transcoder != nil {
		summary.variants = p.transcode(ctx, f, tmp, format, info.Metadata)
	}

	return summary, nil
}

// fetch downloads an object into a temporary file and returns its path
func (p *Pipeline) fetch(ctx context.Context, key string) (string, error) {
	tmp, err := os.CreateTemp(p.Opts.TempDir, "process-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file, %w", err)
	}
	defer tmp.Close()

	if _, err := p.Storage.Download(ctx, key, tmp); err != nil {
		os.Remove(tmp.Name())

		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", failf(errObjectMissing)
		}

		return "", err
	}

	// Path based scan engines usually run as their own user
	os.Chmod(tmp.Name(), 0o644)

	return tmp.Name(), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open downloaded object, %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash object, %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// scan records a verdict for the file and returns it. An error is only
// returned when the run has to stop.
func (p *Pipeline) scan(ctx context.Context, f *model.File, path, mimeType, sniffed string) (model.ScanStatus, error) {
	if !NeedsScan(f.Filename, mimeType, sniffed) {
		result := resultSkippedByPolicy
		return model.ScanClean, p.Store.SetScanStatus(ctx, f.ID, model.ScanClean, &result)
	}

	if p.Scanner == nil {
		result := resultScannerDisabled
		return model.ScanError, p.Store.SetScanStatus(ctx, f.ID, model.ScanError, &result)
	}

	if err := p.Store.SetScanStatus(ctx, f.ID, model.ScanScanning, nil); err != nil {
		return "", err
	}

	p.Events.Emit(ctx, events.ScanStarted{FileID: f.ID})

	sctx, cancel := context.WithTimeout(ctx, p.Opts.ScanTimeout)
	defer cancel()

	start := time.Now()
	v, scanErr := p.Scanner.Scan(sctx, scanner.Input{
		Path:     path,
		Filename: f.Filename,
		MimeType: mimeType,
	})

	var (
		status model.ScanStatus
		result string
		sigs   []string
	)

	switch {
	case scanErr != nil:
		status = model.ScanError
		result = scanErr.Error()

		timedOut := errors.Is(scanErr, scanner.ErrScanTimeout) || errors.Is(sctx.Err(), context.DeadlineExceeded)
		if timedOut {
			result = scanner.ErrScanTimeout.Error()
		}

		zap.L().Warn("Malware scan did not finish", zap.String("file_id", f.ID), zap.Error(scanErr))

		if timedOut && p.Opts.ScanTimeoutFatal {
			if err := p.Store.SetScanStatus(ctx, f.ID, status, &result); err != nil {
				return "", err
			}

			return "", failf("malware scan timed out")
		}
	case v.Infected:
		status = model.ScanInfected
		sigs = v.Signatures
		result = strings.Join(v.Signatures, ", ")
		if result == "" {
			result = "infected"
		}

		zap.L().Warn("Infected file detected",
			zap.String("file_id", f.ID),
			zap.String("owner_id", f.OwnerID),
			zap.Strings("signatures", v.Signatures))
	default:
		status = model.ScanClean
		result = strings.TrimSpace(v.Engine + " " + v.EngineVersion)
	}

	if err := p.Store.SetScanStatus(ctx, f.ID, status, &result); err != nil {
		return "", err
	}

	p.Events.Emit(ctx, events.ScanCompleted{
		FileID:     f.ID,
		Status:     string(status),
		Signatures: sigs,
		Took:       time.Since(start),
	})

	return status, nil
}

// transcode optimizes the main asset and renders its variants. It never
// fails the run, problems are logged and the original is kept.
func (p *Pipeline) transcode(ctx context.Context, f *model.File, path string, format imaging.Format, meta map[string]string) int {
	tctx, cancel := context.WithTimeout(ctx, p.Opts.TranscodeTimeout)
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		zap.L().Warn("Failed to read object for transcoding", zap.String("file_id", f.ID), zap.Error(err))
		return 0
	}

	p.optimize(tctx, f, data, format, meta)

	variants := p.renderVariants(tctx, f, data, format)
	if len(variants) == 0 {
		return 0
	}

	if err := p.Store.SaveVariants(ctx, variants); err != nil {
		zap.L().Warn("Failed to save variants", zap.String("file_id", f.ID), zap.Error(err))
		return 0
	}

	return len(variants)
}

// optimize replaces the stored object with a re-encoded copy when that copy
// is smaller
func (p *Pipeline) optimize(ctx context.Context, f *model.File, data []byte, format imaging.Format, meta map[string]string) {
	res, err := p.Transcoder.Optimize(ctx, data, imaging.OptimizeOptions{
		MaxWidth:  p.Opts.MaxDimension,
		MaxHeight: p.Opts.MaxDimension,
		Quality:   p.Opts.Quality,
		Format:    format,
	})
	if err != nil {
		zap.L().Warn("Failed to optimize image", zap.String("file_id", f.ID), zap.Error(err))
		return
	}

	if len(res.Data) == 0 || len(res.Data) >= len(data) {
		return
	}

	if err := p.Storage.Upload(ctx, f.StoragePath, bytes.NewReader(res.Data), objectOptions(f, res.MimeType(), meta)); err != nil {
		zap.L().Warn("Failed to upload optimized image", zap.String("file_id", f.ID), zap.Error(err))
		return
	}

	sum := sha256.Sum256(res.Data)

	err = p.Store.SetObjectInfo(ctx, f.ID, int64(len(res.Data)), res.MimeType(), hex.EncodeToString(sum[:]))
	if err != nil {
		zap.L().Warn("Failed to record optimized image", zap.String("file_id", f.ID), zap.Error(err))
		return
	}

	zap.L().Debug("Image optimized",
		zap.String("file_id", f.ID),
		zap.Int("before", len(data)),
		zap.Int("after", len(res.Data)))
}

// objectOptions keeps what was stored with the upload and makes sure the
// object can always be traced back to its file
func objectOptions(f *model.File, contentType string, meta map[string]string) storage.ObjectOptions {
	o := storage.ObjectOptions{
		ContentType: contentType,
		Metadata:    make(map[string]string, len(meta)+2),
		Public:      f.AccessLevel == model.AccessPublic,
	}

	for k, v := range meta {
		o.Metadata[strings.ToLower(k)] = v
	}
	o.Metadata["file-id"] = f.ID
	o.Metadata["owner-id"] = f.OwnerID

	return o
}

func (p *Pipeline) renderVariants(ctx context.Context, f *model.File, data []byte, format imaging.Format) []model.Variant {
	pl := pool.NewWithResults[model.Variant]().
		WithErrors().
		WithMaxGoroutines(p.Opts.ThumbnailWorkers)

	for _, spec := range p.Opts.Variants {
		pl.Go(func() (model.Variant, error) {
			res, err := p.Transcoder.Thumbnail(ctx, data, imaging.ThumbnailOptions{
				Width:   spec.Width,
				Height:  spec.Height,
				Fit:     spec.Fit,
				Quality: spec.Quality,
				Format:  format,
			})
			if err != nil {
				return model.Variant{}, fmt.Errorf("variant %s: %w", spec.Name, err)
			}

			key := storage.VariantKey(f.StoragePath, spec.Name, res.Format.Ext())

			o := objectOptions(f, res.MimeType(), nil)
			o.Metadata["variant"] = spec.Name

			if err := p.Storage.Upload(ctx, key, bytes.NewReader(res.Data), o); err != nil {
				return model.Variant{}, fmt.Errorf("variant %s: %w", spec.Name, err)
			}

			return model.Variant{
				FileID:      f.ID,
				Name:        spec.Name,
				StoragePath: key,
				MimeType:    res.MimeType(),
				Width:       res.Width,
				Height:      res.Height,
				SizeBytes:   int64(len(res.Data)),
			}, nil
		})
	}

	variants, err := pl.Wait()
	if err != nil {
		zap.L().Warn("Some variants failed to render", zap.String("file_id", f.ID), zap.Error(err))
	}

	slices.SortFunc(variants, func(a, b model.Variant) int {
		return strings.Compare(a.Name, b.Name)
	})

	return variants
}
