package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitwise74/content-api/internal/events"
	"bitwise74/content-api/internal/model"
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/storage"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	PhaseExpired     = "expired"
	PhaseInfected    = "infected"
	PhaseFailedStale = "failed_stale"
	PhaseOldArchived = "old_archived"
	PhaseOrphans     = "orphans"
	PhaseAbandoned   = "abandoned"
	PhaseLock        = "lock"

	errAbandoned = "processing abandoned"

	archiveAccessWindow = 30 * 24 * time.Hour
)

type RetentionOptions struct {
	BatchSize      int
	DeleteInfected bool
	DeleteFailed   bool
	FailedAfter    time.Duration
	ArchivedAfter  time.Duration
	// OrphanMinAge protects objects whose intent was just issued and whose
	// record may not have a storage path yet
	OrphanMinAge time.Duration
	// AbandonedAfter is how long a file may sit in processing before its
	// run is considered dead and the file is marked failed
	AbandonedAfter time.Duration
}

// Locker guards sweeps across instances. unlock must be called when ok is
// true.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

type PhaseResult struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed,omitempty"`
	Bytes   int64    `json:"bytes"`
	Errors  []string `json:"errors,omitempty"`
}

type SweepResult struct {
	StartedAt      time.Time               `json:"startedAt"`
	FinishedAt     time.Time               `json:"finishedAt"`
	Phases         map[string]*PhaseResult `json:"phases"`
	BytesReclaimed int64                   `json:"bytesReclaimed"`
	Errors         int                     `json:"errors"`
}

func (r *SweepResult) phase(name string) *PhaseResult {
	p, ok := r.Phases[name]
	if !ok {
		p = &PhaseResult{}
		r.Phases[name] = p
	}

	return p
}

// RetentionManager deletes files that outlived their purpose and objects no
// record owns
type RetentionManager struct {
	Store   *repository.Store
	Storage storage.Gateway
	Events  events.Emitter
	Opts    RetentionOptions
	// Lock is optional, sweeps of one process never overlap regardless
	Lock Locker

	mu  sync.Mutex
	now func() time.Time
}

func NewRetentionManager(s *repository.Store, g storage.Gateway, e events.Emitter, o RetentionOptions) *RetentionManager {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FailedAfter <= 0 {
		o.FailedAfter = 7 * 24 * time.Hour
	}
	if o.ArchivedAfter <= 0 {
		o.ArchivedAfter = 365 * 24 * time.Hour
	}
	if o.OrphanMinAge <= 0 {
		o.OrphanMinAge = 24 * time.Hour
	}
	if o.AbandonedAfter <= 0 {
		o.AbandonedAfter = time.Hour
	}

	return &RetentionManager{
		Store:   s,
		Storage: g,
		Events:  e,
		Opts:    o,
		now:     time.Now,
	}
}

// RunSweep runs every retention phase once. Each phase handles at most one
// batch, whatever is left is picked up by the next sweep.
func (m *RetentionManager) RunSweep(ctx context.Context) (*SweepResult, error) {
	if !m.mu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer m.mu.Unlock()

	if m.Lock != nil {
		unlock, ok, err := m.Lock.TryLock(ctx)
		if err != nil {
			err = fmt.Errorf("failed to acquire sweep lock, %w", err)
			m.Events.Emit(ctx, events.CleanupError{Phase: PhaseLock, Error: err.Error()})
			return nil, err
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer unlock()
	}

	now := m.now().UTC()
	res := &SweepResult{
		StartedAt: now,
		Phases:    map[string]*PhaseResult{},
	}

	zap.L().Info("Starting retention sweep", zap.Int("batch_size", m.Opts.BatchSize))

	m.failAbandoned(ctx, res, now)

	m.runPhase(ctx, res, PhaseExpired, func() ([]model.File, error) {
		return m.Store.Expired(ctx, now, m.Opts.BatchSize)
	})

	if m.Opts.DeleteInfected {
		m.runPhase(ctx, res, PhaseInfected, func() ([]model.File, error) {
			return m.Store.Infected(ctx, m.Opts.BatchSize)
		})
	}

	if m.Opts.DeleteFailed {
		m.runPhase(ctx, res, PhaseFailedStale, func() ([]model.File, error) {
			return m.Store.FailedBefore(ctx, now.Add(-m.Opts.FailedAfter), m.Opts.BatchSize)
		})
	}

	m.runPhase(ctx, res, PhaseOldArchived, func() ([]model.File, error) {
		return m.Store.ArchivedBefore(ctx, now.Add(-m.Opts.ArchivedAfter), m.Opts.BatchSize)
	})

	m.reconcileOrphans(ctx, res, now)

	res.FinishedAt = m.now().UTC()

	errs := []string{}
	for _, name := range []string{PhaseAbandoned, PhaseExpired, PhaseInfected, PhaseFailedStale, PhaseOldArchived, PhaseOrphans} {
		p, ok := res.Phases[name]
		if !ok {
			continue
		}

		res.BytesReclaimed += p.Bytes
		res.Errors += len(p.Errors)
		for _, e := range p.Errors {
			errs = append(errs, name+": "+e)
		}
	}

	m.Events.Emit(ctx, events.CleanupCompleted{
		Expired:        res.phase(PhaseExpired).Deleted,
		Infected:       res.phase(PhaseInfected).Deleted,
		FailedStale:    res.phase(PhaseFailedStale).Deleted,
		OldArchived:    res.phase(PhaseOldArchived).Deleted,
		Orphans:        res.phase(PhaseOrphans).Deleted,
		BytesReclaimed: res.BytesReclaimed,
		Errors:         errs,
	})

	zap.L().Info("Retention sweep finished",
		zap.Int64("bytes_reclaimed", res.BytesReclaimed),
		zap.Int("errors", res.Errors),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))

	return res, nil
}

// failAbandoned marks files whose run died mid way as failed, so they can be
// retried and eventually fall into the failed_stale phase
func (m *RetentionManager) failAbandoned(ctx context.Context, res *SweepResult, now time.Time) {
	p := res.phase(PhaseAbandoned)

	n, err := m.Store.FailAbandoned(ctx, now.Add(-m.Opts.AbandonedAfter), errAbandoned)
	if err != nil {
		m.phaseFailed(ctx, p, PhaseAbandoned, err)
		return
	}

	p.Failed = int(n)
	if n > 0 {
		zap.L().Warn("Marked abandoned files as failed", zap.Int64("count", n))
	}
}

func (m *RetentionManager) phaseFailed(ctx context.Context, p *PhaseResult, phase string, err error) {
	p.Errors = append(p.Errors, err.Error())

	zap.L().Error("Retention phase failed", zap.String("phase", phase), zap.Error(err))
	m.Events.Emit(ctx, events.CleanupError{Phase: phase, Error: err.Error()})
}

func (m *RetentionManager) runPhase(ctx context.Context, res *SweepResult, phase string, query func() ([]model.File, error)) {
	p := res.phase(phase)

	files, err := query()
	if err != nil {
		m.phaseFailed(ctx, p, phase, err)
		return
	}

	var errs error

	for i := range files {
		f := &files[i]

		freed, err := m.deleteFile(ctx, f)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.ID, err))
			continue
		}

		p.Deleted++
		p.Bytes += freed

		if phase == PhaseInfected {
			result := ""
			if f.VirusScanResult != nil {
				result = *f.VirusScanResult
			}

			m.Events.Emit(ctx, events.InfectedDeleted{
				FileID:         f.ID,
				Filename:       f.Filename,
				OwnerID:        f.OwnerID,
				OrganizationID: f.OrgID(),
				StoragePath:    f.StoragePath,
				ScanResult:     result,
			})
		}
	}

	for _, err := range multierr.Errors(errs) {
		p.Errors = append(p.Errors, err.Error())
	}

	if errs != nil {
		zap.L().Warn("Some files could not be deleted",
			zap.String("phase", phase),
			zap.Int("deleted", p.Deleted),
			zap.Error(errs))
	} else if p.Deleted > 0 {
		zap.L().Debug("Retention phase done", zap.String("phase", phase), zap.Int("deleted", p.Deleted))
	}
}

// deleteFile removes the objects of a file before its record, so a failure
// leaves the record for the next sweep to retry
func (m *RetentionManager) deleteFile(ctx context.Context, f *model.File) (int64, error) {
	variants, err := m.Store.Variants(ctx, f.ID)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(variants)+1)
	freed := int64(0)

	if f.StoragePath != "" {
		keys = append(keys, f.StoragePath)
		freed += f.SizeBytes
	}

	for _, v := range variants {
		keys = append(keys, v.StoragePath)
		freed += v.SizeBytes
	}

	if err := m.Storage.DeleteMany(ctx, keys); err != nil {
		return 0, err
	}

	if err := m.Store.Delete(ctx, f.ID); err != nil {
		return 0, err
	}

	return freed, nil
}

// reconcileOrphans deletes one page of unowned objects and advances the
// durable listing cursor. The cursor wraps around once the listing is
// exhausted.
func (m *RetentionManager) reconcileOrphans(ctx context.Context, res *SweepResult, now time.Time) {
	p := res.phase(PhaseOrphans)

	cursor, err := m.Store.Cursor(ctx, PhaseOrphans)
	if err != nil {
		m.phaseFailed(ctx, p, PhaseOrphans, err)
		return
	}

	objects, err := m.Storage.List(ctx, cursor, m.Opts.BatchSize)
	if err != nil {
		m.phaseFailed(ctx, p, PhaseOrphans, err)
		return
	}

	if len(objects) == 0 {
		if cursor != "" {
			if err := m.Store.SaveCursor(ctx, PhaseOrphans, ""); err != nil {
				m.phaseFailed(ctx, p, PhaseOrphans, err)
			}
		}

		return
	}

	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}

	owned, err := m.Store.OwnedKeys(ctx, keys)
	if err != nil {
		m.phaseFailed(ctx, p, PhaseOrphans, err)
		return
	}

	var errs error
	cutoff := now.Add(-m.Opts.OrphanMinAge)

	for _, o := range objects {
		if owned[o.Key] || o.LastModified.After(cutoff) {
			continue
		}

		if err := m.Storage.Delete(ctx, o.Key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", o.Key, err))
			continue
		}

		zap.L().Debug("Deleted orphaned object", zap.String("key", o.Key), zap.Int64("size", o.Size))

		p.Deleted++
		p.Bytes += o.Size
	}

	for _, err := range multierr.Errors(errs) {
		p.Errors = append(p.Errors, err.Error())
	}

	next := objects[len(objects)-1].Key
	if len(objects) < m.Opts.BatchSize {
		next = ""
	}

	if err := m.Store.SaveCursor(ctx, PhaseOrphans, next); err != nil {
		m.phaseFailed(ctx, p, PhaseOrphans, err)
	}
}

// ArchiveOldFiles marks files older than thresholdDays which weren't
// accessed within the last 30 days as archived. Nothing is deleted.
func (m *RetentionManager) ArchiveOldFiles(ctx context.Context, thresholdDays int) (int64, error) {
	if thresholdDays <= 0 {
		return 0, fmt.Errorf("invalid archive threshold %d", thresholdDays)
	}

	now := m.now().UTC()

	n, err := m.Store.ArchiveOld(ctx, now.AddDate(0, 0, -thresholdDays), now.Add(-archiveAccessWindow))
	if err != nil {
		return 0, err
	}

	zap.L().Info("Archived old files", zap.Int64("count", n), zap.Int("threshold_days", thresholdDays))

	return n, nil
}
