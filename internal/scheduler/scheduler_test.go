package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"bitwise74/content-api/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	sweeps   atomic.Int32
	archives atomic.Int32
	days     atomic.Int32
	err      error
	ran      chan struct{}
}

func (f *fakeSweeper) RunSweep(context.Context) (*service.SweepResult, error) {
	f.sweeps.Add(1)
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	return &service.SweepResult{}, nil
}

func (f *fakeSweeper) ArchiveOldFiles(_ context.Context, days int) (int64, error) {
	f.archives.Add(1)
	f.days.Store(int32(days))
	return 0, nil
}

func TestNewInvalidSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every tuesday"}, &fakeSweeper{})
	assert.Error(t, err)

	_, err = New(Config{Schedule: "@daily", ArchiveSchedule: "nope", ArchiveAfterDays: 10}, &fakeSweeper{})
	assert.Error(t, err)
}

func TestJobs(t *testing.T) {
	f := &fakeSweeper{}

	s, err := New(Config{ArchiveAfterDays: 180}, f)
	require.NoError(t, err)
	assert.Equal(t, "@daily", s.cfg.Schedule)
	assert.Len(t, s.cron.Entries(), 2)

	s.sweep()
	s.archive()

	assert.Equal(t, int32(1), f.sweeps.Load())
	assert.Equal(t, int32(1), f.archives.Load())
	assert.Equal(t, int32(180), f.days.Load())

	// A busy sweep is not an error
	f.err = service.ErrSweepInProgress
	s.sweep()
	assert.Equal(t, int32(2), f.sweeps.Load())
}

func TestStartStop(t *testing.T) {
	f := &fakeSweeper{ran: make(chan struct{}, 1)}

	s, err := New(Config{Schedule: "@every 1s"}, f)
	require.NoError(t, err)

	s.Start()

	select {
	case <-f.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never ran")
	}

	s.Stop()
	assert.ErrorIs(t, s.ctx.Err(), context.Canceled)
}
