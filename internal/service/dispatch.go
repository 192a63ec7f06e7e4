package service

import (
	"context"

	"bitwise74/content-api/internal/model"

	"go.uber.org/zap"
)

// Dispatcher hands a file to the processing pipeline in the background
type Dispatcher interface {
	Dispatch(ctx context.Context, fileID string, opts ProcessOptions) error
}

// LocalDispatcher runs the pipeline on an in-process JobQueue
type LocalDispatcher struct {
	Pipeline *Pipeline
	Queue    *JobQueue
}

func NewLocalDispatcher(p *Pipeline, q *JobQueue) *LocalDispatcher {
	return &LocalDispatcher{Pipeline: p, Queue: q}
}

// Dispatch enqueues a run and returns right away. The job outlives ctx, only
// its values are kept.
func (d *LocalDispatcher) Dispatch(ctx context.Context, fileID string, opts ProcessOptions) error {
	return d.Queue.Enqueue(&Job{
		ID:  fileID,
		Ctx: context.WithoutCancel(ctx),
		Run: func(ctx context.Context) error {
			f, err := d.Pipeline.Process(ctx, fileID, opts)
			if err != nil {
				return err
			}

			zap.L().Debug("Processing finished",
				zap.String("file_id", f.ID),
				zap.String("status", string(f.ProcessingStatus)),
				zap.String("scan", string(f.VirusScanStatus)))

			return nil
		},
	})
}

// RequestProcessing hands a file the caller owns to d. The run itself is
// asynchronous, the file's status tells how it went.
func (s *FileService) RequestProcessing(ctx context.Context, d Dispatcher, fileID string, r Requester, opts ProcessOptions) error {
	f, err := s.Store.Get(ctx, fileID)
	if err != nil {
		return err
	}

	if err := canModify(f, r); err != nil {
		return err
	}

	if f.StoragePath == "" {
		return ErrNotProcessed
	}

	if !opts.Force && f.ProcessingStatus == model.ProcessingRunning {
		return ErrProcessingInProgress
	}

	opts.RequestedBy = r.UserID

	return d.Dispatch(ctx, fileID, opts)
}
