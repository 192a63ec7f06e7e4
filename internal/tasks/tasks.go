// Package tasks moves pipeline runs onto an asynq queue backed by redis, so
// processing survives restarts and is shared between instances
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitwise74/content-api/internal/model"
	"bitwise74/content-api/internal/service"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeProcessFile = "file:process"
	Queue           = "files"
)

type ProcessPayload struct {
	FileID  string                 `json:"fileId"`
	Options service.ProcessOptions `json:"options"`
}

func NewProcessTask(fileID string, opts service.ProcessOptions) (*asynq.Task, error) {
	if fileID == "" {
		return nil, errors.New("file id is missing")
	}

	payload, err := json.Marshal(ProcessPayload{FileID: fileID, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload, %w", err)
	}

	return asynq.NewTask(TypeProcessFile, payload,
		asynq.Queue(Queue),
		asynq.MaxRetry(3),
	), nil
}

// Dispatcher enqueues pipeline runs onto redis
type Dispatcher struct {
	Client  *asynq.Client
	Timeout time.Duration
}

func NewDispatcher(opt asynq.RedisConnOpt, timeout time.Duration) *Dispatcher {
	return &Dispatcher{Client: asynq.NewClient(opt), Timeout: timeout}
}

func (d *Dispatcher) Dispatch(ctx context.Context, fileID string, opts service.ProcessOptions) error {
	task, err := NewProcessTask(fileID, opts)
	if err != nil {
		return err
	}

	var taskOpts []asynq.Option
	if d.Timeout > 0 {
		taskOpts = append(taskOpts, asynq.Timeout(d.Timeout))
	}

	info, err := d.Client.EnqueueContext(ctx, task, taskOpts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue processing task, %w", err)
	}

	zap.L().Debug("Processing task enqueued", zap.String("file_id", fileID), zap.String("task_id", info.ID))
	return nil
}

func (d *Dispatcher) Close() error {
	return d.Client.Close()
}

type Processor interface {
	Process(ctx context.Context, fileID string, opts service.ProcessOptions) (*model.File, error)
}

// Handler runs the pipeline for a single task. Failures the pipeline
// records on the file don't fail the task, retrying can't fix them.
type Handler struct {
	Processor Processor
}

func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ProcessPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.FileID == "" {
		return fmt.Errorf("malformed %s payload: %w", TypeProcessFile, asynq.SkipRetry)
	}

	f, err := h.Processor.Process(ctx, p.FileID, p.Options)
	switch {
	case errors.Is(err, service.ErrProcessingInProgress):
		zap.L().Debug("File is already being processed", zap.String("file_id", p.FileID))
		return nil
	case errors.Is(err, service.ErrNotFound):
		return fmt.Errorf("file %s: %v: %w", p.FileID, err, asynq.SkipRetry)
	case err != nil:
		return err
	}

	zap.L().Debug("Processing task done",
		zap.String("file_id", f.ID),
		zap.String("status", string(f.ProcessingStatus)))

	return nil
}

// NewServer returns an asynq server working the files queue with
// concurrency workers
func NewServer(opt asynq.RedisConnOpt, concurrency int, h *Handler) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
		Logger:      zap.S().Named("asynq"),
		LogLevel:    asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcessFile, h.ProcessTask)

	return srv, mux
}
