package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bitwise74/content-api/internal/model"
	"bitwise74/content-api/internal/service"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	err  error
	got  string
	opts service.ProcessOptions
}

func (p *fakeProcessor) Process(_ context.Context, fileID string, opts service.ProcessOptions) (*model.File, error) {
	p.got = fileID
	p.opts = opts

	if p.err != nil {
		return nil, p.err
	}

	return &model.File{ID: fileID, ProcessingStatus: model.ProcessingCompleted}, nil
}

func TestNewProcessTask(t *testing.T) {
	task, err := NewProcessTask("file-1", service.ProcessOptions{Force: true, Reason: "retry"})
	require.NoError(t, err)

	assert.Equal(t, TypeProcessFile, task.Type())

	var p ProcessPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "file-1", p.FileID)
	assert.True(t, p.Options.Force)
	assert.Equal(t, "retry", p.Options.Reason)

	_, err = NewProcessTask("", service.ProcessOptions{})
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	task, err := NewProcessTask("file-1", service.ProcessOptions{RequestedBy: "admin"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		err       error
		wantErr   bool
		skipRetry bool
	}{
		{"done", nil, false, false},
		{"in progress", service.ErrProcessingInProgress, false, false},
		{"not found", service.ErrNotFound, true, true},
		{"database", errors.New("database is locked"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{err: tt.err}
			h := &Handler{Processor: p}

			err := h.ProcessTask(context.Background(), task)
			assert.Equal(t, "file-1", p.got)
			assert.Equal(t, "admin", p.opts.RequestedBy)

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandlerMalformedPayload(t *testing.T) {
	p := &fakeProcessor{}
	h := &Handler{Processor: p}

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeProcessFile, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, p.got)
}
