package asyncjob_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rkvantis/inferd/internal/asyncjob"
	"github.com/rkvantis/inferd/pkg/types"
)

func TestSubmit_CompletesSuccessfully(t *testing.T) {
	m := asyncjob.New(asyncjob.Config{Workers: 1}, func(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
		return &types.InferenceResponse{Content: "done"}, nil
	})
	defer m.Shutdown(context.Background())

	jobID, err := m.Submit(context.Background(), types.InferenceRequest{Model: "m"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var status types.AsyncJob
	deadline := time.After(time.Second)
	for {
		status, err = m.GetStatus(jobID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if status.Status == types.JobCompleted || status.Status == types.JobFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if status.Status != types.JobCompleted {
		t.Fatalf("expected JobCompleted, got %v", status.Status)
	}
	if status.Result == nil || status.Result.Content != "done" {
		t.Fatalf("expected result content 'done', got %+v", status.Result)
	}
}

func TestSubmit_RecordsFailure(t *testing.T) {
	wantErr := errors.New("boom")
	m := asyncjob.New(asyncjob.Config{Workers: 1}, func(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
		return nil, wantErr
	})
	defer m.Shutdown(context.Background())

	jobID, err := m.Submit(context.Background(), types.InferenceRequest{Model: "m"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var status types.AsyncJob
	deadline := time.After(time.Second)
	for {
		status, _ = m.GetStatus(jobID)
		if status.Status == types.JobCompleted || status.Status == types.JobFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to fail")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if status.Status != types.JobFailed {
		t.Fatalf("expected JobFailed, got %v", status.Status)
	}
}

func TestCancel_StopsRunningJob(t *testing.T) {
	release := make(chan struct{})
	m := asyncjob.New(asyncjob.Config{Workers: 1}, func(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
		select {
		case <-release:
			return &types.InferenceResponse{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	defer func() {
		close(release)
		m.Shutdown(context.Background())
	}()

	jobID, err := m.Submit(context.Background(), types.InferenceRequest{Model: "m"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Give the worker a moment to pick the job up and start running it.
	time.Sleep(10 * time.Millisecond)
	if err := m.Cancel(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	deadline := time.After(time.Second)
	var status types.AsyncJob
	for {
		status, _ = m.GetStatus(jobID)
		if status.Status == types.JobCancelled || status.Status == types.JobFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cancellation to take effect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if status.Status != types.JobCancelled {
		t.Fatalf("expected JobCancelled, got %v", status.Status)
	}
}

func TestGetStatus_UnknownJobReturnsError(t *testing.T) {
	m := asyncjob.New(asyncjob.Config{Workers: 1}, func(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
		return &types.InferenceResponse{}, nil
	})
	defer m.Shutdown(context.Background())

	if _, err := m.GetStatus("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}
