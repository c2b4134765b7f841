// ============================================================================
// Falcon Worker - Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for fetching tasks and reporting results.
//
// Motivation:
//   The runner must not care whether the server speaks REST or gRPC.
//
//   - HTTPTaskSource: REST endpoints under /tasks
//   - GrpcTaskSource: falcon.v1.TaskService over a shared ClientConn
//
//   Both attach the cached credential to every call and flush it when the
//   server rejects it.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// PollRequest describes one batch poll.
type PollRequest struct {
	TaskType string
	WorkerID string
	Domain   string
	Count    int
	Timeout  time.Duration
}

// TaskSource defines the interface for fetching tasks and reporting results.
type TaskSource interface {
	// PollBatch fetches up to req.Count pending tasks. An empty slice means
	// the queue had nothing for this worker.
	PollBatch(ctx context.Context, req PollRequest) ([]*types.Task, error)

	// ReportResult sends a task result to the server.
	ReportResult(ctx context.Context, result *types.TaskResult) error
}

// TokenProvider supplies credentials to a transport.
// *auth.TokenCache satisfies it.
type TokenProvider interface {
	Get(ctx context.Context) (string, error)
	Flush() bool
}

type noToken struct{}

func (noToken) Get(context.Context) (string, error) { return "", nil }
func (noToken) Flush() bool                         { return false }
