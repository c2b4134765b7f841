package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/falcon-worker/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC method names of falcon.v1.TaskService. Requests and responses are
// google.protobuf.Struct messages.
const (
	GrpcServiceName      = "falcon.v1.TaskService"
	GrpcBatchPollMethod  = "/" + GrpcServiceName + "/BatchPoll"
	GrpcUpdateTaskMethod = "/" + GrpcServiceName + "/UpdateTask"

	// GrpcAuthMetadata is the metadata key carrying the access token.
	GrpcAuthMetadata = "x-authorization"
)

// GrpcTaskSource is an implementation of TaskSource that connects to the
// server via gRPC.
type GrpcTaskSource struct {
	conn   grpc.ClientConnInterface
	tokens TokenProvider
}

// NewGrpcTaskSource creates a new GrpcTaskSource.
// conn should be an established gRPC connection; tokens may be nil.
func NewGrpcTaskSource(conn grpc.ClientConnInterface, tokens TokenProvider) *GrpcTaskSource {
	if tokens == nil {
		tokens = noToken{}
	}
	return &GrpcTaskSource{conn: conn, tokens: tokens}
}

// PollBatch fetches tasks from the server.
func (s *GrpcTaskSource) PollBatch(ctx context.Context, req PollRequest) ([]*types.Task, error) {
	in, err := structpb.NewStruct(map[string]any{
		"taskType":  req.TaskType,
		"workerId":  req.WorkerID,
		"domain":    req.Domain,
		"count":     req.Count,
		"timeoutMs": req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	out := &structpb.Struct{}
	if err := s.invoke(ctx, GrpcBatchPollMethod, in, out); err != nil {
		return nil, fmt.Errorf("rpc poll failed: %w", err)
	}

	raw, ok := out.GetFields()["tasks"]
	if !ok {
		return nil, nil
	}
	var tasks []*types.Task
	if err := remarshal(raw.GetListValue().AsSlice(), &tasks); err != nil {
		return nil, fmt.Errorf("decode polled tasks: %w", err)
	}
	return tasks, nil
}

// ReportResult sends a task result to the server.
func (s *GrpcTaskSource) ReportResult(ctx context.Context, result *types.TaskResult) error {
	var fields map[string]any
	if err := remarshal(result, &fields); err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}

	out := &structpb.Struct{}
	if err := s.invoke(ctx, GrpcUpdateTaskMethod, in, out); err != nil {
		return fmt.Errorf("rpc update failed: %w", err)
	}
	return nil
}

func (s *GrpcTaskSource) invoke(ctx context.Context, method string, in, out *structpb.Struct) error {
	token, err := s.tokens.Get(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, GrpcAuthMetadata, token)
	}

	err = s.conn.Invoke(ctx, method, in, out)
	if code := status.Code(err); code == codes.Unauthenticated || code == codes.PermissionDenied {
		s.tokens.Flush()
	}
	return err
}

// remarshal converts between struct and generic map shapes through JSON.
func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
