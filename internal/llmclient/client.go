// Package llmclient models the LLM as a "pure request/response dependency"
// (spec §1): the coordinator calls it to decompose a task and review a
// worker's diff, and workers call it to produce a code edit. It mirrors
// tarsy's pkg/agent/llm_grpc.go — a gRPC client talking to the model
// backend as a separate process — but the RPC payloads aren't protoc
// output: no .proto file could be compiled in this exercise (no protoc
// invocation is available), so requests and responses are carried as
// google.golang.org/protobuf/types/known/structpb.Struct, a real,
// pre-compiled proto.Message shipped by the protobuf module itself, rather
// than hand-forged generated code. See DESIGN.md.
package llmclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Subtask is one unit of work the coordinator hands to a worker.
type Subtask struct {
	Title       string
	Description string
	Priority    int
}

// DecomposeRequest asks the model to split task into subtasks.
type DecomposeRequest struct {
	Task    string
	Context map[string]string
}

type DecomposeResponse struct {
	Subtasks []Subtask
}

// ReviewRequest asks the model to judge a worker's diff against criteria.
type ReviewRequest struct {
	Diff     string
	Criteria []string
}

type ReviewResult struct {
	Approved bool
	Blockers []string
	Comments string
}

// EditRequest asks the model to produce a code edit for prompt against the
// given files (path -> current content).
type EditRequest struct {
	Prompt string
	Files  map[string]string
}

type EditResponse struct {
	Files   map[string]string
	Summary string
}

// Client is the narrow interface the coordinator and workers depend on; the
// LLM backend itself is out of scope (spec §1 non-goal).
type Client interface {
	Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error)
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
	Edit(ctx context.Context, req EditRequest) (EditResponse, error)
	Close() error
}

const (
	methodDecompose = "/swarmlog.llm.v1.LLMService/Decompose"
	methodReview    = "/swarmlog.llm.v1.LLMService/Review"
	methodEdit      = "/swarmlog.llm.v1.LLMService/Edit"
)

// GRPCClient implements Client by calling the model backend over gRPC,
// insecure/plaintext transport, same deployment assumption as
// pkg/agent/llm_grpc.go ("expected to run as a sidecar or on localhost").
type GRPCClient struct {
	conn *grpc.ClientConn
}

func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client for %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Close() error { return c.conn.Close() }

func (c *GRPCClient) Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error) {
	fields := map[string]any{"task": req.Task}
	if len(req.Context) > 0 {
		ctxFields := make(map[string]any, len(req.Context))
		for k, v := range req.Context {
			ctxFields[k] = v
		}
		fields["context"] = ctxFields
	}
	reqStruct, err := structpb.NewStruct(fields)
	if err != nil {
		return DecomposeResponse{}, fmt.Errorf("encode decompose request: %w", err)
	}

	respStruct := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodDecompose, reqStruct, respStruct); err != nil {
		return DecomposeResponse{}, fmt.Errorf("decompose rpc: %w", err)
	}
	return decodeDecomposeResponse(respStruct), nil
}

func decodeDecomposeResponse(s *structpb.Struct) DecomposeResponse {
	var out DecomposeResponse
	list := s.GetFields()["subtasks"].GetListValue()
	if list == nil {
		return out
	}
	for _, v := range list.GetValues() {
		m := v.GetStructValue().GetFields()
		out.Subtasks = append(out.Subtasks, Subtask{
			Title:       m["title"].GetStringValue(),
			Description: m["description"].GetStringValue(),
			Priority:    int(m["priority"].GetNumberValue()),
		})
	}
	return out
}

func (c *GRPCClient) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	criteria := make([]any, len(req.Criteria))
	for i, s := range req.Criteria {
		criteria[i] = s
	}
	reqStruct, err := structpb.NewStruct(map[string]any{
		"diff":     req.Diff,
		"criteria": criteria,
	})
	if err != nil {
		return ReviewResult{}, fmt.Errorf("encode review request: %w", err)
	}

	respStruct := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodReview, reqStruct, respStruct); err != nil {
		return ReviewResult{}, fmt.Errorf("review rpc: %w", err)
	}

	fields := respStruct.GetFields()
	result := ReviewResult{
		Approved: fields["approved"].GetBoolValue(),
		Comments: fields["comments"].GetStringValue(),
	}
	for _, v := range fields["blockers"].GetListValue().GetValues() {
		result.Blockers = append(result.Blockers, v.GetStringValue())
	}
	return result, nil
}

func (c *GRPCClient) Edit(ctx context.Context, req EditRequest) (EditResponse, error) {
	files := make(map[string]any, len(req.Files))
	for path, content := range req.Files {
		files[path] = content
	}
	reqStruct, err := structpb.NewStruct(map[string]any{
		"prompt": req.Prompt,
		"files":  files,
	})
	if err != nil {
		return EditResponse{}, fmt.Errorf("encode edit request: %w", err)
	}

	respStruct := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodEdit, reqStruct, respStruct); err != nil {
		return EditResponse{}, fmt.Errorf("edit rpc: %w", err)
	}

	fields := respStruct.GetFields()
	out := EditResponse{
		Summary: fields["summary"].GetStringValue(),
		Files:   make(map[string]string),
	}
	for path, v := range fields["files"].GetStructValue().GetFields() {
		out.Files[path] = v.GetStringValue()
	}
	return out, nil
}
