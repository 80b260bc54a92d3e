package llmclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const methodVerify = "/swarmlog.llm.v1.VerifyService/Verify"

// VerifyResult is the outcome of verify(files) -> {pass, blockers} (spec §1,
// §4.5): domain-specific verification (typecheck, test runners) reached
// through an abstract hook rather than implemented in this system.
type VerifyResult struct {
	Pass     bool
	Blockers []string
}

// Verifier is the narrow interface the worker state machine's verifying
// step depends on.
type Verifier interface {
	Verify(ctx context.Context, files []string) (VerifyResult, error)
}

// GRPCVerifier calls out to an external verify tool over gRPC, same
// structpb-carried-payload approach as Client (see client.go).
type GRPCVerifier struct {
	conn *grpc.ClientConn
}

func NewGRPCVerifier(addr string) (*GRPCVerifier, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify client for %s: %w", addr, err)
	}
	return &GRPCVerifier{conn: conn}, nil
}

func (v *GRPCVerifier) Close() error { return v.conn.Close() }

func (v *GRPCVerifier) Verify(ctx context.Context, files []string) (VerifyResult, error) {
	list := make([]any, len(files))
	for i, f := range files {
		list[i] = f
	}
	reqStruct, err := structpb.NewStruct(map[string]any{"files": list})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("encode verify request: %w", err)
	}

	respStruct := &structpb.Struct{}
	if err := v.conn.Invoke(ctx, methodVerify, reqStruct, respStruct); err != nil {
		return VerifyResult{}, fmt.Errorf("verify rpc: %w", err)
	}

	fields := respStruct.GetFields()
	result := VerifyResult{Pass: fields["pass"].GetBoolValue()}
	for _, v := range fields["blockers"].GetListValue().GetValues() {
		result.Blockers = append(result.Blockers, v.GetStringValue())
	}
	return result, nil
}

// FakeVerifier is an in-memory Verifier for tests.
type FakeVerifier struct {
	VerifyFn func(files []string) (VerifyResult, error)
}

func (f *FakeVerifier) Verify(_ context.Context, files []string) (VerifyResult, error) {
	if f.VerifyFn == nil {
		return VerifyResult{Pass: true}, nil
	}
	return f.VerifyFn(files)
}
