package llmclient

import "context"

// FakeClient is an in-memory Client for tests; it returns whatever was
// configured on it rather than calling out over gRPC, matching tarsy's
// pkg/mcp treatment of swappable remote executors.
type FakeClient struct {
	DecomposeFn func(DecomposeRequest) (DecomposeResponse, error)
	ReviewFn    func(ReviewRequest) (ReviewResult, error)
	EditFn      func(EditRequest) (EditResponse, error)
}

func (f *FakeClient) Decompose(_ context.Context, req DecomposeRequest) (DecomposeResponse, error) {
	if f.DecomposeFn == nil {
		return DecomposeResponse{}, nil
	}
	return f.DecomposeFn(req)
}

func (f *FakeClient) Review(_ context.Context, req ReviewRequest) (ReviewResult, error) {
	if f.ReviewFn == nil {
		return ReviewResult{Approved: true}, nil
	}
	return f.ReviewFn(req)
}

func (f *FakeClient) Edit(_ context.Context, req EditRequest) (EditResponse, error) {
	if f.EditFn == nil {
		return EditResponse{}, nil
	}
	return f.EditFn(req)
}

func (f *FakeClient) Close() error { return nil }
