// Package llmadapter adapts internal/llmclient's narrow Client/Verifier
// interfaces onto internal/worker's Executor/Verifier interfaces, so both
// swarmlogd and swarmlogctl wire the worker pool against the same two
// small types instead of duplicating the glue.
package llmadapter

import (
	"context"

	"github.com/swarmlog/swarmlog/internal/llmclient"
	"github.com/swarmlog/swarmlog/internal/worker"
)

// Executor adapts llmclient.Client's Edit call to worker.Executor. Actually
// applying an edit to a working tree is out of scope (spec §1: the LLM is
// "a pure request/response dependency"); the files the model reports
// touching are what the state machine tracks.
type Executor struct {
	Client llmclient.Client
}

func (e *Executor) Execute(ctx context.Context, run worker.Run) ([]string, error) {
	resp, err := e.Client.Edit(ctx, llmclient.EditRequest{Prompt: run.Prompt})
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(resp.Files))
	for path := range resp.Files {
		files = append(files, path)
	}
	return files, nil
}

// Verifier adapts llmclient.Verifier to worker.Verifier.
type Verifier struct {
	Verifier llmclient.Verifier
}

func (v *Verifier) Verify(ctx context.Context, files []string) (worker.VerifyResult, error) {
	result, err := v.Verifier.Verify(ctx, files)
	if err != nil {
		return worker.VerifyResult{}, err
	}
	step := worker.VerifyStep{
		Name:   "verify",
		Passed: result.Pass,
	}
	if !result.Pass {
		step.Output = joinBlockers(result.Blockers)
	}
	return worker.VerifyResult{Steps: []worker.VerifyStep{step}}, nil
}

func joinBlockers(blockers []string) string {
	out := ""
	for i, b := range blockers {
		if i > 0 {
			out += "; "
		}
		out += b
	}
	return out
}
