package engineapi

import (
	"context"

	"github.com/flowforge/engine/internal/types"
)

// ChildWorkflowEngine adapts Service.StartExecution's request/response
// shape to the narrower, positional signature internal/command's local
// Engine interface declares for StartChildWorkflow (spec.md §4.3). It
// exists because the Command Executor is wired before any particular
// caller-facing surface is chosen; here that surface is this same
// process's engineapi.Service, reached directly rather than through a
// request/response struct a command never needs to see.
type ChildWorkflowEngine struct {
	Service *Service
}

func (a *ChildWorkflowEngine) StartExecution(ctx context.Context, workflowName, executionName string, input []byte, parent *types.ParentRef) error {
	req := StartExecutionRequest{
		Workflow:      workflowName,
		ExecutionName: executionName,
		Input:         input,
	}
	if parent != nil {
		req.ParentExecutionID = parent.ExecutionID
		req.ParentSeq = parent.Seq
	}
	_, err := a.Service.StartExecution(ctx, req)
	return err
}
