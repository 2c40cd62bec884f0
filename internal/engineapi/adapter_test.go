package engineapi

import (
	"context"
	"testing"

	"github.com/flowforge/engine/internal/types"
)

func TestChildWorkflowEngine_StartExecutionAdaptsPositionalSignature(t *testing.T) {
	svc, _, execs, _, _ := newTestService(t)
	engine := &ChildWorkflowEngine{Service: svc}

	parent := &types.ParentRef{ExecutionID: "wf/parent", Seq: 3}
	if err := engine.StartExecution(context.Background(), "greet", "child-1", []byte("hi"), parent); err != nil {
		t.Fatalf("start execution: %v", err)
	}

	id := types.FormatExecutionID("greet", "child-1")
	exec, err := execs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Parent == nil || exec.Parent.ExecutionID != "wf/parent" || exec.Parent.Seq != 3 {
		t.Fatalf("parent ref not threaded through, got %+v", exec.Parent)
	}
}

func TestChildWorkflowEngine_StartExecutionWithNoParent(t *testing.T) {
	svc, _, execs, _, _ := newTestService(t)
	engine := &ChildWorkflowEngine{Service: svc}

	if err := engine.StartExecution(context.Background(), "greet", "root-1", []byte("hi"), nil); err != nil {
		t.Fatalf("start execution: %v", err)
	}

	id := types.FormatExecutionID("greet", "root-1")
	exec, err := execs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Parent != nil {
		t.Fatalf("want nil parent, got %+v", exec.Parent)
	}
}
