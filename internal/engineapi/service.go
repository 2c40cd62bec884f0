// Package engineapi implements the Engine Service API (spec.md §6): the
// set of operations a caller outside the Orchestrator/Command Executor
// loop uses to start executions, inspect them, and report external
// side-effect outcomes back in. No network transport is implemented
// (out of scope per spec.md §1, confirmed by SPEC_FULL.md §6.1) — this
// is a plain Go struct that cmd/* wires directly into process-local
// callers.
package engineapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/execstore"
	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/idgen"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/router"
	"github.com/flowforge/engine/internal/taskworker"
	"github.com/flowforge/engine/internal/timer"
	"github.com/flowforge/engine/internal/txn"
	"github.com/flowforge/engine/internal/types"
)

// Service implements every operation in spec.md §6's Engine Service API
// table as a direct Go method. Each request/response pair below is named
// for its operation rather than reused across operations, even where two
// are structurally similar, matching the table's own per-row shape.
type Service struct {
	history history.Store
	execs   execstore.Store
	queue   equeue.Queue
	timers  *timer.Service
	reg     *registry.Registry
	router  *router.Router
	txns    *txn.Executor
}

func New(historyStore history.Store, execStore execstore.Store, queue equeue.Queue, timers *timer.Service, reg *registry.Registry, rtr *router.Router, txns *txn.Executor) *Service {
	return &Service{history: historyStore, execs: execStore, queue: queue, timers: timers, reg: reg, router: rtr, txns: txns}
}

// StartExecutionRequest is spec.md §6's `{workflow, executionName?,
// input, timeout?, parentExecutionId?, seq?}`.
type StartExecutionRequest struct {
	Workflow          string
	ExecutionName     string // if empty, idgen.NewID() names the execution
	Input             []byte
	Timeout           time.Time // zero means no workflow-level timeout
	ParentExecutionID string    // empty for a root execution
	ParentSeq         int64     // the parent's ChildWorkflowScheduled seq
}

type StartExecutionResponse struct {
	ExecutionID    types.ExecutionID
	AlreadyRunning bool
}

// StartExecution implements spec.md §6's StartExecution: it records the
// Execution Store row, seeds the WorkflowStarted history event, and
// enqueues that event so the Orchestrator picks the execution up on its
// next poll. Idempotent on (workflowName, executionName, inputHash): a
// repeat call with the same input returns the existing execution with
// AlreadyRunning=true instead of starting it twice; a repeat call with a
// different input for the same name is types.ErrAlreadyRunning.
func (s *Service) StartExecution(ctx context.Context, req StartExecutionRequest) (StartExecutionResponse, error) {
	if _, ok := s.reg.Workflow(req.Workflow); !ok {
		return StartExecutionResponse{}, fmt.Errorf("engineapi: start execution: %w: %q", types.ErrNoWorkflow, req.Workflow)
	}

	executionName := req.ExecutionName
	if executionName == "" {
		executionName = idgen.NewID()
	}
	id := types.FormatExecutionID(req.Workflow, executionName)

	inputHash, err := idgen.InputHash(req.Input)
	if err != nil {
		return StartExecutionResponse{}, fmt.Errorf("engineapi: start execution: %w", err)
	}

	var parent *types.ParentRef
	if req.ParentExecutionID != "" {
		parent = &types.ParentRef{ExecutionID: req.ParentExecutionID, Seq: req.ParentSeq}
	}

	exec := &types.Execution{
		ID:           id,
		WorkflowName: req.Workflow,
		Input:        req.Input,
		InputHash:    inputHash,
		Status:       types.ExecutionStatusInProgress,
		StartTime:    time.Now(),
		Parent:       parent,
	}
	stored, alreadyExisted, err := s.execs.Create(ctx, exec)
	if err != nil {
		return StartExecutionResponse{}, fmt.Errorf("engineapi: start execution: %w", err)
	}
	if alreadyExisted {
		return StartExecutionResponse{ExecutionID: stored.ID, AlreadyRunning: true}, nil
	}

	started := types.NewLifecycleEvent(types.EventTypeWorkflowStarted, "started", time.Now(), &types.WorkflowStartedAttributes{
		WorkflowName: req.Workflow,
		Input:        req.Input,
		TimeoutTime:  req.Timeout,
		Parent:       parent,
	})
	if err := s.history.AppendEvents(ctx, id, []*types.HistoryEvent{started}); err != nil {
		return StartExecutionResponse{}, fmt.Errorf("engineapi: seed history: %w", err)
	}
	if err := s.queue.Enqueue(ctx, id, []*types.HistoryEvent{started}); err != nil {
		return StartExecutionResponse{}, fmt.Errorf("engineapi: enqueue first task: %w", err)
	}
	return StartExecutionResponse{ExecutionID: id}, nil
}

// GetExecution implements spec.md §6's GetExecution: `executionId` ->
// `Execution | nil`. Returns (nil, nil) rather than an error when the
// execution does not exist, matching the table's `Execution | nil`.
func (s *Service) GetExecution(ctx context.Context, id types.ExecutionID) (*types.Execution, error) {
	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrExecutionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("engineapi: get execution: %w", err)
	}
	return exec, nil
}

// ListExecutionsRequest is spec.md §6's `{statusFilter?, workflowName?,
// page}`.
type ListExecutionsRequest struct {
	StatusFilter types.ExecutionStatus
	WorkflowName string
	PageOffset   int
	PageSize     int
}

type ListExecutionsResponse struct {
	Executions []*types.Execution
	NextOffset int // 0 once there are no further pages
}

// ListExecutions implements spec.md §6's ListExecutions, paginating a
// plain offset/limit window over the Execution Store's filtered list.
func (s *Service) ListExecutions(ctx context.Context, req ListExecutionsRequest) (ListExecutionsResponse, error) {
	all, err := s.execs.List(ctx, execstore.ListFilter{Status: req.StatusFilter, WorkflowName: req.WorkflowName})
	if err != nil {
		return ListExecutionsResponse{}, fmt.Errorf("engineapi: list executions: %w", err)
	}
	return paginateExecutions(all, req.PageOffset, req.PageSize), nil
}

func paginateExecutions(all []*types.Execution, offset, size int) ListExecutionsResponse {
	if size <= 0 {
		size = len(all)
	}
	if offset >= len(all) {
		return ListExecutionsResponse{}
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]
	next := 0
	if end < len(all) {
		next = end
	}
	return ListExecutionsResponse{Executions: page, NextOffset: next}
}

// GetExecutionHistoryRequest is spec.md §6's `{executionId, page}`.
type GetExecutionHistoryRequest struct {
	ExecutionID types.ExecutionID
	PageOffset  int
	PageSize    int
}

type GetExecutionHistoryResponse struct {
	Events     []*types.HistoryEvent
	NextOffset int
}

// GetExecutionHistory implements spec.md §6's GetExecutionHistory.
func (s *Service) GetExecutionHistory(ctx context.Context, req GetExecutionHistoryRequest) (GetExecutionHistoryResponse, error) {
	events, err := s.history.GetHistory(ctx, req.ExecutionID)
	if err != nil {
		return GetExecutionHistoryResponse{}, fmt.Errorf("engineapi: get execution history: %w", err)
	}
	if req.PageSize <= 0 {
		req.PageSize = len(events)
	}
	if req.PageOffset >= len(events) {
		return GetExecutionHistoryResponse{}, nil
	}
	end := req.PageOffset + req.PageSize
	if end > len(events) {
		end = len(events)
	}
	next := 0
	if end < len(events) {
		next = end
	}
	return GetExecutionHistoryResponse{Events: events[req.PageOffset:end], NextOffset: next}, nil
}

// SendSignalRequest is spec.md §6's `{execution, signal, payload, id?}`.
type SendSignalRequest struct {
	Execution types.ExecutionID
	Signal    string
	Payload   []byte
	ID        string // advisory dedup id; generated when empty
}

// SendSignal implements spec.md §6's SendSignal by delivering straight
// to the target's Execution Queue through the Signal/Event Router, the
// same path a workflow's own SendSignal command uses.
func (s *Service) SendSignal(ctx context.Context, req SendSignalRequest) error {
	if err := s.router.DeliverSignal(ctx, req.Execution, req.Signal, req.Payload, req.ID); err != nil {
		return fmt.Errorf("engineapi: send signal: %w", err)
	}
	return nil
}

// EmitEventsRequest is spec.md §6's `{events:[{name,payload}]}`.
type EmitEventsRequest struct {
	Events []types.EmittedEvent
}

// EmitEvents implements spec.md §6's EmitEvents: events originating
// outside any workflow run are fanned out the same way a workflow's own
// EmitEvents command is, with no source execution to attribute them to.
func (s *Service) EmitEvents(ctx context.Context, req EmitEventsRequest) error {
	if err := s.router.EmitEvents(ctx, "", req.Events); err != nil {
		return fmt.Errorf("engineapi: emit events: %w", err)
	}
	return nil
}

// SendTaskSuccessRequest is spec.md §6's `{taskToken, result}`.
type SendTaskSuccessRequest struct {
	TaskToken string
	Result    []byte
}

// SendTaskSuccess implements spec.md §6's SendTaskSuccess: it decodes the
// task token back into (executionId, seq) and delivers a TaskSucceeded
// result event through the Execution Queue, exactly the event a
// synchronously-returning task handler would have produced itself
// (spec.md §6's "async task sentinel" note).
func (s *Service) SendTaskSuccess(ctx context.Context, req SendTaskSuccessRequest) error {
	executionID, seq, err := taskworker.DecodeToken(req.TaskToken)
	if err != nil {
		return fmt.Errorf("engineapi: send task success: %w", err)
	}
	ev := types.NewSequencedEvent(types.EventTypeTaskSucceeded, seq, time.Now(), &types.TaskSucceededAttributes{Result: req.Result})
	if err := s.queue.Enqueue(ctx, executionID, []*types.HistoryEvent{ev}); err != nil {
		return fmt.Errorf("engineapi: send task success: %w", err)
	}
	return nil
}

// SendTaskFailureRequest is spec.md §6's `{taskToken, error, message}`.
type SendTaskFailureRequest struct {
	TaskToken string
	Error     string
	Message   string
}

// SendTaskFailure implements spec.md §6's SendTaskFailure, mirroring
// SendTaskSuccess's token decode and the TaskFailed shape a task worker
// would deliver for a handler that returned an error directly.
func (s *Service) SendTaskFailure(ctx context.Context, req SendTaskFailureRequest) error {
	executionID, seq, err := taskworker.DecodeToken(req.TaskToken)
	if err != nil {
		return fmt.Errorf("engineapi: send task failure: %w", err)
	}
	ev := types.NewSequencedEvent(types.EventTypeTaskFailed, seq, time.Now(), &types.TaskFailedAttributes{Error: req.Error, Message: req.Message})
	if err := s.queue.Enqueue(ctx, executionID, []*types.HistoryEvent{ev}); err != nil {
		return fmt.Errorf("engineapi: send task failure: %w", err)
	}
	return nil
}

// SendTaskHeartbeatResponse is spec.md §6's `{cancelled: bool}`.
type SendTaskHeartbeatResponse struct {
	Cancelled bool
}

// SendTaskHeartbeat implements spec.md §6's SendTaskHeartbeat: it records
// the heartbeat against the Timer Service's heartbeat monitor (pushing
// the monitor's deadline out, the same effect taskworker.Worker's own
// heartbeat loop has) and reports Cancelled=true once the owning
// execution has already reached a terminal status, so a long-running
// external task knows to stop.
func (s *Service) SendTaskHeartbeat(ctx context.Context, taskToken string) (SendTaskHeartbeatResponse, error) {
	executionID, seq, err := taskworker.DecodeToken(taskToken)
	if err != nil {
		return SendTaskHeartbeatResponse{}, fmt.Errorf("engineapi: send task heartbeat: %w", err)
	}
	if s.timers != nil {
		if err := s.timers.RecordHeartbeat(ctx, heartbeatScheduleID(executionID, seq)); err != nil {
			return SendTaskHeartbeatResponse{}, fmt.Errorf("engineapi: record heartbeat: %w", err)
		}
	}
	exec, err := s.execs.Get(ctx, executionID)
	if err != nil {
		return SendTaskHeartbeatResponse{}, fmt.Errorf("engineapi: send task heartbeat: %w", err)
	}
	return SendTaskHeartbeatResponse{Cancelled: exec.IsTerminal()}, nil
}

func heartbeatScheduleID(executionID types.ExecutionID, seq int64) string {
	return fmt.Sprintf("%s/%d/heartbeat", executionID, seq)
}

// ExecuteTransactionRequest is spec.md §6's `{transaction, input}`.
type ExecuteTransactionRequest struct {
	Transaction string
	Input       []byte
}

// ExecuteTransactionResponse is spec.md §6's `{succeeded,
// output?|error+reason}`.
type ExecuteTransactionResponse struct {
	Succeeded bool
	Output    []byte
	Error     string
	Reason    string
}

// ExecuteTransaction implements spec.md §6's ExecuteTransaction: unlike
// a workflow's InvokeTransaction command (internal/txn.Executor.Submit,
// fire-and-forget, result delivered asynchronously), this call runs the
// same shadow/commit/retry protocol synchronously and returns the
// outcome directly to the caller.
func (s *Service) ExecuteTransaction(ctx context.Context, req ExecuteTransactionRequest) (ExecuteTransactionResponse, error) {
	output, err := s.txns.Execute(ctx, req.Transaction, req.Input)
	if err != nil {
		return ExecuteTransactionResponse{Error: classifyExternalTxnError(err), Reason: err.Error()}, nil
	}
	return ExecuteTransactionResponse{Succeeded: true, Output: output}, nil
}

func classifyExternalTxnError(err error) string {
	var remote *types.RemoteError
	if errors.As(err, &remote) {
		return remote.ID
	}
	return "TransactionError"
}
