// Package registry holds the name-addressed handler tables the spec
// requires instead of ambient globals (spec.md §9: "represent them as an
// explicit registry object passed into the orchestrator / task worker").
package registry

import (
	"errors"
	"sync"

	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/workflow"
)

// TaskFunc is a user task handler. Returning (nil, AsyncPending) signals
// the async-result sentinel (spec.md §7): the engine emits no result
// event, and a later out-of-band SendTaskSuccess/Failure completes it.
type TaskFunc func(ctx *TaskContext, input []byte) ([]byte, error)

// AsyncPending is the async-result sentinel a TaskFunc returns to defer
// its result to a later out-of-band SendTaskSuccess/SendTaskFailure call
// keyed on the task's token (spec.md §4.4 step 5, §7).
var AsyncPending = errors.New("registry: task result pending out-of-band completion")

// TransactionFunc is a user transaction body, executed in the Transaction
// Executor's shadow environment (spec.md §4.7).
type TransactionFunc func(ctx *TxnContext, input []byte) ([]byte, error)

// SubscriptionFilter decides whether an emitted event is delivered to one
// subscription (spec.md §4.6: "filter set {name equality, predicate}").
type SubscriptionFilter struct {
	Name      string
	Predicate func(name string, payload []byte) bool
}

// Subscription is a standing registration for EmitEvents fan-out.
type Subscription struct {
	ID      string
	Filter  SubscriptionFilter
	Deliver func(name string, payload []byte) error
}

// Registry is the explicit, addressable handler table shared by the
// Orchestrator and Task Worker. Every method takes the table's lock, so
// registration and lookup are safe to call concurrently.
type Registry struct {
	mu            sync.RWMutex
	workflows     map[string]workflow.Func
	tasks         map[string]TaskFunc
	transactions  map[string]TransactionFunc
	subscriptions map[string]*Subscription
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		workflows:     make(map[string]workflow.Func),
		tasks:         make(map[string]TaskFunc),
		transactions:  make(map[string]TransactionFunc),
		subscriptions: make(map[string]*Subscription),
	}
}

func (r *Registry) RegisterWorkflow(name string, fn workflow.Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

func (r *Registry) RegisterTask(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

func (r *Registry) RegisterTransaction(name string, fn TransactionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[name] = fn
}

func (r *Registry) RegisterSubscription(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[sub.ID] = sub
}

func (r *Registry) Workflow(name string) (workflow.Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) Task(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

func (r *Registry) Transaction(name string) (TransactionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transactions[name]
	return fn, ok
}

// Subscriptions returns every registration whose filter matches the
// given emitted event name/payload (spec.md §4.6).
func (r *Registry) Subscriptions(name string, payload []byte) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Subscription
	for _, sub := range r.subscriptions {
		if sub.Filter.Name != "" && sub.Filter.Name != name {
			continue
		}
		if sub.Filter.Predicate != nil && !sub.Filter.Predicate(name, payload) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched
}

// TaskContext is the bounded invocation scope handed to a task handler
// (spec.md §4.4 step 4, §9 "scoped resources"): it carries the task's
// execution id and seq plus a Heartbeat callback. It holds no client for
// sending signals, emitting events or starting child workflows.
type TaskContext struct {
	ExecutionID string
	Seq         int64
	Heartbeat   func()
}

// TxnContext is the handle a transaction body uses to perform entity
// operations; the Transaction Executor supplies an implementation backed
// by its shadow read/write set (spec.md §4.7).
type TxnContext struct {
	Get    func(key string) ([]byte, error)
	Set    func(key string, value []byte) error
	Delete func(key string) error
	Emit   func(events []types.EmittedEvent)
}
