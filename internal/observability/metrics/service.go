package metrics

import "time"

// EngineMetrics provides the standard set of metrics every component of
// the orchestration engine reports under: the Orchestrator, the Task
// Worker, the Signal/Event Router, and the Transaction Executor.
type EngineMetrics struct {
	registry *Registry
	service  string
}

// NewEngineMetrics creates a metrics collector scoped to one component
// name (e.g. "orchestrator", "taskworker", "router", "txn"), so the same
// metric name can be reported by every process that runs that component
// without colliding in a shared registry.
func NewEngineMetrics(registry *Registry, service string) *EngineMetrics {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &EngineMetrics{
		registry: registry,
		service:  service,
	}
}

// --- Execution Metrics ---

// ExecutionStarted records a new workflow execution.
func (m *EngineMetrics) ExecutionStarted(workflow string) {
	m.registry.Counter("engine_executions_started_total", Labels{
		"service":  m.service,
		"workflow": workflow,
	}).Inc()

	m.registry.Gauge("engine_executions_active", Labels{
		"service":  m.service,
		"workflow": workflow,
	}).Inc()
}

// ExecutionCompleted records a completed (or failed/timed-out) execution.
func (m *EngineMetrics) ExecutionCompleted(workflow, status string, duration time.Duration) {
	m.registry.Counter("engine_executions_completed_total", Labels{
		"service":  m.service,
		"workflow": workflow,
		"status":   status,
	}).Inc()

	m.registry.Gauge("engine_executions_active", Labels{
		"service":  m.service,
		"workflow": workflow,
	}).Dec()

	m.registry.Histogram("engine_execution_duration_ms", Labels{
		"service":  m.service,
		"workflow": workflow,
	}, nil).ObserveDuration(duration)
}

// ExecutionBatchProcessed records one Orchestrator.ProcessBatch call.
func (m *EngineMetrics) ExecutionBatchProcessed(eventCount int, duration time.Duration) {
	m.registry.Counter("engine_batches_processed_total", Labels{
		"service": m.service,
	}).Inc()

	m.registry.Histogram("engine_batch_event_count", Labels{
		"service": m.service,
	}, []float64{1, 5, 10, 50, 100, 500}).Observe(float64(eventCount))

	m.registry.Histogram("engine_batch_duration_ms", Labels{
		"service": m.service,
	}, nil).ObserveDuration(duration)
}

// --- Task Metrics ---

// TaskScheduled records a task dispatched to a task queue.
func (m *EngineMetrics) TaskScheduled(taskQueue, taskType string) {
	m.registry.Counter("engine_tasks_scheduled_total", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
	}).Inc()
}

// TaskStarted records a task handler beginning execution.
func (m *EngineMetrics) TaskStarted(taskQueue, taskType string) {
	m.registry.Counter("engine_tasks_started_total", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
	}).Inc()

	m.registry.Gauge("engine_tasks_active", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
	}).Inc()
}

// TaskCompleted records a task handler's outcome (status is "succeeded",
// "failed", or "timed_out").
func (m *EngineMetrics) TaskCompleted(taskQueue, taskType, status string, duration time.Duration) {
	m.registry.Counter("engine_tasks_completed_total", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
		"status":     status,
	}).Inc()

	m.registry.Gauge("engine_tasks_active", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
	}).Dec()

	m.registry.Histogram("engine_task_duration_ms", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
	}, nil).ObserveDuration(duration)
}

// TaskRetried records a retried task dispatch.
func (m *EngineMetrics) TaskRetried(taskQueue, taskType string, attempt int32) {
	m.registry.Counter("engine_tasks_retried_total", Labels{
		"service":    m.service,
		"task_queue": taskQueue,
		"task_type":  taskType,
	}).Inc()
	_ = attempt
}

// --- Timer Metrics ---

// TimerScheduled records a durable timer scheduled.
func (m *EngineMetrics) TimerScheduled() {
	m.registry.Counter("engine_timers_scheduled_total", Labels{
		"service": m.service,
	}).Inc()
}

// TimerFired records a timer that fired, with the delay between its
// requested fire time and the time it was actually delivered.
func (m *EngineMetrics) TimerFired(delay time.Duration) {
	m.registry.Counter("engine_timers_fired_total", Labels{
		"service": m.service,
	}).Inc()

	m.registry.Histogram("engine_timer_delay_ms", Labels{
		"service": m.service,
	}, nil).ObserveDuration(delay)
}

// TimerCanceled records a canceled timer.
func (m *EngineMetrics) TimerCanceled() {
	m.registry.Counter("engine_timers_canceled_total", Labels{
		"service": m.service,
	}).Inc()
}

// --- Signal / Event Router Metrics ---

// SignalDelivered records a signal delivered to an execution.
func (m *EngineMetrics) SignalDelivered(signalID string) {
	m.registry.Counter("engine_signals_delivered_total", Labels{
		"service":   m.service,
		"signal_id": signalID,
	}).Inc()
}

// EventDelivered records one successful subscription delivery for an
// emitted event.
func (m *EngineMetrics) EventDelivered(eventName string) {
	m.registry.Counter("engine_events_delivered_total", Labels{
		"service": m.service,
		"event":   eventName,
	}).Inc()
}

// EventDeliveryRetried records a retried subscription delivery attempt.
func (m *EngineMetrics) EventDeliveryRetried(eventName string) {
	m.registry.Counter("engine_events_delivery_retried_total", Labels{
		"service": m.service,
		"event":   eventName,
	}).Inc()
}

// EventDeadLettered records an event delivery that exhausted its retry
// budget and was routed to the dead-letter queue.
func (m *EngineMetrics) EventDeadLettered(eventName string) {
	m.registry.Counter("engine_events_dead_lettered_total", Labels{
		"service": m.service,
		"event":   eventName,
	}).Inc()
}

// DeadLetterQueueDepth records the current size of the dead-letter queue.
func (m *EngineMetrics) DeadLetterQueueDepth(depth int) {
	m.registry.Gauge("engine_dead_letter_queue_depth", Labels{
		"service": m.service,
	}).Set(float64(depth))
}

// --- Transaction Metrics ---

// TransactionCommitted records a committed transaction, including how
// many conflict retries it took.
func (m *EngineMetrics) TransactionCommitted(name string, attempts int32, duration time.Duration) {
	m.registry.Counter("engine_transactions_committed_total", Labels{
		"service":     m.service,
		"transaction": name,
	}).Inc()

	m.registry.Histogram("engine_transaction_attempts", Labels{
		"service":     m.service,
		"transaction": name,
	}, []float64{1, 2, 3, 5, 10, 25, 100}).Observe(float64(attempts))

	m.registry.Histogram("engine_transaction_duration_ms", Labels{
		"service":     m.service,
		"transaction": name,
	}, nil).ObserveDuration(duration)
}

// TransactionFailed records a transaction that failed without committing.
func (m *EngineMetrics) TransactionFailed(name, errorID string) {
	m.registry.Counter("engine_transactions_failed_total", Labels{
		"service":     m.service,
		"transaction": name,
		"error_id":    errorID,
	}).Inc()
}

// TransactionConflictRetried records one version-conflict retry.
func (m *EngineMetrics) TransactionConflictRetried(name string) {
	m.registry.Counter("engine_transaction_conflicts_total", Labels{
		"service":     m.service,
		"transaction": name,
	}).Inc()
}

// --- History Metrics ---

// HistoryEventAppended records an event appended to a workflow's history.
func (m *EngineMetrics) HistoryEventAppended(eventType string) {
	m.registry.Counter("engine_history_events_total", Labels{
		"service":    m.service,
		"event_type": eventType,
	}).Inc()
}

// HistorySize records the length of a workflow's history at completion.
func (m *EngineMetrics) HistorySize(eventCount int64) {
	m.registry.Histogram("engine_history_size_events", Labels{
		"service": m.service,
	}, []float64{10, 50, 100, 500, 1000, 5000, 10000}).Observe(float64(eventCount))
}
