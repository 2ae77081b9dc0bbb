package arbor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DispatcherConfig bounds the background task workers.
type DispatcherConfig struct {
	// Workers is the baseline concurrent task count (default 4). While
	// the governor is degraded, one worker runs.
	Workers int
	// LeaseTTL is how long a claimed task stays locked before a crashed
	// worker's lease expires (default 2m).
	LeaseTTL time.Duration
	// Tick paces the lease poll (default 500ms).
	Tick time.Duration
	// TaskTimeout bounds one tool execution (default 60s).
	TaskTimeout time.Duration
	// Retry paces failed-task backoff.
	Retry RetryPolicy
	// SummaryLimit truncates stored result summaries (default 500 runes).
	SummaryLimit int
}

// DefaultDispatcherConfig returns the shipped bounds.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:      4,
		LeaseTTL:     2 * time.Minute,
		Tick:         500 * time.Millisecond,
		TaskTimeout:  60 * time.Second,
		Retry:        DefaultRetryPolicy(),
		SummaryLimit: 500,
	}
}

// PoolProcessor turns one raw pool item's artifact bytes into durable
// knowledge. The shipped implementation extracts, chunks, embeds, and
// stores the content for later retrieval.
type PoolProcessor interface {
	ProcessPoolItem(ctx context.Context, item PoolItem, data []byte) error
}

// Dispatcher drains the persisted task queue: it leases eligible
// micro-tasks under the governor's spawn budget, executes them through
// the session registry, and settles batches. Multiple dispatcher
// processes may run against the same queue; the lease protocol keeps
// each task owned by exactly one worker.
type Dispatcher struct {
	queue    QueueStore
	registry SessionRegistry
	governor *Governor
	cfg      DispatcherConfig
	sink     ArtifactSink
	pools    PoolStore
	proc     PoolProcessor
	tracer   Tracer
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatcherTracer enables span emission per task.
func DispatcherTracer(t Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// DispatcherLogger sets the structured logger.
func DispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// DispatcherArtifacts stores each task's full output in the sink under
// its artifact id; rows keep only the truncated summary.
func DispatcherArtifacts(s ArtifactSink) DispatcherOption {
	return func(d *Dispatcher) { d.sink = s }
}

// DispatcherPools enables wide-fanout collection: every completed task's
// output joins its batch's data pool as a raw item, and proc ingests raw
// items in the background. Requires DispatcherArtifacts; pool items hold
// only artifact references. proc may be nil (items accumulate raw).
func DispatcherPools(ps PoolStore, proc PoolProcessor) DispatcherOption {
	return func(d *Dispatcher) { d.pools = ps; d.proc = proc }
}

// NewDispatcher creates a dispatcher. governor may be nil (no gating).
func NewDispatcher(queue QueueStore, registry SessionRegistry, governor *Governor, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = 500
	}
	d := &Dispatcher{queue: queue, registry: registry, governor: governor, cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// CreateBatch admits a new batch unless the governor is degraded.
func (d *Dispatcher) CreateBatch(ctx context.Context, tasks []MicroTask) (string, error) {
	if d.governor != nil && !d.governor.AdmitBatches() {
		return "", Tagf(KindResource, "batch admission suspended: system degraded")
	}
	return d.queue.CreateBatch(ctx, tasks)
}

// BatchStatus returns the batch's per-status counts and overall status.
func (d *Dispatcher) BatchStatus(ctx context.Context, batchID string) (BatchCounts, BatchStatus, error) {
	return d.queue.BatchStatus(ctx, batchID)
}

// PoolStatus aggregates a data pool's items by status.
func (d *Dispatcher) PoolStatus(ctx context.Context, poolID string) (PoolCounts, error) {
	if d.pools == nil {
		return PoolCounts{}, Tagf(KindPermanent, "no pool store configured")
	}
	return d.pools.PoolStatus(ctx, poolID)
}

// Start begins the worker loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	for {
		d.tick(ctx)
		d.drainPool(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.Tick):
		}
	}
}

// tick leases up to the current capacity and runs each task on its own
// goroutine, then settles the touched batches.
func (d *Dispatcher) tick(ctx context.Context) {
	capacity := d.cfg.Workers
	if d.governor != nil {
		if d.governor.Degraded() {
			capacity = 1
		}
		for capacity > 0 && !d.governor.CanSpawnAgents(capacity) {
			capacity--
		}
		if capacity == 0 {
			return
		}
	}

	tasks, err := d.queue.LeaseTasks(ctx, capacity, d.cfg.LeaseTTL)
	if err != nil {
		d.logger.Error("task lease failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	var wg sync.WaitGroup
	batches := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		batches[t.BatchID] = true
		wg.Add(1)
		go func(t MicroTask) {
			defer wg.Done()
			d.run(ctx, t)
		}(t)
	}
	wg.Wait()

	for batchID := range batches {
		d.settle(ctx, batchID)
	}
}

// run executes one leased task through the registry and settles its row.
func (d *Dispatcher) run(ctx context.Context, t MicroTask) {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	var span Span
	if d.tracer != nil {
		taskCtx, span = d.tracer.Start(taskCtx, "dispatcher.task",
			StringAttr("task.id", t.TaskID),
			StringAttr("task.tool", t.ToolName),
			IntAttr("task.retry", t.RetryCount))
		defer span.End()
	}

	out, err := d.execute(taskCtx, t)
	if err != nil {
		kind := Classify(err)
		retry := kind.Retryable()
		backoff := d.cfg.Retry.Delay(t.RetryCount, kind)
		d.logger.Warn("task failed", "task_id", t.TaskID, "tool", t.ToolName,
			"kind", kind.String(), "retry", retry, "error", err)
		if span != nil {
			span.Error(err)
		}
		if ferr := d.queue.FailTask(ctx, t.TaskID, err.Error(), retry, backoff); ferr != nil {
			d.logger.Error("task fail-update lost", "task_id", t.TaskID, "error", ferr)
		}
		return
	}

	artifactID := NewID()
	if d.sink != nil {
		if serr := d.sink.Put(ctx, artifactID, []byte(out)); serr != nil {
			d.logger.Warn("artifact store failed, row keeps summary only",
				"task_id", t.TaskID, "artifact_id", artifactID, "error", serr)
		}
	}
	summary := truncateStr(out, d.cfg.SummaryLimit)
	if cerr := d.queue.CompleteTask(ctx, t.TaskID, artifactID, summary); cerr != nil {
		d.logger.Error("task complete-update lost", "task_id", t.TaskID, "error", cerr)
		return
	}
	if d.pools != nil && d.sink != nil {
		meta, _ := json.Marshal(map[string]string{"tool": t.ToolName, "task_id": t.TaskID})
		item := PoolItem{PoolID: t.BatchID, ItemID: NewID(), Status: PoolRaw, ArtifactID: artifactID, Metadata: meta}
		if perr := d.pools.AddPoolItems(ctx, []PoolItem{item}); perr != nil {
			d.logger.Warn("pool item not recorded", "task_id", t.TaskID, "error", perr)
		}
	}
	d.logger.Info("task done", "task_id", t.TaskID, "tool", t.ToolName, "duration", time.Since(start))
}

// drainPool ingests a bounded slice of raw pool items. Item failures mark
// the item failed and move on; a broken item never wedges the pool.
func (d *Dispatcher) drainPool(ctx context.Context) {
	if d.pools == nil || d.proc == nil || d.sink == nil {
		return
	}
	items, err := d.pools.ListPoolItems(ctx, PoolRaw, d.cfg.Workers)
	if err != nil {
		d.logger.Error("pool list failed", "error", err)
		return
	}
	for _, item := range items {
		status := PoolProcessed
		data, gerr := d.sink.Get(ctx, item.ArtifactID)
		if gerr != nil {
			d.logger.Warn("pool item artifact unreadable", "item_id", item.ItemID, "error", gerr)
			status = PoolFailed
		} else if perr := d.proc.ProcessPoolItem(ctx, item, data); perr != nil {
			d.logger.Warn("pool item ingest failed", "item_id", item.ItemID, "error", perr)
			status = PoolFailed
		}
		if uerr := d.pools.UpdatePoolItem(ctx, item.ItemID, status, item.ArtifactID); uerr != nil {
			d.logger.Error("pool item update lost", "item_id", item.ItemID, "error", uerr)
		}
	}
}

// execute resolves and calls the task's tool.
func (d *Dispatcher) execute(ctx context.Context, t MicroTask) (string, error) {
	info, ok := d.registry.Lookup(t.ToolName)
	if !ok {
		return "", Tagf(KindPermanent, "unknown tool %q", t.ToolName)
	}
	var args map[string]any
	if len(t.Parameters) > 0 {
		if err := json.Unmarshal(t.Parameters, &args); err != nil {
			return "", Tag(KindPermanent, &ValidationError{Subject: t.TaskID, Detail: "malformed parameters: " + err.Error()})
		}
	}
	return d.registry.Execute(ctx, info.Server, t.ToolName, args)
}

// settle cascades skips from errored tasks and closes the batch when
// nothing is left pending or in flight.
func (d *Dispatcher) settle(ctx context.Context, batchID string) {
	if n, err := d.queue.SweepDependents(ctx, batchID); err != nil {
		d.logger.Error("dependent sweep failed", "batch_id", batchID, "error", err)
	} else if n > 0 {
		d.logger.Info("dependents skipped", "batch_id", batchID, "count", n)
	}
	if done, err := d.queue.CompleteBatchIfDone(ctx, batchID); err != nil {
		d.logger.Error("batch settle failed", "batch_id", batchID, "error", err)
	} else if done {
		d.logger.Info("batch completed", "batch_id", batchID)
	}
}
