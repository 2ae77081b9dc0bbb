package arbor

import (
	"context"
	"encoding/json"
	"time"
)

// JobStatus is a research job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ResearchJob is one persisted research request and its outcome.
type ResearchJob struct {
	JobID        string          `json:"job_id"`
	Query        string          `json:"query"`
	Depth        int             `json:"depth"`
	MaxSources   int             `json:"max_sources"`
	Status       JobStatus       `json:"status"`
	Progress     float64         `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
}

// BatchStatus is an execution batch's lifecycle state.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// ExecutionBatch groups micro-tasks executed asynchronously by workers.
type ExecutionBatch struct {
	BatchID   string      `json:"batch_id"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TaskStatus is a micro-task's queue state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskError      TaskStatus = "error"
	TaskSkipped    TaskStatus = "skipped"
)

// MicroTask is one persisted unit of tool work. Lower Priority runs first.
// A task is claimable only when pending, unlocked (or lease expired), and
// its dependency (if any) is done.
type MicroTask struct {
	TaskID        string          `json:"task_id"`
	BatchID       string          `json:"batch_id"`
	ToolName      string          `json:"tool_name"`
	Parameters    json.RawMessage `json:"parameters"`
	Status        TaskStatus      `json:"status"`
	ArtifactID    string          `json:"artifact_id,omitempty"`
	ResultSummary string          `json:"result_summary,omitempty"`
	ErrorLog      string          `json:"error_log,omitempty"`
	Priority      int             `json:"priority"`
	ResourceCost  int             `json:"resource_cost"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LockedUntil   time.Time       `json:"locked_until,omitempty"`
	DependencyID  string          `json:"dependency_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BatchCounts is the per-status task breakdown of one batch.
type BatchCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Error      int `json:"error"`
	Skipped    int `json:"skipped"`
}

// Total returns the batch's task count.
func (c BatchCounts) Total() int {
	return c.Pending + c.Processing + c.Done + c.Error + c.Skipped
}

// Settled reports whether no task is pending or in flight.
func (c BatchCounts) Settled() bool {
	return c.Pending == 0 && c.Processing == 0
}

// PoolItemStatus is a data-pool item's processing state.
type PoolItemStatus string

const (
	PoolRaw       PoolItemStatus = "raw"
	PoolProcessed PoolItemStatus = "processed"
	PoolFailed    PoolItemStatus = "failed"
)

// PoolItem is one collected artifact in a wide-fanout data pool.
type PoolItem struct {
	PoolID     string          `json:"pool_id"`
	ItemID     string          `json:"item_id"`
	Status     PoolItemStatus  `json:"status"`
	ArtifactID string          `json:"artifact_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PoolCounts aggregates a pool's items by status.
type PoolCounts struct {
	Raw       int `json:"raw"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// QueueStore is the persisted task queue: the only cross-process shared
// resource. Implementations resolve contention with row-level locks and
// SKIP LOCKED semantics; in-memory implementations back the tests.
type QueueStore interface {
	// CreateBatch inserts the batch row (running) and its task rows
	// (pending) in one transaction and returns the batch id.
	CreateBatch(ctx context.Context, tasks []MicroTask) (string, error)

	// LeaseTasks claims up to n eligible tasks: pending, unlocked or
	// lease-expired, dependency satisfied; ordered by priority then age.
	// Claimed tasks move to processing with locked_until = now + ttl.
	LeaseTasks(ctx context.Context, n int, ttl time.Duration) ([]MicroTask, error)

	// CompleteTask marks a task done with its artifact reference and a
	// truncated result summary.
	CompleteTask(ctx context.Context, taskID, artifactID, summary string) error

	// FailTask records a task failure. When retry is true and retry_count
	// is below max_retries, the task is reset to pending with retry_count
	// incremented and a backoff-shifted created_at; otherwise it stays
	// error. Permanent failures pass retry=false.
	FailTask(ctx context.Context, taskID, errorLog string, retry bool, backoff time.Duration) error

	// SweepDependents marks tasks transitively dependent on errored tasks
	// as skipped. Returns the number of tasks swept.
	SweepDependents(ctx context.Context, batchID string) (int, error)

	// BatchStatus returns the per-status counts and the batch's status.
	BatchStatus(ctx context.Context, batchID string) (BatchCounts, BatchStatus, error)

	// CompleteBatchIfDone flips the batch to completed when no pending or
	// processing tasks remain. Returns whether it flipped.
	CompleteBatchIfDone(ctx context.Context, batchID string) (bool, error)

	// CountProcessing returns the number of in-flight tasks across all
	// batches; the governor reads it as the active-agent approximation.
	CountProcessing(ctx context.Context) (int, error)
}

// JobStore persists research jobs across the request lifecycle.
type JobStore interface {
	CreateJob(ctx context.Context, job ResearchJob) error
	GetJob(ctx context.Context, jobID string) (ResearchJob, error)
	// UpdateJobProgress advances status and progress (0..1).
	UpdateJobProgress(ctx context.Context, jobID string, status JobStatus, progress float64) error
	// CompleteJob stores the final envelope and stamps completed_at.
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID, errorMessage string) error
	// ListJobs returns a user's jobs, newest first.
	ListJobs(ctx context.Context, userID string, limit int) ([]ResearchJob, error)
}

// PoolStore persists wide-fanout collection items.
type PoolStore interface {
	AddPoolItems(ctx context.Context, items []PoolItem) error
	UpdatePoolItem(ctx context.Context, itemID string, status PoolItemStatus, artifactID string) error
	// ListPoolItems returns up to limit items in the given status across
	// all pools, oldest first. The background processor drains raw items
	// through it.
	ListPoolItems(ctx context.Context, status PoolItemStatus, limit int) ([]PoolItem, error)
	// PoolStatus aggregates one pool's items by status.
	PoolStatus(ctx context.Context, poolID string) (PoolCounts, error)
}

// Document is an ingested source document.
type Document struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"` // URL or file path
	Title     string    `json:"title,omitempty"`
	MIME      string    `json:"mime,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is one embeddable slice of a document. Score is populated on
// search results only.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	Score      float64   `json:"score,omitempty"`
}

// ChunkStore persists document chunks with vector search.
type ChunkStore interface {
	StoreDocument(ctx context.Context, doc Document, chunks []Chunk) error
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]Chunk, error)
}

// ToolRegistration is one tool's persisted registry entry.
type ToolRegistration struct {
	ToolName    string        `json:"tool_name"`
	ServerName  string        `json:"server_name"`
	Description string        `json:"description,omitempty"`
	Schema      ToolSchema    `json:"schema"`
	Embedding   []float32     `json:"-"`
	CallCount   int64         `json:"call_count"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// ToolStore persists tool registrations so the semantic index survives
// restarts without re-spawning every server.
type ToolStore interface {
	SaveToolRegistrations(ctx context.Context, regs []ToolRegistration) error
	LoadToolRegistrations(ctx context.Context) ([]ToolRegistration, error)
	// RecordToolCall updates call_count and the duration moving average.
	RecordToolCall(ctx context.Context, toolName string, d time.Duration) error
}

// Store is the full persistence surface the engine initializes at startup.
// The store/postgres and store/sqlite packages provide implementations.
type Store interface {
	QueueStore
	JobStore
	PoolStore
	ChunkStore
	ToolStore

	// Init creates schemas idempotently.
	Init(ctx context.Context) error
	Close() error
}
