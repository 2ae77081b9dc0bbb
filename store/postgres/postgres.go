// Package postgres implements arbor.Store using PostgreSQL: the task
// queue on row-level locks with FOR UPDATE SKIP LOCKED, and chunk search
// on pgvector with HNSW indexes.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ossian/arbor"
)

// Store implements arbor.Store backed by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

var _ arbor.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Pool exposes the underlying pool; the governor samples its Stat().
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS research_jobs (
			job_id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			depth INT NOT NULL DEFAULT 0,
			max_sources INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			progress REAL NOT NULL DEFAULT 0,
			result JSONB,
			error_message TEXT,
			user_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS research_jobs_user_idx ON research_jobs(user_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS execution_batches (
			batch_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'running',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS micro_tasks (
			task_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL REFERENCES execution_batches(batch_id),
			tool_name TEXT NOT NULL,
			parameters JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			artifact_id TEXT,
			result_summary TEXT,
			error_log TEXT,
			priority INT NOT NULL DEFAULT 10,
			resource_cost INT NOT NULL DEFAULT 5,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			locked_until TIMESTAMPTZ,
			dependency_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS micro_tasks_claim_idx ON micro_tasks(status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS micro_tasks_batch_idx ON micro_tasks(batch_id, status)`,

		`CREATE TABLE IF NOT EXISTS data_pool (
			item_id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'raw',
			artifact_id TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS data_pool_pool_idx ON data_pool(pool_id)`,
		`CREATE INDEX IF NOT EXISTS data_pool_status_idx ON data_pool(pool_id, status)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			mime TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding %s
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks(document_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tool_registrations (
			tool_name TEXT PRIMARY KEY,
			server_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			schema JSONB,
			embedding %s,
			call_count BIGINT NOT NULL DEFAULT 0,
			avg_duration_ms BIGINT NOT NULL DEFAULT 0
		)`, vtype),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is caller-owned.
func (s *Store) Close() error { return nil }

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, job arbor.ResearchJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_jobs (job_id, query, depth, max_sources, status, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.JobID, job.Query, job.Depth, job.MaxSources, string(job.Status), job.UserID)
	if err != nil {
		return fmt.Errorf("postgres: create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (arbor.ResearchJob, error) {
	var job arbor.ResearchJob
	var status string
	var result, errMsg, userID *string
	var completedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, query, depth, max_sources, status, progress, result::text,
		        error_message, user_id, created_at, updated_at, completed_at
		 FROM research_jobs WHERE job_id = $1`, jobID).
		Scan(&job.JobID, &job.Query, &job.Depth, &job.MaxSources, &status, &job.Progress,
			&result, &errMsg, &userID, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err == pgx.ErrNoRows {
		return arbor.ResearchJob{}, fmt.Errorf("postgres: job %s not found", jobID)
	}
	if err != nil {
		return arbor.ResearchJob{}, fmt.Errorf("postgres: get job: %w", err)
	}
	job.Status = arbor.JobStatus(status)
	if result != nil {
		job.Result = json.RawMessage(*result)
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if userID != nil {
		job.UserID = *userID
	}
	if completedAt != nil {
		job.CompletedAt = *completedAt
	}
	return job, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, status arbor.JobStatus, progress float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE research_jobs SET status = $1, progress = $2, updated_at = now() WHERE job_id = $3`,
		string(status), progress, jobID)
	if err != nil {
		return fmt.Errorf("postgres: update job: %w", err)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET status = 'completed', progress = 1.0, result = $1::jsonb,
		     updated_at = now(), completed_at = now()
		 WHERE job_id = $2`, string(result), jobID)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID, errorMessage string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET status = 'failed', error_message = $1, updated_at = now(), completed_at = now()
		 WHERE job_id = $2`, errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]arbor.ResearchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, query, depth, max_sources, status, progress,
		        COALESCE(error_message, ''), created_at, updated_at
		 FROM research_jobs WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []arbor.ResearchJob
	for rows.Next() {
		var job arbor.ResearchJob
		var status string
		if err := rows.Scan(&job.JobID, &job.Query, &job.Depth, &job.MaxSources, &status,
			&job.Progress, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		job.Status = arbor.JobStatus(status)
		job.UserID = userID
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- QueueStore ---

func (s *Store) CreateBatch(ctx context.Context, tasks []arbor.MicroTask) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("postgres: empty batch")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batchID := arbor.NewID()
	if _, err := tx.Exec(ctx,
		`INSERT INTO execution_batches (batch_id, status) VALUES ($1, 'running')`, batchID); err != nil {
		return "", fmt.Errorf("postgres: insert batch: %w", err)
	}

	for i, t := range tasks {
		taskID := t.TaskID
		if taskID == "" {
			taskID = arbor.NewID()
		}
		priority := t.Priority
		if priority == 0 {
			priority = 10
		}
		cost := t.ResourceCost
		if cost == 0 {
			cost = 5
		}
		maxRetries := t.MaxRetries
		if maxRetries == 0 {
			maxRetries = 3
		}
		params := "{}"
		if len(t.Parameters) > 0 {
			params = string(t.Parameters)
		}
		var dep *string
		if t.DependencyID != "" {
			dep = &t.DependencyID
		}
		// Backdated microsecond stagger keeps same-priority tasks in input
		// order under the (priority, created_at) claim ordering.
		if _, err := tx.Exec(ctx,
			`INSERT INTO micro_tasks
			 (task_id, batch_id, tool_name, parameters, priority, resource_cost,
			  max_retries, dependency_id, created_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8,
			         now() - make_interval(secs => ($9 - $10) * 0.000001))`,
			taskID, batchID, t.ToolName, params, priority, cost, maxRetries, dep,
			len(tasks), i); err != nil {
			return "", fmt.Errorf("postgres: insert task: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit batch: %w", err)
	}
	return batchID, nil
}

// LeaseTasks claims up to n eligible tasks under FOR UPDATE SKIP LOCKED:
// concurrent dispatchers skip rows another transaction holds, so each
// task lands on exactly one worker.
func (s *Store) LeaseTasks(ctx context.Context, n int, ttl time.Duration) ([]arbor.MicroTask, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin lease: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT task_id, batch_id, tool_name, COALESCE(parameters::text, ''),
		        priority, resource_cost, retry_count, max_retries,
		        COALESCE(dependency_id, ''), created_at
		 FROM micro_tasks t
		 WHERE ((t.status = 'pending' AND (t.locked_until IS NULL OR t.locked_until <= now()))
		     OR (t.status = 'processing' AND t.locked_until <= now()))
		   AND (t.dependency_id IS NULL
		     OR EXISTS (SELECT 1 FROM micro_tasks d
		                WHERE d.task_id = t.dependency_id AND d.status = 'done'))
		   AND t.created_at <= now()
		 ORDER BY t.priority ASC, t.created_at ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: select claimable: %w", err)
	}

	var tasks []arbor.MicroTask
	for rows.Next() {
		var t arbor.MicroTask
		var params string
		if err := rows.Scan(&t.TaskID, &t.BatchID, &t.ToolName, &params, &t.Priority,
			&t.ResourceCost, &t.RetryCount, &t.MaxRetries, &t.DependencyID, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		if params != "" {
			t.Parameters = json.RawMessage(params)
		}
		t.Status = arbor.TaskProcessing
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate claimable: %w", err)
	}

	lockedUntil := time.Now().Add(ttl)
	for i := range tasks {
		if _, err := tx.Exec(ctx,
			`UPDATE micro_tasks
			 SET status = 'processing', locked_until = $1, updated_at = now()
			 WHERE task_id = $2`, lockedUntil, tasks[i].TaskID); err != nil {
			return nil, fmt.Errorf("postgres: lock task: %w", err)
		}
		tasks[i].LockedUntil = lockedUntil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit lease: %w", err)
	}
	return tasks, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID, artifactID, summary string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE micro_tasks
		 SET status = 'done', artifact_id = $1, result_summary = $2,
		     locked_until = NULL, updated_at = now()
		 WHERE task_id = $3`, artifactID, summary, taskID)
	if err != nil {
		return fmt.Errorf("postgres: complete task: %w", err)
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID, errorLog string, retry bool, backoff time.Duration) error {
	if retry {
		// Retry budget permitting, reset to pending with created_at pushed
		// past now; the claim query skips it until the backoff lapses.
		tag, err := s.pool.Exec(ctx,
			`UPDATE micro_tasks
			 SET status = 'pending', retry_count = retry_count + 1, error_log = $1,
			     locked_until = NULL, created_at = now() + $2::interval, updated_at = now()
			 WHERE task_id = $3 AND retry_count < max_retries`,
			errorLog, backoff.String(), taskID)
		if err != nil {
			return fmt.Errorf("postgres: retry task: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE micro_tasks
		 SET status = 'error', error_log = $1, locked_until = NULL, updated_at = now()
		 WHERE task_id = $2`, errorLog, taskID)
	if err != nil {
		return fmt.Errorf("postgres: fail task: %w", err)
	}
	return nil
}

// SweepDependents skips tasks transitively dependent on errored tasks
// using a recursive CTE over the dependency chain.
func (s *Store) SweepDependents(ctx context.Context, batchID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH RECURSIVE doomed AS (
			SELECT task_id FROM micro_tasks
			WHERE batch_id = $1 AND status IN ('error', 'skipped')
			UNION
			SELECT t.task_id FROM micro_tasks t
			JOIN doomed d ON t.dependency_id = d.task_id
			WHERE t.batch_id = $1
		 )
		 UPDATE micro_tasks
		 SET status = 'skipped', updated_at = now()
		 WHERE batch_id = $1 AND status = 'pending'
		   AND task_id IN (SELECT task_id FROM doomed)`, batchID)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep dependents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) BatchStatus(ctx context.Context, batchID string) (arbor.BatchCounts, arbor.BatchStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM execution_batches WHERE batch_id = $1`, batchID).Scan(&status)
	if err == pgx.ErrNoRows {
		return arbor.BatchCounts{}, "", fmt.Errorf("postgres: batch %s not found", batchID)
	}
	if err != nil {
		return arbor.BatchCounts{}, "", fmt.Errorf("postgres: batch status: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM micro_tasks WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return arbor.BatchCounts{}, "", fmt.Errorf("postgres: batch counts: %w", err)
	}
	defer rows.Close()

	var counts arbor.BatchCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return arbor.BatchCounts{}, "", fmt.Errorf("postgres: scan counts: %w", err)
		}
		switch arbor.TaskStatus(st) {
		case arbor.TaskPending:
			counts.Pending = n
		case arbor.TaskProcessing:
			counts.Processing = n
		case arbor.TaskDone:
			counts.Done = n
		case arbor.TaskError:
			counts.Error = n
		case arbor.TaskSkipped:
			counts.Skipped = n
		}
	}
	return counts, arbor.BatchStatus(status), rows.Err()
}

func (s *Store) CompleteBatchIfDone(ctx context.Context, batchID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE execution_batches
		 SET status = 'completed', updated_at = now()
		 WHERE batch_id = $1 AND status != 'completed'
		   AND NOT EXISTS (SELECT 1 FROM micro_tasks
			WHERE batch_id = $1 AND status IN ('pending', 'processing'))`, batchID)
	if err != nil {
		return false, fmt.Errorf("postgres: settle batch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM micro_tasks WHERE status = 'processing' AND locked_until > now()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count processing: %w", err)
	}
	return n, nil
}

// --- PoolStore ---

func (s *Store) AddPoolItems(ctx context.Context, items []arbor.PoolItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin pool insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, item := range items {
		itemID := item.ItemID
		if itemID == "" {
			itemID = arbor.NewID()
		}
		status := item.Status
		if status == "" {
			status = arbor.PoolRaw
		}
		var meta *string
		if len(item.Metadata) > 0 {
			v := string(item.Metadata)
			meta = &v
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO data_pool (item_id, pool_id, status, artifact_id, metadata)
			 VALUES ($1, $2, $3, $4, $5::jsonb)`,
			itemID, item.PoolID, string(status), item.ArtifactID, meta); err != nil {
			return fmt.Errorf("postgres: insert pool item: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdatePoolItem(ctx context.Context, itemID string, status arbor.PoolItemStatus, artifactID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE data_pool SET status = $1, artifact_id = $2, updated_at = now() WHERE item_id = $3`,
		string(status), artifactID, itemID)
	if err != nil {
		return fmt.Errorf("postgres: update pool item: %w", err)
	}
	return nil
}

func (s *Store) ListPoolItems(ctx context.Context, status arbor.PoolItemStatus, limit int) ([]arbor.PoolItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, pool_id, status, COALESCE(artifact_id, ''), metadata, created_at, updated_at
		 FROM data_pool WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pool items: %w", err)
	}
	defer rows.Close()

	var items []arbor.PoolItem
	for rows.Next() {
		var item arbor.PoolItem
		var st string
		var meta *string
		if err := rows.Scan(&item.ItemID, &item.PoolID, &st, &item.ArtifactID, &meta, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pool item: %w", err)
		}
		item.Status = arbor.PoolItemStatus(st)
		if meta != nil {
			item.Metadata = json.RawMessage(*meta)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) PoolStatus(ctx context.Context, poolID string) (arbor.PoolCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM data_pool WHERE pool_id = $1 GROUP BY status`, poolID)
	if err != nil {
		return arbor.PoolCounts{}, fmt.Errorf("postgres: pool status: %w", err)
	}
	defer rows.Close()

	var counts arbor.PoolCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return arbor.PoolCounts{}, fmt.Errorf("postgres: scan pool counts: %w", err)
		}
		switch arbor.PoolItemStatus(st) {
		case arbor.PoolRaw:
			counts.Raw = n
		case arbor.PoolProcessed:
			counts.Processed = n
		case arbor.PoolFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// --- ChunkStore ---

// StoreDocument inserts a document and all its chunks in a single transaction.
func (s *Store) StoreDocument(ctx context.Context, doc arbor.Document, chunks []arbor.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, source, title, mime)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   source = EXCLUDED.source,
		   title = EXCLUDED.title,
		   mime = EXCLUDED.mime`,
		doc.ID, doc.Source, doc.Title, doc.MIME)
	if err != nil {
		return fmt.Errorf("postgres: insert document: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("postgres: clear chunks: %w", err)
	}

	for _, chunk := range chunks {
		if len(chunk.Embedding) > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, chunk_index, content, embedding)
				 VALUES ($1, $2, $3, $4, $5::vector)`,
				chunk.ID, doc.ID, chunk.Index, chunk.Content, serializeEmbedding(chunk.Embedding))
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, chunk_index, content, embedding)
				 VALUES ($1, $2, $3, $4, NULL)`,
				chunk.ID, doc.ID, chunk.Index, chunk.Content)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert chunk: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// SearchChunks performs vector similarity search over document chunks
// using pgvector cosine distance.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]arbor.Chunk, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, chunk_index, content,
		        1 - (embedding <=> $1::vector) AS score
		 FROM chunks
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		serializeEmbedding(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks: %w", err)
	}
	defer rows.Close()

	var results []arbor.Chunk
	for rows.Next() {
		var c arbor.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- ToolStore ---

func (s *Store) SaveToolRegistrations(ctx context.Context, regs []arbor.ToolRegistration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin registrations: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, reg := range regs {
		schema, err := json.Marshal(reg.Schema)
		if err != nil {
			return fmt.Errorf("postgres: marshal schema: %w", err)
		}
		// Upsert preserves call statistics across re-ingests.
		if len(reg.Embedding) > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO tool_registrations (tool_name, server_name, description, schema, embedding)
				 VALUES ($1, $2, $3, $4::jsonb, $5::vector)
				 ON CONFLICT (tool_name) DO UPDATE SET
				   server_name = EXCLUDED.server_name,
				   description = EXCLUDED.description,
				   schema = EXCLUDED.schema,
				   embedding = EXCLUDED.embedding`,
				reg.ToolName, reg.ServerName, reg.Description, string(schema), serializeEmbedding(reg.Embedding))
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO tool_registrations (tool_name, server_name, description, schema)
				 VALUES ($1, $2, $3, $4::jsonb)
				 ON CONFLICT (tool_name) DO UPDATE SET
				   server_name = EXCLUDED.server_name,
				   description = EXCLUDED.description,
				   schema = EXCLUDED.schema`,
				reg.ToolName, reg.ServerName, reg.Description, string(schema))
		}
		if err != nil {
			return fmt.Errorf("postgres: upsert registration: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadToolRegistrations(ctx context.Context) ([]arbor.ToolRegistration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool_name, server_name, description, COALESCE(schema::text, ''),
		        COALESCE(embedding::text, ''), call_count, avg_duration_ms
		 FROM tool_registrations`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load registrations: %w", err)
	}
	defer rows.Close()

	var regs []arbor.ToolRegistration
	for rows.Next() {
		var reg arbor.ToolRegistration
		var schema, emb string
		var avgMS int64
		if err := rows.Scan(&reg.ToolName, &reg.ServerName, &reg.Description,
			&schema, &emb, &reg.CallCount, &avgMS); err != nil {
			return nil, fmt.Errorf("postgres: scan registration: %w", err)
		}
		if schema != "" {
			_ = json.Unmarshal([]byte(schema), &reg.Schema)
		}
		if emb != "" {
			reg.Embedding = parseEmbedding(emb)
		}
		reg.AvgDuration = time.Duration(avgMS) * time.Millisecond
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (s *Store) RecordToolCall(ctx context.Context, toolName string, d time.Duration) error {
	// Moving average folded in SQL: new_avg = (avg*count + d) / (count+1).
	_, err := s.pool.Exec(ctx,
		`UPDATE tool_registrations
		 SET avg_duration_ms = (avg_duration_ms * call_count + $1) / (call_count + 1),
		     call_count = call_count + 1
		 WHERE tool_name = $2`, d.Milliseconds(), toolName)
	if err != nil {
		return fmt.Errorf("postgres: record tool call: %w", err)
	}
	return nil
}

// --- helpers ---

// serializeEmbedding renders a vector in pgvector's text format: [1,2,3].
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseEmbedding reads pgvector's text format back into a []float32.
func parseEmbedding(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		vec = append(vec, float32(f))
	}
	return vec
}
