// Package sqlite implements arbor.Store on pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required; suited to
// single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/ossian/arbor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements arbor.Store backed by a local SQLite file.
// Embeddings are stored as JSON text; vector search runs in-process
// using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ arbor.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS research_jobs (
			job_id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			depth INTEGER NOT NULL DEFAULT 0,
			max_sources INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			progress REAL NOT NULL DEFAULT 0,
			result TEXT,
			error_message TEXT,
			user_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS execution_batches (
			batch_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'running',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS micro_tasks (
			task_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			parameters TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			artifact_id TEXT,
			result_summary TEXT,
			error_log TEXT,
			priority INTEGER NOT NULL DEFAULT 10,
			resource_cost INTEGER NOT NULL DEFAULT 5,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			locked_until INTEGER,
			dependency_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_pool (
			item_id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'raw',
			artifact_id TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT,
			mime TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tool_registrations (
			tool_name TEXT PRIMARY KEY,
			server_name TEXT NOT NULL,
			description TEXT,
			schema TEXT,
			embedding TEXT,
			call_count INTEGER NOT NULL DEFAULT 0,
			avg_duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON micro_tasks(status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_batch ON micro_tasks(batch_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_pool ON data_pool(pool_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON research_jobs(user_id, created_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init complete")
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, job arbor.ResearchJob) error {
	now := time.Now().UnixMilli()
	created := job.CreatedAt.UnixMilli()
	if job.CreatedAt.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO research_jobs
		(job_id, query, depth, max_sources, status, progress, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.JobID, job.Query, job.Depth, job.MaxSources, string(job.Status), job.UserID, created, now)
	if err != nil {
		return fmt.Errorf("sqlite: create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (arbor.ResearchJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, query, depth, max_sources, status, progress,
		COALESCE(result, ''), COALESCE(error_message, ''), COALESCE(user_id, ''),
		created_at, updated_at, COALESCE(completed_at, 0)
		FROM research_jobs WHERE job_id = ?`, jobID)

	var job arbor.ResearchJob
	var status, result string
	var created, updated, completed int64
	err := row.Scan(&job.JobID, &job.Query, &job.Depth, &job.MaxSources, &status, &job.Progress,
		&result, &job.ErrorMessage, &job.UserID, &created, &updated, &completed)
	if err == sql.ErrNoRows {
		return arbor.ResearchJob{}, fmt.Errorf("sqlite: job %s not found", jobID)
	}
	if err != nil {
		return arbor.ResearchJob{}, fmt.Errorf("sqlite: get job: %w", err)
	}
	job.Status = arbor.JobStatus(status)
	if result != "" {
		job.Result = json.RawMessage(result)
	}
	job.CreatedAt = time.UnixMilli(created)
	job.UpdatedAt = time.UnixMilli(updated)
	if completed > 0 {
		job.CompletedAt = time.UnixMilli(completed)
	}
	return job, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, status arbor.JobStatus, progress float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE research_jobs SET status = ?, progress = ?, updated_at = ?
		WHERE job_id = ?`, string(status), progress, time.Now().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("sqlite: update job: %w", err)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `UPDATE research_jobs
		SET status = 'completed', progress = 1.0, result = ?, updated_at = ?, completed_at = ?
		WHERE job_id = ?`, string(result), now, now, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: complete job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID, errorMessage string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `UPDATE research_jobs
		SET status = 'failed', error_message = ?, updated_at = ?, completed_at = ?
		WHERE job_id = ?`, errorMessage, now, now, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: fail job: %w", err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]arbor.ResearchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, query, depth, max_sources, status, progress,
		COALESCE(error_message, ''), created_at, updated_at
		FROM research_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []arbor.ResearchJob
	for rows.Next() {
		var job arbor.ResearchJob
		var status string
		var created, updated int64
		if err := rows.Scan(&job.JobID, &job.Query, &job.Depth, &job.MaxSources, &status,
			&job.Progress, &job.ErrorMessage, &created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		job.Status = arbor.JobStatus(status)
		job.UserID = userID
		job.CreatedAt = time.UnixMilli(created)
		job.UpdatedAt = time.UnixMilli(updated)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- QueueStore ---

func (s *Store) CreateBatch(ctx context.Context, tasks []arbor.MicroTask) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("sqlite: empty batch")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin batch: %w", err)
	}
	defer tx.Rollback()

	batchID := arbor.NewID()
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `INSERT INTO execution_batches (batch_id, status, created_at, updated_at)
		VALUES (?, 'running', ?, ?)`, batchID, now, now); err != nil {
		return "", fmt.Errorf("sqlite: insert batch: %w", err)
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
		// Backdated stagger keeps same-priority tasks in input order while
		// leaving every task immediately claimable.
		if _, err := tx.ExecContext(ctx, `INSERT INTO micro_tasks
			(task_id, batch_id, tool_name, parameters, status, priority, resource_cost,
			 retry_count, max_retries, dependency_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?, 0, ?, ?, ?, ?)`,
			taskID, batchID, t.ToolName, params, priority, cost, maxRetries,
			nullable(t.DependencyID), now-int64(len(tasks))+int64(i), now); err != nil {
			return "", fmt.Errorf("sqlite: insert task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit batch: %w", err)
	}
	s.logger.Debug("sqlite: batch created", "batch_id", batchID, "tasks", len(tasks))
	return batchID, nil
}

func (s *Store) LeaseTasks(ctx context.Context, n int, ttl time.Duration) ([]arbor.MicroTask, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin lease: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	// Claimable: pending and unlocked, or processing with an expired lease
	// (crashed worker), with any dependency already done.
	rows, err := tx.QueryContext(ctx, `SELECT task_id, batch_id, tool_name, COALESCE(parameters, ''),
		priority, resource_cost, retry_count, max_retries, COALESCE(dependency_id, ''), created_at
		FROM micro_tasks t
		WHERE ((t.status = 'pending' AND (t.locked_until IS NULL OR t.locked_until <= ?))
		    OR (t.status = 'processing' AND t.locked_until <= ?))
		  AND (t.dependency_id IS NULL OR t.dependency_id = ''
		    OR EXISTS (SELECT 1 FROM micro_tasks d WHERE d.task_id = t.dependency_id AND d.status = 'done'))
		  AND t.created_at <= ?
		ORDER BY t.priority ASC, t.created_at ASC
		LIMIT ?`, now, now, now, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select claimable: %w", err)
	}

	var tasks []arbor.MicroTask
	for rows.Next() {
		var t arbor.MicroTask
		var params string
		var created int64
		if err := rows.Scan(&t.TaskID, &t.BatchID, &t.ToolName, &params, &t.Priority,
			&t.ResourceCost, &t.RetryCount, &t.MaxRetries, &t.DependencyID, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		if params != "" {
			t.Parameters = json.RawMessage(params)
		}
		t.Status = arbor.TaskProcessing
		t.CreatedAt = time.UnixMilli(created)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate claimable: %w", err)
	}

	lockedUntil := time.Now().Add(ttl).UnixMilli()
	for i := range tasks {
		if _, err := tx.ExecContext(ctx, `UPDATE micro_tasks
			SET status = 'processing', locked_until = ?, updated_at = ?
			WHERE task_id = ?`, lockedUntil, now, tasks[i].TaskID); err != nil {
			return nil, fmt.Errorf("sqlite: lock task: %w", err)
		}
		tasks[i].LockedUntil = time.UnixMilli(lockedUntil)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit lease: %w", err)
	}
	return tasks, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID, artifactID, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE micro_tasks
		SET status = 'done', artifact_id = ?, result_summary = ?, locked_until = NULL, updated_at = ?
		WHERE task_id = ?`, artifactID, summary, time.Now().UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("sqlite: complete task: %w", err)
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID, errorLog string, retry bool, backoff time.Duration) error {
	now := time.Now().UnixMilli()
	if retry {
		// Retry budget permitting, reset to pending with created_at pushed
		// into the future; the claim query skips it until the backoff lapses.
		res, err := s.db.ExecContext(ctx, `UPDATE micro_tasks
			SET status = 'pending', retry_count = retry_count + 1, error_log = ?,
			    locked_until = NULL, created_at = ?, updated_at = ?
			WHERE task_id = ? AND retry_count < max_retries`,
			errorLog, now+backoff.Milliseconds(), now, taskID)
		if err != nil {
			return fmt.Errorf("sqlite: retry task: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE micro_tasks
		SET status = 'error', error_log = ?, locked_until = NULL, updated_at = ?
		WHERE task_id = ?`, errorLog, now, taskID)
	if err != nil {
		return fmt.Errorf("sqlite: fail task: %w", err)
	}
	return nil
}

func (s *Store) SweepDependents(ctx context.Context, batchID string) (int, error) {
	now := time.Now().UnixMilli()
	total := 0
	// One pass skips direct dependents; looping until a fixed point covers
	// transitive chains.
	for {
		res, err := s.db.ExecContext(ctx, `UPDATE micro_tasks
			SET status = 'skipped', updated_at = ?
			WHERE batch_id = ? AND status = 'pending'
			  AND dependency_id IN (
				SELECT task_id FROM micro_tasks
				WHERE batch_id = ? AND status IN ('error', 'skipped'))`,
			now, batchID, batchID)
		if err != nil {
			return total, fmt.Errorf("sqlite: sweep dependents: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return total, nil
		}
		total += int(n)
	}
}

func (s *Store) BatchStatus(ctx context.Context, batchID string) (arbor.BatchCounts, arbor.BatchStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM execution_batches WHERE batch_id = ?`, batchID).Scan(&status)
	if err == sql.ErrNoRows {
		return arbor.BatchCounts{}, "", fmt.Errorf("sqlite: batch %s not found", batchID)
	}
	if err != nil {
		return arbor.BatchCounts{}, "", fmt.Errorf("sqlite: batch status: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM micro_tasks
		WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return arbor.BatchCounts{}, "", fmt.Errorf("sqlite: batch counts: %w", err)
	}
	defer rows.Close()

	var counts arbor.BatchCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return arbor.BatchCounts{}, "", fmt.Errorf("sqlite: scan counts: %w", err)
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
	res, err := s.db.ExecContext(ctx, `UPDATE execution_batches
		SET status = 'completed', updated_at = ?
		WHERE batch_id = ? AND status != 'completed'
		  AND NOT EXISTS (SELECT 1 FROM micro_tasks
			WHERE batch_id = ? AND status IN ('pending', 'processing'))`,
		time.Now().UnixMilli(), batchID, batchID)
	if err != nil {
		return false, fmt.Errorf("sqlite: settle batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM micro_tasks
		WHERE status = 'processing' AND locked_until > ?`, time.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count processing: %w", err)
	}
	return n, nil
}

// --- PoolStore ---

func (s *Store) AddPoolItems(ctx context.Context, items []arbor.PoolItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin pool insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, item := range items {
		itemID := item.ItemID
		if itemID == "" {
			itemID = arbor.NewID()
		}
		status := item.Status
		if status == "" {
			status = arbor.PoolRaw
		}
		meta := ""
		if len(item.Metadata) > 0 {
			meta = string(item.Metadata)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO data_pool
			(item_id, pool_id, status, artifact_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			itemID, item.PoolID, string(status), item.ArtifactID, meta, now, now); err != nil {
			return fmt.Errorf("sqlite: insert pool item: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdatePoolItem(ctx context.Context, itemID string, status arbor.PoolItemStatus, artifactID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE data_pool
		SET status = ?, artifact_id = ?, updated_at = ? WHERE item_id = ?`,
		string(status), artifactID, time.Now().UnixMilli(), itemID)
	if err != nil {
		return fmt.Errorf("sqlite: update pool item: %w", err)
	}
	return nil
}

func (s *Store) ListPoolItems(ctx context.Context, status arbor.PoolItemStatus, limit int) ([]arbor.PoolItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id, pool_id, status, artifact_id, metadata, created_at, updated_at
		FROM data_pool WHERE status = ? ORDER BY created_at LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pool items: %w", err)
	}
	defer rows.Close()

	var items []arbor.PoolItem
	for rows.Next() {
		var item arbor.PoolItem
		var st, meta string
		var created, updated int64
		if err := rows.Scan(&item.ItemID, &item.PoolID, &st, &item.ArtifactID, &meta, &created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan pool item: %w", err)
		}
		item.Status = arbor.PoolItemStatus(st)
		if meta != "" {
			item.Metadata = json.RawMessage(meta)
		}
		item.CreatedAt = time.UnixMilli(created)
		item.UpdatedAt = time.UnixMilli(updated)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) PoolStatus(ctx context.Context, poolID string) (arbor.PoolCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM data_pool
		WHERE pool_id = ? GROUP BY status`, poolID)
	if err != nil {
		return arbor.PoolCounts{}, fmt.Errorf("sqlite: pool status: %w", err)
	}
	defer rows.Close()

	var counts arbor.PoolCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return arbor.PoolCounts{}, fmt.Errorf("sqlite: scan pool counts: %w", err)
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

func (s *Store) StoreDocument(ctx context.Context, doc arbor.Document, chunks []arbor.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin document: %w", err)
	}
	defer tx.Rollback()

	created := doc.CreatedAt.UnixMilli()
	if doc.CreatedAt.IsZero() {
		created = time.Now().UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO documents (id, source, title, mime, created_at)
		VALUES (?, ?, ?, ?, ?)`, doc.ID, doc.Source, doc.Title, doc.MIME, created); err != nil {
		return fmt.Errorf("sqlite: insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("sqlite: clear chunks: %w", err)
	}
	for _, c := range chunks {
		emb, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("sqlite: marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks (id, document_id, chunk_index, content, embedding)
			VALUES (?, ?, ?, ?, ?)`, c.ID, doc.ID, c.Index, c.Content, string(emb)); err != nil {
			return fmt.Errorf("sqlite: insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]arbor.Chunk, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, chunk_index, content, COALESCE(embedding, '')
		FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load chunks: %w", err)
	}
	defer rows.Close()

	var scored []arbor.Chunk
	for rows.Next() {
		var c arbor.Chunk
		var emb string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &emb); err != nil {
			return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
		}
		if emb == "" {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(emb), &vec); err != nil {
			continue
		}
		c.Score = cosineSimilarity(embedding, vec)
		scored = append(scored, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// --- ToolStore ---

func (s *Store) SaveToolRegistrations(ctx context.Context, regs []arbor.ToolRegistration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin registrations: %w", err)
	}
	defer tx.Rollback()

	for _, reg := range regs {
		schema, err := json.Marshal(reg.Schema)
		if err != nil {
			return fmt.Errorf("sqlite: marshal schema: %w", err)
		}
		emb, err := json.Marshal(reg.Embedding)
		if err != nil {
			return fmt.Errorf("sqlite: marshal embedding: %w", err)
		}
		// Upsert preserves call statistics across re-ingests.
		if _, err := tx.ExecContext(ctx, `INSERT INTO tool_registrations
			(tool_name, server_name, description, schema, embedding, call_count, avg_duration_ms)
			VALUES (?, ?, ?, ?, ?, 0, 0)
			ON CONFLICT(tool_name) DO UPDATE SET
				server_name = excluded.server_name,
				description = excluded.description,
				schema = excluded.schema,
				embedding = excluded.embedding`,
			reg.ToolName, reg.ServerName, reg.Description, string(schema), string(emb)); err != nil {
			return fmt.Errorf("sqlite: upsert registration: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadToolRegistrations(ctx context.Context) ([]arbor.ToolRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, server_name, COALESCE(description, ''),
		COALESCE(schema, ''), COALESCE(embedding, ''), call_count, avg_duration_ms
		FROM tool_registrations`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load registrations: %w", err)
	}
	defer rows.Close()

	var regs []arbor.ToolRegistration
	for rows.Next() {
		var reg arbor.ToolRegistration
		var schema, emb string
		var avgMS int64
		if err := rows.Scan(&reg.ToolName, &reg.ServerName, &reg.Description,
			&schema, &emb, &reg.CallCount, &avgMS); err != nil {
			return nil, fmt.Errorf("sqlite: scan registration: %w", err)
		}
		if schema != "" {
			_ = json.Unmarshal([]byte(schema), &reg.Schema)
		}
		if emb != "" {
			_ = json.Unmarshal([]byte(emb), &reg.Embedding)
		}
		reg.AvgDuration = time.Duration(avgMS) * time.Millisecond
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (s *Store) RecordToolCall(ctx context.Context, toolName string, d time.Duration) error {
	// Moving average folded in SQL: new_avg = (avg*count + d) / (count+1).
	_, err := s.db.ExecContext(ctx, `UPDATE tool_registrations
		SET avg_duration_ms = (avg_duration_ms * call_count + ?) / (call_count + 1),
		    call_count = call_count + 1
		WHERE tool_name = ?`, d.Milliseconds(), toolName)
	if err != nil {
		return fmt.Errorf("sqlite: record tool call: %w", err)
	}
	return nil
}

// --- helpers ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
