// Package arbor is the hierarchical cognitive kernel of an autonomous
// research engine. A natural-language query is classified, routed into a
// tree of kernel cells (ceo -> vp -> director -> manager -> staff),
// decomposed into a typed workflow DAG of tool, code, and LLM nodes,
// executed with bounded token/time budgets, and synthesized into a
// structured envelope.
//
// The package is organized around five cooperating components:
//
//   - Classifier: tags queries and decides whether the kernel runs at all.
//   - KernelCell: the recursive executor unit. Owns a budget ledger and a
//     mailbox on the cell bus; spawns children of strictly lower role and
//     reallocates budget between them as they finish.
//   - DAG executor + microplanner: parses blueprints into typed nodes, runs
//     ready nodes under a dynamic parallelism ceiling, and after every node
//     asks the microplanner whether to continue, expand, replan, or stop.
//   - Session registry (package mcp): discovers tool servers on disk, spawns
//     them on demand over line-delimited JSON-RPC, indexes their schemas for
//     semantic search, and stops idle servers.
//   - Dispatcher + governor: a database-backed batch/task queue with lease
//     semantics, gated by system health.
//
// Persistence backends live under store/, the OpenTelemetry integration
// under observer/, LLM providers under provider/, and content extraction
// for the data pool under ingest/.
package arbor
