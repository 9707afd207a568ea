// Package backend defines the contract between the orchestrator and the
// three AI model families: family identities, credential checks performed
// before a worker slot spawns, and the Executor interface adapters implement.
// The bundled CommandExecutor delegates to external adapter processes, which
// is where the actual model integrations live.
package backend
