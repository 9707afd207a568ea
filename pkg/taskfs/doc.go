// Package taskfs manages the on-disk task-file tree that mirrors queue state:
// queue/, running/ (with per-task lock directories), approved/, rejected/,
// failed/, completed/ and history/. Moves are rename-based for atomicity, and
// pending-sync markers record filesystem transitions whose database write
// failed so the recovery reconciler can replay them.
package taskfs
