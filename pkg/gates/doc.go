// Package gates runs the EXECUTE-review quality pipeline: Tests, Coverage,
// Lint, Types, Security and Build. Each gate invokes its configured tool in
// the task workspace, persists a JSON result and reports pass/fail. Strict
// mode fails on missing tools or configs rather than silently passing, tool
// paths are resolved once against a sanitized PATH, and reported coverage
// values are validated as plain decimals in [0, 100] before comparison.
package gates
