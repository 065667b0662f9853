// Package integration runs the publish command end to end against in-process source and
// target APIs, covering initial loads, incremental runs with deletes, item failures and
// what-if runs.
package integration
