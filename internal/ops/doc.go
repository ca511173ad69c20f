// Package ops runs the nameserver's asynchronous operations.
//
// Every accepted command becomes an Op with a strictly increasing id. Ops
// that target the same partition (or the same table, for table-level ops)
// run one at a time in id order; ops on different targets run concurrently
// on a bounded worker pool. Executors do their remote work through
// Run.Step, which bounds each attempt with a timeout and retries transient
// failures with exponential backoff.
package ops
