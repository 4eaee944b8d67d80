// Package dispatch runs a domain list through isolated workers.
//
// A Dispatcher admits tasks in input order under a per-run concurrency
// limit, hands each one to a worker.Manager and writes exactly one record per
// task to the store before releasing its slot. Per-domain failures are
// recorded and never stop the run; only a FatalError (source unreadable,
// store unusable) aborts it. Task transitions are reported to an Observer and
// worker log lines are persisted and fanned out through a LogBroker.
package dispatch
