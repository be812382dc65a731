// Package remote implements the agent-to-agent wire contract: the task
// dispatch protocol types, the Connection client encapsulating all network
// interaction with one remote agent (send, status, cancel, health, pending
// task bookkeeping, retry policy) and a reference Server for the remote
// side of the protocol used by tests and examples.
//
// A Connection never surfaces transport errors to its caller: a failed
// dispatch yields a task in state failed with diagnostic metadata, and
// status/cancel probes yield nil. This keeps the orchestration layer free of
// transport-level error handling.
package remote
