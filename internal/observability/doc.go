// Package observability provides structured logging for the LLM gateway.
//
// Loggers are zap-based. A per-request correlation id travels in the
// context and is attached to every line logged through LoggerFrom, so a
// single routed call (attempts, retries, failovers) can be followed in the
// logs end to end.
package observability
