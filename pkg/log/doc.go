/*
Package log provides structured logging for the rebalancer using zerolog.

A single global logger is configured once from the command line (level and
console or JSON output). Components derive child loggers tagged with their
name so every line can be traced back to the algorithm that produced it:

	logger := log.WithComponent("allocator")
	logger.Info().
		Str("validator", v.Key.String()).
		Uint64("amount", amount).
		Msg("stake reserve into validator")

Failed submissions are logged at warn level with the account identities and
amounts involved, so an operator can diagnose a rejection without replaying
the decision logic.

Levels:
  - debug: per-candidate decisions (merge mismatches, skipped positions)
  - info: phase decisions, submitted batches, tick summaries
  - warn: rejected batches, unsupported positions
  - error: fatal tick errors
*/
package log
