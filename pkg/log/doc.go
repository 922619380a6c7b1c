/*
Package log provides structured logging for Drover built on zerolog.

Initialize once at process start, then derive component-scoped children:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("judge")
	logger.Info().Str("task_id", id).Msg("result approved")

Secrets must never be logged; pass identifiers, not values.
*/
package log
