/*
Package log provides the structured logging used across the coordination
engine: a package-level zerolog.Logger, initialized once via Init, with
WithComponent/WithSession/WithKey helpers for attaching context without
threading a logger argument through every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	lockLog := log.WithComponent("lockmgr")
	lockLog.Info().Str("key", key).Msg("write-lock acquired")

JSONOutput: true selects JSON output; the zero value (JSONOutput: false,
also coordd's --log-json default) selects human-readable, timestamped
console output.
*/
package log
