/*
Package log provides structured logging for rpcguard using zerolog.

A single global Logger is configured once by Init from the log section of the
config file. Packages derive child loggers from it rather than creating their
own, so every line carries the same timestamp format and level filter:

	logger := log.WithComponent("pipeline")
	logger = log.WithMethod(logger, call.Service, call.Method)
	logger = log.WithTraceID(logger, call.TraceID())
	logger.Warn().Str("client_id", call.ClientID).Msg("Rate limit exceeded")

JSON output is meant for production and log shipping; the console writer is
the default for local runs. Levels follow zerolog: debug, info, warn, error.
Nothing here redacts values, callers pass fields through the redact package
first when they may hold credentials.
*/
package log
