/*
Package log provides structured logging for the Parsec client core using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Usage

Initialize once at startup, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("sync")
	logger.Info().Str("realm_id", realmID.Hex()).Msg("Inbound sync started")

Child logger helpers attach the identifier fields used across the codebase
(component, realm_id, device_id, vlob_id), so log lines from the certificate
validator, the key bundle engine and the sync monitors can be correlated by id.

# Conventions

  - Lifecycle transitions (monitor started/stopped) log at Info.
  - Validation rejections (bad certificate, corrupted keys bundle) log at Warn
    with the typed error attached; the error is still returned to the caller.
  - Operation failures (storage, transport) log at Error with Err(err).
  - Debug is reserved for per-entry sync tracing.

# See Also

  - pkg/certif - certificate validation logging
  - pkg/workspace - sync engine logging
*/
package log
