// Package log provides a structured logging system for inst-jobs components.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no global logger. Entries flow through a Formatter (text or JSON)
// to one or more Outputs. Per-component child loggers are derived with
// Logger.With and the Component field helper:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	blog := logger.With(log.Component("broker"))
//	blog.Info("client connected", log.Str("worker", name))
package log
