// Package logger builds the process-wide slog logger: text output for local
// environments, JSON in production, tagged with the environment name.
package logger
