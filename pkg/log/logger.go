// Package log provides structured logging utilities for the cnpool mining pool.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(login, ip string) *Logger {
	return l.WithFields("login", login, "ip", ip)
}

// WithWorker returns a logger with worker-specific fields
func (l *Logger) WithWorker(login, workerName string) *Logger {
	return l.WithFields("login", login, "worker_name", workerName)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "height", height)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogShareAccepted logs an accepted share
func (l *Logger) LogShareAccepted(shareType, login, ip string, jobDiff int64, shareDiff string) {
	l.Info("share accepted",
		"share_type", shareType,
		"login", login,
		"ip", ip,
		"job_difficulty", jobDiff,
		"share_difficulty", shareDiff,
	)
}

// LogShareRejected logs a rejected share with its rejection reason
func (l *Logger) LogShareRejected(reason, login, ip, jobID string) {
	l.Warn("share rejected",
		"reason", reason,
		"login", login,
		"ip", ip,
		"job_id", jobID,
	)
}

// LogBlockCandidate logs when a share solved a block
func (l *Logger) LogBlockCandidate(blockHash string, height int64, login, ip string) {
	l.Info("block candidate found",
		"block_hash", blockHash,
		"height", height,
		"login", login,
		"ip", ip,
	)
}

// LogRetarget logs a difficulty retarget for a miner
func (l *Logger) LogRetarget(login string, oldDiff, newDiff int64) {
	l.Info("retargeting difficulty",
		"login", login,
		"old_difficulty", oldDiff,
		"new_difficulty", newDiff,
	)
}

// LogBan logs a banned peer
func (l *Logger) LogBan(login, ip string) {
	l.Warn("peer banned",
		"login", login,
		"ip", ip,
	)
}
