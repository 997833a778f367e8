// Package scheduler is the process-local timer registry.
//
// Every entry is keyed by a name. One-shot entries fire once at an instant;
// recurring entries follow a cron expression or a fixed interval. Fire times
// come from an injected clock so tests can drive them with a fake clock.
// The scheduler only triggers: each fire enqueues a task into the task engine.
// Definitions survive Stop/Start; the registry itself does not survive the
// process, callers rebuild it on startup.
package scheduler
