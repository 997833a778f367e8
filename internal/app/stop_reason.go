package app

import "context"

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopStartFail  StopReason = "start_failed"
)

// ReasonFor classifies why the run ended: a supervised loop failed, or ctx
// was canceled by a signal.
func ReasonFor(ctx context.Context, appErr error) StopReason {
	switch {
	case appErr != nil:
		return StopFatalError
	case ctx.Err() != nil:
		return StopSignal
	default:
		return StopUnknown
	}
}
