package app

// StopReason says why the daemon is shutting down. It is logged once at stop.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopQuit       StopReason = "quit_command"
	StopFatalError StopReason = "fatal_error"
)
