package app

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopFatalError   StopReason = "fatal_error"
	StopCommandDone  StopReason = "command_done"
	StopStartupError StopReason = "startup_error"
)
