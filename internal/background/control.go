package background

// Command is a control-plane message for the background service. Commands
// are fire-and-forget; only GetStatus carries a reply channel.
type Command interface {
	isCommand()
}

// ProcessAllNow requests an immediate processing pass over every account.
type ProcessAllNow struct{}

// ProcessAccountNow requests an immediate processing pass for one account.
type ProcessAccountNow struct {
	AccountID string
}

// Pause suspends processing ticks. Retention sweeps keep running.
type Pause struct{}

// Resume lifts a previous Pause.
type Resume struct{}

// ReloadConfig is acknowledged and logged; configuration changes take
// effect on restart.
type ReloadConfig struct{}

// GetStatus asks for a state snapshot. The reply is sent on Reply; the
// requester is responsible for a receive deadline.
type GetStatus struct {
	Reply chan<- Status
}

// Shutdown stops the handler loop and the scheduler.
type Shutdown struct{}

func (ProcessAllNow) isCommand()     {}
func (ProcessAccountNow) isCommand() {}
func (Pause) isCommand()             {}
func (Resume) isCommand()            {}
func (ReloadConfig) isCommand()      {}
func (GetStatus) isCommand()         {}
func (Shutdown) isCommand()          {}
