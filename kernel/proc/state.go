package proc

import "octox/kernel"

// State is the scheduling state of a process table slot.
type State uint8

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

var (
	stateNames = [...]string{
		Unused:   "unused",
		Used:     "used",
		Sleeping: "sleep",
		Runnable: "runble",
		Running:  "run",
		Zombie:   "zombie",
	}

	// validTransitions maps each state to the set of states it may move
	// to. Used may fall back to Unused when a half built process is torn
	// down.
	validTransitions = [...]uint8{
		Unused:   1 << Used,
		Used:     1<<Runnable | 1<<Unused,
		Sleeping: 1 << Runnable,
		Runnable: 1 << Running,
		Running:  1<<Runnable | 1<<Sleeping | 1<<Zombie,
		Zombie:   1 << Unused,
	}

	// stateChangeFn observes every state change with p.lock held. It is
	// set by tests.
	stateChangeFn func(p *Proc, next State)
)

// String returns the name procdump prints for s.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "???"
}

// canMoveTo reports whether a process in state s may move to next.
func (s State) canMoveTo(next State) bool {
	return int(s) < len(validTransitions) && validTransitions[s]&(1<<next) != 0
}

// setState moves p to next. p.lock must be held. A process that becomes
// Runnable kicks every hart so idle schedulers rescan the table.
func (p *Proc) setState(next State) {
	if !p.state.canMoveTo(next) {
		panicFn(&kernel.Error{
			Module:  "proc",
			Message: "invalid process state transition " + p.state.String() + " -> " + next.String(),
		})
		return
	}

	p.state = next
	if stateChangeFn != nil {
		stateChangeFn(p, next)
	}
	if next == Runnable {
		kickIdle()
	}
}

// kickIdle wakes every hart waiting for an interrupt.
func kickIdle() {
	for i := range cpus {
		if h := cpus[i].hart; h != nil {
			h.Kick()
		}
	}
}
