package proc

// State is the scheduling state of a table entry.
type State uint8

const (
	// Unused marks a free table slot.
	Unused State = iota

	// Embryo marks a slot that has been reserved but whose kernel
	// resources are still being set up.
	Embryo

	// Sleeping entries wait for a wakeup on their sleep key.
	Sleeping

	// Runnable entries may be picked by a scheduler loop.
	Runnable

	// Running entries execute on a CPU.
	Running

	// Zombie entries have exited and wait to be reclaimed by their
	// parent.
	Zombie
)

var stateLabels = [...]string{
	Unused:   "unused",
	Embryo:   "embryo",
	Sleeping: "sleep ",
	Runnable: "runble",
	Running:  "run   ",
	Zombie:   "zombie",
}

// String returns the fixed-width label used by the process listing.
func (s State) String() string {
	if int(s) < len(stateLabels) {
		return stateLabels[s]
	}
	return "???"
}
