package proc

import "lazyos/kernel/config"

// Policy selects the next entry a scheduler loop should run. Pick is called
// with the table lock held and must return a Runnable entry or nil.
type Policy interface {
	Pick(entries []Entry) *Entry
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string) Policy {
	switch name {
	case config.SchedulerPriority:
		return &Priority{}
	default:
		return &RoundRobin{}
	}
}

// RoundRobin runs the runnable entries in table order, resuming the scan
// after the entry picked last.
type RoundRobin struct {
	next int
}

// Pick implements Policy.
func (rr *RoundRobin) Pick(entries []Entry) *Entry {
	for i := range entries {
		e := &entries[(rr.next+i)%len(entries)]
		if e.state == Runnable {
			rr.next = e.index + 1
			return e
		}
	}
	return nil
}

// Priority runs the runnable entry with the lowest nice value. Entries with
// equal nice values are taken in table order starting after the entry picked
// last, so that they share the CPUs.
type Priority struct {
	next int
}

// Pick implements Policy.
func (p *Priority) Pick(entries []Entry) *Entry {
	var best *Entry
	for i := range entries {
		e := &entries[(p.next+i)%len(entries)]
		if e.state != Runnable {
			continue
		}
		if best == nil || e.nice < best.nice {
			best = e
		}
	}

	if best != nil {
		p.next = best.index + 1
	}
	return best
}
