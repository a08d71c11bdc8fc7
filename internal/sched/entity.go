package sched

import "github.com/benbjohnson/clock"

// Flags is the per-entity behavior bitset installed with the scheduling
// parameters.
type Flags uint32

const (
	// SFHead marks a system-critical entity: it preempts every non-head
	// deadline entity and is exempt from bandwidth enforcement.
	SFHead Flags = 1 << iota
	// SFReclaimDL lets the entity overrun inside the deadline class:
	// exhausting the budget replenishes in place instead of throttling.
	SFReclaimDL
	// SFReclaimRT demotes the entity to the real-time class while
	// throttled, at MaxRTPrio-1 - RTPriority.
	SFReclaimRT
	// SFReclaimNR demotes the entity to the fair class at default
	// priority while throttled.
	SFReclaimNR
)

// EntityStats are observable only; nothing in the scheduler reads them back.
type EntityStats struct {
	TotRuntime uint64
	ExecMax    uint64
	DMiss      bool
	LastDMiss  uint64
	DMissMax   uint64
	ROrun      bool
	LastROrun  uint64
	ROrunMax   uint64
}

// Entity is the per-task deadline bookkeeping record: the declared
// parameters, the state of the current instance, and the bandwidth
// enforcement timer.
type Entity struct {
	// Declared parameters, immutable between SetDeadlinePolicy calls.
	DLRuntime  uint64
	DLDeadline uint64
	DLPeriod   uint64
	DLBw       uint64
	Flags      Flags

	// Current instance. Runtime is signed: it goes negative while an
	// overrun is being charged.
	Runtime  int64
	Deadline uint64

	// New is set when a fresh instance is being (re)activated and forces
	// a deadline/budget reset on the next enqueue. Throttled means the
	// entity is off every ready tree, waiting for its timer.
	New       bool
	Throttled bool

	NrCPUsAllowed int

	timer      *clock.Timer
	timerArmed bool

	queued bool
	task   *Task

	Stats EntityStats
}

// preempts tells if entity a should run before entity b. A head entity
// always wins over a non-head one.
func (a *Entity) preempts(b *Entity) bool {
	return a.Flags&SFHead != 0 ||
		(b.Flags&SFHead == 0 && dlTimeBefore(a.Deadline, b.Deadline))
}

// entityLess is the ready-tree comparator: head entities first, then
// absolute deadline, with the task id breaking exact ties so equal
// deadlines coexist in the tree.
func entityLess(a, b *Entity) bool {
	aHead := a.Flags&SFHead != 0
	bHead := b.Flags&SFHead != 0
	if aHead != bHead {
		return aHead
	}
	if a.Deadline != b.Deadline {
		return dlTimeBefore(a.Deadline, b.Deadline)
	}
	return a.task.PID < b.task.PID
}

func (e *Entity) onDLRq() bool { return e.queued }
