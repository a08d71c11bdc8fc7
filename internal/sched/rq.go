package sched

import (
	"sync"

	"deadline-sched/internal/cpumask"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"
)

const readyTreeDegree = 8

// DLRq is the per-CPU deadline runqueue: the EDF-ordered ready tree, the
// cached earliest deadlines, the migratability accounting driving overload
// state, and the tree of pushable tasks.
type DLRq struct {
	rq *Rq

	tree     *btree.BTreeG[*Entity]
	leftmost *Entity

	nrRunning   int
	nrTotal     int
	nrMigratory int
	overloaded  bool

	// earliestCurr/earliestNext cache the deadlines of the two earliest
	// ready tasks; 0 is the "none" sentinel.
	earliestCurr uint64
	earliestNext uint64

	pushable         *btree.BTreeG[*Task]
	pushableLeftmost *Task

	stats RqStats
}

// Rq is one CPU's runqueue. All per-CPU scheduler state is guarded by mu;
// cross-CPU operations take both locks in CPU index order through
// doubleLockBalance.
type Rq struct {
	mu sync.Mutex

	cpu   int
	clock uint64

	curr        *Task
	needResched bool
	online      bool

	// postSchedule is latched by pick-next when pushable tasks remain.
	postSchedule bool

	rd    *RootDomain
	sched *Scheduler

	dl   DLRq
	rt   []*Task
	fair []*Task

	// laterMask is the per-CPU scratch mask used while hunting for a later
	// runqueue; only touched under this rq's lock.
	laterMask cpumask.Mask

	hrtickTimer *clock.Timer
}

func newRq(s *Scheduler, cpu int, rd *RootDomain) *Rq {
	rq := &Rq{
		cpu:    cpu,
		online: true,
		rd:     rd,
		sched:  s,
	}
	rq.dl.rq = rq
	rq.dl.tree = btree.NewG[*Entity](readyTreeDegree, entityLess)
	rq.dl.pushable = btree.NewG[*Task](readyTreeDegree, func(a, b *Task) bool {
		return entityLess(&a.DL, &b.DL)
	})
	return rq
}

func (rq *Rq) lock()   { rq.mu.Lock() }
func (rq *Rq) unlock() { rq.mu.Unlock() }

// updateClock refreshes the rq clock from the scheduler's time base.
func (rq *Rq) updateClock() {
	rq.clock = uint64(rq.sched.clk.Now().UnixNano())
}

func (rq *Rq) taskRunning(p *Task) bool { return rq.curr == p }

func (rq *Rq) reschedCurr() { rq.needResched = true }

// dlOverloaded tells if any CPU in the domain is overloaded. Racy by
// design, exactly like the counter read it mirrors.
func (rq *Rq) dlOverloaded() bool {
	return rq.rd.overloadedCount() != 0
}

func (rq *Rq) dlSetOverload() {
	if !rq.online {
		return
	}
	rq.rd.setOverload(rq.cpu)
}

func (rq *Rq) dlClearOverload() {
	if !rq.online {
		return
	}
	rq.rd.clearOverload(rq.cpu)
}

// updateDLMigration recomputes the overload predicate after any change to
// the migratory or total counts: overloaded iff at least two tasks are
// ready and at least one can move.
func (dl *DLRq) updateDLMigration() {
	if dl.nrMigratory != 0 && dl.nrTotal > 1 {
		if !dl.overloaded {
			dl.rq.dlSetOverload()
			dl.overloaded = true
		}
	} else if dl.overloaded {
		dl.rq.dlClearOverload()
		dl.overloaded = false
	}
}

func (dl *DLRq) incDLMigration(dlSe *Entity) {
	dl.nrTotal++
	if dlSe.NrCPUsAllowed > 1 {
		dl.nrMigratory++
	}
	dl.updateDLMigration()
}

func (dl *DLRq) decDLMigration(dlSe *Entity) {
	dl.nrTotal--
	if dlSe.NrCPUsAllowed > 1 {
		dl.nrMigratory--
	}
	dl.updateDLMigration()
}

// nextDeadline returns the deadline of the second-earliest ready task, or
// 0 if there is none.
func (rq *Rq) nextDeadline() uint64 {
	next := rq.dl.second()
	if next != nil {
		return next.Deadline
	}
	return 0
}

func (dl *DLRq) incDLDeadline(deadline uint64) {
	if dl.earliestCurr == 0 || dlTimeBefore(deadline, dl.earliestCurr) {
		// The new task is the earliest; the previous earliest becomes
		// our next-earliest.
		dl.earliestNext = dl.earliestCurr
		dl.earliestCurr = deadline
	} else if dl.earliestNext == 0 || dlTimeBefore(deadline, dl.earliestNext) {
		dl.earliestNext = dl.rq.nextDeadline()
	}
}

func (dl *DLRq) decDLDeadline(deadline uint64) {
	if dl.nrRunning == 0 {
		dl.earliestCurr = 0
		dl.earliestNext = 0
	} else {
		dl.earliestCurr = dl.leftmost.Deadline
		dl.earliestNext = dl.rq.nextDeadline()
	}
}

func (dl *DLRq) incDLTasks(dlSe *Entity) {
	dl.nrRunning++
	dl.incDLDeadline(dlSe.Deadline)
	dl.incDLMigration(dlSe)
}

func (dl *DLRq) decDLTasks(dlSe *Entity) {
	if dl.nrRunning == 0 {
		panic("sched: dec_dl_tasks on empty dl rq")
	}
	dl.nrRunning--
	dl.decDLDeadline(dlSe.Deadline)
	dl.decDLMigration(dlSe)
}

// enqueueEntity inserts the entity into the ready tree and refreshes the
// leftmost cache.
func (dl *DLRq) enqueueEntity(dlSe *Entity) {
	if dlSe.queued {
		panic("sched: enqueueing an already queued dl entity")
	}
	dl.tree.ReplaceOrInsert(dlSe)
	dlSe.queued = true
	dl.leftmost, _ = dl.tree.Min()

	dl.incDLTasks(dlSe)
}

func (dl *DLRq) dequeueEntity(dlSe *Entity) {
	if !dlSe.queued {
		return
	}
	dl.tree.Delete(dlSe)
	dlSe.queued = false
	dl.leftmost, _ = dl.tree.Min()

	dl.decDLTasks(dlSe)
}

// second returns the entity right after the leftmost, if any.
func (dl *DLRq) second() *Entity {
	var second *Entity
	n := 0
	dl.tree.Ascend(func(e *Entity) bool {
		n++
		if n == 2 {
			second = e
			return false
		}
		return true
	})
	return second
}

// Pushable tree: the migratable, non-running subset of the ready tree,
// ordered by the same comparator.

func (rq *Rq) enqueuePushableDLTask(p *Task) {
	if _, dup := rq.dl.pushable.ReplaceOrInsert(p); dup {
		panic("sched: pushable task enqueued twice")
	}
	rq.dl.pushableLeftmost, _ = rq.dl.pushable.Min()
}

func (rq *Rq) dequeuePushableDLTask(p *Task) {
	if _, ok := rq.dl.pushable.Delete(p); !ok {
		return
	}
	rq.dl.pushableLeftmost, _ = rq.dl.pushable.Min()
}

func (rq *Rq) hasPushableDLTasks() bool {
	return rq.dl.pushable.Len() != 0
}
