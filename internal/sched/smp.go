package sched

import (
	"deadline-sched/internal/cpumask"

	"github.com/sirupsen/logrus"
)

// DLMaxTries bounds how often the push engine retries after losing a race
// while re-locking a target runqueue.
const DLMaxTries = 3

// doubleLockBalance acquires busiest's lock while already holding this
// rq's lock. If the trylock fails, this rq's lock is dropped and both are
// reacquired in CPU index order; the return value tells the caller its
// preconditions may have rotted and must be reverified.
func doubleLockBalance(this, busiest *Rq) bool {
	if busiest.mu.TryLock() {
		return false
	}

	this.unlock()
	if this.cpu < busiest.cpu {
		this.lock()
		busiest.lock()
	} else {
		busiest.lock()
		this.lock()
	}
	return true
}

func doubleUnlockBalance(this, busiest *Rq) {
	busiest.unlock()
}

// pickDLTask tells if p is a pull/push candidate for the given cpu: not
// running, allowed there, and migratable at all.
func (rq *Rq) pickDLTask(p *Task, cpu int) bool {
	return !rq.taskRunning(p) &&
		(cpu < 0 || p.CPUsAllowed.Test(cpu)) &&
		p.DL.NrCPUsAllowed > 1
}

// pickNextEarliestDLTask returns the earliest ready deadline task eligible
// for cpu, deliberately skipping the leftmost: callers want the earliest
// task this rq would not run itself.
func (rq *Rq) pickNextEarliestDLTask(cpu int) *Task {
	var found *Task
	first := true

	rq.dl.tree.Ascend(func(e *Entity) bool {
		if first {
			first = false
			return true
		}
		if rq.pickDLTask(e.task, cpu) {
			found = e.task
			return false
		}
		return true
	})

	return found
}

// latestCPUFind scans the domain for CPUs where task's deadline would be
// the earliest. Among those, an idle dl rq wins outright; otherwise the
// one whose current earliest deadline is latest (most headroom) is
// returned. laterMask, if non-nil, collects the full candidate set.
func (s *Scheduler) latestCPUFind(span cpumask.Mask, task *Task, laterMask *cpumask.Mask) int {
	dlSe := &task.DL
	found, best := -1, false
	var maxDL uint64

	if laterMask != nil {
		*laterMask = 0
	}

	span.ForEach(func(cpu int) {
		dlRq := &s.rqs[cpu].dl

		if task.CPUsAllowed.Test(cpu) &&
			(dlRq.nrRunning == 0 || dlTimeBefore(dlSe.Deadline, dlRq.earliestCurr)) {
			if laterMask != nil {
				*laterMask = laterMask.Set(cpu)
			}
			if !best && dlRq.nrRunning == 0 {
				best = true
				found = cpu
			} else if !best && dlTimeBefore(maxDL, dlRq.earliestCurr) {
				maxDL = dlRq.earliestCurr
				found = cpu
			}
		}
	})

	return found
}

// selectTaskRqDL places a waking deadline task. If the current task of the
// waking CPU is a deadline task that either cannot move or would preempt
// p, p is better off on some CPU whose running deadline is later; else it
// stays where it was, it might be important there.
func (s *Scheduler) selectTaskRqDL(p *Task, wakingCPU, sdFlag int) int {
	if sdFlag != balanceWake {
		return wakingCPU
	}

	rq := s.rqs[wakingCPU]
	curr := rq.curr

	if curr != nil && curr.dlClass() &&
		(curr.DL.NrCPUsAllowed < 2 || curr.DL.preempts(&p.DL)) &&
		p.DL.NrCPUsAllowed > 1 {
		if cpu := s.findLaterRq(p, wakingCPU); cpu != -1 {
			return cpu
		}
	}

	return p.cpu
}

// checkPreemptEqualDL handles the deadline tie on wakeup: reschedule only
// when current can actually move away and p cannot, otherwise leave it to
// push/pull.
func (rq *Rq) checkPreemptEqualDL(p *Task) {
	s := rq.sched

	// Current can't be migrated, useless to reschedule; let's hope p can
	// move out.
	if rq.curr.DL.NrCPUsAllowed == 1 ||
		s.latestCPUFind(rq.rd.span, rq.curr, nil) == -1 {
		return
	}

	// p is migratable, so let's not schedule it and see if it is pushed
	// or pulled somewhere else.
	if p.DL.NrCPUsAllowed != 1 &&
		s.latestCPUFind(rq.rd.span, p, nil) != -1 {
		return
	}

	rq.reschedCurr()
}

// findLaterRq picks the best CPU for task among those whose earliest
// deadline is later than the task's: cache locality first (the CPU the
// task last ran on), then the waking CPU, then the one with most headroom.
func (s *Scheduler) findLaterRq(task *Task, thisCPU int) int {
	if task.DL.NrCPUsAllowed == 1 {
		return -1
	}

	rq := s.rqs[thisCPU]
	laterMask := &rq.laterMask

	bestCPU := s.latestCPUFind(rq.rd.span, task, laterMask)
	if bestCPU == -1 {
		return -1
	}

	// The last cpu where the task ran is our first guess, it is most
	// likely cache-hot there.
	if laterMask.Test(task.cpu) {
		return task.cpu
	}

	if !laterMask.Test(thisCPU) {
		thisCPU = -1
	}

	// Within the wake-affine scope, preempting thisCPU is cheaper than
	// migrating anywhere else; bestCPU is the last resort choice.
	if thisCPU != -1 {
		return thisCPU
	}
	if bestCPU != -1 && rq.rd.span.Test(bestCPU) {
		return bestCPU
	}

	if cpu := laterMask.Any(); cpu != -1 {
		return cpu
	}

	return -1
}

// findLockLaterRq finds a later rq for task and returns it locked, or nil.
// Because taking the second lock may force dropping our own, everything is
// reverified after reacquisition, up to DLMaxTries times.
func (rq *Rq) findLockLaterRq(task *Task) *Rq {
	s := rq.sched
	var laterRq *Rq

	for tries := 0; tries < DLMaxTries; tries++ {
		cpu := s.findLaterRq(task, rq.cpu)

		if cpu == -1 || cpu == rq.cpu {
			break
		}

		laterRq = s.rqs[cpu]

		if doubleLockBalance(rq, laterRq) {
			// We dropped our own lock: the task may have moved, lost
			// its migratability, or started running meanwhile.
			if s.taskRq(task) != rq ||
				!task.CPUsAllowed.Test(laterRq.cpu) ||
				rq.taskRunning(task) ||
				!task.onRq {
				laterRq.unlock()
				laterRq = nil
				break
			}
		}

		// If the rq we found has no deadline task, or its earliest has a
		// later deadline than ours, it is a good one.
		if laterRq.dl.nrRunning == 0 ||
			dlTimeBefore(task.DL.Deadline, laterRq.dl.earliestCurr) {
			break
		}

		doubleUnlockBalance(rq, laterRq)
		laterRq = nil
	}

	return laterRq
}

func (rq *Rq) pickNextPushableDLTask() *Task {
	if !rq.hasPushableDLTasks() {
		return nil
	}

	p := rq.dl.pushableLeftmost

	if p.cpu != rq.cpu || rq.taskRunning(p) || p.DL.NrCPUsAllowed <= 1 ||
		!p.onRq || !p.dlClass() {
		panic("sched: corrupt pushable task")
	}

	return p
}

// pushDLTask tries to relocate the earliest pushable task onto some CPU
// where it can preempt a later deadline. Returns true if a task moved (or
// the candidate was dropped to be pulled later).
func (rq *Rq) pushDLTask() bool {
	s := rq.sched
	x := s.cycles()
	ret := false

	defer func() {
		rq.dl.stats.PushCycles += s.cycles() - x
		rq.dl.stats.NrPush++
	}()

	if !rq.dl.overloaded {
		return false
	}

	nextTask := rq.pickNextPushableDLTask()
	if nextTask == nil {
		return false
	}

	for {
		if nextTask == rq.curr {
			s.log.WithFields(logrus.Fields{
				"cpu": rq.cpu,
				"pid": nextTask.PID,
			}).Warn("pushable tree holds the running task")
			return ret
		}

		// If nextTask preempts curr and curr can move away itself, a
		// local reschedule is cheaper than a migration.
		if rq.curr != nil && rq.curr.dlClass() &&
			dlTimeBefore(nextTask.DL.Deadline, rq.curr.DL.Deadline) &&
			rq.curr.DL.NrCPUsAllowed > 1 {
			rq.reschedCurr()
			return ret
		}

		laterRq := rq.findLockLaterRq(nextTask)

		if laterRq == nil {
			// find_lock_later_rq may have released our lock; nextTask
			// could have migrated meanwhile, so look again.
			task := rq.pickNextPushableDLTask()
			if task == nextTask && nextTask.cpu == rq.cpu {
				// The task is still there but no target showed up in
				// DLMaxTries attempts. Drop it; some other CPU will
				// pull it when ready.
				rq.dequeuePushableDLTask(nextTask)
				return true
			}

			if task == nil {
				return true
			}

			rq.dl.stats.NrRetryPush++
			nextTask = task
			continue
		}

		s.deactivateTask(rq, nextTask)
		rq.dl.stats.NrPushedAway++
		s.setTaskCPU(nextTask, laterRq.cpu)
		s.activateTask(laterRq, nextTask, 0)

		laterRq.reschedCurr()

		doubleUnlockBalance(rq, laterRq)

		return true
	}
}

// pushDLTasks drains the pushable tree as far as targets exist.
func (rq *Rq) pushDLTasks() {
	for rq.pushDLTask() {
	}
}

// pullDLTask steals, from every overloaded CPU in the domain, the earliest
// deadline task that would run sooner than whatever this CPU has. The scan
// keeps going after a hit: some other rq may hold an even earlier one.
func (rq *Rq) pullDLTask() bool {
	s := rq.sched
	x := s.cycles()
	ret := false

	defer func() {
		rq.dl.stats.PullCycles += s.cycles() - x
		rq.dl.stats.NrPull++
	}()

	if !rq.dlOverloaded() {
		return false
	}

	var dmin uint64
	pulled := false

	rq.rd.overloadMask().ForEach(func(cpu int) {
		if cpu == rq.cpu {
			return
		}

		srcRq := s.rqs[cpu]

		// Unlocked peek, racy on purpose: a stale read only costs us a
		// useless lock round-trip.
		if rq.dl.nrRunning > 0 &&
			dlTimeBefore(rq.dl.earliestCurr, srcRq.dl.earliestNext) {
			return
		}

		doubleLockBalance(rq, srcRq)

		for {
			// Don't pull the last runnable task off a runqueue.
			if srcRq.dl.nrRunning <= 1 {
				break
			}

			p := srcRq.pickNextEarliestDLTask(rq.cpu)

			// We found a task to pull if it preempts our current
			// earliest (if we have one) and the earliest we pulled so
			// far in this pass.
			if p == nil || (pulled && !dlTimeBefore(p.DL.Deadline, dmin)) ||
				(rq.dl.nrRunning > 0 &&
					!dlTimeBefore(p.DL.Deadline, rq.dl.earliestCurr)) {
				break
			}

			// Leave alone a candidate that beats the remote's running
			// task: the remote will switch to it on its own.
			if srcRq.curr != nil && srcRq.curr.dlClass() &&
				dlTimeBefore(p.DL.Deadline, srcRq.curr.DL.Deadline) {
				break
			}

			if p == srcRq.curr || !p.onRq {
				panic("sched: pull candidate is running or not runnable")
			}

			ret = true

			s.deactivateTask(srcRq, p)
			rq.dl.stats.NrPulledHere++
			s.setTaskCPU(p, rq.cpu)
			s.activateTask(rq, p, 0)
			dmin = p.DL.Deadline
			pulled = true
			break
		}

		doubleUnlockBalance(rq, srcRq)
	})

	return ret
}

// preScheduleDL runs on schedule entry when the previous task was a
// deadline one: we may have just lost our earliest, try to pull.
func (rq *Rq) preScheduleDL(prev *Task) {
	if prev.dlClass() {
		rq.pullDLTask()
	}
}

func (rq *Rq) postScheduleDL() {
	rq.pushDLTasks()
}

// taskWokenDL: the task is awake but not running, and no reschedule is
// pending on this CPU; if it cannot win here, push it away now.
func (rq *Rq) taskWokenDL(p *Task) {
	if !rq.taskRunning(p) &&
		!rq.needResched &&
		rq.hasPushableDLTasks() &&
		p.DL.NrCPUsAllowed > 1 &&
		rq.curr != nil && rq.curr.dlClass() &&
		(rq.curr.DL.NrCPUsAllowed < 2 || rq.curr.DL.preempts(&p.DL)) {
		rq.pushDLTasks()
	}
}

// setCPUsAllowedDL installs a new affinity mask, keeping the migratory
// accounting, the pushable tree, and the overload state coherent.
func (rq *Rq) setCPUsAllowedDL(p *Task, mask cpumask.Mask) {
	weight := mask.Weight()

	// Only adjust queue state if the task is actually on the rq and not
	// throttled.
	if p.DL.onDLRq() && weight != p.DL.NrCPUsAllowed {
		if !rq.taskRunning(p) {
			if p.DL.NrCPUsAllowed > 1 {
				rq.dequeuePushableDLTask(p)
			}
			if weight > 1 {
				rq.enqueuePushableDLTask(p)
			}
		}

		if p.DL.NrCPUsAllowed <= 1 && weight > 1 {
			rq.dl.nrMigratory++
		} else if p.DL.NrCPUsAllowed > 1 && weight <= 1 {
			if rq.dl.nrMigratory == 0 {
				panic("sched: migratory count underflow")
			}
			rq.dl.nrMigratory--
		}

		rq.dl.updateDLMigration()
	}

	p.CPUsAllowed = mask
	p.DL.NrCPUsAllowed = weight
}

// rqOnlineDL / rqOfflineDL publish or withdraw the overload bit when the
// CPU joins or leaves the domain. Both assume the rq lock is held.
func (rq *Rq) rqOnlineDL() {
	if rq.dl.overloaded {
		rq.dlSetOverload()
	}
}

func (rq *Rq) rqOfflineDL() {
	if rq.dl.overloaded {
		rq.dlClearOverload()
	}
}
