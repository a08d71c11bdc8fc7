package sched

// Deadline scheduling class: Earliest Deadline First dispatch with
// Constant Bandwidth Server enforcement.
//
// Tasks that periodically execute their instances for less than their
// declared runtime never miss a deadline. Tasks that are not periodic, or
// that try to execute more than their reserved bandwidth, are slowed down
// without affecting anybody else.

// Enqueue flags.
const (
	enqueueReplenish = 1 << iota
	enqueueWakeup
)

// piView returns the parameter view to account p under: the entity of the
// top priority-inheritance waiter when that waiter preempts p (a head
// entity, or an earlier absolute deadline), otherwise p's own.
func piView(p *Task) *Entity {
	if p.PITop != nil && p.PITop.DL.preempts(&p.DL) {
		return &p.PITop.DL
	}
	return &p.DL
}

// enqueueDLEntity refreshes the entity timing and inserts it into the
// ready tree. A wakeup or a new instance may need a parameter update; the
// replenish flag instead asks for fresh runtime with a postponed deadline.
func (rq *Rq) enqueueDLEntity(dlSe, piSe *Entity, flags int) {
	if dlSe.onDLRq() {
		panic("sched: enqueue of an entity already on a dl rq")
	}

	if !dlSe.New && flags&enqueueReplenish != 0 {
		rq.replenishEntity(dlSe, piSe)
	} else {
		rq.updateEntity(dlSe, piSe)
	}

	rq.dl.enqueueEntity(dlSe)
}

func (rq *Rq) dequeueDLEntity(dlSe *Entity) {
	rq.dl.dequeueEntity(dlSe)
}

func (rq *Rq) enqueueTaskDL(p *Task, flags int) {
	piSe := piView(p)

	x := rq.sched.cycles()

	// If p is throttled we do nothing: it exhausted its budget and now
	// needs a replenishment, which the enforcement timer callback will
	// issue since the task is on its rq.
	if p.DL.Throttled {
		return
	}

	rq.enqueueDLEntity(&p.DL, piSe, flags)

	if !rq.taskRunning(p) && p.DL.NrCPUsAllowed > 1 {
		rq.enqueuePushableDLTask(p)
	}

	rq.dl.stats.EnqueueCycles += rq.sched.cycles() - x
	rq.dl.stats.NrEnqueue++
}

func (rq *Rq) dequeueTaskDLLocked(p *Task, flags int) {
	rq.dequeueDLEntity(&p.DL)
	rq.dequeuePushableDLTask(p)
}

func (rq *Rq) dequeueTaskDL(p *Task, flags int) {
	x := rq.sched.cycles()

	if !p.DL.Throttled {
		rq.updateCurrDL()
		rq.dequeueTaskDLLocked(p, flags)
	}

	rq.dl.stats.DequeueCycles += rq.sched.cycles() - x
	rq.dl.stats.NrDequeue++
}

// yieldTaskDL gets the current task off the CPU until its next instance,
// with a fresh runtime: forcing the remaining runtime to zero makes
// updateCurrDL stop it, and the enforcement timer wakes it with new
// parameters thanks to the New flag.
func (rq *Rq) yieldTaskDL() {
	p := rq.curr

	if p.DL.Runtime > 0 {
		p.DL.New = true
		p.DL.Runtime = 0
	}
	rq.updateCurrDL()
}

func (rq *Rq) checkPreemptCurrDL(p *Task, flags int) {
	if rq.curr == nil || !rq.curr.dlClass() ||
		(p.dlClass() && p.DL.preempts(&rq.curr.DL)) {
		rq.reschedCurr()
		return
	}

	// Current and p have the very same deadline; decide between
	// rescheduling here and letting push/pull sort it out.
	if p.DL.Deadline == rq.curr.DL.Deadline && !rq.needResched {
		rq.checkPreemptEqualDL(p)
	}
}

// startHRTickDL arms a precise preemption tick dl_runtime - runtime ns
// ahead (the budget already consumed, not the budget left), when that is
// more than 10us.
func (rq *Rq) startHRTickDL(p *Task) {
	delta := int64(p.DL.DLRuntime) - int64(p.DL.Runtime)

	if delta > 10000 {
		rq.hrtickStart(delta)
	}
}

func (rq *Rq) pickNextDLEntity() *Entity {
	return rq.dl.leftmost
}

func (rq *Rq) pickNextTaskDL() *Task {
	if rq.dl.nrRunning == 0 {
		return nil
	}

	dlSe := rq.pickNextDLEntity()
	if dlSe == nil {
		panic("sched: dl rq accounts running tasks but has no leftmost")
	}

	p := dlSe.task
	p.ExecStart = rq.clock

	// The running task is never pushable.
	rq.dequeuePushableDLTask(p)

	if rq.sched.hrtick {
		rq.startHRTickDL(p)
	}

	rq.postSchedule = rq.hasPushableDLTasks()

	return p
}

func (rq *Rq) putPrevTaskDL(p *Task) {
	if p.DL.Throttled {
		return
	}

	rq.updateCurrDL()
	p.ExecStart = 0

	if p.DL.onDLRq() && p.DL.NrCPUsAllowed > 1 {
		rq.enqueuePushableDLTask(p)
	}
}

func (rq *Rq) taskTickDL(p *Task, queued bool) {
	rq.updateCurrDL()

	if rq.sched.hrtick && queued && p.DL.Runtime > 0 {
		rq.startHRTickDL(p)
	}
}

// taskForkDL: the child of a deadline task stays in the class but starts
// throttled; someone must install parameters on it or it never runs.
func taskForkDL(p *Task) {
	p.DL.Throttled = true
	p.DL.New = false
}

// taskDeadDL returns the task's bandwidth to the domain and stops the
// enforcement timer. Stopping does not wait for a callback that is already
// running; such a callback finds the task dead under the rq lock and does
// nothing. No rq lock is held here: the timer callback takes one itself.
func (s *Scheduler) taskDeadDL(p *Task) {
	rd := s.rqs[p.cpu].rd

	rd.subBw(p.DL.DLBw)

	p.DL.cancelDLTimer()
}

func (rq *Rq) setCurrTaskDL() {
	p := rq.curr

	p.ExecStart = rq.clock

	// You can't push away the running task.
	rq.dequeuePushableDLTask(p)
}

// switchedFromDL: the task left the deadline class for good; drop the
// pending enforcement timer and, since it might have been our only
// deadline task, take the chance to pull another one here.
func (rq *Rq) switchedFromDL(p *Task) {
	if p.DL.timerArmed && !p.isDLTask() {
		p.DL.cancelDLTimer()
	}

	if rq.dl.nrRunning == 0 {
		rq.pullDLTask()
	}
}

// switchedToDL: entering the deadline class may overload the rq; try
// pushing someone off before falling back to a preemption check.
func (rq *Rq) switchedToDL(p *Task, running bool) {
	checkResched := true

	// A throttled task cannot preempt anybody; the check happens right
	// after its runtime is replenished.
	if p.DL.Throttled {
		return
	}

	if !running {
		if rq.dl.overloaded && rq.pushDLTask() && rq != rq.sched.taskRq(p) {
			// Only reschedule if pushing failed.
			checkResched = false
		}
		if checkResched {
			rq.checkPreemptCurrDL(p, 0)
		}
	}
}

// prioChangedDL: the scheduling parameters of a deadline task changed; a
// push or pull operation might be needed. We don't know the old deadline,
// so the decisions are deliberately coarse.
func (rq *Rq) prioChangedDL(p *Task, running bool) {
	if running {
		if !rq.dl.overloaded {
			rq.pullDLTask()
		}

		// If we now have an earlier deadline task than p, reschedule,
		// provided p is still on this runqueue.
		if dlTimeBefore(rq.dl.earliestCurr, p.DL.Deadline) && rq.curr == p {
			rq.reschedCurr()
		}
	} else {
		rq.switchedToDL(p, running)
	}
}
