package sched

import "github.com/sirupsen/logrus"

// Constant Bandwidth Server bookkeeping. Pure EDF does not cope with an
// entity running longer than it declared; CBS confines each entity within
// its own bandwidth by postponing the deadline whenever the runtime is
// replenished, so a misbehaving entity cannot make the others miss.
//
// Every function here assumes the rq lock of the entity's CPU is held.
// dlSe is the entity being accounted; piSe is the parameter view to use,
// which differs from dlSe only while the task is boosted by a
// priority-inheritance waiter that preempts it (see piView).

// setupNewEntity starts a fresh instance: absolute deadline at now plus the
// relative deadline, full budget.
func (rq *Rq) setupNewEntity(dlSe, piSe *Entity) {
	if !dlSe.New || dlSe.Throttled {
		panic("sched: setup_new_dl_entity on a stale or throttled entity")
	}

	dlSe.Deadline = rq.clock + piSe.DLDeadline
	dlSe.Runtime = int64(piSe.DLRuntime)
	dlSe.New = false
}

// replenishEntity grants the entity runtime for its next instance(s). The
// deadline keeps moving one period at a time until some budget is left,
// which handles arbitrarily large overruns.
func (rq *Rq) replenishEntity(dlSe, piSe *Entity) {
	for dlSe.Runtime <= 0 {
		dlSe.Deadline += piSe.DLPeriod
		dlSe.Runtime += int64(piSe.DLRuntime)
	}

	// The deadline really should be in the future by now. If it is not,
	// the entity has lagged beyond any recovery: warn and reset.
	if dlTimeBefore(dlSe.Deadline, rq.clock) {
		rq.sched.log.WithFields(logrus.Fields{
			"pid":      dlSe.task.PID,
			"cpu":      rq.cpu,
			"deadline": dlSe.Deadline,
			"clock":    rq.clock,
		}).Warn("replenished deadline still in the past, resetting")
		dlSe.Deadline = rq.clock + piSe.DLDeadline
		dlSe.Runtime = int64(piSe.DLRuntime)
	}
}

// entityOverflow checks whether, at time t, the entity can keep using its
// remaining runtime with its current deadline without exceeding the
// reserved bandwidth:
//
//	runtime / (deadline - t) >= dl_runtime / dl_deadline
//
// cross-multiplied to avoid divisions. The operands are relative times, so
// overflowing uint64 is not a practical concern.
func entityOverflow(dlSe, piSe *Entity, t uint64) bool {
	if dlSe.Runtime <= 0 {
		return true
	}
	left := piSe.DLDeadline * uint64(dlSe.Runtime)
	right := (dlSe.Deadline - t) * piSe.DLRuntime

	return !dlTimeBefore(left, right)
}

// updateEntity refreshes (deadline, runtime) on enqueue. The pair is
// renewed only if the deadline is in the past or keeping it would overflow
// the bandwidth; otherwise a task that blocked early keeps its
// advantageous deadline on wake.
func (rq *Rq) updateEntity(dlSe, piSe *Entity) {
	if dlSe.New {
		rq.setupNewEntity(dlSe, piSe)
		return
	}

	if dlTimeBefore(dlSe.Deadline, rq.clock) ||
		entityOverflow(dlSe, piSe, rq.clock) {
		dlSe.Deadline = rq.clock + piSe.DLDeadline
		dlSe.Runtime = int64(piSe.DLRuntime)
	}
}

// dlRuntimeExceeded decides whether the entity must be stopped, recording
// deadline-miss and overrun statistics on the way. Head entities are never
// stopped.
func (rq *Rq) dlRuntimeExceeded(dlSe *Entity) bool {
	dmiss := dlTimeBefore(dlSe.Deadline, rq.clock)
	rorun := dlSe.Runtime <= 0

	if dmiss {
		damount := rq.clock - dlSe.Deadline
		dlSe.Stats.DMiss = true
		dlSe.Stats.LastDMiss = damount
		if damount > dlSe.Stats.DMissMax {
			dlSe.Stats.DMissMax = damount
		}
	}
	if rorun {
		ramount := uint64(-dlSe.Runtime)
		dlSe.Stats.ROrun = true
		dlSe.Stats.LastROrun = ramount
		if ramount > dlSe.Stats.ROrunMax {
			dlSe.Stats.ROrunMax = ramount
		}
	}

	if dlSe.Flags&SFHead != 0 || (!rorun && !dmiss) {
		return false
	}

	// Running past the deadline means some of the next instance's runtime
	// has already been spent; charge it, or each miss would steal
	// bandwidth from the system.
	if dmiss {
		if dlSe.Runtime > 0 {
			dlSe.Runtime = 0
		}
		dlSe.Runtime -= int64(rq.clock - dlSe.Deadline)
	}

	return true
}

// throttleCurr suspends the running entity until replenishment. Reclaiming
// entities are instead demoted to the class their flags name, so they keep
// running on leftover capacity.
func (rq *Rq) throttleCurr(curr *Task) {
	curr.DL.Throttled = true

	if curr.DL.Flags&SFReclaimRT != 0 {
		rq.setPrio(curr, MaxRTPrio-1-curr.RTPriority)
	} else if curr.DL.Flags&SFReclaimNR != 0 {
		rq.setPrio(curr, DefaultPrio)
	}
}

// updateCurrDL charges the time the current task has run since exec_start
// against its budget and, once the budget is gone (or the deadline passed),
// stops the task: off the ready tree, timer armed if the replenishment
// instant is still ahead, immediate replenishment otherwise.
func (rq *Rq) updateCurrDL() {
	curr := rq.curr
	if curr == nil || !curr.isDLTask() || !curr.DL.onDLRq() {
		return
	}
	dlSe := &curr.DL

	deltaExec := int64(rq.clock - curr.ExecStart)
	if deltaExec < 0 {
		deltaExec = 0
	}
	delta := uint64(deltaExec)

	if delta > dlSe.Stats.ExecMax {
		dlSe.Stats.ExecMax = delta
	}
	curr.SumExecRuntime += delta
	rq.dl.stats.ExecClock += delta
	curr.ExecStart = rq.clock

	dlSe.Stats.TotRuntime += delta
	dlSe.Runtime -= deltaExec
	if rq.dlRuntimeExceeded(dlSe) {
		rq.dequeueTaskDLLocked(curr, 0)
		if rq.startDLTimer(dlSe, curr.PITop != nil) {
			rq.throttleCurr(curr)
		} else {
			rq.enqueueTaskDL(curr, enqueueReplenish)
		}

		rq.reschedCurr()
	}
}
