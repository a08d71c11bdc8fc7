package sched

import "time"

// startDLTimer arms the bandwidth enforcement timer at the entity's
// replenishment instant and reports whether it was armed. The instant is
// the current absolute deadline, translated from the rq clock domain into
// the timer clock domain.
//
// Boosted entities are never throttled (the lock holder must finish), and
// neither are in-class reclaiming ones: for those the caller replenishes
// in place, which keeps the task running at the expense of lower classes.
func (rq *Rq) startDLTimer(dlSe *Entity, boosted bool) bool {
	if boosted || dlSe.Flags&SFReclaimDL != 0 {
		return false
	}

	now := uint64(rq.sched.clk.Now().UnixNano())
	act := dlSe.Deadline + (now - rq.clock)

	// Expiry already passed, e.g. the declared deadline is very small.
	// Don't arm a timer into the past.
	if !dlTimeBefore(now, act) {
		return false
	}

	p := dlSe.task
	s := rq.sched
	dlSe.timer = s.clk.AfterFunc(time.Duration(act-now), func() {
		s.dlTaskTimer(p)
	})
	dlSe.timerArmed = true

	return true
}

// cancelDLTimer stops a pending enforcement timer, if any. It must not be
// called with the entity's rq lock held when a synchronous cancel is
// required: the callback takes that lock itself.
func (dlSe *Entity) cancelDLTimer() {
	if dlSe.timer != nil {
		dlSe.timer.Stop()
	}
	dlSe.timerArmed = false
}

// dlTaskTimer is the enforcement timer callback: the task was throttled
// and its replenishment instant has arrived.
//
// The task may have changed policy while we were pending; then there is
// nothing to do. If it was demoted by a reclaiming flag, promote it back
// first. Replenishment itself only happens if the task is still runnable:
// for a sleeping task, clearing Throttled is enough, the next enqueue
// refreshes runtime and deadline.
func (s *Scheduler) dlTaskTimer(p *Task) {
	rq := s.taskRqLock(p)
	defer rq.unlock()

	p.DL.timerArmed = false

	if p.dead || !p.isDLTask() {
		return
	}

	rq.updateClock()

	if !p.dlClass() {
		rq.setPrio(p, MaxDLPrio-1)
	}

	p.DL.Throttled = false
	if p.onRq {
		rq.enqueueTaskDL(p, enqueueReplenish)
		rq.checkPreemptCurrDL(p, 0)

		// Queueing this task back might have overloaded the rq; check
		// if we need to kick someone away.
		if rq.dl.overloaded {
			rq.pushDLTask()
		}
	}
}
