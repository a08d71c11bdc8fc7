package sched

// Minimal real-time and fair runqueues. They exist so the scheduler core
// has the full fixed class set to dispatch over, and so reclaiming
// deadline entities have somewhere to run while demoted: a priority FIFO
// for rt, a round-robin FIFO for fair. Neither claims fidelity to its
// kernel namesake beyond that.

func (rq *Rq) enqueueTaskRT(p *Task) {
	i := 0
	for ; i < len(rq.rt); i++ {
		if p.prio < rq.rt[i].prio {
			break
		}
	}
	rq.rt = append(rq.rt, nil)
	copy(rq.rt[i+1:], rq.rt[i:])
	rq.rt[i] = p
}

func (rq *Rq) dequeueTaskRT(p *Task) {
	for i, q := range rq.rt {
		if q == p {
			rq.rt = append(rq.rt[:i], rq.rt[i+1:]...)
			return
		}
	}
}

func (rq *Rq) pickNextTaskRT() *Task {
	if len(rq.rt) == 0 {
		return nil
	}
	p := rq.rt[0]
	p.ExecStart = rq.clock
	return p
}

func (rq *Rq) enqueueTaskFair(p *Task) {
	rq.fair = append(rq.fair, p)
}

func (rq *Rq) dequeueTaskFair(p *Task) {
	for i, q := range rq.fair {
		if q == p {
			rq.fair = append(rq.fair[:i], rq.fair[i+1:]...)
			return
		}
	}
}

func (rq *Rq) pickNextTaskFair() *Task {
	if len(rq.fair) == 0 {
		return nil
	}
	p := rq.fair[0]
	p.ExecStart = rq.clock
	return p
}

// putPrevTaskFair rotates the previous fair task to the back so its
// siblings get a turn.
func (rq *Rq) putPrevTaskFair(p *Task) {
	if len(rq.fair) > 1 && rq.fair[0] == p {
		copy(rq.fair, rq.fair[1:])
		rq.fair[len(rq.fair)-1] = p
	}
}
