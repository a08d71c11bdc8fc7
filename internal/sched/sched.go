package sched

import (
	"fmt"
	"sync"
	"time"

	"deadline-sched/internal/cpumask"
	"deadline-sched/internal/logging"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// balance flags for select_task_rq; only wakeups trigger placement.
const balanceWake = 1

// Scheduler owns one runqueue per CPU and the root domain they share, and
// implements the generic entry points the outside world drives: wakeups,
// blocking, ticks, schedule, policy changes.
type Scheduler struct {
	clk    clock.Clock
	rqs    []*Rq
	rd     *RootDomain
	log    *logrus.Logger
	hrtick bool

	nextPID int

	taskMu sync.Mutex
	tasks  []*Task
}

type Option func(*Scheduler)

// WithClock substitutes the time base; simulations run on a clock.Mock.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// WithHRTick enables precise budget-exhaustion ticks.
func WithHRTick() Option {
	return func(s *Scheduler) { s.hrtick = true }
}

func New(nrCPUs int, opts ...Option) *Scheduler {
	if nrCPUs < 1 || nrCPUs > cpumask.MaxCPUs {
		panic(fmt.Sprintf("sched: unsupported cpu count %d", nrCPUs))
	}

	s := &Scheduler{
		clk:     clock.New(),
		log:     logging.GetSchedLogger(),
		nextPID: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.rd = newRootDomain(cpumask.Full(nrCPUs))
	s.rqs = make([]*Rq, nrCPUs)
	for cpu := 0; cpu < nrCPUs; cpu++ {
		s.rqs[cpu] = newRq(s, cpu, s.rd)
	}

	return s
}

func (s *Scheduler) NrCPUs() int             { return len(s.rqs) }
func (s *Scheduler) RootDomain() *RootDomain { return s.rd }

func (s *Scheduler) taskRq(p *Task) *Rq { return s.rqs[p.cpu] }

// taskRqLock locks and returns the rq the task currently belongs to,
// retrying if the task migrates between the read and the acquisition.
func (s *Scheduler) taskRqLock(p *Task) *Rq {
	for {
		rq := s.rqs[p.cpu]
		rq.lock()
		if rq == s.rqs[p.cpu] {
			return rq
		}
		rq.unlock()
	}
}

func (s *Scheduler) setTaskCPU(p *Task, cpu int) {
	p.cpu = cpu
}

// NewTask creates a fair-class task runnable on the given CPUs. It is not
// enqueued anywhere until woken.
func (s *Scheduler) NewTask(comm string, allowed cpumask.Mask) *Task {
	allowed = allowed.And(s.rd.span)
	if allowed.Empty() {
		allowed = s.rd.span
	}

	p := &Task{
		PID:         s.nextPID,
		Comm:        comm,
		policy:      ClassFair,
		class:       ClassFair,
		prio:        DefaultPrio,
		cpu:         allowed.Any(),
		CPUsAllowed: allowed,
	}
	s.nextPID++
	p.DL.task = p
	p.DL.NrCPUsAllowed = allowed.Weight()

	s.taskMu.Lock()
	s.tasks = append(s.tasks, p)
	s.taskMu.Unlock()

	return p
}

// Tasks returns every task ever created on this scheduler, dead included.
func (s *Scheduler) Tasks() []*Task {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Fork creates a child inheriting the parent's policy and parameters. A
// deadline child is born throttled: it never runs until fresh parameters
// are installed on it.
func (s *Scheduler) Fork(parent *Task, comm string) *Task {
	p := s.NewTask(comm, parent.CPUsAllowed)
	p.cpu = parent.cpu
	p.policy = parent.policy
	p.class = parent.policy
	p.prio = parent.prio
	p.RTPriority = parent.RTPriority

	if parent.isDLTask() {
		p.DL.DLRuntime = parent.DL.DLRuntime
		p.DL.DLDeadline = parent.DL.DLDeadline
		p.DL.DLPeriod = parent.DL.DLPeriod
		p.DL.Flags = parent.DL.Flags
		taskForkDL(p)
	}

	return p
}

// class dispatch

func (rq *Rq) enqueueTaskClass(p *Task, flags int) {
	switch p.class {
	case ClassDeadline:
		rq.enqueueTaskDL(p, flags)
	case ClassRT:
		rq.enqueueTaskRT(p)
	default:
		rq.enqueueTaskFair(p)
	}
}

func (rq *Rq) dequeueTaskClass(p *Task, flags int) {
	switch p.class {
	case ClassDeadline:
		rq.dequeueTaskDL(p, flags)
	case ClassRT:
		rq.dequeueTaskRT(p)
	default:
		rq.dequeueTaskFair(p)
	}
}

func (s *Scheduler) activateTask(rq *Rq, p *Task, flags int) {
	rq.enqueueTaskClass(p, flags)
	p.onRq = true
}

func (s *Scheduler) deactivateTask(rq *Rq, p *Task) {
	rq.dequeueTaskClass(p, 0)
	p.onRq = false
}

// setPrio is the lightweight priority switch used for temporary reclaiming
// demotions and their reversal: requeue under the class the new priority
// maps to, without running the policy-change hooks.
func (rq *Rq) setPrio(p *Task, prio int) {
	queued := p.onRq

	if queued {
		rq.dequeueTaskClass(p, 0)
	}

	p.prio = prio
	p.class = classForPrio(prio)

	if queued {
		rq.enqueueTaskClass(p, 0)
	}
}

func classRank(c Class) int { return int(c) }

// checkPreemptCurr dispatches the wakeup preemption test.
func (rq *Rq) checkPreemptCurr(p *Task, flags int) {
	if p.dlClass() {
		rq.checkPreemptCurrDL(p, flags)
		return
	}
	if rq.curr == nil || classRank(p.class) < classRank(rq.curr.class) {
		rq.reschedCurr()
	}
}

// SchedAttr carries the deadline parameters installed on a task.
type SchedAttr struct {
	Runtime  time.Duration
	Deadline time.Duration
	Period   time.Duration
	Flags    Flags
}

func (a SchedAttr) validate() error {
	period := a.Period
	if period == 0 {
		period = a.Deadline
	}
	if a.Runtime <= 0 || a.Deadline <= 0 {
		return fmt.Errorf("runtime and deadline must be positive")
	}
	if a.Runtime > a.Deadline {
		return fmt.Errorf("runtime %v exceeds deadline %v", a.Runtime, a.Deadline)
	}
	if a.Deadline > period {
		return fmt.Errorf("deadline %v exceeds period %v", a.Deadline, period)
	}
	return nil
}

// SetDeadlinePolicy installs deadline parameters on a task and moves it
// into the deadline class. The bandwidth runtime/deadline is contributed
// to the domain total; admission policy is the installer's problem, not
// ours.
func (s *Scheduler) SetDeadlinePolicy(p *Task, attr SchedAttr) error {
	if err := attr.validate(); err != nil {
		return fmt.Errorf("invalid deadline parameters: %w", err)
	}

	period := attr.Period
	if period == 0 {
		period = attr.Deadline
	}

	rq := s.taskRqLock(p)
	rq.updateClock()

	queued := p.onRq
	running := rq.taskRunning(p)
	oldClass := p.class

	if queued {
		rq.dequeueTaskClass(p, 0)
	}

	if p.policy == ClassDeadline {
		rq.rd.subBw(p.DL.DLBw)
	}
	p.DL.cancelDLTimer()

	p.DL.DLRuntime = uint64(attr.Runtime)
	p.DL.DLDeadline = uint64(attr.Deadline)
	p.DL.DLPeriod = uint64(period)
	p.DL.Flags = attr.Flags
	p.DL.DLBw = toRatio(p.DL.DLDeadline, p.DL.DLRuntime)
	p.DL.New = true
	p.DL.Throttled = false
	p.DL.NrCPUsAllowed = p.CPUsAllowed.Weight()
	rq.rd.addBw(p.DL.DLBw)

	p.policy = ClassDeadline
	p.prio = MaxDLPrio - 1
	p.class = ClassDeadline

	if queued {
		rq.enqueueTaskClass(p, 0)
	}
	if running {
		rq.setCurrTaskDL()
	}

	if oldClass != ClassDeadline {
		rq.switchedToDL(p, running)
	} else {
		rq.prioChangedDL(p, running)
	}

	rq.unlock()
	return nil
}

// SetFairPolicy moves the task back to the fair class, withdrawing its
// bandwidth and cancelling any pending enforcement timer.
func (s *Scheduler) SetFairPolicy(p *Task) {
	rq := s.taskRqLock(p)
	rq.updateClock()

	queued := p.onRq
	running := rq.taskRunning(p)
	wasDL := p.policy == ClassDeadline

	if queued {
		rq.dequeueTaskClass(p, 0)
	}

	if wasDL {
		rq.rd.subBw(p.DL.DLBw)
		p.DL.DLBw = 0
		p.DL.Throttled = false
	}

	p.policy = ClassFair
	p.prio = DefaultPrio
	p.class = ClassFair

	if queued {
		rq.enqueueTaskClass(p, 0)
	}

	if wasDL {
		rq.switchedFromDL(p)
	}
	if running {
		rq.reschedCurr()
	}

	rq.unlock()
}

// WakeUp makes a sleeping task runnable, choosing a CPU for it first if it
// is a deadline task, then checking for preemption and giving the push
// engine a shot.
func (s *Scheduler) WakeUp(p *Task) {
	rq := s.taskRqLock(p)
	if p.onRq || p.dead {
		rq.unlock()
		return
	}
	rq.updateClock()

	if p.dlClass() {
		cpu := s.selectTaskRqDL(p, p.cpu, balanceWake)
		if cpu != p.cpu {
			s.setTaskCPU(p, cpu)
			rq.unlock()
			rq = s.taskRqLock(p)
			rq.updateClock()
		}
	}

	s.activateTask(rq, p, enqueueWakeup)
	rq.checkPreemptCurr(p, enqueueWakeup)
	if p.dlClass() {
		rq.taskWokenDL(p)
	}

	rq.unlock()
}

// Block removes a runnable task from its rq (the task went to sleep).
func (s *Scheduler) Block(p *Task) {
	rq := s.taskRqLock(p)
	rq.updateClock()

	if p.onRq {
		s.deactivateTask(rq, p)
	}
	if rq.taskRunning(p) {
		rq.reschedCurr()
	}

	rq.unlock()
}

// Yield gives up the CPU until the current task's next instance.
func (s *Scheduler) Yield(cpu int) {
	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()

	if rq.curr != nil && rq.curr.dlClass() {
		rq.yieldTaskDL()
	}

	rq.unlock()
}

// WaitInterval computes the absolute instant the task should sleep to so
// it wakes with a full fresh budget, taking the optional rqtp into account.
// The result is not clamped to rqtp: with a period longer than the
// relative deadline the postponed instant can come before it. The caller
// performs the absolute sleep and wakes the task.
func (s *Scheduler) WaitInterval(p *Task, rqtp *uint64) uint64 {
	dlSe := &p.DL
	var wakeup uint64

	rq := s.taskRqLock(p)
	rq.updateClock()

	if rqtp == nil {
		// Sleep at least up to the next activation period, which
		// guarantees the budget will be renewed.
		wakeup = dlSe.Deadline + dlSe.DLPeriod - dlSe.DLDeadline
	} else {
		// Waking before the absolute deadline is fine only if reusing
		// the current (runtime, deadline) there would overflow the
		// bandwidth, i.e. a renewal is guaranteed. Otherwise postpone to
		// the last instant where the replenishment is unavoidable.
		wakeup = *rqtp
		if dlTimeBefore(wakeup, dlSe.Deadline) &&
			!entityOverflow(dlSe, dlSe, wakeup) {
			ibw := uint64(dlSe.Runtime) * dlSe.DLPeriod / dlSe.DLRuntime
			wakeup = dlSe.Deadline - ibw
		}
	}

	rq.unlock()

	dlSe.New = true

	return wakeup
}

// Tick is the periodic scheduler tick for one CPU.
func (s *Scheduler) Tick(cpu int) {
	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()

	if rq.curr != nil && rq.curr.dlClass() {
		rq.taskTickDL(rq.curr, false)
	}

	rq.unlock()
}

func (rq *Rq) hrtickStart(delta int64) {
	if rq.hrtickTimer != nil {
		rq.hrtickTimer.Stop()
	}
	s := rq.sched
	rq.hrtickTimer = s.clk.AfterFunc(time.Duration(delta), func() {
		s.hrtickFire(rq)
	})
}

func (s *Scheduler) hrtickFire(rq *Rq) {
	rq.lock()
	defer rq.unlock()

	rq.updateClock()
	if rq.curr != nil && rq.curr.dlClass() {
		rq.taskTickDL(rq.curr, true)
	}
}

// Schedule runs one pass of the core schedule loop on the given CPU and
// returns the task now current (nil means idle).
func (s *Scheduler) Schedule(cpu int) *Task {
	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()

	prev := rq.curr
	if prev != nil {
		if prev.dlClass() {
			rq.preScheduleDL(prev)
		}

		switch prev.class {
		case ClassDeadline:
			rq.putPrevTaskDL(prev)
		case ClassFair:
			if prev.onRq {
				rq.putPrevTaskFair(prev)
			}
		}
	}

	next := rq.pickNextTaskDL()
	if next == nil {
		next = rq.pickNextTaskRT()
	}
	if next == nil {
		next = rq.pickNextTaskFair()
	}

	rq.curr = next
	rq.needResched = false

	post := rq.postSchedule
	rq.postSchedule = false
	rq.unlock()

	// Balance callbacks run after the switch, retaking the lock.
	if post {
		rq.lock()
		rq.postScheduleDL()
		rq.unlock()
	}

	return next
}

// TaskDead retires a task for good: its bandwidth leaves the domain and
// its enforcement timer is cancelled with no rq lock held.
func (s *Scheduler) TaskDead(p *Task) {
	rq := s.taskRqLock(p)
	rq.updateClock()
	if p.onRq {
		s.deactivateTask(rq, p)
	}
	if rq.taskRunning(p) {
		rq.curr = nil
		rq.reschedCurr()
	}
	p.dead = true
	rq.unlock()

	if p.isDLTask() {
		s.taskDeadDL(p)
	}
}

// SetCPUsAllowed changes the task's affinity.
func (s *Scheduler) SetCPUsAllowed(p *Task, mask cpumask.Mask) error {
	mask = mask.And(s.rd.span)
	if mask.Empty() {
		return fmt.Errorf("affinity mask selects no online cpu")
	}

	rq := s.taskRqLock(p)
	if p.dlClass() {
		rq.setCPUsAllowedDL(p, mask)
	} else {
		p.CPUsAllowed = mask
		p.DL.NrCPUsAllowed = mask.Weight()
	}
	rq.unlock()

	return nil
}

// SetCPUOnline flips a CPU's membership in the balancing domain,
// publishing or withdrawing its overload bit.
func (s *Scheduler) SetCPUOnline(cpu int, online bool) {
	rq := s.rqs[cpu]
	rq.lock()
	if online && !rq.online {
		rq.online = true
		rq.rqOnlineDL()
	} else if !online && rq.online {
		rq.rqOfflineDL()
		rq.online = false
	}
	rq.unlock()
}

// Curr returns the task currently running on the CPU, nil when idle.
func (s *Scheduler) Curr(cpu int) *Task {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.curr
}

// NeedResched reports whether the CPU has a pending reschedule request.
func (s *Scheduler) NeedResched(cpu int) bool {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.needResched
}

// RqStats snapshots the deadline statistics of one CPU.
func (s *Scheduler) RqStats(cpu int) RqStats {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.dl.stats
}

// NrRunningDL returns the number of ready deadline tasks on the CPU.
func (s *Scheduler) NrRunningDL(cpu int) int {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.dl.nrRunning
}
