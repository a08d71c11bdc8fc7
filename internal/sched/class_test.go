package sched

import (
	"testing"

	"deadline-sched/internal/cpumask"
)

func TestThrottleAndTimerReplenish(t *testing.T) {
	s, mock := newTestSched(1)
	p := newDLTask(t, s, "periodic", cpumask.Of(0), ms(2), ms(10), ms(10))

	s.WakeUp(p)
	if got := s.Schedule(0); got != p {
		t.Fatalf("schedule picked %v, want the only deadline task", got)
	}

	mock.Add(ms(1))
	s.Tick(0)
	mock.Add(ms(1))
	s.Tick(0)

	// Budget exhausted at t=2; replenishment due at the 10ms deadline.
	if !p.DL.Throttled {
		t.Fatal("task must be throttled once its budget is gone")
	}
	if !p.DL.timerArmed {
		t.Fatal("enforcement timer must be armed while throttled")
	}
	if p.DL.onDLRq() {
		t.Fatal("throttled task must leave the ready tree")
	}

	if got := s.Schedule(0); got != nil {
		t.Fatalf("cpu should idle while its only task is throttled, got %v", got)
	}

	mock.Add(ms(8))

	if p.DL.Throttled {
		t.Fatal("timer fire must clear the throttle")
	}
	if got, want := p.DL.Deadline, uint64(ms(20)); got != want {
		t.Fatalf("deadline = %d, want postponed one period to %d", got, want)
	}
	if got, want := p.DL.Runtime, int64(ms(2)); got != want {
		t.Fatalf("runtime = %d, want full budget %d", got, want)
	}
	if got := s.Schedule(0); got != p {
		t.Fatalf("replenished task must run again, got %v", got)
	}
}

func TestYieldSleepsUntilNextInstance(t *testing.T) {
	s, mock := newTestSched(1)
	p := newDLTask(t, s, "yielder", cpumask.Of(0), ms(3), ms(10), ms(10))

	s.WakeUp(p)
	s.Schedule(0)

	mock.Add(ms(1))
	s.Tick(0)
	s.Yield(0)

	if !p.DL.Throttled {
		t.Fatal("yield must park the task until its next instance")
	}
	if got := s.Schedule(0); got != nil {
		t.Fatalf("yielded task must not be picked, got %v", got)
	}

	// The enforcement timer fires at the old 10ms deadline; dl_new makes
	// the enqueue hand out a completely fresh instance.
	mock.Add(ms(9))

	if got, want := p.DL.Deadline, uint64(ms(20)); got != want {
		t.Fatalf("deadline = %d, want fresh %d", got, want)
	}
	if got, want := p.DL.Runtime, int64(ms(3)); got != want {
		t.Fatalf("runtime = %d, want fresh %d", got, want)
	}
	if got := s.Schedule(0); got != p {
		t.Fatalf("task must resume at its next instance, got %v", got)
	}
}

func TestEDFPreemptionOnWake(t *testing.T) {
	s, mock := newTestSched(1)
	long := newDLTask(t, s, "long", cpumask.Of(0), ms(20), ms(50), ms(50))
	short := newDLTask(t, s, "short", cpumask.Of(0), ms(2), ms(5), ms(5))

	s.WakeUp(long)
	s.Schedule(0)
	mock.Add(ms(10))
	s.Tick(0)

	s.WakeUp(short)

	if !s.NeedResched(0) {
		t.Fatal("earlier deadline wakeup must request a reschedule")
	}
	if got := s.Schedule(0); got != short {
		t.Fatalf("schedule picked %v, want the earlier deadline task", got)
	}
	if !long.DL.onDLRq() {
		t.Fatal("preempted task must stay on the ready tree")
	}
}

func TestReclaimRTDemotionAndRestore(t *testing.T) {
	s, mock := newTestSched(1)
	p := s.NewTask("reclaim-rt", cpumask.Of(0))
	p.RTPriority = 10
	err := s.SetDeadlinePolicy(p, SchedAttr{
		Runtime: ms(2), Deadline: ms(10), Period: ms(10), Flags: SFReclaimRT,
	})
	if err != nil {
		t.Fatalf("SetDeadlinePolicy: %v", err)
	}

	s.WakeUp(p)
	s.Schedule(0)
	mock.Add(ms(2))
	s.Tick(0)

	if !p.DL.Throttled {
		t.Fatal("budget exhaustion must throttle")
	}
	if got, want := p.EffectiveClass(), ClassRT; got != want {
		t.Fatalf("effective class = %v, want demotion to %v", got, want)
	}
	if got, want := p.Policy(), ClassDeadline; got != want {
		t.Fatalf("policy = %v, must stay %v across demotion", got, want)
	}

	// The demoted task keeps running on leftover capacity.
	if got := s.Schedule(0); got != p {
		t.Fatalf("demoted task should still be runnable, got %v", got)
	}

	// Replenishment promotes it back into the deadline class.
	mock.Add(ms(8))

	if got, want := p.EffectiveClass(), ClassDeadline; got != want {
		t.Fatalf("effective class = %v, want restored %v", got, want)
	}
	if p.DL.Throttled {
		t.Fatal("replenished task must not stay throttled")
	}
	if !p.DL.onDLRq() {
		t.Fatal("replenished task must be back on the ready tree")
	}
}

func TestForkStartsThrottled(t *testing.T) {
	s, _ := newTestSched(1)
	parent := newDLTask(t, s, "parent", cpumask.Of(0), ms(2), ms(10), ms(10))

	child := s.Fork(parent, "child")
	if !child.DL.Throttled {
		t.Fatal("deadline child must be born throttled")
	}
	if child.DL.New {
		t.Fatal("deadline child must not carry dl_new")
	}

	// Waking the child does nothing until parameters are installed.
	s.WakeUp(child)
	if got := s.NrRunningDL(0); got != 0 {
		t.Fatalf("throttled child entered the ready tree, nr_running = %d", got)
	}

	err := s.SetDeadlinePolicy(child, SchedAttr{Runtime: ms(1), Deadline: ms(5), Period: ms(5)})
	if err != nil {
		t.Fatalf("SetDeadlinePolicy(child): %v", err)
	}
	if got := s.NrRunningDL(0); got != 1 {
		t.Fatalf("installed child must be ready, nr_running = %d", got)
	}
}

func TestClassChangeCancelsTimerAndBandwidth(t *testing.T) {
	s, mock := newTestSched(1)
	p := newDLTask(t, s, "leaver", cpumask.Of(0), ms(2), ms(10), ms(10))

	if s.RootDomain().TotalBw() == 0 {
		t.Fatal("installing parameters must contribute bandwidth")
	}

	s.WakeUp(p)
	s.Schedule(0)
	mock.Add(ms(2))
	s.Tick(0)

	if !p.DL.Throttled || !p.DL.timerArmed {
		t.Fatal("setup failed: task should be throttled with a pending timer")
	}

	s.SetFairPolicy(p)

	if p.DL.timerArmed {
		t.Fatal("leaving the class must cancel the enforcement timer")
	}
	if got := s.RootDomain().TotalBw(); got != 0 {
		t.Fatalf("total_bw = %d, want 0 after the task left", got)
	}

	// Long after the old replenishment instant, the task must not
	// reappear on any deadline tree; it runs as a fair task.
	mock.Add(ms(50))
	if got := s.NrRunningDL(0); got != 0 {
		t.Fatalf("nr_running = %d, task leaked back into the deadline class", got)
	}
	if got := s.Schedule(0); got != p {
		t.Fatalf("task should run in the fair class, got %v", got)
	}
	if got, want := p.EffectiveClass(), ClassFair; got != want {
		t.Fatalf("effective class = %v, want %v", got, want)
	}
}

func TestTaskDeadWithdrawsBandwidth(t *testing.T) {
	s, mock := newTestSched(1)
	p := newDLTask(t, s, "doomed", cpumask.Of(0), ms(2), ms(10), ms(10))
	other := newDLTask(t, s, "survivor", cpumask.Of(0), ms(1), ms(20), ms(20))

	bwBoth := s.RootDomain().TotalBw()

	s.WakeUp(p)
	s.Schedule(0)
	mock.Add(ms(2))
	s.Tick(0)

	s.TaskDead(p)

	if p.DL.timerArmed {
		t.Fatal("task death must cancel the enforcement timer")
	}
	if got := s.RootDomain().TotalBw(); got >= bwBoth || got == 0 {
		t.Fatalf("total_bw = %d, want only the survivor's share left", got)
	}

	s.WakeUp(other)
	if got := s.Schedule(0); got != other {
		t.Fatalf("schedule picked %v, want the surviving task", got)
	}
	mock.Add(ms(30))
	if got := s.NrRunningDL(0); got != 1 {
		t.Fatalf("nr_running = %d, dead task must not return", got)
	}
}

func TestWaitIntervalPostponesWake(t *testing.T) {
	s, mock := newTestSched(1)
	p := newDLTask(t, s, "waiter", cpumask.Of(0), ms(4), ms(10), ms(20))

	s.WakeUp(p)
	s.Schedule(0)
	mock.Add(ms(1))
	s.Tick(0)

	// With no target the wake lands at deadline + period - dl_deadline.
	wake := s.WaitInterval(p, nil)
	if got, want := wake, uint64(ms(20)); got != want {
		t.Fatalf("wake = %d, want deadline+period-dl_deadline = %d", got, want)
	}
	if !p.DL.New {
		t.Fatal("wait-until-next-instance must mark a new instance")
	}

	// An early target that could reuse the current budget is postponed
	// to deadline - runtime*period/dl_runtime.
	p.DL.New = false
	target := uint64(ms(2))
	wake = s.WaitInterval(p, &target)
	want := p.DL.Deadline - uint64(p.DL.Runtime)*p.DL.DLPeriod/p.DL.DLRuntime
	if wake != want {
		t.Fatalf("wake = %d, want postponed to %d", wake, want)
	}

	// A target past the deadline is honored as given.
	p.DL.New = false
	target = uint64(ms(15))
	if wake = s.WaitInterval(p, &target); wake != target {
		t.Fatalf("wake = %d, want the requested %d", wake, target)
	}
}
