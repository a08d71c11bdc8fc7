package sim

import (
	"testing"
	"time"

	"deadline-sched/internal/cpumask"
	"deadline-sched/internal/timeline"
)

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

func mustSim(t *testing.T, cpus int, duration time.Duration, specs []TaskSpec) *Simulator {
	t.Helper()
	s, err := New(cpus, 100*time.Microsecond, duration, specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func stepUntil(sim *Simulator, until time.Duration) {
	for sim.now() < until {
		sim.Step()
	}
}

func eventsOf(events []timeline.Event, task string, kind timeline.EventKind) []timeline.Event {
	var out []timeline.Event
	for _, e := range events {
		if e.Task == task && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// A misbehaving task overrunning its budget fivefold must not disturb a
// conforming one sharing the CPU: the overrunner is confined to its
// declared bandwidth by throttling, its deadline walking forward in whole
// periods.
func TestIsolationUnderOverrun(t *testing.T) {
	sim := mustSim(t, 1, ms(200), []TaskSpec{
		{Name: "A", Runtime: ms(4), Deadline: ms(10), Period: ms(10), Demand: ms(20)},
		{Name: "B", Runtime: ms(3), Deadline: ms(15), Period: ms(15), Demand: ms(3)},
	})

	res, err := sim.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var a, b TaskResult
	for _, tr := range res.Tasks {
		switch tr.Name {
		case "A":
			a = tr
		case "B":
			b = tr
		}
	}

	if b.Summary.Misses != 0 {
		t.Fatalf("conforming task missed %d deadlines", b.Summary.Misses)
	}
	if b.Summary.Completions < 13 {
		t.Fatalf("conforming task completed %d instances, want at least 13", b.Summary.Completions)
	}

	if a.Summary.Throttles == 0 {
		t.Fatal("the overrunner must have been throttled")
	}

	// Each replenishment advances the deadline by whole periods, so it
	// stays a multiple of 10ms forever.
	deadline := sim.tasks[0].p.DL.Deadline
	if deadline%uint64(ms(10)) != 0 {
		t.Fatalf("overrunner deadline %d is not a whole multiple of its period", deadline)
	}

	// Bandwidth isolation: over 200ms the overrunner gets at most
	// ceil(200/10)*4 + 4 = 84ms of CPU.
	if a.TotRuntime > uint64(ms(84)) {
		t.Fatalf("overrunner consumed %d ns, beyond its bandwidth bound", a.TotRuntime)
	}
}

// EDF dispatch: a short-deadline release preempts the running task
// immediately and runs to completion before it resumes.
func TestEDFPreemptionScenario(t *testing.T) {
	sim := mustSim(t, 1, ms(20), []TaskSpec{
		{Name: "C", Runtime: ms(5), Deadline: ms(50), Period: ms(50), Demand: ms(5), Release: ms(8)},
		{Name: "D", Runtime: ms(2), Deadline: ms(5), Period: ms(5), Demand: ms(2), Release: ms(10)},
	})
	sim.Start()

	stepUntil(sim, ms(11))
	if curr := sim.s.Curr(0); curr == nil || curr.Comm != "D" {
		t.Fatalf("at t=11ms the short-deadline task must run, curr=%v", curr)
	}

	stepUntil(sim, ms(20))
	events := sim.rec.Events()

	dDone := eventsOf(events, "D", timeline.EventCompleted)
	if len(dDone) == 0 || dDone[0].At != ms(12) {
		t.Fatalf("short task completion = %v, want exactly t=12ms", dDone)
	}

	cDone := eventsOf(events, "C", timeline.EventCompleted)
	if len(cDone) == 0 || cDone[0].At != ms(15) {
		t.Fatalf("preempted task completion = %v, want resumed and done at t=15ms", cDone)
	}
	if len(eventsOf(events, "C", timeline.EventDeadlineMiss)) != 0 {
		t.Fatal("the preempted task still had plenty of slack")
	}
}

// Yield semantics: finishing early and yielding parks the task until the
// start of its next instance, where it wakes with a full fresh budget.
func TestYieldFreshnessScenario(t *testing.T) {
	sim := mustSim(t, 1, ms(25), []TaskSpec{
		{Name: "E", Runtime: ms(3), Deadline: ms(10), Period: ms(10), Demand: ms(1), Yield: true},
	})
	sim.Start()

	stepUntil(sim, ms(10))

	e := sim.tasks[0]
	if got, want := e.p.DL.Deadline, uint64(ms(20)); got != want {
		t.Fatalf("deadline after the yield-sleep = %d, want %d", got, want)
	}
	if got, want := e.p.DL.Runtime, int64(ms(3)); got != want {
		t.Fatalf("runtime after the yield-sleep = %d, want the full budget %d", got, want)
	}

	yields := eventsOf(sim.rec.Events(), "E", timeline.EventYielded)
	if len(yields) == 0 || yields[0].At != ms(1) {
		t.Fatalf("yield events = %v, want the first at t=1ms", yields)
	}
}

// Wakeup placement: a short-deadline wakee must end up executing at once
// on a two-CPU system, whether the second CPU is idle or running a far
// later deadline.
func TestWakePlacementScenario(t *testing.T) {
	for _, withH := range []bool{false, true} {
		specs := []TaskSpec{
			{Name: "F", Runtime: ms(5), Deadline: ms(20), Period: ms(20), Demand: ms(18), Affinity: cpumask.Of(0, 1)},
			{Name: "G", Runtime: ms(2), Deadline: ms(5), Period: ms(5), Demand: ms(2), Release: ms(2), Affinity: cpumask.Of(0, 1)},
		}
		if withH {
			specs = append(specs, TaskSpec{
				Name: "H", Runtime: ms(50), Deadline: ms(100), Period: ms(100),
				Demand: ms(90), Affinity: cpumask.Of(1),
			})
		}

		sim := mustSim(t, 2, ms(10), specs)
		sim.Start()
		stepUntil(sim, ms(3))

		var gRuns, fRuns bool
		for cpu := 0; cpu < 2; cpu++ {
			if curr := sim.s.Curr(cpu); curr != nil {
				switch curr.Comm {
				case "G":
					gRuns = true
				case "F":
					fRuns = true
				}
			}
		}

		if !gRuns {
			t.Fatalf("withH=%v: the earliest deadline task is not running anywhere", withH)
		}
		if !fRuns {
			t.Fatalf("withH=%v: the displaced task must keep running on the other CPU", withH)
		}
	}
}

// A conforming task set is never throttled outside voluntary yields and
// misses nothing.
func TestConformingTasksNeverThrottle(t *testing.T) {
	sim := mustSim(t, 2, ms(500), []TaskSpec{
		{Name: "t1", Runtime: ms(2), Deadline: ms(10), Period: ms(10), Demand: 1800 * time.Microsecond},
		{Name: "t2", Runtime: ms(3), Deadline: ms(20), Period: ms(20), Demand: 2800 * time.Microsecond},
		{Name: "t3", Runtime: ms(4), Deadline: ms(40), Period: ms(40), Demand: 3800 * time.Microsecond},
	})

	res, err := sim.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, tr := range res.Tasks {
		if tr.Summary.Throttles != 0 {
			t.Fatalf("conforming task %s throttled %d times", tr.Name, tr.Summary.Throttles)
		}
		if tr.Summary.Misses != 0 {
			t.Fatalf("conforming task %s missed %d deadlines", tr.Name, tr.Summary.Misses)
		}
	}
}

// Round-trip pacing: a periodic task that sleeps via
// wait-until-next-instance wakes no faster than once per period.
func TestPeriodicWakeSpacing(t *testing.T) {
	sim := mustSim(t, 1, ms(300), []TaskSpec{
		{Name: "tick", Runtime: ms(2), Deadline: ms(10), Period: ms(30), Demand: 1500 * time.Microsecond},
	})

	if _, err := sim.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	releases := eventsOf(sim.rec.Events(), "tick", timeline.EventReleased)
	if len(releases) < 5 {
		t.Fatalf("only %d releases recorded", len(releases))
	}
	for i := 1; i < len(releases); i++ {
		if gap := releases[i].At - releases[i-1].At; gap < ms(30) {
			t.Fatalf("wake %d only %v after its predecessor, want at least the period", i, gap)
		}
	}
}

// Push engine under load: with one CPU overloaded and one idle, ready
// tasks spread out so both earliest deadlines execute.
func TestOverloadSpreadsAcrossCPUs(t *testing.T) {
	sim := mustSim(t, 2, ms(100), []TaskSpec{
		{Name: "p1", Runtime: ms(4), Deadline: ms(10), Period: ms(10), Demand: ms(9), Affinity: cpumask.Of(0, 1)},
		{Name: "p2", Runtime: ms(4), Deadline: ms(10), Period: ms(10), Demand: ms(9), Affinity: cpumask.Of(0, 1)},
	})

	res, err := sim.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var moved uint64
	for _, st := range res.RqStats {
		moved += st.NrPushedAway + st.NrPulledHere
	}
	if moved == 0 {
		t.Fatal("two greedy migratable tasks on one home CPU must get balanced")
	}

	busy := 0
	for cpu := 0; cpu < 2; cpu++ {
		if res.RqStats[cpu].ExecClock > 0 {
			busy++
		}
	}
	if busy != 2 {
		t.Fatalf("only %d CPUs ever executed deadline work, want both", busy)
	}
}
