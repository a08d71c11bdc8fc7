package sim

import (
	"fmt"
	"time"

	"deadline-sched/internal/config"
	"deadline-sched/internal/cpumask"
	"deadline-sched/internal/logging"
	"deadline-sched/internal/sched"
	"deadline-sched/internal/timeline"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// TaskSpec describes one simulated periodic task: its declared deadline
// parameters and what it actually does per instance.
type TaskSpec struct {
	Name     string
	Runtime  time.Duration
	Deadline time.Duration
	Period   time.Duration

	// Demand is the CPU time one instance really wants. A demand above
	// Runtime models a misbehaving task.
	Demand  time.Duration
	Release time.Duration

	// Affinity limits the task to these CPUs; zero means all.
	Affinity cpumask.Mask

	Head    bool
	Reclaim string
	Yield   bool
}

func (ts TaskSpec) flags() sched.Flags {
	var f sched.Flags
	if ts.Head {
		f |= sched.SFHead
	}
	switch ts.Reclaim {
	case "dl":
		f |= sched.SFReclaimDL
	case "rt":
		f |= sched.SFReclaimRT
	case "nr":
		f |= sched.SFReclaimNR
	}
	return f
}

// greedy tells if the task never sleeps on its own: a task whose demand
// exceeds its declared runtime is modeled as always-ready, with work
// arriving every period.
func (ts TaskSpec) greedy() bool { return ts.Demand > ts.Runtime }

type simTask struct {
	spec TaskSpec
	p    *sched.Task

	remaining time.Duration
	deadline  time.Duration
	active    bool

	// backlog holds release instants of jobs that arrived while a
	// previous one was still executing (greedy tasks only).
	backlog []time.Duration

	yielded      bool
	lastCPU      int
	wasThrottled bool
}

// Simulator drives a multi-CPU scheduler on a mock clock with a fixed-step
// tick, executing the configured task set and recording what happens.
type Simulator struct {
	clk      *clock.Mock
	s        *sched.Scheduler
	tick     time.Duration
	duration time.Duration
	rec      *timeline.Recorder
	logger   *logrus.Logger

	name        string
	description string

	tasks  []*simTask
	byTask map[*sched.Task]*simTask
}

// New builds a simulator for the given CPU count and task set.
func New(cpus int, tick, duration time.Duration, specs []TaskSpec, opts ...sched.Option) (*Simulator, error) {
	if cpus <= 0 || cpus > cpumask.MaxCPUs {
		return nil, fmt.Errorf("cpu count must be between 1 and %d", cpumask.MaxCPUs)
	}
	if tick <= 0 || duration <= 0 {
		return nil, fmt.Errorf("tick and duration must be positive")
	}

	mock := clock.NewMock()
	opts = append([]sched.Option{sched.WithClock(mock)}, opts...)

	sim := &Simulator{
		clk:      mock,
		s:        sched.New(cpus, opts...),
		tick:     tick,
		duration: duration,
		rec:      timeline.NewRecorder(),
		logger:   logging.GetLogger(),
		byTask:   make(map[*sched.Task]*simTask),
	}

	for _, spec := range specs {
		if err := sim.addTask(spec); err != nil {
			return nil, err
		}
	}

	return sim, nil
}

// NewFromConfig builds a simulator from a loaded simulation config.
func NewFromConfig(cfg *config.SimulationConfig) (*Simulator, error) {
	var specs []TaskSpec
	for _, tc := range cfg.GetTasksSorted() {
		specs = append(specs, TaskSpec{
			Name:     tc.KeyName,
			Runtime:  tc.Runtime.Std(),
			Deadline: tc.Deadline.Std(),
			Period:   tc.Period.Std(),
			Demand:   tc.Demand.Std(),
			Release:  tc.Release.Std(),
			Affinity: cpumask.Of(tc.CPUCores...),
			Head:     tc.Head,
			Reclaim:  tc.Reclaim,
			Yield:    tc.Yield,
		})
	}

	var opts []sched.Option
	if cfg.Simulation.HRTick {
		opts = append(opts, sched.WithHRTick())
	}

	sim, err := New(cfg.Simulation.CPUs, cfg.GetTick(), cfg.GetMaxDuration(), specs, opts...)
	if err != nil {
		return nil, err
	}
	sim.name = cfg.Simulation.Name
	sim.description = cfg.Simulation.Description
	return sim, nil
}

// Scheduler exposes the underlying scheduler, mostly for tests.
func (sim *Simulator) Scheduler() *sched.Scheduler { return sim.s }

// Recorder exposes the event recorder.
func (sim *Simulator) Recorder() *timeline.Recorder { return sim.rec }

// Clock exposes the mock time base.
func (sim *Simulator) Clock() *clock.Mock { return sim.clk }

func (sim *Simulator) addTask(spec TaskSpec) error {
	if spec.Demand <= 0 {
		return fmt.Errorf("task %s: demand must be positive", spec.Name)
	}

	affinity := spec.Affinity
	if affinity.Empty() {
		affinity = cpumask.Full(sim.s.NrCPUs())
	}

	p := sim.s.NewTask(spec.Name, affinity)
	period := spec.Period
	if period == 0 {
		period = spec.Deadline
	}

	err := sim.s.SetDeadlinePolicy(p, sched.SchedAttr{
		Runtime:  spec.Runtime,
		Deadline: spec.Deadline,
		Period:   period,
		Flags:    spec.flags(),
	})
	if err != nil {
		return fmt.Errorf("task %s: %w", spec.Name, err)
	}

	spec.Period = period
	st := &simTask{spec: spec, p: p, lastCPU: -1}
	sim.tasks = append(sim.tasks, st)
	sim.byTask[p] = st

	return nil
}

func (sim *Simulator) now() time.Duration {
	return time.Duration(sim.clk.Now().UnixNano())
}

func (sim *Simulator) startJob(st *simTask, release time.Duration) {
	st.remaining += st.spec.Demand
	st.deadline = release + st.spec.Deadline
	st.active = true
	sim.rec.Record(release, st.spec.Name, st.p.CPU(), timeline.EventReleased)
}

// release handles a wakeup instant for a sleeping task.
func (sim *Simulator) release(st *simTask) {
	sim.startJob(st, sim.now())
	sim.s.WakeUp(st.p)
}

// greedyRelease handles a periodic arrival for an always-ready task.
func (sim *Simulator) greedyRelease(st *simTask, k int) {
	now := sim.now()
	if !st.active {
		sim.startJob(st, now)
		sim.s.WakeUp(st.p)
	} else {
		st.backlog = append(st.backlog, now)
		sim.rec.Record(now, st.spec.Name, st.p.CPU(), timeline.EventReleased)
	}

	next := st.spec.Release + time.Duration(k+1)*st.spec.Period
	sim.clk.AfterFunc(next-now, func() { sim.greedyRelease(st, k+1) })
}

func (sim *Simulator) install(st *simTask) {
	if st.spec.greedy() {
		if st.spec.Release <= 0 {
			sim.greedyRelease(st, 0)
		} else {
			sim.clk.AfterFunc(st.spec.Release, func() { sim.greedyRelease(st, 0) })
		}
		return
	}

	if st.spec.Release <= 0 {
		sim.release(st)
	} else {
		sim.clk.AfterFunc(st.spec.Release, func() { sim.release(st) })
	}
}

// complete wraps up the job the task just finished and decides what it
// does next: pick up backlog, yield, or sleep until the next instance.
func (sim *Simulator) complete(st *simTask, cpu int) {
	now := sim.now()

	sim.rec.Record(now, st.spec.Name, cpu, timeline.EventCompleted)
	if now > st.deadline {
		sim.rec.Record(now, st.spec.Name, cpu, timeline.EventDeadlineMiss)
	}

	if len(st.backlog) > 0 {
		release := st.backlog[0]
		st.backlog = st.backlog[1:]
		st.remaining += st.spec.Demand
		st.deadline = release + st.spec.Deadline
		return
	}

	if st.spec.greedy() {
		// Stays runnable, waiting for the next arrival.
		st.active = false
		st.remaining = 0
		return
	}

	if st.spec.Yield {
		sim.s.Yield(cpu)
		sim.rec.Record(now, st.spec.Name, cpu, timeline.EventYielded)
		st.yielded = true
		st.active = false
		return
	}

	st.active = false
	wake := time.Duration(sim.s.WaitInterval(st.p, nil))
	sim.s.Block(st.p)
	if wake <= now {
		sim.release(st)
		return
	}
	sim.clk.AfterFunc(wake-now, func() { sim.release(st) })
}

// charge burns d of the running task's demand and completes jobs whose
// demand ran out.
func (sim *Simulator) charge(st *simTask, cpu int, d time.Duration) {
	if st.yielded {
		// First execution after a yield: the replenishment gave the task
		// a new instance.
		sim.startJob(st, sim.now()-d)
		st.yielded = false
	}
	if !st.active {
		return
	}

	st.remaining -= d
	if st.remaining <= 0 {
		sim.complete(st, cpu)
	}
}

// scheduleAll runs the schedule loop on every CPU that asked for it and
// records resulting pick/migration events.
func (sim *Simulator) scheduleAll() {
	for cpu := 0; cpu < sim.s.NrCPUs(); cpu++ {
		if !sim.s.NeedResched(cpu) && sim.s.Curr(cpu) != nil {
			continue
		}
		prev := sim.s.Curr(cpu)
		next := sim.s.Schedule(cpu)
		if next == nil || next == prev {
			continue
		}
		if st := sim.byTask[next]; st != nil {
			sim.rec.Record(sim.now(), st.spec.Name, cpu, timeline.EventPicked)
			if st.lastCPU != -1 && st.lastCPU != cpu {
				sim.rec.Record(sim.now(), st.spec.Name, cpu, timeline.EventMigrated)
			}
			st.lastCPU = cpu
		}
	}
}

// observeThrottle records throttle state transitions.
func (sim *Simulator) observeThrottles() {
	for _, st := range sim.tasks {
		throttled := st.p.DL.Throttled
		if throttled != st.wasThrottled {
			kind := timeline.EventReplenished
			if throttled {
				kind = timeline.EventThrottled
			}
			sim.rec.Record(sim.now(), st.spec.Name, st.p.CPU(), kind)
			st.wasThrottled = throttled
		}
	}
}

// Step advances the simulation by one tick.
func (sim *Simulator) Step() {
	nrCPUs := sim.s.NrCPUs()

	sim.scheduleAll()

	running := make([]*sched.Task, nrCPUs)
	for cpu := 0; cpu < nrCPUs; cpu++ {
		running[cpu] = sim.s.Curr(cpu)
	}

	// Advancing the mock clock delivers due releases, wakeups and
	// replenishment timers.
	sim.clk.Add(sim.tick)

	for cpu, p := range running {
		if p == nil {
			continue
		}
		if st := sim.byTask[p]; st != nil {
			sim.charge(st, cpu, sim.tick)
		}
	}

	for cpu := 0; cpu < nrCPUs; cpu++ {
		sim.s.Tick(cpu)
	}

	sim.observeThrottles()
}

// Start releases the task set into the scheduler. Tests drive Step
// themselves after this; Run does both.
func (sim *Simulator) Start() {
	for _, st := range sim.tasks {
		sim.install(st)
	}
}

// Run executes the whole simulation and returns its results.
func (sim *Simulator) Run() (*Result, error) {
	started := time.Now()

	sim.Start()

	steps := int(sim.duration / sim.tick)
	for i := 0; i < steps; i++ {
		sim.Step()
	}

	sim.logger.WithFields(logrus.Fields{
		"simulation": sim.name,
		"sim_time":   sim.duration,
		"tasks":      len(sim.tasks),
		"cpus":       sim.s.NrCPUs(),
	}).Info("Simulation finished")

	return sim.collect(started), nil
}
