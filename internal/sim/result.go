package sim

import (
	"time"

	"deadline-sched/internal/sched"
	"deadline-sched/internal/timeline"
)

// TaskResult is the per-task outcome of a simulation run.
type TaskResult struct {
	Name string
	PID  int

	Summary timeline.TaskSummary

	TotRuntime uint64
	DMissMax   uint64
	ROrunMax   uint64
}

// Result carries everything a finished run exports.
type Result struct {
	Name        string
	Description string

	Started  time.Time
	Finished time.Time

	SimTime time.Duration
	CPUs    int

	Tasks   []TaskResult
	RqStats []sched.RqStats

	EventsRecorded int
	EventsDropped  int
}

func (sim *Simulator) collect(started time.Time) *Result {
	res := &Result{
		Name:        sim.name,
		Description: sim.description,
		Started:     started,
		Finished:    time.Now(),
		SimTime:     sim.duration,
		CPUs:        sim.s.NrCPUs(),
	}

	for _, st := range sim.tasks {
		res.Tasks = append(res.Tasks, TaskResult{
			Name:       st.spec.Name,
			PID:        st.p.PID,
			Summary:    sim.rec.Summary(st.spec.Name),
			TotRuntime: st.p.DL.Stats.TotRuntime,
			DMissMax:   st.p.DL.Stats.DMissMax,
			ROrunMax:   st.p.DL.Stats.ROrunMax,
		})
	}

	for cpu := 0; cpu < sim.s.NrCPUs(); cpu++ {
		res.RqStats = append(res.RqStats, sim.s.RqStats(cpu))
	}

	res.EventsRecorded = len(sim.rec.Events())
	res.EventsDropped = sim.rec.Dropped()

	return res
}
