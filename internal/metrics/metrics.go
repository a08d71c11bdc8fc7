package metrics

import (
	"strconv"

	"deadline-sched/internal/sched"

	"github.com/prometheus/client_golang/prometheus"
)

const MetricPrefix = "deadline_sched_"

var (
	nrEnqueueDesc = prometheus.NewDesc(
		MetricPrefix+"enqueue_total",
		"Number of deadline task enqueues",
		[]string{"cpu"},
		nil,
	)
	nrDequeueDesc = prometheus.NewDesc(
		MetricPrefix+"dequeue_total",
		"Number of deadline task dequeues",
		[]string{"cpu"},
		nil,
	)
	nrPushDesc = prometheus.NewDesc(
		MetricPrefix+"push_total",
		"Number of push attempts",
		[]string{"cpu"},
		nil,
	)
	nrRetryPushDesc = prometheus.NewDesc(
		MetricPrefix+"push_retries_total",
		"Number of push retries after a lost race",
		[]string{"cpu"},
		nil,
	)
	nrPushedAwayDesc = prometheus.NewDesc(
		MetricPrefix+"pushed_away_total",
		"Number of tasks pushed to another CPU",
		[]string{"cpu"},
		nil,
	)
	nrPullDesc = prometheus.NewDesc(
		MetricPrefix+"pull_total",
		"Number of pull attempts",
		[]string{"cpu"},
		nil,
	)
	nrPulledHereDesc = prometheus.NewDesc(
		MetricPrefix+"pulled_here_total",
		"Number of tasks pulled from another CPU",
		[]string{"cpu"},
		nil,
	)
	execClockDesc = prometheus.NewDesc(
		MetricPrefix+"exec_clock_nanoseconds_total",
		"Time executed by deadline tasks",
		[]string{"cpu"},
		nil,
	)
	nrRunningDesc = prometheus.NewDesc(
		MetricPrefix+"nr_running",
		"Ready deadline tasks on the CPU",
		[]string{"cpu"},
		nil,
	)

	taskRuntimeDesc = prometheus.NewDesc(
		MetricPrefix+"task_runtime_nanoseconds_total",
		"Total CPU time consumed by the task",
		[]string{"task"},
		nil,
	)
	taskDMissMaxDesc = prometheus.NewDesc(
		MetricPrefix+"task_deadline_miss_max_nanoseconds",
		"Largest observed deadline miss of the task",
		[]string{"task"},
		nil,
	)
	taskROrunMaxDesc = prometheus.NewDesc(
		MetricPrefix+"task_runtime_overrun_max_nanoseconds",
		"Largest observed runtime overrun of the task",
		[]string{"task"},
		nil,
	)
)

// SchedulerCollector exposes the deadline scheduling statistics of a
// scheduler instance. Everything reported here is observational; scraping
// never perturbs scheduling decisions.
type SchedulerCollector struct {
	s *sched.Scheduler
}

func NewSchedulerCollector(s *sched.Scheduler) *SchedulerCollector {
	return &SchedulerCollector{s: s}
}

func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- nrEnqueueDesc
	ch <- nrDequeueDesc
	ch <- nrPushDesc
	ch <- nrRetryPushDesc
	ch <- nrPushedAwayDesc
	ch <- nrPullDesc
	ch <- nrPulledHereDesc
	ch <- execClockDesc
	ch <- nrRunningDesc
	ch <- taskRuntimeDesc
	ch <- taskDMissMaxDesc
	ch <- taskROrunMaxDesc
}

func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	for cpu := 0; cpu < c.s.NrCPUs(); cpu++ {
		stats := c.s.RqStats(cpu)
		label := strconv.Itoa(cpu)

		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), label)
		}
		counter(nrEnqueueDesc, stats.NrEnqueue)
		counter(nrDequeueDesc, stats.NrDequeue)
		counter(nrPushDesc, stats.NrPush)
		counter(nrRetryPushDesc, stats.NrRetryPush)
		counter(nrPushedAwayDesc, stats.NrPushedAway)
		counter(nrPullDesc, stats.NrPull)
		counter(nrPulledHereDesc, stats.NrPulledHere)
		counter(execClockDesc, stats.ExecClock)

		ch <- prometheus.MustNewConstMetric(nrRunningDesc, prometheus.GaugeValue,
			float64(c.s.NrRunningDL(cpu)), label)
	}

	for _, p := range c.s.Tasks() {
		if p.Policy() != sched.ClassDeadline {
			continue
		}
		ch <- prometheus.MustNewConstMetric(taskRuntimeDesc, prometheus.CounterValue,
			float64(p.DL.Stats.TotRuntime), p.Comm)
		ch <- prometheus.MustNewConstMetric(taskDMissMaxDesc, prometheus.GaugeValue,
			float64(p.DL.Stats.DMissMax), p.Comm)
		ch <- prometheus.MustNewConstMetric(taskROrunMaxDesc, prometheus.GaugeValue,
			float64(p.DL.Stats.ROrunMax), p.Comm)
	}
}

// Register installs the collector on the default registry.
func Register(s *sched.Scheduler) {
	prometheus.MustRegister(NewSchedulerCollector(s))
}
