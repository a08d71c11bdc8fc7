package database

import (
	"context"
	"fmt"
	"time"

	"deadline-sched/internal/config"
	"deadline-sched/internal/host"
	"deadline-sched/internal/logging"
	"deadline-sched/internal/sim"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBClient(cfg config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}

	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": health.Message,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = cfg.Name
	}

	writeAPI := client.WriteAPIBlocking(cfg.Org, bucket)

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		bucket:   bucket,
		org:      cfg.Org,
	}, nil
}

// WriteResult exports a finished simulation: one metadata point for the
// run, one summary point per task, one statistics point per CPU.
func (idb *InfluxDBClient) WriteResult(res *sim.Result) error {
	ctx := context.Background()

	hc, err := host.GetHostConfig()
	if err != nil {
		return fmt.Errorf("failed to read host configuration: %w", err)
	}

	var points []*write.Point

	meta := influxdb2.NewPoint("simulation_run",
		map[string]string{
			"simulation": res.Name,
			"hostname":   hc.Hostname,
		},
		map[string]interface{}{
			"description":      res.Description,
			"sim_time_ns":      res.SimTime.Nanoseconds(),
			"cpus":             res.CPUs,
			"tasks":            len(res.Tasks),
			"wall_duration_ms": res.Finished.Sub(res.Started).Milliseconds(),
			"events_recorded":  res.EventsRecorded,
			"events_dropped":   res.EventsDropped,
			"os":               hc.OSInfo,
			"kernel":           hc.KernelVersion,
			"cpu_model":        hc.CPUModel,
		},
		res.Finished,
	)
	points = append(points, meta)

	for _, task := range res.Tasks {
		points = append(points, influxdb2.NewPoint("task_summary",
			map[string]string{
				"simulation": res.Name,
				"task":       task.Name,
			},
			map[string]interface{}{
				"pid":         task.PID,
				"releases":    task.Summary.Releases,
				"completions": task.Summary.Completions,
				"misses":      task.Summary.Misses,
				"throttles":   task.Summary.Throttles,
				"migrations":  task.Summary.Migrations,
				"yields":      task.Summary.Yields,
				"tot_runtime": int64(task.TotRuntime),
				"dmiss_max":   int64(task.DMissMax),
				"rorun_max":   int64(task.ROrunMax),
			},
			res.Finished,
		))
	}

	for cpu, stats := range res.RqStats {
		points = append(points, influxdb2.NewPoint("cpu_stats",
			map[string]string{
				"simulation": res.Name,
				"cpu":        fmt.Sprintf("%d", cpu),
			},
			map[string]interface{}{
				"nr_enqueue":     int64(stats.NrEnqueue),
				"nr_dequeue":     int64(stats.NrDequeue),
				"nr_push":        int64(stats.NrPush),
				"nr_retry_push":  int64(stats.NrRetryPush),
				"nr_pushed_away": int64(stats.NrPushedAway),
				"nr_pull":        int64(stats.NrPull),
				"nr_pulled_here": int64(stats.NrPulledHere),
				"exec_clock":     int64(stats.ExecClock),
			},
			res.Finished,
		))
	}

	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write simulation results: %w", err)
	}

	logging.GetLogger().WithFields(logrus.Fields{
		"simulation": res.Name,
		"points":     len(points),
	}).Info("Exported simulation results")

	return nil
}

func (idb *InfluxDBClient) Close() {
	idb.client.Close()
}
