package config

import (
	"time"
)

// SimulationConfig is the root of a simulation description file.
type SimulationConfig struct {
	Simulation SimulationInfo        `yaml:"simulation"`
	Tasks      map[string]TaskConfig `yaml:",inline"`
}

type SimulationInfo struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	CPUs        int        `yaml:"cpus"`
	Duration    Duration   `yaml:"duration"`
	Tick        Duration   `yaml:"tick"`
	HRTick      bool       `yaml:"hrtick"`
	LogLevel    string     `yaml:"log_level"`
	Data        DataConfig `yaml:"data"`
}

type DataConfig struct {
	DB DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host   string `yaml:"host"`
	Name   string `yaml:"name"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// TaskConfig describes one periodic deadline task of the simulated set.
// Runtime/Deadline/Period are the declared scheduling parameters; Demand
// is what the task actually tries to execute per instance, which may
// exceed the declared runtime for misbehaving workloads.
type TaskConfig struct {
	KeyName string `yaml:"-"`

	Index    int      `yaml:"index"`
	Runtime  Duration `yaml:"runtime"`
	Deadline Duration `yaml:"deadline"`
	Period   Duration `yaml:"period"`
	Demand   Duration `yaml:"demand"`
	Release  Duration `yaml:"release,omitempty"`

	// Affinity is a cpuset-style string like "0", "0,2" or "0-3"; empty
	// means all simulated CPUs.
	Affinity string `yaml:"affinity,omitempty"`
	CPUCores []int  `yaml:"-"`

	// Head marks a system-critical task; Reclaim selects the throttling
	// replacement behavior ("dl", "rt" or "nr").
	Head    bool   `yaml:"head,omitempty"`
	Reclaim string `yaml:"reclaim,omitempty"`

	// Yield makes the task call yield after finishing each instance
	// instead of sleeping until the next one.
	Yield bool `yaml:"yield,omitempty"`
}

func (c *SimulationConfig) GetMaxDuration() time.Duration {
	if c.Simulation.Duration <= 0 {
		return time.Second
	}
	return c.Simulation.Duration.Std()
}

func (c *SimulationConfig) GetTick() time.Duration {
	if c.Simulation.Tick <= 0 {
		return 100 * time.Microsecond
	}
	return c.Simulation.Tick.Std()
}

// GetTasksSorted returns the tasks ordered by index.
func (c *SimulationConfig) GetTasksSorted() []TaskConfig {
	var tasks []TaskConfig
	for _, task := range c.Tasks {
		tasks = append(tasks, task)
	}

	for i := 0; i < len(tasks)-1; i++ {
		for j := i + 1; j < len(tasks); j++ {
			if tasks[i].Index > tasks[j].Index {
				tasks[i], tasks[j] = tasks[j], tasks[i]
			}
		}
	}

	return tasks
}
