package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
simulation:
  name: smoke
  description: two task smoke test
  cpus: 2
  duration: 200ms
  tick: 100us

worker:
  index: 0
  runtime: 4ms
  deadline: 10ms
  period: 10ms
  demand: 20ms
  affinity: "0-1"

background:
  index: 1
  runtime: 3ms
  deadline: 15ms
  period: 15ms
  demand: 3ms
  affinity: "0"
  yield: true
`

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Simulation.Name != "smoke" {
		t.Fatalf("name = %q", cfg.Simulation.Name)
	}
	if got := cfg.GetMaxDuration(); got != 200*time.Millisecond {
		t.Fatalf("duration = %v", got)
	}
	if got := cfg.GetTick(); got != 100*time.Microsecond {
		t.Fatalf("tick = %v", got)
	}

	tasks := cfg.GetTasksSorted()
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if tasks[0].KeyName != "worker" || tasks[1].KeyName != "background" {
		t.Fatalf("task order = %q, %q", tasks[0].KeyName, tasks[1].KeyName)
	}
	if got := tasks[0].Runtime.Std(); got != 4*time.Millisecond {
		t.Fatalf("worker runtime = %v", got)
	}
	if got, want := tasks[0].CPUCores, []int{0, 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("worker cores = %v, want %v", got, want)
	}
	if !tasks[1].Yield {
		t.Fatal("background task should have yield set")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("SIM_CPUS", "3")
	path := writeConfig(t, `
simulation:
  name: env
  cpus: ${SIM_CPUS}

only:
  index: 0
  runtime: 1ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Simulation.CPUs != 3 {
		t.Fatalf("cpus = %d, want expanded 3", cfg.Simulation.CPUs)
	}
}

func TestParseCPUSpec(t *testing.T) {
	cases := []struct {
		spec string
		want []int
	}{
		{"0", []int{0}},
		{"0,2,4", []int{0, 2, 4}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-1,3", []int{0, 1, 3}},
		{"1, 2", []int{1, 2}},
	}
	for _, c := range cases {
		got, err := ParseCPUSpec(c.spec)
		if err != nil {
			t.Fatalf("ParseCPUSpec(%q): %v", c.spec, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("ParseCPUSpec(%q) = %v, want %v", c.spec, got, c.want)
		}
	}

	for _, bad := range []string{"", "a", "3-1", "1-2-3"} {
		if _, err := ParseCPUSpec(bad); err == nil {
			t.Fatalf("ParseCPUSpec(%q) should fail", bad)
		}
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `
simulation:
  cpus: 1
t:
  index: 0
  runtime: 1ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
`},
		{"runtime over deadline", `
simulation:
  name: x
  cpus: 1
t:
  index: 0
  runtime: 6ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
`},
		{"deadline over period", `
simulation:
  name: x
  cpus: 1
t:
  index: 0
  runtime: 1ms
  deadline: 9ms
  period: 5ms
  demand: 1ms
`},
		{"affinity outside range", `
simulation:
  name: x
  cpus: 1
t:
  index: 0
  runtime: 1ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
  affinity: "3"
`},
		{"duplicate index", `
simulation:
  name: x
  cpus: 1
a:
  index: 0
  runtime: 1ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
b:
  index: 0
  runtime: 1ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
`},
		{"unknown reclaim", `
simulation:
  name: x
  cpus: 1
t:
  index: 0
  runtime: 1ms
  deadline: 5ms
  period: 5ms
  demand: 1ms
  reclaim: bogus
`},
	}

	for _, c := range cases {
		path := writeConfig(t, c.content)
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("%s: config should have been rejected", c.name)
		}
	}
}
