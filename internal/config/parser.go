package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"deadline-sched/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*SimulationConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*SimulationConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	// Expand environment variables
	expanded := expandEnvVars(originalContent)

	var config SimulationConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	// Set KeyName for each task based on the YAML key and parse the
	// affinity specification.
	for keyName, task := range config.Tasks {
		task.KeyName = keyName

		if task.Affinity != "" {
			cpus, err := ParseCPUSpec(task.Affinity)
			if err != nil {
				logger.WithField("task", keyName).WithField("affinity", task.Affinity).WithError(err).Error("Failed to parse CPU specification")
				return nil, "", fmt.Errorf("task %s: invalid CPU specification '%s': %w", keyName, task.Affinity, err)
			}
			task.CPUCores = cpus
		}

		config.Tasks[keyName] = task
	}

	if err := validateConfig(&config); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	return &config, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUSpec parses CPU specification strings like "0", "0,2,4" or "0-3".
func ParseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}

	return cpus, nil
}

func validateConfig(config *SimulationConfig) error {
	if config.Simulation.Name == "" {
		return fmt.Errorf("simulation name is required")
	}

	if config.Simulation.CPUs <= 0 {
		return fmt.Errorf("cpus must be greater than 0")
	}

	if len(config.Tasks) == 0 {
		return fmt.Errorf("at least one task must be defined")
	}

	indices := make(map[int]bool)
	for name, task := range config.Tasks {
		if task.Runtime <= 0 || task.Deadline <= 0 {
			return fmt.Errorf("task %s: runtime and deadline are required", name)
		}

		if task.Runtime > task.Deadline {
			return fmt.Errorf("task %s: runtime exceeds deadline", name)
		}

		if task.Period != 0 && task.Deadline > task.Period {
			return fmt.Errorf("task %s: deadline exceeds period", name)
		}

		if task.Demand <= 0 {
			return fmt.Errorf("task %s: demand must be greater than 0", name)
		}

		switch task.Reclaim {
		case "", "dl", "rt", "nr":
		default:
			return fmt.Errorf("task %s: unknown reclaim mode %q", name, task.Reclaim)
		}

		for _, cpu := range task.CPUCores {
			if cpu < 0 || cpu >= config.Simulation.CPUs {
				return fmt.Errorf("task %s: CPU %d outside the simulated range", name, cpu)
			}
		}

		if indices[task.Index] {
			return fmt.Errorf("task %s: index %d is already used", name, task.Index)
		}
		indices[task.Index] = true
	}

	return nil
}
