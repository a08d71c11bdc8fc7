package host

import (
	"bufio"
	"os"
	"runtime"
	"strings"
	"sync"

	"deadline-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

// HostConfig contains host system configuration information.
// This is initialized once on first use and annotates exported results;
// the simulated CPU count always comes from the configuration.
type HostConfig struct {
	CPUVendor    string
	CPUModel     string
	TotalThreads int

	Hostname      string
	OSInfo        string
	KernelVersion string

	logger *logrus.Logger
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration.
// It initializes the configuration on first call.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()

	hc := &HostConfig{
		TotalThreads: runtime.NumCPU(),
		OSInfo:       runtime.GOOS + "/" + runtime.GOARCH,
		logger:       logger,
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hc.Hostname = hostname

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			hc.KernelVersion = parts[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}

	hc.readCPUInfo()

	logger.WithFields(logrus.Fields{
		"hostname": hc.Hostname,
		"threads":  hc.TotalThreads,
		"model":    hc.CPUModel,
	}).Debug("Host configuration initialized")

	return hc, nil
}

func (hc *HostConfig) readCPUInfo() {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "vendor_id") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				hc.CPUVendor = strings.TrimSpace(parts[1])
			}
		} else if strings.HasPrefix(line, "model name") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				hc.CPUModel = strings.TrimSpace(parts[1])
			}
		}
		if hc.CPUVendor != "" && hc.CPUModel != "" {
			return
		}
	}
}
