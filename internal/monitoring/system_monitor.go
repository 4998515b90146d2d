package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"market-stream/internal/types"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current process resource measurements
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes int64
	MemoryMB    float64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples process CPU and memory on a fixed interval and
// publishes the results to Prometheus gauges and the shared Stats struct.
// Measure once, query many times: the health handler reads the last sample
// instead of hitting the OS on every request.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger
	stats  *types.Stats

	mu      sync.RWMutex
	metrics SystemMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process.
func NewSystemMonitor(logger zerolog.Logger, stats *types.Stats) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	return &SystemMonitor{
		proc:   proc,
		logger: logger.With().Str("component", "system_monitor").Logger(),
		stats:  stats,
	}, nil
}

// Start begins periodic sampling. Stop cancels it.
func (sm *SystemMonitor) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.sample()

		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()

	sm.logger.Info().Dur("interval", interval).Msg("System monitor started")
}

// Stop halts sampling and waits for the goroutine to exit.
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

// Metrics returns the most recent sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

func (sm *SystemMonitor) sample() {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if cpu, err := sm.proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	} else {
		sm.logger.Debug().Err(err).Msg("Failed to sample CPU")
	}

	if mem, err := sm.proc.MemoryInfo(); err == nil && mem != nil {
		m.MemoryBytes = int64(mem.RSS)
		m.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	} else if err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to sample memory")
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	if sm.stats != nil {
		sm.stats.Mu.Lock()
		sm.stats.CPUPercent = m.CPUPercent
		sm.stats.MemoryMB = m.MemoryMB
		sm.stats.Mu.Unlock()
	}

	UpdateSystemMetrics(m.CPUPercent, m.MemoryBytes, m.Goroutines)
}
