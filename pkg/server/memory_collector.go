package server

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/common"
)

const mb = 1024 * 1024

type MemoryMonitorConfig struct {
	Enabled             bool          `yaml:"enabled" default:"true"`
	Interval            time.Duration `yaml:"interval" default:"1m"`
	WarningThresholdMB  uint64        `yaml:"warningThresholdMB" default:"2048"`
	CriticalThresholdMB uint64        `yaml:"criticalThresholdMB" default:"4096"`
}

func (c *MemoryMonitorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Interval <= 0 {
		c.Interval = time.Minute
	}

	if c.CriticalThresholdMB > 0 && c.CriticalThresholdMB < c.WarningThresholdMB {
		return fmt.Errorf("criticalThresholdMB (%d) must not be below warningThresholdMB (%d)",
			c.CriticalThresholdMB, c.WarningThresholdMB)
	}

	return nil
}

// MemoryStatsCollector samples runtime memory on a schedule, exports it and
// logs when heap usage crosses the configured thresholds.
type MemoryStatsCollector struct {
	log       logrus.FieldLogger
	config    MemoryMonitorConfig
	scheduler *gocron.Scheduler

	read      func(*runtime.MemStats)
	peakAlloc uint64
}

func NewMemoryStatsCollector(log logrus.FieldLogger, config MemoryMonitorConfig) *MemoryStatsCollector {
	return &MemoryStatsCollector{
		log:    log.WithField("component", "memory_stats_collector"),
		config: config,
		read:   runtime.ReadMemStats,
	}
}

func (m *MemoryStatsCollector) Start(_ context.Context) error {
	if !m.config.Enabled {
		m.log.Debug("Memory stats collector disabled")

		return nil
	}

	m.scheduler = gocron.NewScheduler(time.Local)
	m.scheduler.SingletonModeAll()

	if _, err := m.scheduler.Every(m.config.Interval).Do(func() { m.collect() }); err != nil {
		return fmt.Errorf("failed to schedule memory stats: %w", err)
	}

	m.scheduler.StartAsync()

	return nil
}

func (m *MemoryStatsCollector) Stop(_ context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}

	return nil
}

// collect returns the pressure level of the sample: "", warning or critical.
func (m *MemoryStatsCollector) collect() string {
	var ms runtime.MemStats

	m.read(&ms)

	common.MemoryUsage.WithLabelValues("alloc").Set(float64(ms.Alloc))
	common.MemoryUsage.WithLabelValues("sys").Set(float64(ms.Sys))
	common.MemoryUsage.WithLabelValues("heap_inuse").Set(float64(ms.HeapInuse))
	common.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	m.peakAlloc = max(m.peakAlloc, ms.Alloc)

	fields := logrus.Fields{
		"alloc_mb":     ms.Alloc / mb,
		"sys_mb":       ms.Sys / mb,
		"peak_mb":      m.peakAlloc / mb,
		"num_gc":       ms.NumGC,
		"goroutines":   runtime.NumGoroutine(),
		"gc_cpu_pct":   fmt.Sprintf("%.2f", ms.GCCPUFraction*100),
		"threshold_mb": uint64(0),
	}

	allocMB := ms.Alloc / mb

	switch {
	case m.config.CriticalThresholdMB > 0 && allocMB > m.config.CriticalThresholdMB:
		fields["threshold_mb"] = m.config.CriticalThresholdMB
		m.log.WithFields(fields).Error("Critical memory usage")
		common.MemoryPressureEvents.WithLabelValues("critical").Inc()

		return "critical"
	case m.config.WarningThresholdMB > 0 && allocMB > m.config.WarningThresholdMB:
		fields["threshold_mb"] = m.config.WarningThresholdMB
		m.log.WithFields(fields).Warn("High memory usage")
		common.MemoryPressureEvents.WithLabelValues("warning").Inc()

		return "warning"
	}

	delete(fields, "threshold_mb")
	m.log.WithFields(fields).Debug("Memory usage")

	return ""
}
