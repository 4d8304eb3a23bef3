package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// ReadMemoryStats 采集当前进程内存信息
func ReadMemoryStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}
}

// Sampler 周期采样回调，如 Worker Pool 或数据库连接池统计
type Sampler func()

// MemoryMonitor 内存监控器；dex 全部读入内存，大包并发时需要关注
type MemoryMonitor struct {
	logger   *logrus.Logger
	stats    MemoryStats
	mutex    sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	interval time.Duration
	warnMB   uint64
	onUpdate func(MemoryStats)
	samplers []Sampler
}

// NewMemoryMonitor 创建内存监控器
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, onUpdate func(MemoryStats), samplers ...Sampler) *MemoryMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		stopChan: make(chan struct{}),
		interval: interval,
		warnMB:   1536,
		onUpdate: onUpdate,
		samplers: samplers,
	}
}

// Start 启动内存监控
func (m *MemoryMonitor) Start() {
	go m.monitor()
}

// Stop 停止内存监控
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 立即采样一次
func (m *MemoryMonitor) Sample() {
	stats := ReadMemoryStats()

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.onUpdate != nil {
		m.onUpdate(stats)
	}
	for _, s := range m.samplers {
		s()
	}

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > m.warnMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"sys_mb":   stats.SysMB,
		}).Warn("High memory usage detected")
	}
}

// GetStats 获取最近一次统计
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}
