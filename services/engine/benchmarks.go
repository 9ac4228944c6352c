package engine

// Phase timings and throughput SLOs

import (
	"fmt"
	"runtime"
	"time"
)

type BenchmarkResult struct {
	Name        string
	Duration    time.Duration
	Items       uint64
	ItemsPerSec float64
	MemoryMB    float64
}

// SLOConfig bounds each recorded phase. Zero fields are not checked.
type SLOConfig struct {
	MaxDuration    time.Duration `yaml:"max_duration"`
	MinItemsPerSec float64       `yaml:"min_items_per_sec"`
	MaxMemoryMB    float64       `yaml:"max_memory_mb"`
}

type PerformanceMonitor struct {
	config  SLOConfig
	results []BenchmarkResult
}

func NewPerformanceMonitor(config SLOConfig) *PerformanceMonitor {
	return &PerformanceMonitor{
		config:  config,
		results: make([]BenchmarkResult, 0),
	}
}

func (pm *PerformanceMonitor) RecordBenchmark(name string, duration time.Duration, items uint64, memoryMB float64) BenchmarkResult {
	var perSec float64
	if duration > 0 {
		perSec = float64(items) / duration.Seconds()
	}

	result := BenchmarkResult{
		Name:        name,
		Duration:    duration,
		Items:       items,
		ItemsPerSec: perSec,
		MemoryMB:    memoryMB,
	}

	pm.results = append(pm.results, result)
	return result
}

// Track times fn and records it with the current heap size.
func (pm *PerformanceMonitor) Track(name string, fn func() (uint64, error)) (BenchmarkResult, error) {
	start := time.Now()
	items, err := fn()
	if err != nil {
		return BenchmarkResult{}, err
	}
	return pm.RecordBenchmark(name, time.Since(start), items, HeapMB()), nil
}

func (pm *PerformanceMonitor) Results() []BenchmarkResult {
	out := make([]BenchmarkResult, len(pm.results))
	copy(out, pm.results)
	return out
}

func (pm *PerformanceMonitor) CheckSLOs() []string {
	var violations []string

	for _, result := range pm.results {
		if pm.config.MaxDuration > 0 && result.Duration > pm.config.MaxDuration {
			violations = append(violations, fmt.Sprintf("%s exceeded max duration (%s > %s)", result.Name, result.Duration, pm.config.MaxDuration))
		}
		if pm.config.MinItemsPerSec > 0 && result.ItemsPerSec < pm.config.MinItemsPerSec {
			violations = append(violations, fmt.Sprintf("%s below minimum throughput (%.0f/s)", result.Name, result.ItemsPerSec))
		}
		if pm.config.MaxMemoryMB > 0 && result.MemoryMB > pm.config.MaxMemoryMB {
			violations = append(violations, fmt.Sprintf("%s exceeded memory limit (%.1f MB)", result.Name, result.MemoryMB))
		}
	}

	return violations
}

// HeapMB reports the live heap in megabytes.
func HeapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}
