package models

import "time"

// PerformanceMetric aggregates measurements of a single named function.
// ExecutionTime and MemoryUsage are cumulative means over CallCount samples.
type PerformanceMetric struct {
	FunctionName  string        `json:"functionName"`
	ExecutionTime time.Duration `json:"executionTime"`
	MemoryUsage   int64         `json:"memoryUsage"`
	CallCount     int64         `json:"callCount"`
	Errors        int64         `json:"errors"`
	LastCalled    time.Time     `json:"lastCalled"`
	TotalTime     time.Duration `json:"totalTime"`
	TotalMemory   int64         `json:"totalMemory"`
}

// Bottlenecks lists the metrics that crossed each analysis threshold.
type Bottlenecks struct {
	SlowFunctions    []PerformanceMetric `json:"slowFunctions"`
	MemoryIntensive  []PerformanceMetric `json:"memoryIntensive"`
	FrequentlyCalled []PerformanceMetric `json:"frequentlyCalled"`
}
