package types

import "time"

// MetricsCollector is what tree, cache and connection report into.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordRemoteCommand(command string, duration time.Duration, success bool)
	RecordError(operation string, err error)
	UpdateCacheSize(level string, size int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool)   {}
func (NopMetrics) RecordCacheHit(string, int64)                         {}
func (NopMetrics) RecordCacheMiss(string, int64)                        {}
func (NopMetrics) RecordRemoteCommand(string, time.Duration, bool)      {}
func (NopMetrics) RecordError(string, error)                            {}
func (NopMetrics) UpdateCacheSize(string, int64)                        {}

var _ MetricsCollector = NopMetrics{}
