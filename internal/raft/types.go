package raft

import "time"

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordDiskWrite(entries int, bytes int, latency time.Duration)
	RecordCommitted(count uint64)
	RecordApplied(count uint64, latency time.Duration)
	RecordCommandLatency(latency time.Duration)
}

// ErrorReporter receives fatal errors detected by the log core
type ErrorReporter interface {
	OnError(err *RaftError)
}

// CommitWaiter is told about every advance of the committed index
type CommitWaiter interface {
	OnCommitted(committedIndex uint64) error
}
