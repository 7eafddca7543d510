package logmanager

import (
	"syscall"
	"time"

	"go.uber.org/zap"

	"raftlog/internal/raft"
)

type taskType uint8

const (
	taskAppend taskType = iota
	taskLastLogID
	taskTruncatePrefix
	taskTruncateSuffix
	taskReset
)

func (t taskType) String() string {
	switch t {
	case taskAppend:
		return "Append"
	case taskLastLogID:
		return "LastLogID"
	case taskTruncatePrefix:
		return "TruncatePrefix"
	case taskTruncateSuffix:
		return "TruncateSuffix"
	case taskReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// diskTask is one unit of work for the disk goroutine. index and term are the argument of truncations and resets.
type diskTask struct {
	typ     taskType
	entries []*raft.LogEntry
	done    raft.Closure
	index   uint64
	term    uint64
	result  chan raft.LogID
}

// diskWriter is owned by the disk goroutine. It groups consecutive appends into one storage write.
type diskWriter struct {
	lm     *LogManager
	lastID raft.LogID

	pending      []*diskTask
	pendingCount int
	pendingBytes int
}

// handle processes one batch of the disk queue
func (w *diskWriter) handle(batch []*diskTask) {
	for _, task := range batch {
		if task.typ == taskAppend {
			w.add(task)
			continue
		}
		w.flush()

		var err error
		switch task.typ {
		case taskLastLogID:
			task.result <- w.lastID
		case taskTruncatePrefix:
			err = w.lm.storage.TruncatePrefix(task.index)
		case taskTruncateSuffix:
			if err = w.lm.storage.TruncateSuffix(task.index); err == nil {
				w.lastID = raft.LogID{Index: task.index, Term: task.term}
			}
		case taskReset:
			if err = w.lm.storage.Reset(task.index); err == nil {
				w.lastID = raft.LogID{Index: task.index - 1, Term: task.term}
			}
		}
		if err != nil {
			w.lm.reportError(raft.NewError(syscall.EIO, "failed to %s log at index=%d: %v", task.typ, task.index, err))
		}
	}
	w.flush()
	w.lm.setDiskID(w.lastID)
}

func (w *diskWriter) add(task *diskTask) {
	if w.pendingCount+len(task.entries) > w.lm.maxBatchEntries || w.pendingBytes >= w.lm.maxBatchBytes {
		w.flush()
	}
	w.pending = append(w.pending, task)
	w.pendingCount += len(task.entries)
	for _, entry := range task.entries {
		w.pendingBytes += entry.Size()
	}
}

// flush writes every pending append in one call and runs their closures in submission order
func (w *diskWriter) flush() {
	if len(w.pending) == 0 {
		return
	}
	tasks := w.pending
	w.pending = nil
	count, bytes := w.pendingCount, w.pendingBytes
	w.pendingCount, w.pendingBytes = 0, 0

	var status error
	if count > 0 {
		entries := make([]*raft.LogEntry, 0, count)
		for _, task := range tasks {
			entries = append(entries, task.entries...)
		}

		start := time.Now()
		n, err := w.lm.storage.AppendEntries(entries)
		if err != nil || n != len(entries) {
			w.lm.logger.Error("failed to append entries to storage",
				zap.Int("appended", n), zap.Int("expected", len(entries)), zap.Error(err))
			w.lm.reportError(raft.NewError(syscall.EIO, "failed to append %d entries, %d written: %v", len(entries), n, err))
		} else {
			w.lm.recordDiskWrite(len(entries), bytes, start)
		}
		if n > 0 {
			w.lastID = entries[n-1].ID
		}
	}

	if w.lm.hasError.Load() {
		status = raft.NewError(syscall.EIO, "corrupted log storage")
	}
	for _, task := range tasks {
		if task.done != nil {
			task.done.Run(status)
		}
	}
}
