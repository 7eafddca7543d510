package fsm

import (
	"syscall"

	"raftlog/internal/raft"
)

// iteratorImpl walks (lastApplied, committedIndex] for one COMMITTED task. It is owned by the apply goroutine.
type iteratorImpl struct {
	lm             LogManager
	committedIndex uint64
	currentIndex   uint64
	entry          *raft.LogEntry
	// currentIndex never rolls back below floor: closures before it have already run
	floor uint64

	closures          []raft.Closure
	firstClosureIndex uint64
	err               *raft.RaftError
}

func newIteratorImpl(lm LogManager, lastAppliedIndex, committedIndex uint64, closures []raft.Closure,
	firstClosureIndex uint64) *iteratorImpl {
	it := &iteratorImpl{
		lm:                lm,
		committedIndex:    committedIndex,
		currentIndex:      lastAppliedIndex,
		floor:             lastAppliedIndex + 1,
		closures:          closures,
		firstClosureIndex: firstClosureIndex,
	}
	it.next()
	return it
}

func (it *iteratorImpl) next() {
	it.entry = nil
	if it.currentIndex > it.committedIndex {
		return
	}
	it.currentIndex++
	if it.currentIndex <= it.committedIndex {
		it.entry = it.lm.GetEntry(it.currentIndex)
		if it.entry == nil {
			it.setError(raft.ErrorTypeLog, raft.NewError(syscall.EINVAL,
				"failed to get entry at index=%d while committed_index=%d", it.currentIndex, it.committedIndex))
		}
	}
}

func (it *iteratorImpl) isGood() bool {
	return it.currentIndex <= it.committedIndex && it.err == nil
}

func (it *iteratorImpl) hasError() bool {
	return it.err != nil
}

func (it *iteratorImpl) index() uint64 {
	return it.currentIndex
}

func (it *iteratorImpl) closure(index uint64) raft.Closure {
	if index < it.firstClosureIndex || index-it.firstClosureIndex >= uint64(len(it.closures)) {
		return nil
	}
	return it.closures[index-it.firstClosureIndex]
}

// runClosures runs the closures of [from, to) with a nil status
func (it *iteratorImpl) runClosures(from, to uint64) {
	for i := from; i < to; i++ {
		if done := it.closure(i); done != nil {
			done.Run(nil)
		}
	}
}

func (it *iteratorImpl) setError(typ raft.ErrorType, err error) {
	it.entry = nil
	it.err = &raft.RaftError{Type: typ, Err: err}
}

// setErrorAndRollback marks the last ntail entries as not applied. When the current entry is a data entry it is
// the first of them. The closures of those entries fail with err.
func (it *iteratorImpl) setErrorAndRollback(ntail int, err error) {
	if ntail <= 0 {
		ntail = 1
	}
	step := uint64(ntail)
	if it.entry != nil && it.entry.Type == raft.EntryTypeData {
		step--
	}
	if it.currentIndex < it.floor+step {
		it.currentIndex = it.floor
	} else {
		it.currentIndex -= step
	}
	if err == nil {
		err = raft.NewError(syscall.ECANCELED, "state machine rolled back tasks since index=%d", it.currentIndex)
	}
	it.setError(raft.ErrorTypeStateMachine, err)
}

// runTheRestClosureWithError fails every closure from the current position to the committed index
func (it *iteratorImpl) runTheRestClosureWithError() {
	start := max(it.currentIndex, it.firstClosureIndex)
	for i := start; i <= it.committedIndex; i++ {
		if done := it.closure(i); done != nil {
			raft.RunClosureAsync(done, it.err.Err)
		}
	}
}

// Iterator is the raft.Iterator handed to StateMachine.OnApply. It only exposes the current run of data entries.
type Iterator struct {
	impl *iteratorImpl
}

var _ raft.Iterator = (*Iterator)(nil)

func (it *Iterator) Valid() bool {
	return it.impl.isGood() && it.impl.entry != nil && it.impl.entry.Type == raft.EntryTypeData
}

func (it *Iterator) Next() {
	if it.Valid() {
		it.impl.next()
	}
}

func (it *Iterator) Index() uint64 {
	return it.impl.currentIndex
}

func (it *Iterator) Term() uint64 {
	if it.impl.entry == nil {
		return 0
	}
	return it.impl.entry.ID.Term
}

func (it *Iterator) Data() []byte {
	if it.impl.entry == nil {
		return nil
	}
	return it.impl.entry.Data
}

func (it *Iterator) Done() raft.Closure {
	return it.impl.closure(it.impl.currentIndex)
}

func (it *Iterator) SetErrorAndRollback(ntail int, err error) {
	it.impl.setErrorAndRollback(ntail, err)
}
