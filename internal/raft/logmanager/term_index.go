package logmanager

import (
	"sort"

	"raftlog/internal/raft"
)

// termRun is a run of consecutive entries written in the same term, starting at first
type termRun struct {
	first uint64
	term  uint64
}

// termIndex answers term lookups for the whole log without touching storage. Terms change rarely, so one run per
// term keeps it small. It is not thread-safe; the LogManager guards it with its mutex.
type termIndex struct {
	runs []termRun
}

// load rebuilds the index for [first, last] from storage. Terms never decrease along the log, so each run boundary
// is found by binary search.
func (ti *termIndex) load(s raft.LogStorage, first, last uint64) {
	ti.runs = nil
	for index := first; index <= last && last > 0; {
		term := s.GetTerm(index)
		n := sort.Search(int(last-index+1), func(i int) bool {
			return s.GetTerm(index+uint64(i)) != term
		})
		ti.runs = append(ti.runs, termRun{first: index, term: term})
		index += uint64(n)
	}
}

// append records entries added at the end of the log
func (ti *termIndex) append(entries []*raft.LogEntry) {
	for _, entry := range entries {
		if n := len(ti.runs); n > 0 && ti.runs[n-1].term == entry.ID.Term {
			continue
		}
		ti.runs = append(ti.runs, termRun{first: entry.ID.Index, term: entry.ID.Term})
	}
}

// term returns the term at index. The caller checks that index lies within the log.
func (ti *termIndex) term(index uint64) uint64 {
	i := sort.Search(len(ti.runs), func(i int) bool { return ti.runs[i].first > index })
	if i == 0 {
		return 0
	}
	return ti.runs[i-1].term
}

// truncateSuffix forgets every entry after lastIndexKept
func (ti *termIndex) truncateSuffix(lastIndexKept uint64) {
	i := sort.Search(len(ti.runs), func(i int) bool { return ti.runs[i].first > lastIndexKept })
	clear(ti.runs[i:])
	ti.runs = ti.runs[:i]
}

// truncatePrefix forgets every entry before firstIndexKept
func (ti *termIndex) truncatePrefix(firstIndexKept uint64) {
	i := 0
	for i+1 < len(ti.runs) && ti.runs[i+1].first <= firstIndexKept {
		i++
	}
	ti.runs = ti.runs[i:]
	if len(ti.runs) > 0 && ti.runs[0].first < firstIndexKept {
		ti.runs[0].first = firstIndexKept
	}
}

func (ti *termIndex) reset() {
	ti.runs = nil
}
