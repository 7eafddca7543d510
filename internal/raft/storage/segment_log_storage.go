package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raftlog/internal/raft"
)

const (
	metaFileName          = "log_meta"
	defaultMaxSegmentSize = 8 << 20
)

// SegmentLogStorageOptions configures a SegmentLogStorage
type SegmentLogStorageOptions struct {
	// Path is the directory holding the log
	Path string
	// MaxSegmentSize is the size past which the open segment is closed and a new one started
	MaxSegmentSize int64
	// DisableSync skips fsync after each append batch. Only meant for benchmarks: a crash may lose acknowledged
	// entries.
	DisableSync  bool
	ChecksumType ChecksumType
	Logger       *zap.Logger
}

// SegmentLogStorage is a raft.LogStorage keeping the log in a directory of append-only segment files:
//
//	log_meta                                  first index kept
//	log_00000000000000000001_00000000000000001000   closed segment holding [1, 1000]
//	log_inprogress_00000000000000001001       open segment starting at 1001
type SegmentLogStorage struct {
	path           string
	maxSegmentSize int64
	enableSync     bool
	checksumType   ChecksumType
	logger         *zap.Logger

	firstLogIndex atomic.Uint64
	lastLogIndex  atomic.Uint64

	// Protects all fields below
	mu sync.Mutex
	// closed segments ordered by first index
	segments    []*Segment
	openSegment *Segment
}

// NewSegmentLogStorage creates a storage rooted at opts.Path. Nothing is read until Init.
func NewSegmentLogStorage(opts SegmentLogStorageOptions) *SegmentLogStorage {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSize := opts.MaxSegmentSize
	if maxSize <= 0 {
		maxSize = defaultMaxSegmentSize
	}
	s := &SegmentLogStorage{
		path:           opts.Path,
		maxSegmentSize: maxSize,
		enableSync:     !opts.DisableSync,
		checksumType:   opts.ChecksumType,
		logger:         logger.Named("segment-storage").With(zap.String("path", opts.Path)),
	}
	s.firstLogIndex.Store(1)
	return s
}

// Init loads the log from disk, creating the directory on first use
func (s *SegmentLogStorage) Init(cm *raft.ConfigurationManager) error {
	if err := os.MkdirAll(s.path, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	isEmpty := false
	if err := s.loadMeta(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		s.logger.Warn("log directory is empty")
		isEmpty = true
	}
	if err := s.listSegments(isEmpty); err != nil {
		return err
	}
	if err := s.loadSegments(cm); err != nil {
		return err
	}
	if isEmpty {
		s.firstLogIndex.Store(1)
		s.lastLogIndex.Store(0)
		return s.saveMeta(1)
	}
	return nil
}

func (s *SegmentLogStorage) metaPath() string {
	return filepath.Join(s.path, metaFileName)
}

func (s *SegmentLogStorage) loadMeta() error {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return fmt.Errorf("failed to read log meta: %w", err)
	}
	first, err := decodeLogMeta(data)
	if err != nil {
		return fmt.Errorf("failed to decode log meta: %w", err)
	}
	if first == 0 {
		return raft.NewError(syscall.EINVAL, "log meta holds first_log_index=0")
	}
	s.firstLogIndex.Store(first)
	s.logger.Info("loaded log meta", zap.Uint64("first_log_index", first))
	return nil
}

// saveMeta writes the meta file through a temporary file so it is replaced atomically
func (s *SegmentLogStorage) saveMeta(firstLogIndex uint64) error {
	tmp := s.metaPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log meta: %w", err)
	}
	_, err = f.Write(encodeLogMeta(firstLogIndex))
	if err == nil && s.enableSync {
		err = f.Sync()
	}
	err = multierr.Append(err, f.Close())
	if err != nil {
		return fmt.Errorf("failed to write log meta: %w", err)
	}
	if err := os.Rename(tmp, s.metaPath()); err != nil {
		return fmt.Errorf("failed to save log meta: %w", err)
	}
	return nil
}

func (s *SegmentLogStorage) listSegments(isEmpty bool) error {
	dirEntries, err := os.ReadDir(s.path)
	if err != nil {
		return fmt.Errorf("failed to list log directory: %w", err)
	}

	for _, de := range dirEntries {
		name := de.Name()
		if (isEmpty && strings.HasPrefix(name, "log_")) || strings.HasSuffix(name, ".tmp") {
			if name == metaFileName {
				continue
			}
			if err := os.Remove(filepath.Join(s.path, name)); err != nil {
				s.logger.Warn("failed to remove unused segment", zap.String("name", name), zap.Error(err))
			} else {
				s.logger.Warn("removed unused segment", zap.String("name", name))
			}
			continue
		}

		var first, last uint64
		if n, _ := fmt.Sscanf(name, closedSegmentPattern, &first, &last); n == 2 && name == fmt.Sprintf(closedSegmentPattern, first, last) {
			s.logger.Info("restore closed segment", zap.Uint64("first_index", first), zap.Uint64("last_index", last))
			s.segments = append(s.segments, newClosedSegment(s.path, first, last, s.checksumType, s.logger))
			continue
		}
		if n, _ := fmt.Sscanf(name, openSegmentPattern, &first); n == 1 && name == fmt.Sprintf(openSegmentPattern, first) {
			if s.openSegment != nil {
				return raft.NewError(syscall.EINVAL, "open segment conflict, first_index=%d and %d",
					s.openSegment.FirstIndex(), first)
			}
			s.logger.Info("restore open segment", zap.Uint64("first_index", first))
			s.openSegment = newOpenSegment(s.path, first, s.checksumType, s.logger)
		}
	}
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].FirstIndex() < s.segments[j].FirstIndex() })

	firstLogIndex := s.firstLogIndex.Load()
	var lastLogIndex uint64
	haveLast := false
	kept := s.segments[:0]
	for _, seg := range s.segments {
		switch {
		case seg.FirstIndex() > seg.LastIndex():
			return raft.NewError(syscall.EINVAL, "closed segment is bad, first_index=%d last_index=%d",
				seg.FirstIndex(), seg.LastIndex())
		case haveLast && seg.FirstIndex() != lastLogIndex+1:
			return raft.NewError(syscall.EINVAL, "closed segment not in order, first_index=%d last_log_index=%d",
				seg.FirstIndex(), lastLogIndex)
		case !haveLast && firstLogIndex < seg.FirstIndex():
			return raft.NewError(syscall.EINVAL, "closed segment has hole, first_log_index=%d first_index=%d",
				firstLogIndex, seg.FirstIndex())
		case !haveLast && firstLogIndex > seg.LastIndex():
			s.logger.Warn("closed segment needs discard",
				zap.Uint64("first_index", seg.FirstIndex()), zap.Uint64("last_index", seg.LastIndex()))
			if err := seg.unlink(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, seg)
		lastLogIndex = seg.LastIndex()
		haveLast = true
	}
	s.segments = kept

	if s.openSegment != nil {
		switch {
		case !haveLast && firstLogIndex < s.openSegment.FirstIndex():
			s.logger.Warn("open segment has hole",
				zap.Uint64("first_log_index", firstLogIndex), zap.Uint64("first_index", s.openSegment.FirstIndex()))
		case haveLast && s.openSegment.FirstIndex() != lastLogIndex+1:
			s.logger.Warn("open segment has hole",
				zap.Uint64("last_log_index", lastLogIndex), zap.Uint64("first_index", s.openSegment.FirstIndex()))
		}
	}
	return nil
}

func (s *SegmentLogStorage) loadSegments(cm *raft.ConfigurationManager) error {
	for _, seg := range s.segments {
		s.logger.Info("load closed segment",
			zap.Uint64("first_index", seg.FirstIndex()), zap.Uint64("last_index", seg.LastIndex()))
		if err := seg.load(cm); err != nil {
			return err
		}
		s.lastLogIndex.Store(seg.LastIndex())
	}

	if s.openSegment != nil {
		s.logger.Info("load open segment", zap.Uint64("first_index", s.openSegment.FirstIndex()))
		if err := s.openSegment.load(cm); err != nil {
			return err
		}
		if s.firstLogIndex.Load() > s.openSegment.LastIndex() {
			s.logger.Warn("open segment needs discard",
				zap.Uint64("first_index", s.openSegment.FirstIndex()), zap.Uint64("last_index", s.openSegment.LastIndex()))
			if err := s.openSegment.unlink(); err != nil {
				return err
			}
			s.openSegment = nil
		} else {
			s.lastLogIndex.Store(s.openSegment.LastIndex())
		}
	}
	if s.lastLogIndex.Load() == 0 {
		s.lastLogIndex.Store(s.firstLogIndex.Load() - 1)
	}
	return nil
}

func (s *SegmentLogStorage) FirstLogIndex() uint64 {
	return s.firstLogIndex.Load()
}

func (s *SegmentLogStorage) LastLogIndex() uint64 {
	return s.lastLogIndex.Load()
}

// segmentFor returns the segment holding index, nil if the index is outside the log
func (s *SegmentLogStorage) segmentFor(index uint64) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, last := s.firstLogIndex.Load(), s.lastLogIndex.Load()
	if first == last+1 || index < first || index > last {
		return nil
	}
	if s.openSegment != nil && index >= s.openSegment.FirstIndex() {
		return s.openSegment
	}
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].FirstIndex() > index }) - 1
	if i < 0 {
		return nil
	}
	return s.segments[i]
}

func (s *SegmentLogStorage) GetEntry(index uint64) (*raft.LogEntry, error) {
	seg := s.segmentFor(index)
	if seg == nil {
		return nil, raft.NewError(syscall.ERANGE, "index %d outside log [%d, %d]",
			index, s.firstLogIndex.Load(), s.lastLogIndex.Load())
	}
	return seg.get(index)
}

func (s *SegmentLogStorage) GetTerm(index uint64) uint64 {
	seg := s.segmentFor(index)
	if seg == nil {
		return 0
	}
	return seg.getTerm(index)
}

// openSegmentForAppend returns the segment new entries go to, rolling over to a new one when the current segment
// is full. The file operations happen outside the lock.
func (s *SegmentLogStorage) openSegmentForAppend() (*Segment, error) {
	s.mu.Lock()
	cur := s.openSegment
	s.mu.Unlock()

	if cur == nil {
		seg := newOpenSegment(s.path, s.lastLogIndex.Load()+1, s.checksumType, s.logger)
		if err := seg.create(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.openSegment = seg
		s.mu.Unlock()
		return seg, nil
	}
	if cur.Bytes() <= s.maxSegmentSize {
		return cur, nil
	}

	s.mu.Lock()
	s.segments = append(s.segments, cur)
	s.openSegment = nil
	s.mu.Unlock()

	err := cur.close(s.enableSync)
	if err == nil {
		next := newOpenSegment(s.path, s.lastLogIndex.Load()+1, s.checksumType, s.logger)
		if err = next.create(); err == nil {
			s.mu.Lock()
			s.openSegment = next
			s.mu.Unlock()
			return next, nil
		}
	}
	s.logger.Error("failed to close old open segment or create a new one", zap.Error(err))
	s.mu.Lock()
	s.segments = s.segments[:len(s.segments)-1]
	s.openSegment = cur
	s.mu.Unlock()
	return nil, err
}

func (s *SegmentLogStorage) AppendEntry(entry *raft.LogEntry) error {
	seg, err := s.openSegmentForAppend()
	if err != nil {
		return err
	}
	if err := seg.append(entry); err != nil {
		return err
	}
	s.lastLogIndex.Add(1)
	return seg.sync(s.enableSync)
}

// AppendEntries writes a batch and syncs once at the end
func (s *SegmentLogStorage) AppendEntries(entries []*raft.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if last := s.lastLogIndex.Load(); entries[0].ID.Index != last+1 {
		return 0, raft.NewError(syscall.ERANGE, "gap between appending entry %d and last_log_index %d",
			entries[0].ID.Index, last)
	}

	var last *Segment
	for i, entry := range entries {
		seg, err := s.openSegmentForAppend()
		if err != nil {
			return i, err
		}
		if err := seg.append(entry); err != nil {
			return i, err
		}
		s.lastLogIndex.Add(1)
		last = seg
	}
	if err := last.sync(s.enableSync); err != nil {
		return len(entries), err
	}
	return len(entries), nil
}

// TruncatePrefix drops every segment entirely before firstIndexKept. The meta file is written first, so a crash
// halfway leaves segments the next load discards.
func (s *SegmentLogStorage) TruncatePrefix(firstIndexKept uint64) error {
	if s.firstLogIndex.Load() >= firstIndexKept {
		return nil
	}
	if err := s.saveMeta(firstIndexKept); err != nil {
		return err
	}
	for _, seg := range s.popSegments(firstIndexKept) {
		if err := seg.unlink(); err != nil {
			s.logger.Warn("failed to unlink segment", zap.Uint64("first_index", seg.FirstIndex()), zap.Error(err))
		}
	}
	return nil
}

func (s *SegmentLogStorage) popSegments(firstIndexKept uint64) []*Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstLogIndex.Store(firstIndexKept)

	var popped []*Segment
	i := 0
	for i < len(s.segments) && s.segments[i].LastIndex() < firstIndexKept {
		popped = append(popped, s.segments[i])
		i++
	}
	s.segments = s.segments[i:]
	if len(s.segments) > 0 {
		return popped
	}
	if s.openSegment != nil {
		if s.openSegment.LastIndex() < firstIndexKept {
			popped = append(popped, s.openSegment)
			s.openSegment = nil
			s.lastLogIndex.Store(firstIndexKept - 1)
		}
	} else {
		s.lastLogIndex.Store(firstIndexKept - 1)
	}
	return popped
}

// TruncateSuffix drops every entry after lastIndexKept
func (s *SegmentLogStorage) TruncateSuffix(lastIndexKept uint64) error {
	popped, last := s.popSegmentsFromBack(lastIndexKept)
	for _, seg := range popped {
		if err := seg.unlink(); err != nil {
			return err
		}
	}
	if last == nil {
		return nil
	}
	wasClosed := !last.IsOpen()
	if err := last.truncate(lastIndexKept); err != nil {
		return err
	}
	if wasClosed && last.IsOpen() {
		s.mu.Lock()
		s.segments = s.segments[:len(s.segments)-1]
		s.openSegment = last
		s.mu.Unlock()
	}
	return nil
}

func (s *SegmentLogStorage) popSegmentsFromBack(lastIndexKept uint64) (popped []*Segment, last *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLogIndex.Store(lastIndexKept)

	if s.openSegment != nil {
		if s.openSegment.FirstIndex() <= lastIndexKept {
			return nil, s.openSegment
		}
		popped = append(popped, s.openSegment)
		s.openSegment = nil
	}
	n := len(s.segments)
	for n > 0 && s.segments[n-1].FirstIndex() > lastIndexKept {
		popped = append(popped, s.segments[n-1])
		n--
	}
	s.segments = s.segments[:n]
	if n > 0 {
		return popped, s.segments[n-1]
	}
	// every entry is gone, the log restarts right after lastIndexKept
	s.firstLogIndex.Store(lastIndexKept + 1)
	return popped, nil
}

// Reset drops the whole log; the next entry appended gets nextLogIndex
func (s *SegmentLogStorage) Reset(nextLogIndex uint64) error {
	if nextLogIndex == 0 {
		return raft.NewError(syscall.EINVAL, "invalid next_log_index=0")
	}
	s.mu.Lock()
	popped := s.segments
	s.segments = nil
	if s.openSegment != nil {
		popped = append(popped, s.openSegment)
		s.openSegment = nil
	}
	s.firstLogIndex.Store(nextLogIndex)
	s.lastLogIndex.Store(nextLogIndex - 1)
	s.mu.Unlock()

	if err := s.saveMeta(nextLogIndex); err != nil {
		return err
	}
	for _, seg := range popped {
		if err := seg.unlink(); err != nil {
			s.logger.Warn("failed to unlink segment", zap.Uint64("first_index", seg.FirstIndex()), zap.Error(err))
		}
	}
	return nil
}

// Close syncs the open segment and releases every file handle
func (s *SegmentLogStorage) Close() error {
	s.mu.Lock()
	segments := append([]*Segment(nil), s.segments...)
	open := s.openSegment
	s.mu.Unlock()

	var err error
	if open != nil {
		err = multierr.Append(err, open.sync(s.enableSync))
		segments = append(segments, open)
	}
	for _, seg := range segments {
		err = multierr.Append(err, seg.closeFile())
	}
	return err
}

// SegmentCount returns the number of closed segments and whether an open one exists
func (s *SegmentLogStorage) SegmentCount() (closed int, hasOpen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments), s.openSegment != nil
}
