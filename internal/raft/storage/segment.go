package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"raftlog/internal/raft"
)

const (
	openSegmentPattern   = "log_inprogress_%020d"
	closedSegmentPattern = "log_%020d_%020d"
)

type offsetAndTerm struct {
	offset int64
	term   uint64
}

// Segment is one file holding a contiguous range of the log. The open segment is the only one appended to; once it
// grows past the configured size it is closed, which renames the file to carry its final index range.
//
// Appends, truncation and closing are driven by the single disk writer of the owning storage. Reads may come from
// any goroutine.
type Segment struct {
	dir          string
	firstIndex   uint64
	lastIndex    atomic.Uint64
	checksumType ChecksumType
	logger       *zap.Logger

	// Protects all fields below
	mu            sync.Mutex
	file          *os.File
	isOpen        bool
	bytes         int64
	unsyncedBytes int64
	// position and term of every record, used for fast term lookups and to locate records
	offsetAndTerm []offsetAndTerm
}

func newOpenSegment(dir string, firstIndex uint64, cs ChecksumType, logger *zap.Logger) *Segment {
	s := &Segment{dir: dir, firstIndex: firstIndex, checksumType: cs, isOpen: true, logger: logger}
	s.lastIndex.Store(firstIndex - 1)
	return s
}

func newClosedSegment(dir string, firstIndex, lastIndex uint64, cs ChecksumType, logger *zap.Logger) *Segment {
	s := &Segment{dir: dir, firstIndex: firstIndex, checksumType: cs, logger: logger}
	s.lastIndex.Store(lastIndex)
	return s
}

// FirstIndex returns the index of the first record
func (s *Segment) FirstIndex() uint64 {
	return s.firstIndex
}

// LastIndex returns the index of the last record, FirstIndex()-1 when empty
func (s *Segment) LastIndex() uint64 {
	return s.lastIndex.Load()
}

// IsOpen reports whether the segment is the appendable one
func (s *Segment) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen
}

// Bytes returns the size of the valid part of the file
func (s *Segment) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Segment) openPath() string {
	return filepath.Join(s.dir, fmt.Sprintf(openSegmentPattern, s.firstIndex))
}

func (s *Segment) closedPath(lastIndex uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf(closedSegmentPattern, s.firstIndex, lastIndex))
}

func (s *Segment) currentPath() string {
	s.mu.Lock()
	isOpen := s.isOpen
	s.mu.Unlock()
	if isOpen {
		return s.openPath()
	}
	return s.closedPath(s.lastIndex.Load())
}

// create makes the file of a new open segment, discarding any stale file with the same name
func (s *Segment) create() error {
	if !s.IsOpen() {
		return raft.NewError(syscall.EINVAL, "create on a closed segment at first_index=%d", s.firstIndex)
	}
	path := s.openPath()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment %s: %w", path, err)
	}
	s.mu.Lock()
	s.file = f
	s.bytes = 0
	s.unsyncedBytes = 0
	s.offsetAndTerm = nil
	s.mu.Unlock()
	s.logger.Info("created new segment", zap.String("path", path))
	return nil
}

// load opens an existing segment, verifies the header and data checksum of every record and rebuilds the record
// index. Configuration records are registered with cm.
//
// A record cut short at the end of the file is dropped and the file truncated. In the open segment the same holds
// for a record whose checksum fails at the tail, since only the last write can be torn. Any other record that does
// not check out fails the load.
func (s *Segment) load(cm *raft.ConfigurationManager) error {
	path := s.currentPath()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	fileSize := info.Size()

	isOpen := s.IsOpen()
	var records []offsetAndTerm
	var offset int64
	actualLast := s.firstIndex - 1
	for index := s.firstIndex; offset < fileSize; index++ {
		h, err := readHeader(f, offset)
		if errors.Is(err, errIncompleteEntry) {
			break
		}
		if errors.Is(err, errCorruptedEntry) && isOpen {
			s.logger.Warn("found a corrupted header at the tail of the open segment",
				zap.String("path", path), zap.Int64("offset", offset))
			break
		}
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to load segment %s at offset %d: %w", path, offset, err)
		}
		size := int64(entryHeaderSize) + int64(h.dataLen)
		if offset+size > fileSize {
			break
		}
		atTail := offset+size == fileSize
		data, err := readData(f, offset, h)
		if err != nil && isOpen && atTail {
			s.logger.Warn("found a torn record at the tail of the open segment",
				zap.String("path", path), zap.Int64("offset", offset), zap.Error(err))
			break
		}
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to load segment %s at offset %d: %w", path, offset, err)
		}
		if h.typ == raft.EntryTypeConfiguration {
			entry, err := buildEntry(index, h, data)
			if err != nil {
				f.Close()
				return fmt.Errorf("failed to load segment %s: %w", path, err)
			}
			if err := cm.Add(raft.NewConfigurationEntryFromLog(entry)); err != nil {
				f.Close()
				return fmt.Errorf("failed to load segment %s: %w", path, err)
			}
		}
		records = append(records, offsetAndTerm{offset: offset, term: h.term})
		actualLast++
		offset += size
	}

	if !isOpen {
		lastIndex := s.lastIndex.Load()
		if actualLast < lastIndex {
			f.Close()
			return raft.NewError(syscall.EIO, "data lost in a full segment %s, expected last_index=%d, found %d",
				path, lastIndex, actualLast)
		}
		if actualLast > lastIndex {
			f.Close()
			return raft.NewError(syscall.EIO, "found garbage in a full segment %s, expected last_index=%d, found %d",
				path, lastIndex, actualLast)
		}
	}

	if offset != fileSize {
		s.logger.Info("truncating last uncompleted write",
			zap.String("path", path), zap.Int64("file_size", fileSize), zap.Int64("valid_size", offset))
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return fmt.Errorf("failed to truncate segment %s: %w", path, err)
		}
	}

	s.mu.Lock()
	s.file = f
	s.bytes = offset
	s.offsetAndTerm = records
	s.mu.Unlock()
	if isOpen {
		s.lastIndex.Store(actualLast)
	}
	return nil
}

func readHeader(r io.ReaderAt, offset int64) (entryHeader, error) {
	buf := make([]byte, entryHeaderSize)
	n, err := r.ReadAt(buf, offset)
	if n < entryHeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			return entryHeader{}, errIncompleteEntry
		}
		return entryHeader{}, fmt.Errorf("failed to read header: %w", err)
	}
	return decodeHeader(buf)
}

func readData(r io.ReaderAt, offset int64, h entryHeader) ([]byte, error) {
	data := make([]byte, h.dataLen)
	n, err := r.ReadAt(data, offset+entryHeaderSize)
	if n < len(data) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, errIncompleteEntry
		}
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if err := h.verifyData(data); err != nil {
		return nil, err
	}
	return data, nil
}

// append writes entry at the end of the open segment. The caller syncs.
func (s *Segment) append(entry *raft.LogEntry) error {
	s.mu.Lock()
	isOpen, f, offset := s.isOpen, s.file, s.bytes
	s.mu.Unlock()
	if !isOpen || f == nil {
		return raft.NewError(syscall.EINVAL, "append to a closed segment at first_index=%d", s.firstIndex)
	}
	if last := s.lastIndex.Load(); entry.ID.Index != last+1 {
		return raft.NewError(syscall.ERANGE, "entry index=%d does not follow last_index=%d of segment first_index=%d",
			entry.ID.Index, last, s.firstIndex)
	}

	payload, err := entryPayload(entry)
	if err != nil {
		return err
	}
	record, err := encodeRecord(s.checksumType, entry.ID.Term, entry.Type, payload)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(record, offset); err != nil {
		return fmt.Errorf("failed to write entry %d to %s: %w", entry.ID.Index, s.openPath(), err)
	}

	s.mu.Lock()
	s.offsetAndTerm = append(s.offsetAndTerm, offsetAndTerm{offset: offset, term: entry.ID.Term})
	s.bytes += int64(len(record))
	s.unsyncedBytes += int64(len(record))
	s.mu.Unlock()
	s.lastIndex.Add(1)
	return nil
}

// sync flushes appended records to stable storage when willSync is set
func (s *Segment) sync(willSync bool) error {
	s.mu.Lock()
	f, unsynced := s.file, s.unsyncedBytes
	s.mu.Unlock()
	if !willSync || unsynced == 0 || f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", s.firstIndex, err)
	}
	s.mu.Lock()
	s.unsyncedBytes -= unsynced
	s.mu.Unlock()
	return nil
}

type recordLocation struct {
	offset int64
	length int64
	term   uint64
}

func (s *Segment) locate(index uint64) (recordLocation, *os.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastIndex.Load()
	if index < s.firstIndex || index > last || len(s.offsetAndTerm) == 0 {
		return recordLocation{}, nil, false
	}
	pos := index - s.firstIndex
	if pos >= uint64(len(s.offsetAndTerm)) {
		return recordLocation{}, nil, false
	}
	next := s.bytes
	if pos+1 < uint64(len(s.offsetAndTerm)) {
		next = s.offsetAndTerm[pos+1].offset
	}
	rec := s.offsetAndTerm[pos]
	return recordLocation{offset: rec.offset, length: next - rec.offset, term: rec.term}, s.file, true
}

// get reads the entry at index back from disk
func (s *Segment) get(index uint64) (*raft.LogEntry, error) {
	loc, f, ok := s.locate(index)
	if !ok {
		return nil, raft.NewError(syscall.ERANGE, "index %d outside segment [%d, %d]", index, s.firstIndex, s.LastIndex())
	}
	h, err := readHeader(f, loc.offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", index, err)
	}
	if int64(entryHeaderSize)+int64(h.dataLen) != loc.length {
		return nil, fmt.Errorf("%w: entry %d has length %d, index says %d", errCorruptedEntry, index,
			int64(entryHeaderSize)+int64(h.dataLen), loc.length)
	}
	if h.term != loc.term {
		return nil, fmt.Errorf("%w: entry %d has term %d, index says %d", errCorruptedEntry, index, h.term, loc.term)
	}
	data, err := readData(f, loc.offset, h)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", index, err)
	}
	return buildEntry(index, h, data)
}

// getTerm is served from the in-memory record index
func (s *Segment) getTerm(index uint64) uint64 {
	loc, _, ok := s.locate(index)
	if !ok {
		return 0
	}
	return loc.term
}

// close syncs the open segment and renames it to carry its index range
func (s *Segment) close(willSync bool) error {
	if !s.IsOpen() {
		return raft.NewError(syscall.EINVAL, "close on a closed segment at first_index=%d", s.firstIndex)
	}
	if err := s.sync(willSync); err != nil {
		return err
	}
	oldPath := s.openPath()
	newPath := s.closedPath(s.lastIndex.Load())
	if err := os.Rename(oldPath, newPath); err != nil {
		s.logger.Error("failed to rename segment", zap.String("from", oldPath), zap.String("to", newPath), zap.Error(err))
		return fmt.Errorf("failed to close segment %s: %w", oldPath, err)
	}
	s.mu.Lock()
	s.isOpen = false
	s.mu.Unlock()
	s.logger.Info("closed a full segment",
		zap.Uint64("first_index", s.firstIndex), zap.Uint64("last_index", s.lastIndex.Load()), zap.String("path", newPath))
	return nil
}

// truncate drops every record after lastIndexKept. A closed segment is renamed back to an open one first, so a
// crash in the middle never leaves a closed segment whose name lies about its content.
func (s *Segment) truncate(lastIndexKept uint64) error {
	s.mu.Lock()
	last := s.lastIndex.Load()
	if lastIndexKept >= last {
		s.mu.Unlock()
		return nil
	}
	keep := lastIndexKept + 1 - s.firstIndex
	truncateSize := s.offsetAndTerm[keep].offset
	isOpen, f := s.isOpen, s.file
	s.mu.Unlock()

	if !isOpen {
		oldPath := s.closedPath(last)
		newPath := s.openPath()
		if err := os.Rename(oldPath, newPath); err != nil {
			s.logger.Error("failed to rename segment", zap.String("from", oldPath), zap.String("to", newPath), zap.Error(err))
			return fmt.Errorf("failed to reopen segment %s: %w", oldPath, err)
		}
		s.logger.Info("renamed segment", zap.String("from", oldPath), zap.String("to", newPath))
		s.mu.Lock()
		s.isOpen = true
		s.mu.Unlock()
	}

	if err := f.Truncate(truncateSize); err != nil {
		return fmt.Errorf("failed to truncate segment %d to %d bytes: %w", s.firstIndex, truncateSize, err)
	}

	s.mu.Lock()
	s.offsetAndTerm = s.offsetAndTerm[:keep]
	s.bytes = truncateSize
	s.unsyncedBytes = 0
	s.mu.Unlock()
	s.lastIndex.Store(lastIndexKept)
	return nil
}

// unlink removes the segment file. It is first renamed with a .tmp suffix so a crash halfway leaves a file the next
// load recognises as garbage.
func (s *Segment) unlink() error {
	path := s.currentPath()
	tmpPath := path + ".tmp"
	if err := os.Rename(path, tmpPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", path, tmpPath, err)
	}
	s.closeFile()
	if err := os.Remove(tmpPath); err != nil {
		s.logger.Warn("failed to remove segment", zap.String("path", tmpPath), zap.Error(err))
	}
	s.logger.Info("unlinked segment", zap.String("path", path))
	return nil
}

func (s *Segment) closeFile() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
