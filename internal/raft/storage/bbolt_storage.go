package storage

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"syscall"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"raftlog/internal/raft"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	firstLogIndexKey = []byte("firstLogIndex")
	currentTermKey   = []byte("currentTerm")
	votedForKey      = []byte("votedFor")
)

// BboltStorage keeps the log and the replica metadata in a single bbolt file. It implements both raft.LogStorage and
// raft.MetaStorage; entries are keyed by their big endian index so cursor order is log order.
type BboltStorage struct {
	conn   *bbolt.DB
	logger *zap.Logger

	firstLogIndex atomic.Uint64
	lastLogIndex  atomic.Uint64
}

// NewBboltStorage creates a new BBolt-backed storage instance
func NewBboltStorage(path string, logger *zap.Logger) (*BboltStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BboltStorage{conn: db, logger: logger.Named("bbolt-storage").With(zap.String("path", path))}
	s.firstLogIndex.Store(1)
	return s, nil
}

// Init loads the index range and registers every configuration entry with cm
func (b *BboltStorage) Init(cm *raft.ConfigurationManager) error {
	first, last := uint64(1), uint64(0)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(firstLogIndexKey); data != nil {
			first = bytesToUint64(data)
		}
		last = first - 1

		cursor := tx.Bucket(logBucket).Cursor()
		for k, v := cursor.Seek(uint64ToBytes(first)); k != nil; k, v = cursor.Next() {
			index := bytesToUint64(k)
			if index != last+1 {
				return raft.NewError(syscall.EIO, "hole in log before index %d, last_log_index=%d", index, last)
			}
			entry, err := decodeEntryValue(index, v)
			if err != nil {
				return fmt.Errorf("failed to unmarshal log entry at index %d: %w", index, err)
			}
			if entry.Type == raft.EntryTypeConfiguration {
				if err := cm.Add(raft.NewConfigurationEntryFromLog(entry)); err != nil {
					return err
				}
			}
			last = index
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.firstLogIndex.Store(first)
	b.lastLogIndex.Store(last)
	b.logger.Info("loaded log", zap.Uint64("first_log_index", first), zap.Uint64("last_log_index", last))
	return nil
}

func (b *BboltStorage) FirstLogIndex() uint64 {
	return b.firstLogIndex.Load()
}

func (b *BboltStorage) LastLogIndex() uint64 {
	return b.lastLogIndex.Load()
}

// AppendEntry appends a single log entry to the log
func (b *BboltStorage) AppendEntry(entry *raft.LogEntry) error {
	_, err := b.AppendEntries([]*raft.LogEntry{entry})
	return err
}

// AppendEntries appends multiple log entries to the log in one transaction
func (b *BboltStorage) AppendEntries(entries []*raft.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	last := b.lastLogIndex.Load()
	if entries[0].ID.Index != last+1 {
		return 0, raft.NewError(syscall.ERANGE, "gap between appending entry %d and last_log_index %d",
			entries[0].ID.Index, last)
	}
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for i, entry := range entries {
			if entry.ID.Index != last+1+uint64(i) {
				return raft.NewError(syscall.EINVAL, "entries are not contiguous at index %d", entry.ID.Index)
			}
			if entry.Type != raft.EntryTypeData && entry.Type != raft.EntryTypeNoOp && entry.Type != raft.EntryTypeConfiguration {
				return raft.NewError(syscall.EINVAL, "unknown entry type %d", entry.Type)
			}
			if err := bucket.Put(uint64ToBytes(entry.ID.Index), encodeEntryValue(entry)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.lastLogIndex.Store(last + uint64(len(entries)))
	return len(entries), nil
}

// GetEntry retrieves a log entry at the specified index
func (b *BboltStorage) GetEntry(index uint64) (*raft.LogEntry, error) {
	if index < b.firstLogIndex.Load() || index > b.lastLogIndex.Load() {
		return nil, raft.NewError(syscall.ERANGE, "log entry at index %d not found", index)
	}
	var entry *raft.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return raft.NewError(syscall.ERANGE, "log entry at index %d not found", index)
		}
		var err error
		entry, err = decodeEntryValue(index, data)
		if err != nil {
			return fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		return nil
	})
	return entry, err
}

func (b *BboltStorage) GetTerm(index uint64) uint64 {
	entry, err := b.GetEntry(index)
	if err != nil {
		return 0
	}
	return entry.ID.Term
}

// TruncatePrefix deletes every entry before firstIndexKept
func (b *BboltStorage) TruncatePrefix(firstIndexKept uint64) error {
	if firstIndexKept <= b.firstLogIndex.Load() {
		return nil
	}
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(metadataBucket).Put(firstLogIndexKey, uint64ToBytes(firstIndexKept)); err != nil {
			return err
		}
		return deleteRange(tx.Bucket(logBucket), 0, firstIndexKept)
	})
	if err != nil {
		return err
	}
	b.firstLogIndex.Store(firstIndexKept)
	if firstIndexKept > b.lastLogIndex.Load() {
		b.lastLogIndex.Store(firstIndexKept - 1)
	}
	return nil
}

// TruncateSuffix deletes every entry after lastIndexKept
func (b *BboltStorage) TruncateSuffix(lastIndexKept uint64) error {
	first := b.firstLogIndex.Load()
	emptied := lastIndexKept+1 < first
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		if emptied {
			if err := tx.Bucket(metadataBucket).Put(firstLogIndexKey, uint64ToBytes(lastIndexKept+1)); err != nil {
				return err
			}
		}
		return deleteRange(tx.Bucket(logBucket), lastIndexKept+1, 0)
	})
	if err != nil {
		return err
	}
	if emptied {
		b.firstLogIndex.Store(lastIndexKept + 1)
	}
	b.lastLogIndex.Store(lastIndexKept)
	return nil
}

// Reset drops the whole log; the next entry appended gets nextLogIndex
func (b *BboltStorage) Reset(nextLogIndex uint64) error {
	if nextLogIndex == 0 {
		return raft.NewError(syscall.EINVAL, "invalid next_log_index=0")
	}
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(logBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(logBucket); err != nil {
			return err
		}
		return tx.Bucket(metadataBucket).Put(firstLogIndexKey, uint64ToBytes(nextLogIndex))
	})
	if err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}
	b.firstLogIndex.Store(nextLogIndex)
	b.lastLogIndex.Store(nextLogIndex - 1)
	b.logger.Info("reset log", zap.Uint64("next_log_index", nextLogIndex))
	return nil
}

// deleteRange deletes the keys in [from, to), to == 0 meaning no upper bound
func deleteRange(bucket *bbolt.Bucket, from, to uint64) error {
	cursor := bucket.Cursor()
	for k, _ := cursor.Seek(uint64ToBytes(from)); k != nil; k, _ = cursor.Seek(uint64ToBytes(from)) {
		if to != 0 && bytesToUint64(k) >= to {
			return nil
		}
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// GetCurrentTerm retrieves the current term from persistent storage
func (b *BboltStorage) GetCurrentTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// SetCurrentTerm persists the current term to storage
func (b *BboltStorage) SetCurrentTerm(term uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

// GetVotedFor retrieves the peer this server voted for in the current term
func (b *BboltStorage) GetVotedFor() (*raft.PeerID, error) {
	var votedFor *raft.PeerID
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForKey)
		if data == nil {
			return nil
		}
		peer, err := raft.ParsePeerID(string(data))
		if err != nil {
			return fmt.Errorf("failed to parse voted for: %w", err)
		}
		votedFor = &peer
		return nil
	})
	return votedFor, err
}

// SetVotedFor persists the peer this server voted for
func (b *BboltStorage) SetVotedFor(peer *raft.PeerID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if peer == nil {
			// Delete the key if votedFor is nil (new term)
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(peer.String()))
	})
}

// Close closes the storage connection
func (b *BboltStorage) Close() error {
	return b.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
