package state_machine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raftlog/internal/raft"
)

// SnapshotFile is the name of the file a KVStateMachine writes into a snapshot
const SnapshotFile = "kv.json"

// Command is a request to the key-value store. Commands are expected to be in the format: "SET key=value" or
// "DEL key". A non-nil RequestID makes the command idempotent: it is applied at most once.
type Command struct {
	RequestID uuid.UUID
	Op        string
}

// NewCommand creates a command tagged with a fresh request id
func NewCommand(op string) Command {
	return Command{RequestID: uuid.New(), Op: op}
}

// Encode renders the command as a log entry payload
func (c Command) Encode() []byte {
	if c.RequestID == uuid.Nil {
		return []byte(c.Op)
	}
	return []byte(c.RequestID.String() + " " + c.Op)
}

// DecodeCommand parses a log entry payload. A leading token that is not a UUID is treated as part of the operation.
func DecodeCommand(data []byte) Command {
	s := strings.TrimSpace(string(data))
	head, rest, found := strings.Cut(s, " ")
	if found {
		if id, err := uuid.Parse(head); err == nil {
			return Command{RequestID: id, Op: strings.TrimSpace(rest)}
		}
	}
	return Command{Op: s}
}

// kvSnapshot is the JSON document stored in a snapshot
type kvSnapshot struct {
	Store           map[string]string `json:"store"`
	AppliedRequests []string          `json:"applied_requests"`
}

// KVStateMachine is a simple key-value store that implements the raft.StateMachine interface
type KVStateMachine struct {
	mu      sync.RWMutex
	store   map[string]string
	applied map[uuid.UUID]struct{}

	lastAppliedIndex atomic.Uint64
	leaderTerm       atomic.Uint64
	logger           *zap.Logger
}

var _ raft.StateMachine = (*KVStateMachine)(nil)

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(logger *zap.Logger) *KVStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStateMachine{
		store:   make(map[string]string),
		applied: make(map[uuid.UUID]struct{}),
		logger:  logger.Named("kv-sm"),
	}
}

// OnApply applies a run of committed entries
func (kv *KVStateMachine) OnApply(iter raft.Iterator) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for ; iter.Valid(); iter.Next() {
		kv.apply(iter.Index(), DecodeCommand(iter.Data()))
		kv.lastAppliedIndex.Store(iter.Index())
	}
}

// apply executes one command. mu must be held.
func (kv *KVStateMachine) apply(index uint64, cmd Command) {
	if cmd.RequestID != uuid.Nil {
		if _, ok := kv.applied[cmd.RequestID]; ok {
			kv.logger.Debug("skipped duplicate request",
				zap.Uint64("index", index), zap.Stringer("request_id", cmd.RequestID))
			return
		}
		kv.applied[cmd.RequestID] = struct{}{}
	}

	parts := strings.Fields(cmd.Op)
	if len(parts) == 0 {
		return
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			break
		}
		// Parse "key=value"
		key, value, ok := strings.Cut(parts[1], "=")
		if !ok {
			break
		}
		kv.store[key] = value
		kv.logger.Debug("applied SET", zap.Uint64("index", index), zap.String("key", key), zap.String("value", value))
		return
	case "DEL":
		if len(parts) < 2 {
			break
		}
		delete(kv.store, parts[1])
		kv.logger.Debug("applied DEL", zap.Uint64("index", index), zap.String("key", parts[1]))
		return
	}
	kv.logger.Warn("unknown command", zap.Uint64("index", index), zap.String("command", cmd.Op))
}

// Get returns the value stored under key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of all key-value pairs
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	result := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		result[k] = v
	}
	return result
}

// Len returns the number of keys
func (kv *KVStateMachine) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}

// LastAppliedIndex returns the index of the last command applied
func (kv *KVStateMachine) LastAppliedIndex() uint64 {
	return kv.lastAppliedIndex.Load()
}

// IsLeader reports whether the replica currently leads a term
func (kv *KVStateMachine) IsLeader() bool {
	return kv.leaderTerm.Load() != 0
}

func (kv *KVStateMachine) OnShutdown() {
	kv.logger.Info("state machine shut down", zap.Uint64("last_applied_index", kv.lastAppliedIndex.Load()))
}

// OnSnapshotSave writes the store as JSON into the snapshot directory
func (kv *KVStateMachine) OnSnapshotSave(writer raft.SnapshotWriter, done raft.Closure) {
	kv.mu.RLock()
	snap := kvSnapshot{Store: make(map[string]string, len(kv.store))}
	for k, v := range kv.store {
		snap.Store[k] = v
	}
	for id := range kv.applied {
		snap.AppliedRequests = append(snap.AppliedRequests, id.String())
	}
	kv.mu.RUnlock()
	slices.Sort(snap.AppliedRequests)

	done.Run(kv.writeSnapshot(writer, snap))
}

func (kv *KVStateMachine) writeSnapshot(writer raft.SnapshotWriter, snap kvSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(writer.Path(), SnapshotFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := writer.AddFile(SnapshotFile); err != nil {
		return fmt.Errorf("failed to register snapshot file: %w", err)
	}
	kv.logger.Info("snapshot saved", zap.Int("keys", len(snap.Store)), zap.String("path", writer.Path()))
	return nil
}

// OnSnapshotLoad replaces the store with the content of the snapshot
func (kv *KVStateMachine) OnSnapshotLoad(reader raft.SnapshotReader) error {
	meta, err := reader.LoadMeta()
	if err != nil {
		return fmt.Errorf("failed to load snapshot meta: %w", err)
	}

	snap := kvSnapshot{Store: make(map[string]string)}
	if slices.Contains(reader.ListFiles(), SnapshotFile) {
		data, err := os.ReadFile(filepath.Join(reader.Path(), SnapshotFile))
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
	}

	applied := make(map[uuid.UUID]struct{}, len(snap.AppliedRequests))
	for _, s := range snap.AppliedRequests {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid request id %q in snapshot: %w", s, err)
		}
		applied[id] = struct{}{}
	}
	if snap.Store == nil {
		snap.Store = make(map[string]string)
	}

	kv.mu.Lock()
	kv.store = snap.Store
	kv.applied = applied
	kv.mu.Unlock()
	kv.lastAppliedIndex.Store(meta.LastIncludedIndex)

	kv.logger.Info("snapshot loaded",
		zap.Uint64("last_included_index", meta.LastIncludedIndex), zap.Int("keys", len(snap.Store)))
	return nil
}

func (kv *KVStateMachine) OnLeaderStart(term uint64) {
	kv.leaderTerm.Store(term)
	kv.logger.Info("became leader", zap.Uint64("term", term))
}

func (kv *KVStateMachine) OnLeaderStop(status error) {
	kv.leaderTerm.Store(0)
	kv.logger.Info("stopped leading", zap.Error(status))
}

func (kv *KVStateMachine) OnStartFollowing(ctx raft.LeaderChangeContext) {
	kv.logger.Info("started following", zap.Stringer("leader", ctx.LeaderID), zap.Uint64("term", ctx.Term))
}

func (kv *KVStateMachine) OnStopFollowing(ctx raft.LeaderChangeContext) {
	kv.logger.Info("stopped following", zap.Stringer("leader", ctx.LeaderID), zap.Uint64("term", ctx.Term))
}
