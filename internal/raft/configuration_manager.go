package raft

import (
	"fmt"
)

// ConfigurationManager keeps the history of membership changes found in the log, ordered by index, plus the
// membership recorded by the latest snapshot. It is not safe for concurrent use; the LogManager guards it with its
// own lock.
type ConfigurationManager struct {
	configurations []ConfigurationEntry
	snapshot       ConfigurationEntry
}

// NewConfigurationManager creates an empty manager
func NewConfigurationManager() *ConfigurationManager {
	return &ConfigurationManager{}
}

// Add records a membership change. Indexes must be strictly increasing; going back requires a TruncateSuffix first.
func (m *ConfigurationManager) Add(entry ConfigurationEntry) error {
	if n := len(m.configurations); n > 0 && m.configurations[n-1].ID.Index >= entry.ID.Index {
		return fmt.Errorf("configuration at index %d is not after the last one at index %d",
			entry.ID.Index, m.configurations[n-1].ID.Index)
	}
	m.configurations = append(m.configurations, entry)
	return nil
}

// TruncatePrefix drops every entry before firstIndexKept
func (m *ConfigurationManager) TruncatePrefix(firstIndexKept uint64) {
	i := 0
	for i < len(m.configurations) && m.configurations[i].ID.Index < firstIndexKept {
		i++
	}
	m.configurations = m.configurations[i:]
}

// TruncateSuffix drops every entry after lastIndexKept
func (m *ConfigurationManager) TruncateSuffix(lastIndexKept uint64) {
	n := len(m.configurations)
	for n > 0 && m.configurations[n-1].ID.Index > lastIndexKept {
		n--
	}
	m.configurations = m.configurations[:n]
}

// SetSnapshot records the membership carried by a snapshot. Older snapshots are ignored.
func (m *ConfigurationManager) SetSnapshot(entry ConfigurationEntry) {
	if entry.ID.Less(m.snapshot.ID) {
		return
	}
	m.snapshot = entry
}

// Get returns the membership effective at index: the latest change at or before it, or the snapshot's membership
// when the log holds none.
func (m *ConfigurationManager) Get(index uint64) ConfigurationEntry {
	found := -1
	for i := len(m.configurations) - 1; i >= 0; i-- {
		if m.configurations[i].ID.Index <= index {
			found = i
			break
		}
	}
	if found < 0 {
		return m.snapshot
	}
	return m.configurations[found]
}

// LastConfiguration returns the newest known membership
func (m *ConfigurationManager) LastConfiguration() ConfigurationEntry {
	if n := len(m.configurations); n > 0 {
		return m.configurations[n-1]
	}
	return m.snapshot
}

// Snapshot returns the membership recorded by the latest snapshot
func (m *ConfigurationManager) Snapshot() ConfigurationEntry {
	return m.snapshot
}
