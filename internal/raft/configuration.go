package raft

import (
	"fmt"
	"slices"
	"strings"
)

// Configuration is the set of peers of a group. It is kept sorted and free of duplicates. An empty Configuration
// means no members are known yet.
//
// Configurations are values: mutating methods change only the receiver, and anything handed to another component
// should be passed as a Copy.
type Configuration struct {
	peers []PeerID
}

// NewConfiguration builds a configuration from peers, dropping duplicates
func NewConfiguration(peers ...PeerID) Configuration {
	var c Configuration
	for _, p := range peers {
		c.Add(p)
	}
	return c
}

// ParseConfiguration parses a comma separated list of peer ids
func ParseConfiguration(s string) (Configuration, error) {
	var c Configuration
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParsePeerID(part)
		if err != nil {
			return Configuration{}, fmt.Errorf("failed to parse configuration: %w", err)
		}
		c.Add(p)
	}
	return c, nil
}

// ParseConfigurationStrings builds a configuration from already split peer ids
func ParseConfigurationStrings(peers []string) (Configuration, error) {
	var c Configuration
	for _, s := range peers {
		p, err := ParsePeerID(s)
		if err != nil {
			return Configuration{}, fmt.Errorf("failed to parse configuration: %w", err)
		}
		c.Add(p)
	}
	return c, nil
}

func (c *Configuration) search(p PeerID) (int, bool) {
	return slices.BinarySearchFunc(c.peers, p, PeerID.Compare)
}

// Add inserts p and reports whether it was not present before
func (c *Configuration) Add(p PeerID) bool {
	pos, found := c.search(p)
	if found {
		return false
	}
	c.peers = slices.Insert(c.peers, pos, p)
	return true
}

// Remove deletes p and reports whether it was present
func (c *Configuration) Remove(p PeerID) bool {
	pos, found := c.search(p)
	if !found {
		return false
	}
	c.peers = slices.Delete(c.peers, pos, pos+1)
	return true
}

// Contains reports whether p is a member
func (c Configuration) Contains(p PeerID) bool {
	_, found := c.search(p)
	return found
}

// ContainsAll reports whether every peer in peers is a member
func (c Configuration) ContainsAll(peers []PeerID) bool {
	for _, p := range peers {
		if !c.Contains(p) {
			return false
		}
	}
	return true
}

// Equals compares membership, ignoring roles
func (c Configuration) Equals(other Configuration) bool {
	return slices.EqualFunc(c.peers, other.peers, PeerID.Equal)
}

// Diffs returns the peers of c missing from other (included) and the peers of other missing from c (excluded)
func (c Configuration) Diffs(other Configuration) (included, excluded Configuration) {
	for _, p := range c.peers {
		if !other.Contains(p) {
			included.peers = append(included.peers, p)
		}
	}
	for _, p := range other.peers {
		if !c.Contains(p) {
			excluded.peers = append(excluded.peers, p)
		}
	}
	return included, excluded
}

// Peers returns a sorted copy of the members
func (c Configuration) Peers() []PeerID {
	return slices.Clone(c.peers)
}

// Strings returns the canonical string of every member
func (c Configuration) Strings() []string {
	out := make([]string, len(c.peers))
	for i, p := range c.peers {
		out[i] = p.String()
	}
	return out
}

// Copy returns a configuration that shares no memory with c
func (c Configuration) Copy() Configuration {
	return Configuration{peers: slices.Clone(c.peers)}
}

func (c Configuration) Size() int {
	return len(c.peers)
}

func (c Configuration) Empty() bool {
	return len(c.peers) == 0
}

// Reset removes every member
func (c *Configuration) Reset() {
	c.peers = nil
}

func (c Configuration) String() string {
	return strings.Join(c.Strings(), ",")
}

// ConfigurationEntry is the effective membership as of a log position. OldConf is non-empty only while a
// joint-consensus transition is in progress.
type ConfigurationEntry struct {
	ID      LogID
	Conf    Configuration
	OldConf Configuration
}

// NewConfigurationEntryFromLog extracts the membership carried by a configuration log entry
func NewConfigurationEntryFromLog(entry *LogEntry) ConfigurationEntry {
	return ConfigurationEntry{ID: entry.ID, Conf: entry.Peers.Copy(), OldConf: entry.OldPeers.Copy()}
}

// Stable reports whether no membership change is in flight
func (e ConfigurationEntry) Stable() bool {
	return e.OldConf.Empty()
}

// Empty reports whether no membership is known
func (e ConfigurationEntry) Empty() bool {
	return e.Conf.Empty()
}

// ListPeers returns the union of the new and old membership
func (e ConfigurationEntry) ListPeers() []PeerID {
	union := e.Conf.Copy()
	for _, p := range e.OldConf.peers {
		union.Add(p)
	}
	return union.peers
}

// Contains reports whether p belongs to either membership
func (e ConfigurationEntry) Contains(p PeerID) bool {
	return e.Conf.Contains(p) || e.OldConf.Contains(p)
}
