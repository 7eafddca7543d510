package raft

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Role tells whether a peer stores state machine data or only votes
type Role uint8

const (
	RoleReplica Role = iota
	RoleWitness
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case RoleReplica:
		return "Replica"
	case RoleWitness:
		return "Witness"
	default:
		return "Unknown"
	}
}

// PeerID identifies a member of the group. Several replicas may share an address, so Idx disambiguates them.
type PeerID struct {
	Addr netip.AddrPort
	Idx  int
	Role Role
}

// ParsePeerID parses the canonical form "ip:port[:idx[:role]]"
func ParsePeerID(s string) (PeerID, error) {
	s = strings.TrimSpace(s)
	// try the longest form first, so "1.2.3.4:80:1:0" is not read as an address with garbage
	for suffixes := 2; suffixes >= 0; suffixes-- {
		head := s
		tail := make([]string, 0, suffixes)
		ok := true
		for i := 0; i < suffixes; i++ {
			pos := strings.LastIndexByte(head, ':')
			if pos < 0 {
				ok = false
				break
			}
			tail = append([]string{head[pos+1:]}, tail...)
			head = head[:pos]
		}
		if !ok {
			continue
		}
		addr, err := netip.ParseAddrPort(head)
		if err != nil {
			continue
		}
		peer := PeerID{Addr: addr}
		if len(tail) > 0 {
			idx, err := strconv.Atoi(tail[0])
			if err != nil || idx < 0 {
				continue
			}
			peer.Idx = idx
		}
		if len(tail) > 1 {
			role, err := strconv.Atoi(tail[1])
			if err != nil || (Role(role) != RoleReplica && Role(role) != RoleWitness) {
				continue
			}
			peer.Role = Role(role)
		}
		return peer, nil
	}
	return PeerID{}, fmt.Errorf("failed to parse peer id %q", s)
}

// MustParsePeerID is ParsePeerID that panics on malformed input. Meant for tests and static tables.
func MustParsePeerID(s string) PeerID {
	p, err := ParsePeerID(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsEmpty reports whether the peer carries no address
func (p PeerID) IsEmpty() bool {
	return !p.Addr.IsValid()
}

// IsWitness reports whether the peer only votes
func (p PeerID) IsWitness() bool {
	return p.Role == RoleWitness
}

// Compare orders peers by address, then replica index. Role does not take part in identity.
func (p PeerID) Compare(other PeerID) int {
	if c := p.Addr.Compare(other.Addr); c != 0 {
		return c
	}
	switch {
	case p.Idx < other.Idx:
		return -1
	case p.Idx > other.Idx:
		return 1
	default:
		return 0
	}
}

// Equal reports whether both ids name the same replica
func (p PeerID) Equal(other PeerID) bool {
	return p.Compare(other) == 0
}

// String returns the canonical "ip:port:idx:role" form
func (p PeerID) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Addr.String(), p.Idx, p.Role)
}
