package ballot

import (
	"syscall"

	"raftlog/internal/raft"
)

type unfoundPeer struct {
	peer  raft.PeerID
	found bool
}

// PosHint caches where a peer was found in the previous Ballot it granted, so the next grant from the same peer
// does not scan. The zero value is a valid "no hint".
type PosHint struct {
	pos0 int
	pos1 int
}

// Ballot counts votes for one log position. With an old configuration it implements the joint-consensus rule of
// Section 6 from the [Raft paper](https://raft.github.io/raft.pdf): the position is granted only once a majority of
// both the new and the old configuration agreed.
type Ballot struct {
	peers     []unfoundPeer
	quorum    int
	oldPeers  []unfoundPeer
	oldQuorum int
}

// Init resets the ballot for conf and, when oldConf is non-empty, oldConf. With no peers at all the ballot is left
// granted and EINVAL is returned.
func (b *Ballot) Init(conf, oldConf raft.Configuration) error {
	b.peers = b.peers[:0]
	b.oldPeers = b.oldPeers[:0]
	b.quorum = 0
	b.oldQuorum = 0

	if conf.Empty() && oldConf.Empty() {
		return raft.NewError(syscall.EINVAL, "ballot over an empty configuration")
	}

	for _, p := range conf.Peers() {
		b.peers = append(b.peers, unfoundPeer{peer: p})
	}
	b.quorum = len(b.peers)/2 + 1
	if oldConf.Empty() {
		return nil
	}
	for _, p := range oldConf.Peers() {
		b.oldPeers = append(b.oldPeers, unfoundPeer{peer: p})
	}
	b.oldQuorum = len(b.oldPeers)/2 + 1
	return nil
}

// Grant records the vote of peer. A peer outside both configurations is ignored.
func (b *Ballot) Grant(peer raft.PeerID, hint PosHint) PosHint {
	hint.pos0 = grantIn(b.peers, &b.quorum, peer, hint.pos0)
	if len(b.oldPeers) == 0 {
		hint.pos1 = -1
		return hint
	}
	hint.pos1 = grantIn(b.oldPeers, &b.oldQuorum, peer, hint.pos1)
	return hint
}

func grantIn(peers []unfoundPeer, quorum *int, peer raft.PeerID, hint int) int {
	pos := findPeer(peers, peer, hint)
	if pos < 0 {
		return -1
	}
	if !peers[pos].found {
		peers[pos].found = true
		*quorum--
	}
	return pos
}

func findPeer(peers []unfoundPeer, peer raft.PeerID, hint int) int {
	if hint >= 0 && hint < len(peers) && peers[hint].peer.Equal(peer) {
		return hint
	}
	for i := range peers {
		if peers[i].peer.Equal(peer) {
			return i
		}
	}
	return -1
}

// Granted reports whether every active quorum has been reached
func (b *Ballot) Granted() bool {
	return b.quorum <= 0 && b.oldQuorum <= 0
}
