package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"syscall"

	"google.golang.org/protobuf/encoding/protowire"

	"raftlog/internal/raft"
)

// ChecksumType selects the checksum used for a record. It is stored in every record header, so segments written
// with different settings can be read back.
type ChecksumType uint8

const (
	ChecksumCRC32IEEE ChecksumType = iota
	ChecksumCRC32C
)

// String returns the string representation of the ChecksumType
func (c ChecksumType) String() string {
	switch c {
	case ChecksumCRC32IEEE:
		return "crc32"
	case ChecksumCRC32C:
		return "crc32c"
	default:
		return "unknown"
	}
}

// ParseChecksumType maps a configuration value to a ChecksumType
func ParseChecksumType(s string) (ChecksumType, error) {
	switch s {
	case "", "crc32c":
		return ChecksumCRC32C, nil
	case "crc32":
		return ChecksumCRC32IEEE, nil
	default:
		return 0, fmt.Errorf("unknown checksum type %q", s)
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(t ChecksumType, data []byte) (uint32, error) {
	switch t {
	case ChecksumCRC32IEEE:
		return crc32.ChecksumIEEE(data), nil
	case ChecksumCRC32C:
		return crc32.Checksum(data, castagnoli), nil
	default:
		return 0, fmt.Errorf("unknown checksum type %d", t)
	}
}

// Record header layout, all fields big endian:
//
//	| term (64 bits)                                                    |
//	| entry type (8) | checksum type (8) | reserved (16)                |
//	| data length (32)                                                  |
//	| data checksum (32)              | header checksum (32)            |
const entryHeaderSize = 24

var (
	errIncompleteEntry = errors.New("incomplete entry")
	errCorruptedEntry  = errors.New("corrupted entry")
)

type entryHeader struct {
	term         uint64
	typ          raft.EntryType
	checksumType ChecksumType
	dataLen      uint32
	dataChecksum uint32
}

func encodeRecord(cs ChecksumType, term uint64, typ raft.EntryType, data []byte) ([]byte, error) {
	dataSum, err := checksum(cs, data)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, entryHeaderSize+len(data))
	binary.BigEndian.PutUint64(buf[0:8], term)
	binary.BigEndian.PutUint32(buf[8:12], uint32(typ)<<24|uint32(cs)<<16)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[16:20], dataSum)
	headerSum, _ := checksum(cs, buf[:20])
	binary.BigEndian.PutUint32(buf[20:24], headerSum)
	copy(buf[entryHeaderSize:], data)
	return buf, nil
}

func decodeHeader(buf []byte) (entryHeader, error) {
	meta := binary.BigEndian.Uint32(buf[8:12])
	h := entryHeader{
		term:         binary.BigEndian.Uint64(buf[0:8]),
		typ:          raft.EntryType(meta >> 24),
		checksumType: ChecksumType((meta >> 16) & 0xff),
		dataLen:      binary.BigEndian.Uint32(buf[12:16]),
		dataChecksum: binary.BigEndian.Uint32(buf[16:20]),
	}
	sum, err := checksum(h.checksumType, buf[:20])
	if err != nil {
		return h, fmt.Errorf("%w: %v", errCorruptedEntry, err)
	}
	if sum != binary.BigEndian.Uint32(buf[20:24]) {
		return h, fmt.Errorf("%w: header checksum mismatch", errCorruptedEntry)
	}
	return h, nil
}

func (h entryHeader) verifyData(data []byte) error {
	sum, err := checksum(h.checksumType, data)
	if err != nil {
		return fmt.Errorf("%w: %v", errCorruptedEntry, err)
	}
	if sum != h.dataChecksum {
		return fmt.Errorf("%w: data checksum mismatch", errCorruptedEntry)
	}
	return nil
}

// entryPayload returns the bytes stored after the header of entry
func entryPayload(entry *raft.LogEntry) ([]byte, error) {
	switch entry.Type {
	case raft.EntryTypeData, raft.EntryTypeNoOp:
		return entry.Data, nil
	case raft.EntryTypeConfiguration:
		return encodeConfiguration(entry.Peers, entry.OldPeers), nil
	default:
		return nil, raft.NewError(syscall.EINVAL, "unknown entry type %d", entry.Type)
	}
}

// buildEntry rebuilds an entry from its header and payload
func buildEntry(index uint64, h entryHeader, data []byte) (*raft.LogEntry, error) {
	entry := &raft.LogEntry{ID: raft.LogID{Index: index, Term: h.term}, Type: h.typ}
	switch h.typ {
	case raft.EntryTypeData:
		entry.Data = data
	case raft.EntryTypeNoOp:
		if len(data) != 0 {
			return nil, fmt.Errorf("%w: no-op entry at index %d carries data", errCorruptedEntry, index)
		}
	case raft.EntryTypeConfiguration:
		peers, oldPeers, err := decodeConfiguration(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode configuration at index %d: %w", index, err)
		}
		entry.Peers = peers
		entry.OldPeers = oldPeers
	default:
		return nil, fmt.Errorf("%w: unknown entry type %d at index %d", errCorruptedEntry, h.typ, index)
	}
	return entry, nil
}

// Configuration payload, protobuf wire format:
//
//	repeated string peers = 1;
//	repeated string old_peers = 2;
func encodeConfiguration(peers, oldPeers raft.Configuration) []byte {
	var b []byte
	for _, p := range peers.Strings() {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	for _, p := range oldPeers.Strings() {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func decodeConfiguration(b []byte) (peers, oldPeers raft.Configuration, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return peers, oldPeers, protowire.ParseError(n)
		}
		b = b[n:]
		if (num == 1 || num == 2) && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return peers, oldPeers, protowire.ParseError(n)
			}
			p, err := raft.ParsePeerID(v)
			if err != nil {
				return peers, oldPeers, err
			}
			if num == 1 {
				peers.Add(p)
			} else {
				oldPeers.Add(p)
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return peers, oldPeers, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return peers, oldPeers, nil
}

// Log meta file, protobuf wire format:
//
//	int64 first_log_index = 1;
func encodeLogMeta(firstLogIndex uint64) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, firstLogIndex)
}

func decodeLogMeta(b []byte) (uint64, error) {
	var first uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			first = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return first, nil
}

// Entry value stored by BboltLogStorage, protobuf wire format:
//
//	uint64 term = 1;
//	uint32 type = 2;
//	bytes data = 3;
//	repeated string peers = 4;
//	repeated string old_peers = 5;
func encodeEntryValue(entry *raft.LogEntry) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, entry.ID.Term)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Type))
	if len(entry.Data) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, entry.Data)
	}
	for _, p := range entry.Peers.Strings() {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	for _, p := range entry.OldPeers.Strings() {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func decodeEntryValue(index uint64, b []byte) (*raft.LogEntry, error) {
	entry := &raft.LogEntry{ID: raft.LogID{Index: index}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			entry.ID.Term = v
			n = m
		case num == 2 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			entry.Type = raft.EntryType(v)
			n = m
		case num == 3 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			entry.Data = append([]byte(nil), v...)
			n = m
		case (num == 4 || num == 5) && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			p, err := raft.ParsePeerID(v)
			if err != nil {
				return nil, err
			}
			if num == 4 {
				entry.Peers.Add(p)
			} else {
				entry.OldPeers.Add(p)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return entry, nil
}
