package eventlog

import (
	"encoding/binary"
)

// Keyspace for the Pebble backend. Stream and group names are length
// prefixed so names containing separators cannot collide.
//
//	s/{len2}{stream}/m                        last assigned sequence (be8)
//	s/{len2}{stream}/n                        number of entries (be8)
//	s/{len2}{stream}/e/{seq_be8}              entry fields
//	s/{len2}{stream}/g/{len2}{group}/c        last delivered sequence (be8)
//	s/{len2}{stream}/g/{len2}{group}/p/{seq}  pending record

var (
	streamPrefix = []byte("s/")
	metaSuffix   = []byte("/m")
	countSuffix  = []byte("/n")
	entrySeg     = []byte("/e/")
	groupSeg     = []byte("/g/")
	cursorSuffix = []byte("/c")
	pendingSeg   = []byte("/p/")
)

func appendName(dst []byte, name string) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(name)))
	dst = append(dst, b[:]...)
	return append(dst, name...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyStream(stream string, extra int) []byte {
	k := make([]byte, 0, len(stream)+extra+16)
	k = append(k, streamPrefix...)
	return appendName(k, stream)
}

// keyMeta builds the last-sequence key of a stream.
func keyMeta(stream string) []byte {
	return append(keyStream(stream, 2), metaSuffix...)
}

// keyCount builds the entry-count key of a stream.
func keyCount(stream string) []byte {
	return append(keyStream(stream, 2), countSuffix...)
}

// keyEntry builds an entry key; big-endian sequences keep keys ordered.
func keyEntry(stream string, seq uint64) []byte {
	k := append(keyStream(stream, 11), entrySeg...)
	return appendBE8(k, seq)
}

// entryPrefix returns the prefix of all entry keys of a stream.
func entryPrefix(stream string) []byte {
	return append(keyStream(stream, 3), entrySeg...)
}

func keyGroup(stream, group string) []byte {
	k := append(keyStream(stream, len(group)+16), groupSeg...)
	return appendName(k, group)
}

// keyCursor builds the last-delivered key of a group.
func keyCursor(stream, group string) []byte {
	return append(keyGroup(stream, group), cursorSuffix...)
}

// pendingPrefix returns the prefix of all pending records of a group.
func pendingPrefix(stream, group string) []byte {
	return append(keyGroup(stream, group), pendingSeg...)
}

// keyPending builds the pending record key of one entry.
func keyPending(stream, group string, seq uint64) []byte {
	return appendBE8(pendingPrefix(stream, group), seq)
}

// seqFromKey reads the trailing big-endian sequence of an entry or pending key.
func seqFromKey(k []byte) uint64 {
	if len(k) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

// prefixUpperBound returns the smallest key greater than every key with prefix p.
func prefixUpperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func decodeBE8(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
