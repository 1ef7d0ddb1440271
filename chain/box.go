package chain

import (
	"bytes"
	"encoding/binary"

	"bounty-escrow-service/bounty"
)

// BoxPrefix precedes the big-endian bounty id in every box name.
const BoxPrefix = "bounty_"

// CounterKey is the global state key holding the next bounty id.
const CounterKey = "bounty_count"

// BoxName returns the box key for bounty id.
func BoxName(id uint64) []byte {
	name := make([]byte, len(BoxPrefix)+8)
	copy(name, BoxPrefix)
	binary.BigEndian.PutUint64(name[len(BoxPrefix):], id)
	return name
}

// ParseBoxName is the inverse of BoxName.
func ParseBoxName(name []byte) (uint64, error) {
	if len(name) != len(BoxPrefix)+8 || !bytes.HasPrefix(name, []byte(BoxPrefix)) {
		return 0, bounty.Malformed("%q is not a bounty box name", name)
	}
	return binary.BigEndian.Uint64(name[len(BoxPrefix):]), nil
}

// Itob encodes v as an 8-byte big-endian application argument.
func Itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
