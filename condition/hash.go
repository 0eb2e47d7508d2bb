package condition

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Structural hashes identify conditions for the dedup cache and provide the
// fingerprint used by the award-lock striping.  Keys are fixed: hashes only
// need to be stable within one process.

func HashString(v string) uint64 {
	return siphash.Hash(0, 0, []byte(v))
}

func HashUints(vs []uint64) uint64 {
	buf := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return siphash.Hash(0, 0, buf)
}

func computeCondHash(kind CondKind, operands []Condition) uint64 {
	hashes := make([]uint64, 0, len(operands)+1)
	hashes = append(hashes, uint64(kind))
	for _, op := range operands {
		hashes = append(hashes, op.GetHash())
	}
	return HashUints(hashes)
}
