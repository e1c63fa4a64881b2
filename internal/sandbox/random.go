package sandbox

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"time"
)

// solutionSeed fixes the random source of solution scripts.
const solutionSeed int64 = 0x5eed

// seededSource returns a deterministic generator in [0,1) derived from
// (seed, variantIndex). math/rand's source algorithm is frozen, so the
// stream is stable across processes and Go releases.
func seededSource(seed int64, variantIndex int) func() float64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(seed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(variantIndex))
	h := sha256.Sum256(buf[:])
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(h[:8])))).Float64
}

func clockSource() func() float64 {
	return rand.New(rand.NewSource(time.Now().UnixNano())).Float64
}
