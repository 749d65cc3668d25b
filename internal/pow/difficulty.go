// Package pow provides proof of work verification and difficulty math for
// CryptoNote style mining.
package pow

import (
	"encoding/hex"
	"math/big"
)

// diff1 is the maximum target, 2^256 - 1
var diff1 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TargetHex converts a difficulty into the compact 8 character hex target
// sent to miners. The full 256-bit target is truncated to its first four
// bytes, which are then byte-reversed for little-endian comparison on the
// miner side.
func TargetHex(difficulty int64) string {
	if difficulty < 1 {
		difficulty = 1
	}

	target := new(big.Int).Div(diff1, big.NewInt(difficulty))

	buf := make([]byte, 32)
	target.FillBytes(buf)

	head := buf[:4]
	reversed := []byte{head[3], head[2], head[1], head[0]}
	return hex.EncodeToString(reversed)
}

// HashDifficulty computes the difficulty a hash satisfies. The hash bytes
// are interpreted little-endian, so they are reversed before the big-endian
// big.Int conversion. Returns zero for an all-zero hash.
func HashDifficulty(hash []byte) *big.Int {
	reversed := make([]byte, len(hash))
	for i, b := range hash {
		reversed[len(hash)-1-i] = b
	}

	value := new(big.Int).SetBytes(reversed)
	if value.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(diff1, value)
}

// MeetsDifficulty reports whether the hash satisfies the given difficulty
func MeetsDifficulty(hash []byte, difficulty int64) bool {
	return HashDifficulty(hash).Cmp(big.NewInt(difficulty)) >= 0
}
