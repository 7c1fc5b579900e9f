package mutator

import "math/rand"

// interestingByteValues are boundary bytes that commonly trip parsers.
var interestingByteValues = []byte{0x00, 0x01, 0x0A, 0x0D, 0x20, 0x7F, 0x80, 0xFE, 0xFF}

// BitFlip flips one random bit. The input is never modified in place.
func BitFlip(data []byte, rng *rand.Rand) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	mutated := append([]byte(nil), data...)
	index := rng.Intn(len(mutated))
	mutated[index] ^= 1 << rng.Intn(8)
	return mutated
}

// Arithmetic adds a small signed delta to one random byte, wrapping mod 256.
func Arithmetic(data []byte, rng *rand.Rand) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	mutated := append([]byte(nil), data...)
	index := rng.Intn(len(mutated))
	deltas := []int{-35, -1, 1, 35}
	delta := deltas[rng.Intn(len(deltas))]
	mutated[index] = byte((int(mutated[index]) + delta + 256) % 256)
	return mutated
}

// InterestingValue overwrites one random byte with a boundary value. An
// empty input yields a single interesting byte.
func InterestingValue(data []byte, rng *rand.Rand) []byte {
	if len(data) == 0 {
		return []byte{interestingByteValues[rng.Intn(len(interestingByteValues))]}
	}
	mutated := append([]byte(nil), data...)
	index := rng.Intn(len(mutated))
	mutated[index] = interestingByteValues[rng.Intn(len(interestingByteValues))]
	return mutated
}

// DeleteBlock removes a random block. Inputs shorter than two bytes are
// returned unchanged.
func DeleteBlock(data []byte, rng *rand.Rand) []byte {
	if len(data) < 2 {
		return append([]byte(nil), data...)
	}
	mutated := append([]byte(nil), data...)
	start := rng.Intn(len(mutated) - 1)
	blockLen := 1 + rng.Intn(len(mutated)-start)
	return append(mutated[:start], mutated[start+min(blockLen, len(mutated)-start):]...)
}

// CloneBlock duplicates a random block at a random insertion point.
func CloneBlock(data []byte, rng *rand.Rand) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	mutated := append([]byte(nil), data...)
	start := rng.Intn(len(mutated))
	blockLen := 1 + rng.Intn(len(mutated)-start)
	block := append([]byte(nil), mutated[start:start+blockLen]...)
	insertAt := rng.Intn(len(mutated) + 1)

	out := make([]byte, 0, len(mutated)+len(block))
	out = append(out, mutated[:insertAt]...)
	out = append(out, block...)
	out = append(out, mutated[insertAt:]...)
	return out
}
