// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// Hash32 computes a stable 4-byte FNV-1a hash over the given parts. It is
// used where a value must look random but stay the same across renders.
func Hash32(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum32()
}
