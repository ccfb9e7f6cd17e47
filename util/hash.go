package util

import "hash/fnv"

// GenerateID returns a 64-bit FNV-1a hash of the given payload string.
func GenerateID(payload string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(payload))
	return h.Sum64()
}
