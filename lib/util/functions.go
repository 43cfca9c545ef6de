package util

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed, falling back to the current time if the
// system random source fails
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// HashString hashes a string with FNV-1a, mixing in seed.
func HashString(s string, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// HashBytes hashes a byte slice with FNV-1a, mixing in seed.
func HashBytes(b []byte, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed
	for _, c := range b {
		hash ^= uint64(c)
		hash *= prime64
	}
	return hash
}

// PathHash is the stable identity of a container transport.
// It only depends on address, port and mount point, so registering the same
// path twice yields the same hash.
func PathHash(address string, port int32, mountPoint string) uint64 {
	return HashString(address+"|"+strconv.Itoa(int(port))+"|"+mountPoint, 0)
}

// ContainerHash is the stable identity of a container derived from its uuid.
func ContainerHash(uuid string) uint64 {
	return HashString(uuid, 0)
}
