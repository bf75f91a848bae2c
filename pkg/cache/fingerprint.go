package cache

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// FingerprintInput carries everything that determines a compiled binary's
// identity. Any change to these components must produce a different
// fingerprint.
type FingerprintInput struct {
	// PlanBytes is the canonical payload serialization of the unit's
	// task subset.
	PlanBytes []byte

	// Modules is the set of module name@version strings compiled in.
	Modules []string

	// Triple is the target triple string (os/arch/abi).
	Triple string

	// Flags are the compiler flags affecting output.
	Flags []string
}

// Fingerprint computes the blake3 digest of the input. Every field is
// length-prefixed so adjacent fields can never be confused, and list fields
// are counted and sorted so ordering cannot leak into the digest.
func Fingerprint(input FingerprintInput) string {
	hasher := blake3.New()

	writeField := func(data []byte) {
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
		_, _ = hasher.Write(prefix[:])
		_, _ = hasher.Write(data)
	}
	writeList := func(items []string) {
		sorted := make([]string, len(items))
		copy(sorted, items)
		sort.Strings(sorted)

		var count [8]byte
		binary.BigEndian.PutUint64(count[:], uint64(len(sorted)))
		_, _ = hasher.Write(count[:])
		for _, item := range sorted {
			writeField([]byte(item))
		}
	}

	writeField(input.PlanBytes)
	writeList(input.Modules)
	writeField([]byte(input.Triple))
	writeList(input.Flags)

	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum)
}
