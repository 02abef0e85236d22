package dtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gordian-engine/tether/daddr"
)

// RandomAddressesForTest returns n distinct overlay addresses in ascending order,
// derived from a seed based on the test name,
// so that failures reproduce exactly.
func RandomAddressesForTest(t testing.TB, n int) []daddr.Address {
	// Sha256 happens to be the right size for the chacha8 seed,
	// and it keeps long test names from mattering.
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]daddr.Address, 0, n)
	seen := make(map[daddr.Address]struct{}, n)
	for len(out) < n {
		var a daddr.Address
		if _, err := chacha.Read(a[:]); err != nil {
			panic(err)
		}
		if a.IsZero() {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	slices.SortFunc(out, daddr.Address.Compare)
	return out
}
