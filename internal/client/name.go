package client

import "math/rand"

// randomUint31 returns a non-negative pseudo-random 31-bit integer, used as
// the collision-resistant suffix of a generated temporary timeline name.
func randomUint31() uint32 {
	return rand.Uint32() & 0x7fffffff
}
