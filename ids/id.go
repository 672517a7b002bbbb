// This package defines the random 16-byte identifier minted for every
// group.
package ids

import (
	crypto_rand "crypto/rand"
	"io"
)

type ID [16]byte

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}
