package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrSealedTooShort = errors.New("crypto: sealed message too short")

// DeriveKey expands secret into length bytes bound to a label and context
// using HKDF-SHA256.
func DeriveKey(secret []byte, label string, context []byte, length int) ([]byte, error) {
	info := make([]byte, 0, len(label)+len(context))
	info = append(info, []byte(label)...)
	info = append(info, context...)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func RandomKey() []byte {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		panic("short read from random source")
	}
	return key
}
