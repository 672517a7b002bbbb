package crypto

import (
	crypto_rand "crypto/rand"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

const NonceSize = chacha20poly1305.NonceSize

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func NewNonce() []byte {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		panic("short read from random source")
	}
	return nonce
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	return EncryptWithNonce(key, zeroNonce12, msg, ad)
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	return DecryptWithNonce(key, zeroNonce12, enc, ad)
}

func EncryptWithNonce(key, nonce, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, nonce, msg, ad), nil
}

func DecryptWithNonce(key, nonce, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, nonce, enc, ad)
}

// SealTo encrypts msg to a recipient X25519 public key using an ephemeral
// keypair. The ephemeral public key is prepended to the ciphertext.
func SealTo(pub, msg, ad []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	shared := box.Precompute(SliceToKey(pub), ephPriv)
	enc, err := EncryptWithKey(shared[:], msg, ad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(enc))
	out = append(out, ephPub[:]...)
	out = append(out, enc...)
	return out, nil
}

// OpenWith decrypts a SealTo ciphertext with the recipient's private key.
func OpenWith(priv, sealed, ad []byte) ([]byte, error) {
	if len(sealed) < 32 {
		return nil, ErrSealedTooShort
	}
	ephPub := sealed[:32]
	shared := box.Precompute(SliceToKey(ephPub), SliceToKey(priv))
	return DecryptWithKey(shared[:], sealed[32:], ad)
}
