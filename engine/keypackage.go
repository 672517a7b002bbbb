package engine

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"

	"github.com/fxamacker/cbor/v2"
	"github.com/kevinburke/nacl/box"
)

const (
	keyPackageVersion = 1
	cipherSuiteName   = "x25519-chacha20poly1305-ed25519"
)

type keyPackagePublic struct {
	Version      uint8      `cbor:"1,keyasint"`
	CipherSuite  string     `cbor:"2,keyasint"`
	InitKey      []byte     `cbor:"3,keyasint"`
	SignatureKey []byte     `cbor:"4,keyasint"`
	Credential   Credential `cbor:"5,keyasint"`
}

type keyPackage struct {
	Public    keyPackagePublic `cbor:"1,keyasint"`
	Signature []byte           `cbor:"2,keyasint"`
}

// KeyPackageBundle pairs a published key package with the private leaf key
// needed to open a welcome addressed to it.
type KeyPackageBundle struct {
	HashRef        []byte     `cbor:"1,keyasint"`
	KeyPackageData []byte     `cbor:"2,keyasint"`
	Credential     Credential `cbor:"3,keyasint"`
	SignatureKey   []byte     `cbor:"4,keyasint"`
	InitPrivateKey []byte     `cbor:"5,keyasint"`
}

func newKeyPackage(identity string, signer *Signer) ([]byte, *KeyPackageBundle, error) {
	initPub, initPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	pub := keyPackagePublic{
		Version:      keyPackageVersion,
		CipherSuite:  cipherSuiteName,
		InitKey:      initPub[:],
		SignatureKey: signer.PublicKey(),
		Credential:   NewBasicCredential([]byte(identity)),
	}
	pubBytes, err := cborEnc.Marshal(&pub)
	if err != nil {
		return nil, nil, err
	}
	kp := keyPackage{
		Public:    pub,
		Signature: signer.Sign(pubBytes),
	}
	data, err := cborEnc.Marshal(&kp)
	if err != nil {
		return nil, nil, err
	}
	bundle := &KeyPackageBundle{
		HashRef:        sha256Sum(data),
		KeyPackageData: data,
		Credential:     pub.Credential,
		SignatureKey:   pub.SignatureKey,
		InitPrivateKey: initPriv[:],
	}
	return data, bundle, nil
}

func parseKeyPackage(data []byte) (*KeyPackageInfo, error) {
	var kp keyPackage
	if err := cbor.Unmarshal(data, &kp); err != nil {
		return nil, ErrSerialization
	}
	if kp.Public.Version != keyPackageVersion || kp.Public.CipherSuite != cipherSuiteName {
		return nil, ErrInvalidKeyPackage
	}
	if len(kp.Public.SignatureKey) != ed25519.PublicKeySize || len(kp.Public.InitKey) != 32 {
		return nil, ErrInvalidKeyPackage
	}
	pubBytes, err := cborEnc.Marshal(&kp.Public)
	if err != nil {
		return nil, ErrSerialization
	}
	if !ed25519.Verify(kp.Public.SignatureKey, pubBytes, kp.Signature) {
		return nil, ErrInvalidKeyPackage
	}
	return &KeyPackageInfo{
		Credential:   kp.Public.Credential,
		SignatureKey: kp.Public.SignatureKey,
		InitKey:      kp.Public.InitKey,
		HashRef:      sha256Sum(data),
	}, nil
}

// ComputeKeyPackageHash validates serialized key package bytes and returns
// their hash reference. Stateless; usable before any group exists.
func ComputeKeyPackageHash(data []byte) ([]byte, error) {
	info, err := parseKeyPackage(data)
	if err != nil {
		return nil, err
	}
	return info.HashRef, nil
}
