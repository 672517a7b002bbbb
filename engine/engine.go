// Package engine implements the group protocol underneath the context
// manager: group state and epochs, key packages, welcomes, message framing
// and the keyed storage all of it persists into.
package engine

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mossline/go-groupmls/config"
	"github.com/mossline/go-groupmls/crypto"
	"github.com/mossline/go-groupmls/ids"
	"go.uber.org/zap"
)

var cborEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEnc = em
}

// Signer wraps an ed25519 keypair loaded from engine storage.
type Signer struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

func (s *Signer) PublicKey() []byte {
	return s.publicKey
}

func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.privateKey, msg)
}

type Engine struct {
	log      *zap.SugaredLogger
	storage  *memoryStorage
	defaults GroupConfig
}

func New(c *config.Config) *Engine {
	return &Engine{
		log:     c.Logger("engine"),
		storage: newMemoryStorage(),
		defaults: GroupConfig{
			MaxPastEpochs:          c.MaxPastEpochs,
			OutOfOrderTolerance:    c.OutOfOrderTolerance,
			MaximumForwardDistance: c.MaximumForwardDistance,
		},
	}
}

func (e *Engine) newSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signature keys: %w", err)
	}
	e.storage.put(storagePrefixSigner+hex.EncodeToString(pub), priv)
	return &Signer{publicKey: pub, privateKey: priv}, nil
}

// LoadSigner resolves private signing material by its public key.
func (e *Engine) LoadSigner(publicKey []byte) (*Signer, bool) {
	priv, ok := e.storage.get(storagePrefixSigner + hex.EncodeToString(publicKey))
	if !ok {
		return nil, false
	}
	return &Signer{
		publicKey:  ed25519.PublicKey(publicKey),
		privateKey: ed25519.PrivateKey(priv),
	}, true
}

// CreateGroup creates a new group with the given identity as its sole
// member and a fresh signing keypair for it.
func (e *Engine) CreateGroup(identity string, cfg *GroupConfig) (*CreatedGroup, error) {
	if cfg == nil {
		cfg = &e.defaults
	}
	signer, err := e.newSigner()
	if err != nil {
		return nil, err
	}

	groupID := ids.NewID()
	g := &Group{
		eng: e,
		st: groupState{
			GroupID:    groupID[:],
			Epoch:      0,
			BaseSecret: crypto.RandomKey(),
			Members: []Member{{
				LeafIndex:    0,
				Credential:   NewBasicCredential([]byte(identity)),
				SignatureKey: signer.PublicKey(),
			}},
			SelfIndex:         0,
			NextIndex:         1,
			Config:            *cfg,
			SenderGenerations: make(map[uint32]uint32),
		},
	}
	if err := g.save(); err != nil {
		return nil, err
	}
	e.log.Debugf("created group %x for identity %s", g.st.GroupID, identity)
	return &CreatedGroup{Group: g, SignerPublicKey: signer.PublicKey()}, nil
}

// GenerateKeyPackage builds a joinable key package for an identity. The
// resulting bundle, holding the private leaf key, is persisted in engine
// storage keyed by the package's hash ref.
func (e *Engine) GenerateKeyPackage(identity string) (*GeneratedKeyPackage, error) {
	signer, err := e.newSigner()
	if err != nil {
		return nil, err
	}
	kp, bundle, err := newKeyPackage(identity, signer)
	if err != nil {
		return nil, err
	}
	if err := e.StoreKeyPackageBundle(bundle); err != nil {
		return nil, err
	}
	e.log.Debugf("generated key package %x for identity %s", bundle.HashRef, identity)
	return &GeneratedKeyPackage{
		KeyPackageData:  kp,
		HashRef:         bundle.HashRef,
		SignerPublicKey: signer.PublicKey(),
		Bundle:          bundle,
	}, nil
}

// ParseKeyPackage validates a serialized key package and returns its public
// portion.
func (e *Engine) ParseKeyPackage(data []byte) (*KeyPackageInfo, error) {
	return parseKeyPackage(data)
}

// ComputeKeyPackageHash validates a serialized key package and returns its
// hash reference.
func (e *Engine) ComputeKeyPackageHash(data []byte) ([]byte, error) {
	return ComputeKeyPackageHash(data)
}

func (e *Engine) StoreKeyPackageBundle(b *KeyPackageBundle) error {
	enc, err := cborEnc.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: serializing bundle: %v", ErrStorage, err)
	}
	e.storage.put(storagePrefixKeyPackage+hex.EncodeToString(b.HashRef), enc)
	return nil
}

func (e *Engine) KeyPackageBundle(hashRef []byte) (*KeyPackageBundle, bool) {
	enc, ok := e.storage.get(storagePrefixKeyPackage + hex.EncodeToString(hashRef))
	if !ok {
		return nil, false
	}
	var b KeyPackageBundle
	if err := cbor.Unmarshal(enc, &b); err != nil {
		e.log.Warnf("corrupt key package bundle %x: %v", hashRef, err)
		return nil, false
	}
	return &b, true
}

// LoadGroup rebuilds a live group from storage. The second return reports
// whether the group was present.
func (e *Engine) LoadGroup(groupID []byte) (*Group, bool, error) {
	enc, ok := e.storage.get(storagePrefixGroup + hex.EncodeToString(groupID))
	if !ok {
		return nil, false, nil
	}
	var st groupState
	if err := cbor.Unmarshal(enc, &st); err != nil {
		return nil, true, fmt.Errorf("deserializing group %x: %w", groupID, err)
	}
	if st.SenderGenerations == nil {
		st.SenderGenerations = make(map[uint32]uint32)
	}
	return &Group{eng: e, st: st}, true, nil
}

// DeleteGroup removes a group's persisted state from storage.
func (e *Engine) DeleteGroup(groupID []byte) bool {
	return e.storage.delete(storagePrefixGroup + hex.EncodeToString(groupID))
}

// DumpStorage serializes the engine's entire storage to one buffer.
func (e *Engine) DumpStorage() ([]byte, error) {
	return e.storage.dump()
}

// LoadStorage wholesale-replaces the engine's storage. Live groups loaded
// before this call are invalidated; callers reload them via LoadGroup.
func (e *Engine) LoadStorage(data []byte) error {
	return e.storage.load(data)
}

func sha256Sum(chunks ...[]byte) []byte {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}
