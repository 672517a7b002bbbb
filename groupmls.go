// Package groupmls is a stateful session manager for an end-to-end
// encrypted group-messaging protocol. A Context tracks many independent
// groups, advances each through protocol epochs, retains per-epoch secrets
// for delayed-message decryption, and can serialize and restore the whole
// multi-group state across process restarts.
package groupmls

import (
	"encoding/hex"
	"sync"

	"github.com/mossline/go-groupmls/config"
	"github.com/mossline/go-groupmls/engine"
	"github.com/mossline/go-groupmls/epochs"
	"go.uber.org/zap"
)

// AddMembersResult carries the commit for existing members and the welcome
// for the new ones. The adding side has already merged; both blobs are ready
// for transmission.
type AddMembersResult struct {
	CommitData  []byte
	WelcomeData []byte
}

// KeyPackageResult is the publishable key package and its hash reference.
type KeyPackageResult struct {
	KeyPackageData []byte
	HashRef        []byte
}

// DecryptedMessage is the legacy decryption result. Non-application content
// is classified internally and returned with an empty plaintext.
type DecryptedMessage struct {
	Plaintext      []byte
	SenderIdentity string
}

type groupSession struct {
	group           *engine.Group
	signerPublicKey []byte
}

// Context owns the group table, signer registry, key package bundle cache
// and the protocol engine's storage, all guarded by one lock. Mutating
// operations serialize process-wide, which is what keeps snapshots
// consistent.
type Context struct {
	log    *zap.SugaredLogger
	config *config.Config
	engine Engine
	epochs *epochs.Manager

	mu      sync.RWMutex
	closed  bool
	groups  map[string]*groupSession
	signers map[string][]byte
	bundles map[string]*engine.KeyPackageBundle
}

// New creates a context around the shipped protocol engine.
func New(c *config.Config) *Context {
	return NewWithEngine(c, engine.New(c))
}

// NewWithEngine creates a context around a caller-supplied engine.
func NewWithEngine(c *config.Config, eng Engine) *Context {
	return &Context{
		log:     c.Logger("groupmls"),
		config:  c,
		engine:  eng,
		epochs:  epochs.NewManager(c),
		groups:  make(map[string]*groupSession),
		signers: make(map[string][]byte),
		bundles: make(map[string]*engine.KeyPackageBundle),
	}
}

// Close marks the context unusable. Every subsequent call fails with a
// context-not-initialized error.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SetEpochSecretStorage injects the durable epoch secret store. Without one
// the epoch secret pipeline is a no-op.
func (c *Context) SetEpochSecretStorage(s epochs.Storage) {
	c.epochs.SetStorage(s)
}

func groupKey(groupID []byte) string {
	return hex.EncodeToString(groupID)
}

func (c *Context) locked(groupID []byte, fn func(g *engine.Group, signer *engine.Signer) error) error {
	if c.closed {
		return newError(KindContextNotInitialized, "context is closed")
	}
	sess, ok := c.groups[groupKey(groupID)]
	if !ok {
		return newError(KindGroupNotFound, "no group with id %x", groupID)
	}
	signer, ok := c.engine.LoadSigner(sess.signerPublicKey)
	if !ok {
		return newError(KindGroupNotFound, "signer %x for group %x cannot be resolved", sess.signerPublicKey, groupID)
	}
	return fn(sess.group, signer)
}

func (c *Context) withExclusive(groupID []byte, fn func(g *engine.Group, signer *engine.Signer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked(groupID, fn)
}

func (c *Context) withShared(groupID []byte, fn func(g *engine.Group, signer *engine.Signer) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locked(groupID, fn)
}

// exportEpochSecret is the best-effort side of the epoch secret pipeline.
// Failure is logged at warning level and never unwinds the triggering
// operation.
func (c *Context) exportEpochSecret(g *engine.Group) {
	if _, err := c.epochs.ExportCurrent(g); err != nil {
		c.log.Warnf("epoch secret export failed for group %x at epoch %d: %v", g.ID(), g.Epoch(), err)
	}
}

// CreateGroup creates a new group with the given identity as its sole
// member and returns the group id. The identity's signer is registered and
// the epoch 0 secret is exported.
func (c *Context) CreateGroup(identity string, cfg *engine.GroupConfig) ([]byte, error) {
	if identity == "" {
		return nil, newError(KindInvalidInput, "identity must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}

	created, err := c.engine.CreateGroup(identity, cfg)
	if err != nil {
		return nil, mapEngineError(KindStorageFailed, err)
	}
	groupID := created.Group.ID()
	c.groups[groupKey(groupID)] = &groupSession{
		group:           created.Group,
		signerPublicKey: created.SignerPublicKey,
	}
	c.signers[identity] = created.SignerPublicKey
	c.exportEpochSecret(created.Group)
	c.log.Infof("created group %x for identity %s", groupID, identity)
	return groupID, nil
}

// AddMembers adds the given key packages to a group and returns the commit
// and welcome blobs. Identities already in the group are rejected before the
// engine is invoked. The group advances one epoch before this returns.
func (c *Context) AddMembers(groupID []byte, keyPackages [][]byte) (*AddMembersResult, error) {
	if len(keyPackages) == 0 {
		return nil, newError(KindInvalidInput, "no key packages supplied")
	}
	var result *AddMembersResult
	err := c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		seen := make(map[string]bool)
		for _, data := range keyPackages {
			info, err := c.engine.ParseKeyPackage(data)
			if err != nil {
				return mapEngineError(KindInvalidKeyPackage, err)
			}
			identity := string(info.Credential.Identity)
			if g.HasMemberIdentity(info.Credential.Identity) || seen[identity] {
				return newError(KindInvalidInput, "duplicate identity %s already in group %x", identity, groupID)
			}
			seen[identity] = true
		}

		c.exportEpochSecret(g)
		commitData, welcomeData, err := g.AddMembers(signer, keyPackages)
		if err != nil {
			return mapEngineError(KindAddMembersFailed, err)
		}
		result = &AddMembersResult{CommitData: commitData, WelcomeData: welcomeData}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteGroup removes a group from the table and the engine's storage,
// reporting whether it was present.
func (c *Context) DeleteGroup(groupID []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := groupKey(groupID)
	_, present := c.groups[key]
	delete(c.groups, key)
	if c.engine.DeleteGroup(groupID) {
		present = true
	}
	if present {
		c.log.Infof("deleted group %x", groupID)
	}
	return present
}

// EncryptMessage encrypts an application message to the group under its
// current epoch.
func (c *Context) EncryptMessage(groupID, plaintext []byte) ([]byte, error) {
	var data []byte
	err := c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		var err error
		data, err = g.CreateMessage(signer, plaintext)
		if err != nil {
			return mapEngineError(KindEncryptionFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ProcessMessage decrypts and classifies an incoming protocol message.
// Commits are staged, never merged here; callers validate and then merge
// explicitly.
func (c *Context) ProcessMessage(groupID, data []byte) (engine.ProcessedContent, error) {
	var content engine.ProcessedContent
	err := c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		var err error
		content, err = g.ProcessMessage(data)
		if err != nil {
			return mapEngineError(KindDecryptionFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// DecryptMessage is the legacy decryption entry point. It classifies the
// message internally and returns an empty plaintext for anything that is not
// an application message.
func (c *Context) DecryptMessage(groupID, data []byte) (*DecryptedMessage, error) {
	content, err := c.ProcessMessage(groupID, data)
	if err != nil {
		return nil, err
	}
	switch m := content.(type) {
	case *engine.ApplicationMessage:
		return &DecryptedMessage{
			Plaintext:      m.Plaintext,
			SenderIdentity: string(m.Sender.Identity),
		}, nil
	case *engine.ProposalMessage:
		return &DecryptedMessage{SenderIdentity: string(m.Sender.Identity)}, nil
	case *engine.StagedCommitMessage:
		return &DecryptedMessage{SenderIdentity: string(m.Sender.Identity)}, nil
	case *engine.ExternalJoinProposalMessage:
		return &DecryptedMessage{SenderIdentity: string(m.Sender.Identity)}, nil
	default:
		return nil, newError(KindDecryptionFailed, "unrecognized message content")
	}
}

// CreateKeyPackage generates a publishable key package for an identity,
// caches its bundle for a future welcome and registers the identity's
// signer.
func (c *Context) CreateKeyPackage(identity string) (*KeyPackageResult, error) {
	if identity == "" {
		return nil, newError(KindInvalidInput, "identity must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}

	generated, err := c.engine.GenerateKeyPackage(identity)
	if err != nil {
		return nil, mapEngineError(KindInvalidKeyPackage, err)
	}
	c.bundles[hex.EncodeToString(generated.HashRef)] = generated.Bundle
	c.signers[identity] = generated.SignerPublicKey
	c.log.Infof("created key package %x for identity %s", generated.HashRef, identity)
	return &KeyPackageResult{
		KeyPackageData: generated.KeyPackageData,
		HashRef:        generated.HashRef,
	}, nil
}

// welcomeToken derives a best-effort conversation token from an opaque
// welcome blob for desync diagnostics.
func welcomeToken(welcomeData []byte) string {
	prefix := welcomeData
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return "welcome_" + hex.EncodeToString(prefix)
}

// ProcessWelcome materializes a group from a welcome addressed to one of the
// cached key package bundles and returns the new group id. The matched
// bundle is consumed. An empty bundle cache is reported as a desync, not as
// a generic engine failure.
func (c *Context) ProcessWelcome(identity string, welcomeData []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}
	if len(c.bundles) == 0 {
		return nil, &KeyPackageDesyncError{
			Conversation: welcomeToken(welcomeData),
			Reason:       "no key package bundles cached, cannot process welcome",
		}
	}
	signerPub, ok := c.signers[identity]
	if !ok {
		return nil, newError(KindGroupNotFound, "no signer registered for identity %s", identity)
	}

	bundles := make([]*engine.KeyPackageBundle, 0, len(c.bundles))
	for _, b := range c.bundles {
		bundles = append(bundles, b)
	}
	joined, err := c.engine.JoinFromWelcome(welcomeData, bundles, nil)
	if err != nil {
		return nil, mapEngineError(KindInvalidKeyPackage, err)
	}

	delete(c.bundles, hex.EncodeToString(joined.ConsumedHashRef))
	groupID := joined.Group.ID()
	c.groups[groupKey(groupID)] = &groupSession{
		group:           joined.Group,
		signerPublicKey: signerPub,
	}
	c.exportEpochSecret(joined.Group)
	c.log.Infof("joined group %x at epoch %d for identity %s", groupID, joined.Group.Epoch(), identity)
	return groupID, nil
}

// ExportSecret derives length bytes from the group's current epoch secret,
// bound to a label and caller context.
func (c *Context) ExportSecret(groupID []byte, label string, context []byte, length int) ([]byte, error) {
	var secret []byte
	err := c.withShared(groupID, func(g *engine.Group, signer *engine.Signer) error {
		var err error
		secret, err = g.ExportSecret(label, context, length)
		if err != nil {
			return wrapError(KindSecretExportFailed, err, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// Epoch returns the group's current epoch.
func (c *Context) Epoch(groupID []byte) (uint64, error) {
	var epoch uint64
	err := c.withShared(groupID, func(g *engine.Group, signer *engine.Signer) error {
		epoch = g.Epoch()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// ProcessCommit stages an incoming commit and returns the update proposals
// it covers, without merging. The caller merges explicitly after validating.
func (c *Context) ProcessCommit(groupID, commitData []byte) ([]engine.UpdateProposalInfo, error) {
	var updates []engine.UpdateProposalInfo
	err := c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		content, err := g.ProcessMessage(commitData)
		if err != nil {
			return mapEngineError(KindCommitProcessingFailed, err)
		}
		if _, ok := content.(*engine.StagedCommitMessage); !ok {
			return newError(KindInvalidCommit, "message is not a commit")
		}
		updates = g.StagedUpdates()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// ClearPendingCommit discards the group's staged commit, if any.
func (c *Context) ClearPendingCommit(groupID []byte) error {
	return c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		if err := g.ClearPendingCommit(); err != nil {
			return mapEngineError(KindCommitProcessingFailed, err)
		}
		return nil
	})
}

// PendingProposals lists the group's stored proposal references.
func (c *Context) PendingProposals(groupID []byte) ([]engine.ProposalRef, error) {
	var refs []engine.ProposalRef
	err := c.withShared(groupID, func(g *engine.Group, signer *engine.Signer) error {
		refs = g.PendingProposals()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// RemoveProposal drops one stored proposal by reference.
func (c *Context) RemoveProposal(groupID []byte, ref engine.ProposalRef) error {
	return c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		if err := g.RemovePendingProposal(ref); err != nil {
			return mapEngineError(KindCommitProcessingFailed, err)
		}
		return nil
	})
}

// CommitPendingProposals commits every stored pending proposal, merges
// immediately and returns the commit blob. The current epoch's secret is
// exported before the advance.
func (c *Context) CommitPendingProposals(groupID []byte) ([]byte, error) {
	var commitData []byte
	err := c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		c.exportEpochSecret(g)
		var err error
		commitData, err = g.CommitToPendingProposals(signer)
		if err != nil {
			return mapEngineError(KindCommitProcessingFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commitData, nil
}

// MergePendingCommit applies the staged commit, advancing the epoch, and
// returns the new epoch. With nothing staged it returns the current epoch
// unchanged. The outgoing epoch's secret is exported before the advance.
func (c *Context) MergePendingCommit(groupID []byte) (uint64, error) {
	var epoch uint64
	err := c.withExclusive(groupID, func(g *engine.Group, signer *engine.Signer) error {
		if _, staged := g.StagedEpoch(); staged {
			c.exportEpochSecret(g)
		}
		var err error
		epoch, err = g.MergePendingCommit()
		if err != nil {
			return mapEngineError(KindMergeFailed, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// MergeStagedCommit is identical to MergePendingCommit.
func (c *Context) MergeStagedCommit(groupID []byte) (uint64, error) {
	return c.MergePendingCommit(groupID)
}

// HasGroup reports whether the group id is tracked.
func (c *Context) HasGroup(groupID []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	_, ok := c.groups[groupKey(groupID)]
	return ok
}

// MemberCount returns the group's current roster size.
func (c *Context) MemberCount(groupID []byte) (uint32, error) {
	var count uint32
	err := c.withShared(groupID, func(g *engine.Group, signer *engine.Signer) error {
		count = g.MemberCount()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DebugMembers returns a diagnostic listing of the group's roster.
func (c *Context) DebugMembers(groupID []byte) (*engine.GroupDebugInfo, error) {
	var info *engine.GroupDebugInfo
	err := c.withShared(groupID, func(g *engine.Group, signer *engine.Signer) error {
		info = g.DebugInfo()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// KeyPackageBundleCount returns the number of cached, unconsumed key
// package bundles.
func (c *Context) KeyPackageBundleCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.bundles))
}

// GetEpochSecret retrieves a retained epoch secret from the configured
// store.
func (c *Context) GetEpochSecret(groupID []byte, epoch uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false
	}
	return c.epochs.GetEpochSecret(groupID, epoch)
}

// DeleteEpochSecret removes a retained epoch secret from the configured
// store.
func (c *Context) DeleteEpochSecret(groupID []byte, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.epochs.DeleteEpochSecret(groupID, epoch)
}

// ComputeKeyPackageHash validates serialized key package bytes and returns
// their hash reference. Stateless; usable before any group exists.
func ComputeKeyPackageHash(data []byte) ([]byte, error) {
	hashRef, err := engine.ComputeKeyPackageHash(data)
	if err != nil {
		return nil, mapEngineError(KindInvalidKeyPackage, err)
	}
	return hashRef, nil
}
