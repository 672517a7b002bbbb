package engine

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mossline/go-groupmls/crypto"
)

const epochSecretLabel = "group epoch secret"

type pendingProposal struct {
	Ref    []byte       `cbor:"1,keyasint"`
	Body   proposalBody `cbor:"2,keyasint"`
	Sender uint32       `cbor:"3,keyasint"`
}

type stagedCommit struct {
	Body   commitBody `cbor:"1,keyasint"`
	Sender uint32     `cbor:"2,keyasint"`
}

type groupState struct {
	GroupID           []byte            `cbor:"1,keyasint"`
	Epoch             uint64            `cbor:"2,keyasint"`
	BaseSecret        []byte            `cbor:"3,keyasint"`
	Members           []Member          `cbor:"4,keyasint"`
	SelfIndex         uint32            `cbor:"5,keyasint"`
	NextIndex         uint32            `cbor:"6,keyasint"`
	Config            GroupConfig       `cbor:"7,keyasint"`
	NextGeneration    uint32            `cbor:"8,keyasint"`
	SenderGenerations map[uint32]uint32 `cbor:"9,keyasint"`
	PendingProposals  []pendingProposal `cbor:"10,keyasint,omitempty"`
	StagedCommit      *stagedCommit     `cbor:"11,keyasint,omitempty"`
	PastSecrets       map[uint64][]byte `cbor:"12,keyasint,omitempty"`
}

// Group is one live group session. All mutating methods persist the new
// state into engine storage before returning.
type Group struct {
	eng *Engine
	st  groupState
}

func (g *Group) ID() []byte {
	id := make([]byte, len(g.st.GroupID))
	copy(id, g.st.GroupID)
	return id
}

func (g *Group) Epoch() uint64 {
	return g.st.Epoch
}

func (g *Group) MemberCount() uint32 {
	return uint32(len(g.st.Members))
}

func (g *Group) Members() []Member {
	members := make([]Member, len(g.st.Members))
	copy(members, g.st.Members)
	return members
}

func (g *Group) SelfCredential() Credential {
	for _, m := range g.st.Members {
		if m.LeafIndex == g.st.SelfIndex {
			return m.Credential
		}
	}
	return Credential{}
}

func (g *Group) DebugInfo() *GroupDebugInfo {
	info := &GroupDebugInfo{
		GroupID:      g.ID(),
		Epoch:        g.st.Epoch,
		TotalMembers: g.MemberCount(),
	}
	for _, m := range g.st.Members {
		info.Members = append(info.Members, GroupMemberDebugInfo{
			LeafIndex:          m.LeafIndex,
			CredentialIdentity: m.Credential.Identity,
			CredentialType:     m.Credential.CredentialType,
		})
	}
	return info
}

func (g *Group) memberByIndex(index uint32) (Member, bool) {
	for _, m := range g.st.Members {
		if m.LeafIndex == index {
			return m, true
		}
	}
	return Member{}, false
}

// HasMemberIdentity reports whether any member's credential identity equals
// the given bytes.
func (g *Group) HasMemberIdentity(identity []byte) bool {
	for _, m := range g.st.Members {
		if bytes.Equal(m.Credential.Identity, identity) {
			return true
		}
	}
	return false
}

// ExportSecret derives length bytes from the current epoch's base secret,
// bound to a label and caller context.
func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("export length must be positive, got %d", length)
	}
	return crypto.DeriveKey(g.st.BaseSecret, label, context, length)
}

func (g *Group) save() error {
	enc, err := cborEnc.Marshal(&g.st)
	if err != nil {
		return fmt.Errorf("%w: serializing group %x: %v", ErrStorage, g.st.GroupID, err)
	}
	g.eng.storage.put(storagePrefixGroup+hex.EncodeToString(g.st.GroupID), enc)
	return nil
}

func commitNonce() []byte {
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		panic("short read from random source")
	}
	return nonce
}

func nextEpochSecret(current, nonce []byte) ([]byte, error) {
	return crypto.DeriveKey(current, epochSecretLabel, nonce, 32)
}

// AddMembers adds the given key packages to the group. The commit is merged
// immediately on this side so that the returned welcome is fully populated
// for transmission; the group advances one epoch before this returns.
func (g *Group) AddMembers(signer *Signer, keyPackages [][]byte) (commitData, welcomeData []byte, err error) {
	if len(keyPackages) == 0 {
		return nil, nil, ErrInvalidKeyPackage
	}
	infos := make([]*KeyPackageInfo, 0, len(keyPackages))
	for _, data := range keyPackages {
		info, err := parseKeyPackage(data)
		if err != nil {
			return nil, nil, err
		}
		infos = append(infos, info)
	}

	adds := make([]commitAdd, 0, len(infos))
	next := g.st.NextIndex
	for _, info := range infos {
		adds = append(adds, commitAdd{
			Member: Member{
				LeafIndex:    next,
				Credential:   info.Credential,
				SignatureKey: info.SignatureKey,
			},
			KeyPackageRef: info.HashRef,
		})
		next++
	}

	body := commitBody{
		NewEpoch:    g.st.Epoch + 1,
		CommitNonce: commitNonce(),
		Adds:        adds,
	}
	bodyBytes, err := cborEnc.Marshal(&body)
	if err != nil {
		return nil, nil, fmt.Errorf("serializing commit: %w", err)
	}

	// The commit frame is sealed under the current epoch so existing
	// members can still process it.
	commitData, err = g.sealFrame(signer, contentTypeCommit, bodyBytes)
	if err != nil {
		return nil, nil, err
	}

	newSecret, err := nextEpochSecret(g.st.BaseSecret, body.CommitNonce)
	if err != nil {
		return nil, nil, err
	}
	newMembers := make([]Member, 0, len(g.st.Members)+len(adds))
	newMembers = append(newMembers, g.st.Members...)
	for _, a := range adds {
		newMembers = append(newMembers, a.Member)
	}

	welcomeData, err = buildWelcome(g.st.GroupID, body.NewEpoch, newMembers, infos, newSecret)
	if err != nil {
		return nil, nil, err
	}

	g.st.Members = newMembers
	g.st.NextIndex = next
	g.advanceEpoch(body.NewEpoch, newSecret)
	if err := g.save(); err != nil {
		return nil, nil, err
	}
	g.eng.log.Debugf("group %x advanced to epoch %d with %d new members", g.st.GroupID, g.st.Epoch, len(adds))
	return commitData, welcomeData, nil
}

// advanceEpoch installs the next epoch's base secret, retaining the
// outgoing one for up to MaxPastEpochs so delayed application traffic stays
// decryptable.
func (g *Group) advanceEpoch(newEpoch uint64, newSecret []byte) {
	if g.st.Config.MaxPastEpochs > 0 {
		if g.st.PastSecrets == nil {
			g.st.PastSecrets = make(map[uint64][]byte)
		}
		g.st.PastSecrets[g.st.Epoch] = g.st.BaseSecret
		for epoch := range g.st.PastSecrets {
			if newEpoch-epoch > uint64(g.st.Config.MaxPastEpochs) {
				delete(g.st.PastSecrets, epoch)
			}
		}
	}
	g.st.Epoch = newEpoch
	g.st.BaseSecret = newSecret
	g.st.NextGeneration = 0
	g.st.SenderGenerations = make(map[uint32]uint32)
	g.st.StagedCommit = nil
	g.st.PendingProposals = nil
}

func (g *Group) applyCommit(body *commitBody) error {
	newSecret, err := nextEpochSecret(g.st.BaseSecret, body.CommitNonce)
	if err != nil {
		return err
	}
	members := g.st.Members
	for _, removed := range body.Removes {
		kept := members[:0]
		for _, m := range members {
			if m.LeafIndex != removed {
				kept = append(kept, m)
			}
		}
		members = kept
	}
	for i, m := range members {
		for _, u := range body.Updates {
			if m.LeafIndex == u.LeafIndex {
				members[i].Credential = u.NewCredential
				members[i].SignatureKey = u.NewSignatureKey
			}
		}
	}
	next := g.st.NextIndex
	for _, a := range body.Adds {
		members = append(members, a.Member)
		if a.Member.LeafIndex >= next {
			next = a.Member.LeafIndex + 1
		}
	}
	g.st.Members = members
	g.st.NextIndex = next
	g.advanceEpoch(body.NewEpoch, newSecret)
	return nil
}

// MergePendingCommit applies the staged commit, advancing the epoch. With
// nothing staged it is a no-op returning the current epoch.
func (g *Group) MergePendingCommit() (uint64, error) {
	if g.st.StagedCommit == nil {
		return g.st.Epoch, nil
	}
	if err := g.applyCommit(&g.st.StagedCommit.Body); err != nil {
		return 0, err
	}
	if err := g.save(); err != nil {
		return 0, err
	}
	g.eng.log.Debugf("group %x merged staged commit, now at epoch %d", g.st.GroupID, g.st.Epoch)
	return g.st.Epoch, nil
}

// ClearPendingCommit discards a staged commit, for example after the
// delivery service rejected it.
func (g *Group) ClearPendingCommit() error {
	g.st.StagedCommit = nil
	return g.save()
}

// StagedUpdates returns the update proposals covered by the staged commit,
// paired with the credentials they replace. Empty when nothing is staged.
func (g *Group) StagedUpdates() []UpdateProposalInfo {
	if g.st.StagedCommit == nil {
		return nil
	}
	var updates []UpdateProposalInfo
	for _, u := range g.st.StagedCommit.Body.Updates {
		old, ok := g.memberByIndex(u.LeafIndex)
		if !ok {
			continue
		}
		updates = append(updates, UpdateProposalInfo{
			LeafIndex:     u.LeafIndex,
			OldCredential: old.Credential,
			NewCredential: u.NewCredential,
		})
	}
	return updates
}

// StagedEpoch returns the epoch the staged commit would advance to, and
// whether a commit is staged.
func (g *Group) StagedEpoch() (uint64, bool) {
	if g.st.StagedCommit == nil {
		return 0, false
	}
	return g.st.StagedCommit.Body.NewEpoch, true
}

func (g *Group) PendingProposals() []ProposalRef {
	refs := make([]ProposalRef, 0, len(g.st.PendingProposals))
	for _, p := range g.st.PendingProposals {
		refs = append(refs, ProposalRef{Data: p.Ref})
	}
	return refs
}

func (g *Group) RemovePendingProposal(ref ProposalRef) error {
	for i, p := range g.st.PendingProposals {
		if bytes.Equal(p.Ref, ref.Data) {
			g.st.PendingProposals = append(g.st.PendingProposals[:i], g.st.PendingProposals[i+1:]...)
			return g.save()
		}
	}
	return ErrProposalNotFound
}

// CommitToPendingProposals builds a commit covering every stored pending
// proposal (possibly none, which still rotates the epoch secret), merges it
// immediately and returns the commit for transmission.
func (g *Group) CommitToPendingProposals(signer *Signer) ([]byte, error) {
	body := commitBody{
		NewEpoch:    g.st.Epoch + 1,
		CommitNonce: commitNonce(),
	}
	next := g.st.NextIndex
	for _, p := range g.st.PendingProposals {
		switch {
		case p.Body.Add != nil:
			info, err := parseKeyPackage(p.Body.Add.KeyPackageData)
			if err != nil {
				return nil, err
			}
			body.Adds = append(body.Adds, commitAdd{
				Member: Member{
					LeafIndex:    next,
					Credential:   info.Credential,
					SignatureKey: info.SignatureKey,
				},
				KeyPackageRef: info.HashRef,
			})
			next++
		case p.Body.Remove != nil:
			body.Removes = append(body.Removes, p.Body.Remove.LeafIndex)
		case p.Body.Update != nil:
			body.Updates = append(body.Updates, commitUpdate{
				LeafIndex:       p.Body.Update.LeafIndex,
				NewCredential:   p.Body.Update.NewCredential,
				NewSignatureKey: p.Body.Update.NewSignatureKey,
			})
		}
	}
	bodyBytes, err := cborEnc.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("serializing commit: %w", err)
	}
	commitData, err := g.sealFrame(signer, contentTypeCommit, bodyBytes)
	if err != nil {
		return nil, err
	}
	if err := g.applyCommit(&body); err != nil {
		return nil, err
	}
	if err := g.save(); err != nil {
		return nil, err
	}
	g.eng.log.Debugf("group %x committed pending proposals, now at epoch %d", g.st.GroupID, g.st.Epoch)
	return commitData, nil
}
