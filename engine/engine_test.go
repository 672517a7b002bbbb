package engine

import (
	"errors"
	"testing"

	"github.com/mossline/go-groupmls/config"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return config.NewConfig(config.WithLogging(false))
}

func TestCreateGroup(t *testing.T) {
	require := require.New(t)

	e := New(testConfig())
	created, err := e.CreateGroup("alice", nil)
	require.NoError(err)
	g := created.Group
	require.Equal(uint64(0), g.Epoch())
	require.Equal(uint32(1), g.MemberCount())
	require.Equal([]byte("alice"), g.SelfCredential().Identity)
	require.Len(g.ID(), 16)
	require.Len(created.SignerPublicKey, 32)

	signer, ok := e.LoadSigner(created.SignerPublicKey)
	require.True(ok)
	require.Equal(created.SignerPublicKey, signer.PublicKey())
}

func TestKeyPackageRoundTrip(t *testing.T) {
	require := require.New(t)

	e := New(testConfig())
	generated, err := e.GenerateKeyPackage("bob")
	require.NoError(err)

	info, err := e.ParseKeyPackage(generated.KeyPackageData)
	require.NoError(err)
	require.Equal([]byte("bob"), info.Credential.Identity)
	require.Equal(CredentialTypeBasic, info.Credential.CredentialType)
	require.Equal(generated.HashRef, info.HashRef)

	hashRef, err := ComputeKeyPackageHash(generated.KeyPackageData)
	require.NoError(err)
	require.Equal(generated.HashRef, hashRef)

	bundle, ok := e.KeyPackageBundle(generated.HashRef)
	require.True(ok)
	require.Equal(generated.HashRef, bundle.HashRef)
}

func TestKeyPackageTampered(t *testing.T) {
	require := require.New(t)

	e := New(testConfig())
	generated, err := e.GenerateKeyPackage("bob")
	require.NoError(err)

	_, err = e.ParseKeyPackage([]byte("junk"))
	require.ErrorIs(err, ErrSerialization)

	tampered := make([]byte, len(generated.KeyPackageData))
	copy(tampered, generated.KeyPackageData)
	tampered[len(tampered)-1] ^= 0xff
	_, err = e.ParseKeyPackage(tampered)
	require.Error(err)
}

func addBob(t *testing.T) (*Engine, *Engine, *Group, *Group, *Signer) {
	require := require.New(t)

	alice := New(testConfig())
	bob := New(testConfig())

	created, err := alice.CreateGroup("alice", nil)
	require.NoError(err)
	aliceGroup := created.Group
	aliceSigner, ok := alice.LoadSigner(created.SignerPublicKey)
	require.True(ok)

	kp, err := bob.GenerateKeyPackage("bob")
	require.NoError(err)

	commitData, welcomeData, err := aliceGroup.AddMembers(aliceSigner, [][]byte{kp.KeyPackageData})
	require.NoError(err)
	require.NotEmpty(commitData)
	require.NotEmpty(welcomeData)
	require.Equal(uint64(1), aliceGroup.Epoch())
	require.Equal(uint32(2), aliceGroup.MemberCount())

	joined, err := bob.JoinFromWelcome(welcomeData, []*KeyPackageBundle{kp.Bundle}, nil)
	require.NoError(err)
	require.Equal(kp.HashRef, joined.ConsumedHashRef)
	bobGroup := joined.Group
	require.Equal(uint64(1), bobGroup.Epoch())
	require.Equal(uint32(2), bobGroup.MemberCount())
	require.Equal(aliceGroup.ID(), bobGroup.ID())
	require.Equal([]byte("bob"), bobGroup.SelfCredential().Identity)

	return alice, bob, aliceGroup, bobGroup, aliceSigner
}

func TestMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	_, _, aliceGroup, bobGroup, aliceSigner := addBob(t)

	data, err := aliceGroup.CreateMessage(aliceSigner, []byte("hello"))
	require.NoError(err)

	content, err := bobGroup.ProcessMessage(data)
	require.NoError(err)
	app, ok := content.(*ApplicationMessage)
	require.True(ok)
	require.Equal([]byte("hello"), app.Plaintext)
	require.Equal([]byte("alice"), app.Sender.Identity)
}

func TestProcessOwnMessage(t *testing.T) {
	require := require.New(t)

	_, _, aliceGroup, _, aliceSigner := addBob(t)

	data, err := aliceGroup.CreateMessage(aliceSigner, []byte("hello"))
	require.NoError(err)
	_, err = aliceGroup.ProcessMessage(data)
	require.ErrorIs(err, ErrOwnMessage)
}

func TestCommitStagedThenMerged(t *testing.T) {
	require := require.New(t)

	_, _, aliceGroup, bobGroup, aliceSigner := addBob(t)

	carol := New(testConfig())
	kp, err := carol.GenerateKeyPackage("carol")
	require.NoError(err)

	commitData, _, err := aliceGroup.AddMembers(aliceSigner, [][]byte{kp.KeyPackageData})
	require.NoError(err)
	require.Equal(uint64(2), aliceGroup.Epoch())

	content, err := bobGroup.ProcessMessage(commitData)
	require.NoError(err)
	staged, ok := content.(*StagedCommitMessage)
	require.True(ok)
	require.Equal(uint64(2), staged.NewEpoch)
	require.Equal(uint64(1), bobGroup.Epoch())

	epoch, err := bobGroup.MergePendingCommit()
	require.NoError(err)
	require.Equal(uint64(2), epoch)
	require.Equal(uint32(3), bobGroup.MemberCount())
	require.True(bobGroup.HasMemberIdentity([]byte("carol")))

	// both sides can still message after the membership change
	data, err := aliceGroup.CreateMessage(aliceSigner, []byte("after"))
	require.NoError(err)
	c2, err := bobGroup.ProcessMessage(data)
	require.NoError(err)
	require.Equal([]byte("after"), c2.(*ApplicationMessage).Plaintext)
}

func TestMergeWithNothingStaged(t *testing.T) {
	require := require.New(t)

	_, _, _, bobGroup, _ := addBob(t)

	epoch, err := bobGroup.MergePendingCommit()
	require.NoError(err)
	require.Equal(uint64(1), epoch)
}

func addBobWithConfig(t *testing.T, cfg *GroupConfig) (*Engine, *Group, *Group, *Signer) {
	require := require.New(t)

	alice := New(testConfig())
	bob := New(testConfig())

	created, err := alice.CreateGroup("alice", cfg)
	require.NoError(err)
	aliceGroup := created.Group
	aliceSigner, ok := alice.LoadSigner(created.SignerPublicKey)
	require.True(ok)

	kp, err := bob.GenerateKeyPackage("bob")
	require.NoError(err)
	_, welcomeData, err := aliceGroup.AddMembers(aliceSigner, [][]byte{kp.KeyPackageData})
	require.NoError(err)
	joined, err := bob.JoinFromWelcome(welcomeData, []*KeyPackageBundle{kp.Bundle}, cfg)
	require.NoError(err)

	return bob, aliceGroup, joined.Group, aliceSigner
}

func advanceBoth(t *testing.T, aliceGroup, bobGroup *Group, aliceSigner *Signer) {
	require := require.New(t)

	commitData, err := aliceGroup.CommitToPendingProposals(aliceSigner)
	require.NoError(err)
	_, err = bobGroup.ProcessMessage(commitData)
	require.NoError(err)
	_, err = bobGroup.MergePendingCommit()
	require.NoError(err)
	require.Equal(aliceGroup.Epoch(), bobGroup.Epoch())
}

func TestEpochMismatchWithoutRetention(t *testing.T) {
	require := require.New(t)

	cfg := &GroupConfig{MaxPastEpochs: 0, OutOfOrderTolerance: 10, MaximumForwardDistance: 2000}
	_, aliceGroup, bobGroup, aliceSigner := addBobWithConfig(t, cfg)

	old, err := aliceGroup.CreateMessage(aliceSigner, []byte("delayed"))
	require.NoError(err)

	advanceBoth(t, aliceGroup, bobGroup, aliceSigner)
	require.Equal(uint64(2), bobGroup.Epoch())

	_, err = bobGroup.ProcessMessage(old)
	var mismatch *EpochMismatchError
	require.True(errors.As(err, &mismatch))
	require.Equal(uint64(1), mismatch.MessageEpoch)
	require.Equal(uint64(2), mismatch.GroupEpoch)
}

func TestPastEpochRetention(t *testing.T) {
	require := require.New(t)

	cfg := &GroupConfig{MaxPastEpochs: 1, OutOfOrderTolerance: 10, MaximumForwardDistance: 2000}
	_, aliceGroup, bobGroup, aliceSigner := addBobWithConfig(t, cfg)

	delayed, err := aliceGroup.CreateMessage(aliceSigner, []byte("delayed"))
	require.NoError(err)

	// one epoch past: still within the retention window
	advanceBoth(t, aliceGroup, bobGroup, aliceSigner)
	require.Equal(uint64(2), bobGroup.Epoch())

	content, err := bobGroup.ProcessMessage(delayed)
	require.NoError(err)
	app, ok := content.(*ApplicationMessage)
	require.True(ok)
	require.Equal([]byte("delayed"), app.Plaintext)
	require.Equal([]byte("alice"), app.Sender.Identity)

	// two epochs past: the epoch 1 secret has been pruned
	advanceBoth(t, aliceGroup, bobGroup, aliceSigner)
	require.Equal(uint64(3), bobGroup.Epoch())

	_, err = bobGroup.ProcessMessage(delayed)
	var mismatch *EpochMismatchError
	require.True(errors.As(err, &mismatch))
	require.Equal(uint64(1), mismatch.MessageEpoch)
	require.Equal(uint64(3), mismatch.GroupEpoch)
}

func TestPastEpochOnlyApplicationTraffic(t *testing.T) {
	require := require.New(t)

	_, aliceGroup, bobGroup, aliceSigner := addBobWithConfig(t, nil)

	commitData, err := aliceGroup.CommitToPendingProposals(aliceSigner)
	require.NoError(err)
	_, err = bobGroup.ProcessMessage(commitData)
	require.NoError(err)
	_, err = bobGroup.MergePendingCommit()
	require.NoError(err)

	// a stale copy of the epoch 1 commit is not replayable via retention
	_, err = bobGroup.ProcessMessage(commitData)
	var mismatch *EpochMismatchError
	require.True(errors.As(err, &mismatch))
}

func TestWatermarkPersistedAcrossStorageReload(t *testing.T) {
	require := require.New(t)

	cfg := &GroupConfig{MaxPastEpochs: 5, OutOfOrderTolerance: 1, MaximumForwardDistance: 5}
	bob, aliceGroup, bobGroup, aliceSigner := addBobWithConfig(t, cfg)

	msgs := make([][]byte, 4)
	var err error
	for i := range msgs {
		msgs[i], err = aliceGroup.CreateMessage(aliceSigner, []byte{byte(i)})
		require.NoError(err)
	}

	_, err = bobGroup.ProcessMessage(msgs[3])
	require.NoError(err)
	_, err = bobGroup.ProcessMessage(msgs[0])
	require.ErrorIs(err, ErrMessageTooOld)

	// the generation watermark survives a full storage round trip
	dump, err := bob.DumpStorage()
	require.NoError(err)
	restored := New(testConfig())
	require.NoError(restored.LoadStorage(dump))
	g, present, err := restored.LoadGroup(bobGroup.ID())
	require.NoError(err)
	require.True(present)

	_, err = g.ProcessMessage(msgs[0])
	require.ErrorIs(err, ErrMessageTooOld)
}

func TestGenerationBounds(t *testing.T) {
	require := require.New(t)

	alice := New(testConfig())
	bob := New(testConfig())
	cfg := &GroupConfig{MaxPastEpochs: 5, OutOfOrderTolerance: 1, MaximumForwardDistance: 2}

	created, err := alice.CreateGroup("alice", cfg)
	require.NoError(err)
	aliceGroup := created.Group
	aliceSigner, ok := alice.LoadSigner(created.SignerPublicKey)
	require.True(ok)

	kp, err := bob.GenerateKeyPackage("bob")
	require.NoError(err)
	_, welcomeData, err := aliceGroup.AddMembers(aliceSigner, [][]byte{kp.KeyPackageData})
	require.NoError(err)
	joined, err := bob.JoinFromWelcome(welcomeData, []*KeyPackageBundle{kp.Bundle}, cfg)
	require.NoError(err)
	bobGroup := joined.Group

	msgs := make([][]byte, 4)
	for i := range msgs {
		msgs[i], err = aliceGroup.CreateMessage(aliceSigner, []byte{byte(i)})
		require.NoError(err)
	}

	// generation 2 is within the forward distance for an unseen sender
	_, err = bobGroup.ProcessMessage(msgs[2])
	require.NoError(err)

	// generation 0 is now more than one behind the high-water mark
	_, err = bobGroup.ProcessMessage(msgs[0])
	require.ErrorIs(err, ErrMessageTooOld)

	// generation 3 is one ahead, within the forward distance
	_, err = bobGroup.ProcessMessage(msgs[3])
	require.NoError(err)
}

func TestPendingProposalFlow(t *testing.T) {
	require := require.New(t)

	_, bob, aliceGroup, bobGroup, aliceSigner := addBob(t)

	carol := New(testConfig())
	kp, err := carol.GenerateKeyPackage("carol")
	require.NoError(err)

	bobSigner, ok := bob.LoadSigner(bobGroup.Members()[1].SignatureKey)
	require.True(ok)

	body, err := cborEnc.Marshal(&proposalBody{Add: &addProposalBody{KeyPackageData: kp.KeyPackageData}})
	require.NoError(err)
	proposalData, err := bobGroup.sealFrame(bobSigner, contentTypeProposal, body)
	require.NoError(err)
	require.NoError(bobGroup.save())

	content, err := aliceGroup.ProcessMessage(proposalData)
	require.NoError(err)
	pm, ok := content.(*ProposalMessage)
	require.True(ok)
	add, ok := pm.Proposal.(AddProposal)
	require.True(ok)
	require.Equal([]byte("carol"), add.Info.Credential.Identity)
	require.Len(aliceGroup.PendingProposals(), 1)

	commitData, err := aliceGroup.CommitToPendingProposals(aliceSigner)
	require.NoError(err)
	require.Equal(uint64(2), aliceGroup.Epoch())
	require.Equal(uint32(3), aliceGroup.MemberCount())
	require.Empty(aliceGroup.PendingProposals())

	_, err = bobGroup.ProcessMessage(commitData)
	require.NoError(err)
	_, err = bobGroup.MergePendingCommit()
	require.NoError(err)
	require.Equal(uint32(3), bobGroup.MemberCount())
}

func TestRemovePendingProposal(t *testing.T) {
	require := require.New(t)

	_, bob, aliceGroup, bobGroup, _ := addBob(t)

	bobSigner, ok := bob.LoadSigner(bobGroup.Members()[1].SignatureKey)
	require.True(ok)

	body, err := cborEnc.Marshal(&proposalBody{Remove: &removeProposalBody{LeafIndex: 1}})
	require.NoError(err)
	proposalData, err := bobGroup.sealFrame(bobSigner, contentTypeProposal, body)
	require.NoError(err)
	require.NoError(bobGroup.save())

	content, err := aliceGroup.ProcessMessage(proposalData)
	require.NoError(err)
	pm := content.(*ProposalMessage)
	require.NoError(aliceGroup.RemovePendingProposal(pm.Ref))
	require.Empty(aliceGroup.PendingProposals())
	require.ErrorIs(aliceGroup.RemovePendingProposal(pm.Ref), ErrProposalNotFound)
}

func TestStorageDumpLoad(t *testing.T) {
	require := require.New(t)

	alice, _, aliceGroup, _, aliceSigner := addBob(t)

	dump, err := alice.DumpStorage()
	require.NoError(err)

	restored := New(testConfig())
	require.NoError(restored.LoadStorage(dump))

	g, present, err := restored.LoadGroup(aliceGroup.ID())
	require.NoError(err)
	require.True(present)
	require.Equal(aliceGroup.Epoch(), g.Epoch())
	require.Equal(aliceGroup.MemberCount(), g.MemberCount())

	_, ok := restored.LoadSigner(aliceSigner.PublicKey())
	require.True(ok)

	require.True(restored.DeleteGroup(aliceGroup.ID()))
	_, present, err = restored.LoadGroup(aliceGroup.ID())
	require.NoError(err)
	require.False(present)
}

func TestExportSecretDeterministic(t *testing.T) {
	require := require.New(t)

	_, _, aliceGroup, bobGroup, _ := addBob(t)

	a, err := aliceGroup.ExportSecret("label", []byte("ctx"), 32)
	require.NoError(err)
	b, err := bobGroup.ExportSecret("label", []byte("ctx"), 32)
	require.NoError(err)
	require.Equal(a, b)
	require.Len(a, 32)

	other, err := aliceGroup.ExportSecret("label2", []byte("ctx"), 32)
	require.NoError(err)
	require.NotEqual(a, other)

	_, err = aliceGroup.ExportSecret("label", nil, 0)
	require.Error(err)
}
