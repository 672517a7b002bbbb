package engine

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/mossline/go-groupmls/crypto"
)

const frameVersion = 1

const (
	contentTypeApplication  uint8 = 1
	contentTypeProposal     uint8 = 2
	contentTypeCommit       uint8 = 3
	contentTypeExternalJoin uint8 = 4
)

const messageKeyLabel = "message key"

// frame is the ciphertext wire format for every group message.
type frame struct {
	Version     uint8  `cbor:"1,keyasint"`
	GroupID     []byte `cbor:"2,keyasint"`
	Epoch       uint64 `cbor:"3,keyasint"`
	ContentType uint8  `cbor:"4,keyasint"`
	Sender      uint32 `cbor:"5,keyasint"`
	Generation  uint32 `cbor:"6,keyasint"`
	Nonce       []byte `cbor:"7,keyasint"`
	Ciphertext  []byte `cbor:"8,keyasint"`
	Signature   []byte `cbor:"9,keyasint"`
}

type commitAdd struct {
	Member        Member `cbor:"1,keyasint"`
	KeyPackageRef []byte `cbor:"2,keyasint"`
}

type commitUpdate struct {
	LeafIndex       uint32     `cbor:"1,keyasint"`
	NewCredential   Credential `cbor:"2,keyasint"`
	NewSignatureKey []byte     `cbor:"3,keyasint"`
}

type commitBody struct {
	NewEpoch    uint64         `cbor:"1,keyasint"`
	CommitNonce []byte         `cbor:"2,keyasint"`
	Adds        []commitAdd    `cbor:"3,keyasint,omitempty"`
	Removes     []uint32       `cbor:"4,keyasint,omitempty"`
	Updates     []commitUpdate `cbor:"5,keyasint,omitempty"`
}

type addProposalBody struct {
	KeyPackageData []byte `cbor:"1,keyasint"`
}

type removeProposalBody struct {
	LeafIndex uint32 `cbor:"1,keyasint"`
}

type updateProposalBody struct {
	LeafIndex       uint32     `cbor:"1,keyasint"`
	NewCredential   Credential `cbor:"2,keyasint"`
	NewSignatureKey []byte     `cbor:"3,keyasint"`
}

type proposalBody struct {
	Add    *addProposalBody    `cbor:"1,keyasint,omitempty"`
	Remove *removeProposalBody `cbor:"2,keyasint,omitempty"`
	Update *updateProposalBody `cbor:"3,keyasint,omitempty"`
}

func (f *frame) header() []byte {
	buf := bytes.Buffer{}
	buf.WriteByte(f.Version)
	var gidLen [4]byte
	binary.LittleEndian.PutUint32(gidLen[:], uint32(len(f.GroupID)))
	buf.Write(gidLen[:])
	buf.Write(f.GroupID)
	var fields [17]byte
	binary.LittleEndian.PutUint64(fields[0:8], f.Epoch)
	fields[8] = f.ContentType
	binary.LittleEndian.PutUint32(fields[9:13], f.Sender)
	binary.LittleEndian.PutUint32(fields[13:17], f.Generation)
	buf.Write(fields[:])
	buf.Write(f.Nonce)
	return buf.Bytes()
}

func (f *frame) signingDigest() []byte {
	return sha256Sum(f.header(), f.Ciphertext)
}

func messageKey(baseSecret []byte, sender, generation uint32) ([]byte, error) {
	var info [8]byte
	binary.LittleEndian.PutUint32(info[0:4], sender)
	binary.LittleEndian.PutUint32(info[4:8], generation)
	return crypto.DeriveKey(baseSecret, messageKeyLabel, info[:], 32)
}

// sealFrame encrypts and signs content under the current epoch, consuming
// one send generation.
func (g *Group) sealFrame(signer *Signer, contentType uint8, content []byte) ([]byte, error) {
	generation := g.st.NextGeneration
	g.st.NextGeneration++

	key, err := messageKey(g.st.BaseSecret, g.st.SelfIndex, generation)
	if err != nil {
		return nil, err
	}
	f := frame{
		Version:     frameVersion,
		GroupID:     g.st.GroupID,
		Epoch:       g.st.Epoch,
		ContentType: contentType,
		Sender:      g.st.SelfIndex,
		Generation:  generation,
		Nonce:       crypto.NewNonce(),
	}
	f.Ciphertext, err = crypto.EncryptWithNonce(key, f.Nonce, content, f.header())
	if err != nil {
		return nil, err
	}
	f.Signature = signer.Sign(f.signingDigest())
	return cborEnc.Marshal(&f)
}

// CreateMessage encrypts an application message to the group under the
// current epoch.
func (g *Group) CreateMessage(signer *Signer, plaintext []byte) ([]byte, error) {
	data, err := g.sealFrame(signer, contentTypeApplication, plaintext)
	if err != nil {
		return nil, err
	}
	if err := g.save(); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *Group) checkGenerationBounds(sender, generation uint32) error {
	high, seen := g.st.SenderGenerations[sender]
	if !seen {
		if generation > g.st.Config.MaximumForwardDistance {
			return ErrMessageTooFarAhead
		}
		return nil
	}
	if generation > high && generation-high > g.st.Config.MaximumForwardDistance {
		return ErrMessageTooFarAhead
	}
	if generation < high && high-generation > g.st.Config.OutOfOrderTolerance {
		return ErrMessageTooOld
	}
	return nil
}

// ProcessMessage decrypts and classifies an incoming protocol message.
// Proposals are stored in the pending queue; commits are staged, never
// merged here.
func (g *Group) ProcessMessage(data []byte) (ProcessedContent, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, ErrSerialization
	}
	if f.Version != frameVersion {
		return nil, ErrSerialization
	}
	if !bytes.Equal(f.GroupID, g.st.GroupID) {
		return nil, ErrWrongGroup
	}
	if f.Epoch != g.st.Epoch {
		return g.processPastEpoch(&f)
	}
	if f.Sender == g.st.SelfIndex {
		return nil, ErrOwnMessage
	}
	sender, ok := g.memberByIndex(f.Sender)
	if !ok {
		return nil, ErrUnknownSender
	}
	if err := g.checkGenerationBounds(f.Sender, f.Generation); err != nil {
		return nil, err
	}
	if len(f.Signature) != ed25519.SignatureSize || !ed25519.Verify(sender.SignatureKey, f.signingDigest(), f.Signature) {
		return nil, ErrInvalidSignature
	}
	key, err := messageKey(g.st.BaseSecret, f.Sender, f.Generation)
	if err != nil {
		return nil, err
	}
	content, err := crypto.DecryptWithNonce(key, f.Nonce, f.Ciphertext, f.header())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if high := g.st.SenderGenerations[f.Sender]; f.Generation > high {
		g.st.SenderGenerations[f.Sender] = f.Generation
		if err := g.save(); err != nil {
			return nil, err
		}
	}

	switch f.ContentType {
	case contentTypeApplication:
		return &ApplicationMessage{Plaintext: content, Sender: sender.Credential}, nil

	case contentTypeProposal:
		var body proposalBody
		if err := cbor.Unmarshal(content, &body); err != nil {
			return nil, ErrSerialization
		}
		info, err := g.proposalInfo(&body)
		if err != nil {
			return nil, err
		}
		ref := sha256Sum(content)
		g.st.PendingProposals = append(g.st.PendingProposals, pendingProposal{
			Ref:    ref,
			Body:   body,
			Sender: f.Sender,
		})
		if err := g.save(); err != nil {
			return nil, err
		}
		return &ProposalMessage{
			Proposal: info,
			Ref:      ProposalRef{Data: ref},
			Sender:   sender.Credential,
		}, nil

	case contentTypeCommit:
		var body commitBody
		if err := cbor.Unmarshal(content, &body); err != nil {
			return nil, ErrSerialization
		}
		if body.NewEpoch != g.st.Epoch+1 {
			return nil, ErrInvalidCommit
		}
		g.st.StagedCommit = &stagedCommit{Body: body, Sender: f.Sender}
		if err := g.save(); err != nil {
			return nil, err
		}
		return &StagedCommitMessage{NewEpoch: body.NewEpoch, Sender: sender.Credential}, nil

	case contentTypeExternalJoin:
		return &ExternalJoinProposalMessage{Sender: sender.Credential}, nil

	default:
		return nil, ErrSerialization
	}
}

// processPastEpoch decrypts application traffic from an epoch whose base
// secret is still retained. Everything else from another epoch, and any
// traffic beyond the retention window, is an epoch mismatch.
func (g *Group) processPastEpoch(f *frame) (ProcessedContent, error) {
	mismatch := &EpochMismatchError{MessageEpoch: f.Epoch, GroupEpoch: g.st.Epoch}
	if f.Epoch > g.st.Epoch || f.ContentType != contentTypeApplication {
		return nil, mismatch
	}
	baseSecret, ok := g.st.PastSecrets[f.Epoch]
	if !ok {
		return nil, mismatch
	}
	if f.Sender == g.st.SelfIndex {
		return nil, ErrOwnMessage
	}
	sender, ok := g.memberByIndex(f.Sender)
	if !ok {
		return nil, ErrUnknownSender
	}
	if len(f.Signature) != ed25519.SignatureSize || !ed25519.Verify(sender.SignatureKey, f.signingDigest(), f.Signature) {
		return nil, ErrInvalidSignature
	}
	key, err := messageKey(baseSecret, f.Sender, f.Generation)
	if err != nil {
		return nil, err
	}
	content, err := crypto.DecryptWithNonce(key, f.Nonce, f.Ciphertext, f.header())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return &ApplicationMessage{Plaintext: content, Sender: sender.Credential}, nil
}

func (g *Group) proposalInfo(body *proposalBody) (ProposalInfo, error) {
	switch {
	case body.Add != nil:
		info, err := parseKeyPackage(body.Add.KeyPackageData)
		if err != nil {
			return nil, err
		}
		return AddProposal{Info: AddProposalInfo{
			Credential:    info.Credential,
			KeyPackageRef: info.HashRef,
		}}, nil
	case body.Remove != nil:
		return RemoveProposal{Info: RemoveProposalInfo{RemovedIndex: body.Remove.LeafIndex}}, nil
	case body.Update != nil:
		old, _ := g.memberByIndex(body.Update.LeafIndex)
		return UpdateProposal{Info: UpdateProposalInfo{
			LeafIndex:     body.Update.LeafIndex,
			OldCredential: old.Credential,
			NewCredential: body.Update.NewCredential,
		}}, nil
	default:
		return nil, ErrSerialization
	}
}
