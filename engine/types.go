package engine

// Credential identifies a group member. Only basic (identity bytes)
// credentials are supported.
type Credential struct {
	CredentialType string `cbor:"1,keyasint"`
	Identity       []byte `cbor:"2,keyasint"`
}

const CredentialTypeBasic = "basic"

func NewBasicCredential(identity []byte) Credential {
	return Credential{CredentialType: CredentialTypeBasic, Identity: identity}
}

// Member is one leaf of a group's roster.
type Member struct {
	LeafIndex    uint32     `cbor:"1,keyasint"`
	Credential   Credential `cbor:"2,keyasint"`
	SignatureKey []byte     `cbor:"3,keyasint"`
}

// GroupConfig bounds how aggressively a group accepts delayed or
// skipped-ahead messages.
type GroupConfig struct {
	MaxPastEpochs          uint32 `cbor:"1,keyasint"`
	OutOfOrderTolerance    uint32 `cbor:"2,keyasint"`
	MaximumForwardDistance uint32 `cbor:"3,keyasint"`
}

func DefaultGroupConfig() *GroupConfig {
	return &GroupConfig{
		MaxPastEpochs:          5,
		OutOfOrderTolerance:    10,
		MaximumForwardDistance: 2000,
	}
}

// CreatedGroup is returned by Engine.CreateGroup.
type CreatedGroup struct {
	Group           *Group
	SignerPublicKey []byte
}

// GeneratedKeyPackage is returned by Engine.GenerateKeyPackage.
type GeneratedKeyPackage struct {
	KeyPackageData  []byte
	HashRef         []byte
	SignerPublicKey []byte
	Bundle          *KeyPackageBundle
}

// KeyPackageInfo is the parsed public portion of a key package.
type KeyPackageInfo struct {
	Credential   Credential
	SignatureKey []byte
	InitKey      []byte
	HashRef      []byte
}

// JoinResult is returned by Engine.JoinFromWelcome.
type JoinResult struct {
	Group           *Group
	ConsumedHashRef []byte
}

// ProposalRef identifies a pending proposal by the hash of its body.
type ProposalRef struct {
	Data []byte
}

type AddProposalInfo struct {
	Credential    Credential
	KeyPackageRef []byte
}

type RemoveProposalInfo struct {
	RemovedIndex uint32
}

type UpdateProposalInfo struct {
	LeafIndex     uint32
	OldCredential Credential
	NewCredential Credential
}

// ProposalInfo is a tagged union over the supported proposal kinds.
type ProposalInfo interface {
	isProposalInfo()
}

type AddProposal struct {
	Info AddProposalInfo
}

type RemoveProposal struct {
	Info RemoveProposalInfo
}

type UpdateProposal struct {
	Info UpdateProposalInfo
}

func (AddProposal) isProposalInfo()    {}
func (RemoveProposal) isProposalInfo() {}
func (UpdateProposal) isProposalInfo() {}

// ProcessedContent is a tagged union over the outcomes of processing an
// incoming protocol message. Callers resolve it by type switch.
type ProcessedContent interface {
	isProcessedContent()
}

type ApplicationMessage struct {
	Plaintext []byte
	Sender    Credential
}

type ProposalMessage struct {
	Proposal ProposalInfo
	Ref      ProposalRef
	Sender   Credential
}

// StagedCommitMessage reports a commit that has been staged but not merged.
// The caller validates and then explicitly merges it.
type StagedCommitMessage struct {
	NewEpoch uint64
	Sender   Credential
}

// ExternalJoinProposalMessage is reported for external-join content. It is
// rejected by the layer above.
type ExternalJoinProposalMessage struct {
	Sender Credential
}

func (*ApplicationMessage) isProcessedContent()          {}
func (*ProposalMessage) isProcessedContent()             {}
func (*StagedCommitMessage) isProcessedContent()         {}
func (*ExternalJoinProposalMessage) isProcessedContent() {}

type GroupMemberDebugInfo struct {
	LeafIndex          uint32
	CredentialIdentity []byte
	CredentialType     string
}

type GroupDebugInfo struct {
	GroupID      []byte
	Epoch        uint64
	TotalMembers uint32
	Members      []GroupMemberDebugInfo
}
