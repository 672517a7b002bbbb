package engine

import (
	"errors"
	"fmt"
)

var (
	ErrSerialization        = errors.New("engine: malformed message")
	ErrInvalidKeyPackage    = errors.New("engine: invalid key package")
	ErrNoMatchingKeyPackage = errors.New("engine: no matching key package")
	ErrWrongGroup           = errors.New("engine: message addressed to a different group")
	ErrUnknownSender        = errors.New("engine: unknown sender leaf")
	ErrOwnMessage           = errors.New("engine: cannot process own message")
	ErrInvalidSignature     = errors.New("engine: sender signature verification failed")
	ErrDecryptionFailed     = errors.New("engine: decryption failed")
	ErrInvalidCommit        = errors.New("engine: invalid commit")
	ErrProposalNotFound     = errors.New("engine: pending proposal not found")
	ErrMessageTooOld        = errors.New("engine: message generation below out-of-order tolerance")
	ErrMessageTooFarAhead   = errors.New("engine: message generation beyond maximum forward distance")
	ErrSignerNotFound       = errors.New("engine: signer not found in storage")
	ErrStorage              = errors.New("engine: storage operation failed")
)

// EpochMismatchError reports a message whose epoch is neither the group's
// current one nor inside the MaxPastEpochs retention window. Forward secrecy
// makes such messages undecryptable by the live group; secrets exported to
// an external epoch store are the only recourse.
type EpochMismatchError struct {
	MessageEpoch uint64
	GroupEpoch   uint64
}

func (e *EpochMismatchError) Error() string {
	return fmt.Sprintf("engine: cannot decrypt message from epoch %d, group is at epoch %d", e.MessageEpoch, e.GroupEpoch)
}
