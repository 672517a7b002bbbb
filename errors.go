package groupmls

import (
	"errors"
	"fmt"

	"github.com/mossline/go-groupmls/engine"
)

// Kind classifies context-level failures. Engine errors are always mapped to
// a kind before crossing this boundary.
type Kind string

const (
	KindContextNotInitialized  Kind = "context_not_initialized"
	KindGroupNotFound          Kind = "group_not_found"
	KindInvalidInput           Kind = "invalid_input"
	KindInvalidKeyPackage      Kind = "invalid_key_package"
	KindSerialization          Kind = "serialization"
	KindAddMembersFailed       Kind = "add_members_failed"
	KindEncryptionFailed       Kind = "encryption_failed"
	KindDecryptionFailed       Kind = "decryption_failed"
	KindEpochMismatch          Kind = "epoch_mismatch"
	KindMergeFailed            Kind = "merge_failed"
	KindCommitProcessingFailed Kind = "commit_processing_failed"
	KindInvalidCommit          Kind = "invalid_commit"
	KindSecretExportFailed     Kind = "secret_export_failed"
	KindStorageFailed          Kind = "storage_failed"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("groupmls: %s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("groupmls: %s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("groupmls: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("groupmls: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether err is (or wraps) a context error of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// KeyPackageDesyncError reports a welcome arriving while the local bundle
// cache is empty. The local cache no longer matches what the remote party
// expects; the host should trigger key package regeneration for the
// identified conversation.
type KeyPackageDesyncError struct {
	Conversation string
	Reason       string
}

func (e *KeyPackageDesyncError) Error() string {
	return fmt.Sprintf("groupmls: key package desync detected for %s: %s", e.Conversation, e.Reason)
}

// mapEngineError translates an engine error into the context taxonomy,
// falling back to the kind of the lifecycle step that failed.
func mapEngineError(fallback Kind, err error) error {
	var em *engine.EpochMismatchError
	switch {
	case errors.As(err, &em):
		return wrapError(KindEpochMismatch, err, fmt.Sprintf("message epoch %d, group epoch %d", em.MessageEpoch, em.GroupEpoch))
	case errors.Is(err, engine.ErrSerialization):
		return wrapError(KindSerialization, err, "malformed input")
	case errors.Is(err, engine.ErrInvalidKeyPackage), errors.Is(err, engine.ErrNoMatchingKeyPackage):
		return wrapError(KindInvalidKeyPackage, err, "key package rejected")
	case errors.Is(err, engine.ErrInvalidCommit):
		return wrapError(KindInvalidCommit, err, "commit rejected")
	case errors.Is(err, engine.ErrProposalNotFound):
		return wrapError(KindInvalidInput, err, "proposal not found")
	case errors.Is(err, engine.ErrDecryptionFailed),
		errors.Is(err, engine.ErrInvalidSignature),
		errors.Is(err, engine.ErrWrongGroup),
		errors.Is(err, engine.ErrUnknownSender),
		errors.Is(err, engine.ErrOwnMessage),
		errors.Is(err, engine.ErrMessageTooOld),
		errors.Is(err, engine.ErrMessageTooFarAhead):
		return wrapError(KindDecryptionFailed, err, "message rejected")
	case errors.Is(err, engine.ErrStorage):
		return wrapError(KindStorageFailed, err, "storage operation failed")
	default:
		return wrapError(fallback, err, "")
	}
}
