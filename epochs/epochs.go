// Package epochs retains per-epoch group secrets beyond the engine's
// forward-secrecy horizon, so delayed messages from an already-passed epoch
// stay decryptable. Secrets are exported before a group advances and handed
// to a host-provided store.
package epochs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/mossline/go-groupmls/config"
	"go.uber.org/zap"
)

const SecretLength = 32

var (
	ErrExportFailed = errors.New("epochs: secret export failed")
	ErrStoreFailed  = errors.New("epochs: storage refused epoch secret")
)

// Storage is the host-provided durable store for epoch secrets. Group ids
// are hex-encoded for its keys.
type Storage interface {
	StoreEpochSecret(conversationID string, epoch uint64, secret []byte) bool
	GetEpochSecret(conversationID string, epoch uint64) ([]byte, bool)
	DeleteEpochSecret(conversationID string, epoch uint64) bool
}

// Exporter is the slice of a group session the manager needs: its identity,
// its current epoch, and the engine's secret-export primitive.
type Exporter interface {
	ID() []byte
	Epoch() uint64
	ExportSecret(label string, context []byte, length int) ([]byte, error)
}

// Manager coordinates epoch secret export and retrieval. Without a storage
// backend every operation is a no-op; it never errors for being
// unconfigured.
type Manager struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	storage Storage
}

func NewManager(c *config.Config) *Manager {
	return &Manager{log: c.Logger("epochs")}
}

func (m *Manager) SetStorage(s Storage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage = s
}

func (m *Manager) backend() Storage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage
}

// ExportCurrent derives the retention secret for the group's current epoch
// and hands it to the store. It must run before any commit-merge that
// advances the epoch; afterwards the engine's key material for this epoch
// is gone.
func (m *Manager) ExportCurrent(g Exporter) ([]byte, error) {
	storage := m.backend()
	if storage == nil {
		return nil, nil
	}

	conversationID := hex.EncodeToString(g.ID())
	epoch := g.Epoch()
	label := fmt.Sprintf("epoch_secret_%d", epoch)

	secret, err := g.ExportSecret(label, []byte(conversationID), SecretLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	if !storage.StoreEpochSecret(conversationID, epoch, secret) {
		return nil, ErrStoreFailed
	}
	m.log.Debugf("stored epoch secret for group %s epoch %d", conversationID, epoch)
	return secret, nil
}

func (m *Manager) GetEpochSecret(groupID []byte, epoch uint64) ([]byte, bool) {
	storage := m.backend()
	if storage == nil {
		return nil, false
	}
	return storage.GetEpochSecret(hex.EncodeToString(groupID), epoch)
}

func (m *Manager) DeleteEpochSecret(groupID []byte, epoch uint64) bool {
	storage := m.backend()
	if storage == nil {
		return false
	}
	return storage.DeleteEpochSecret(hex.EncodeToString(groupID), epoch)
}
