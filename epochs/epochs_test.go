package epochs

import (
	"fmt"
	"testing"

	"github.com/mossline/go-groupmls/config"
	"github.com/mossline/go-groupmls/crypto"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	values map[string][]byte
	refuse bool
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string][]byte)}
}

func (s *memStore) key(conversationID string, epoch uint64) string {
	return fmt.Sprintf("%s/%d", conversationID, epoch)
}

func (s *memStore) StoreEpochSecret(conversationID string, epoch uint64, secret []byte) bool {
	if s.refuse {
		return false
	}
	s.values[s.key(conversationID, epoch)] = secret
	return true
}

func (s *memStore) GetEpochSecret(conversationID string, epoch uint64) ([]byte, bool) {
	v, ok := s.values[s.key(conversationID, epoch)]
	return v, ok
}

func (s *memStore) DeleteEpochSecret(conversationID string, epoch uint64) bool {
	k := s.key(conversationID, epoch)
	_, ok := s.values[k]
	delete(s.values, k)
	return ok
}

type fakeGroup struct {
	id    []byte
	epoch uint64

	lastLabel   string
	lastContext []byte
}

func (g *fakeGroup) ID() []byte {
	return g.id
}

func (g *fakeGroup) Epoch() uint64 {
	return g.epoch
}

func (g *fakeGroup) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	g.lastLabel = label
	g.lastContext = append([]byte(nil), context...)
	return crypto.DeriveKey([]byte("base"), label, context, length)
}

func testConfig() *config.Config {
	return config.NewConfig(config.WithLogging(false))
}

func TestUnconfiguredManagerIsNoop(t *testing.T) {
	require := require.New(t)

	m := NewManager(testConfig())
	g := &fakeGroup{id: []byte{1, 2, 3}, epoch: 4}

	secret, err := m.ExportCurrent(g)
	require.NoError(err)
	require.Nil(secret)

	_, ok := m.GetEpochSecret(g.id, 4)
	require.False(ok)
	require.False(m.DeleteEpochSecret(g.id, 4))
}

func TestExportCurrentStoresSecret(t *testing.T) {
	require := require.New(t)

	m := NewManager(testConfig())
	store := newMemStore()
	m.SetStorage(store)

	g := &fakeGroup{id: []byte{0xaa, 0xbb}, epoch: 7}
	secret, err := m.ExportCurrent(g)
	require.NoError(err)
	require.Len(secret, SecretLength)
	require.Equal("epoch_secret_7", g.lastLabel)
	require.Equal([]byte("aabb"), g.lastContext)

	got, ok := m.GetEpochSecret(g.id, 7)
	require.True(ok)
	require.Equal(secret, got)

	// advancing the group does not disturb retained secrets
	g.epoch = 8
	next, err := m.ExportCurrent(g)
	require.NoError(err)
	require.NotEqual(secret, next)
	got, ok = m.GetEpochSecret(g.id, 7)
	require.True(ok)
	require.Equal(secret, got)

	require.True(m.DeleteEpochSecret(g.id, 7))
	_, ok = m.GetEpochSecret(g.id, 7)
	require.False(ok)
	require.False(m.DeleteEpochSecret(g.id, 7))
}

func TestStoreRefusal(t *testing.T) {
	require := require.New(t)

	m := NewManager(testConfig())
	store := newMemStore()
	store.refuse = true
	m.SetStorage(store)

	g := &fakeGroup{id: []byte{1}, epoch: 0}
	_, err := m.ExportCurrent(g)
	require.ErrorIs(err, ErrStoreFailed)
}
