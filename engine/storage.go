package engine

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	storagePrefixSigner     = "signer/"
	storagePrefixGroup      = "group/"
	storagePrefixKeyPackage = "kp/"
)

// memoryStorage is the engine's keyed blob store. It holds signing keys,
// key package bundles and group states, and can be dumped and wholesale
// replaced for persistence.
type memoryStorage struct {
	values map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{values: make(map[string][]byte)}
}

func (s *memoryStorage) put(key string, value []byte) {
	s.values[key] = value
}

func (s *memoryStorage) get(key string) ([]byte, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *memoryStorage) delete(key string) bool {
	_, ok := s.values[key]
	delete(s.values, key)
	return ok
}

func (s *memoryStorage) dump() ([]byte, error) {
	b, err := cborEnc.Marshal(s.values)
	if err != nil {
		return nil, fmt.Errorf("serializing storage: %w", err)
	}
	return b, nil
}

func (s *memoryStorage) load(data []byte) error {
	values := make(map[string][]byte)
	if err := cbor.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("deserializing storage: %w", err)
	}
	s.values = values
	return nil
}
