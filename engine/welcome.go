package engine

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mossline/go-groupmls/crypto"
)

const welcomeVersion = 1

type welcomeRecipient struct {
	KeyPackageRef []byte `cbor:"1,keyasint"`
	Sealed        []byte `cbor:"2,keyasint"`
}

type welcomeBody struct {
	Version    uint8              `cbor:"1,keyasint"`
	GroupID    []byte             `cbor:"2,keyasint"`
	Epoch      uint64             `cbor:"3,keyasint"`
	Members    []Member           `cbor:"4,keyasint"`
	Recipients []welcomeRecipient `cbor:"5,keyasint"`
}

type welcomeSecrets struct {
	BaseSecret []byte `cbor:"1,keyasint"`
}

func buildWelcome(groupID []byte, epoch uint64, members []Member, recipients []*KeyPackageInfo, baseSecret []byte) ([]byte, error) {
	secrets, err := cborEnc.Marshal(&welcomeSecrets{BaseSecret: baseSecret})
	if err != nil {
		return nil, fmt.Errorf("serializing welcome secrets: %w", err)
	}
	w := welcomeBody{
		Version: welcomeVersion,
		GroupID: groupID,
		Epoch:   epoch,
		Members: members,
	}
	for _, info := range recipients {
		sealed, err := crypto.SealTo(info.InitKey, secrets, info.HashRef)
		if err != nil {
			return nil, err
		}
		w.Recipients = append(w.Recipients, welcomeRecipient{
			KeyPackageRef: info.HashRef,
			Sealed:        sealed,
		})
	}
	return cborEnc.Marshal(&w)
}

// JoinFromWelcome materializes a group session from a welcome message,
// consuming the cached bundle whose hash ref the welcome addresses.
func (e *Engine) JoinFromWelcome(welcomeData []byte, bundles []*KeyPackageBundle, cfg *GroupConfig) (*JoinResult, error) {
	if cfg == nil {
		cfg = &e.defaults
	}
	var w welcomeBody
	if err := cbor.Unmarshal(welcomeData, &w); err != nil {
		return nil, ErrSerialization
	}
	if w.Version != welcomeVersion {
		return nil, ErrSerialization
	}

	byRef := make(map[string]*KeyPackageBundle, len(bundles))
	for _, b := range bundles {
		byRef[hex.EncodeToString(b.HashRef)] = b
	}

	for _, r := range w.Recipients {
		bundle, ok := byRef[hex.EncodeToString(r.KeyPackageRef)]
		if !ok {
			continue
		}
		opened, err := crypto.OpenWith(bundle.InitPrivateKey, r.Sealed, r.KeyPackageRef)
		if err != nil {
			e.log.Warnf("welcome recipient %x matched a cached bundle but could not be opened: %v", r.KeyPackageRef, err)
			continue
		}
		var secrets welcomeSecrets
		if err := cbor.Unmarshal(opened, &secrets); err != nil {
			return nil, ErrSerialization
		}

		selfIndex, found := uint32(0), false
		nextIndex := uint32(0)
		for _, m := range w.Members {
			if m.LeafIndex >= nextIndex {
				nextIndex = m.LeafIndex + 1
			}
			if bytes.Equal(m.SignatureKey, bundle.SignatureKey) && bytes.Equal(m.Credential.Identity, bundle.Credential.Identity) {
				selfIndex = m.LeafIndex
				found = true
			}
		}
		if !found {
			return nil, ErrInvalidCommit
		}

		g := &Group{
			eng: e,
			st: groupState{
				GroupID:           w.GroupID,
				Epoch:             w.Epoch,
				BaseSecret:        secrets.BaseSecret,
				Members:           w.Members,
				SelfIndex:         selfIndex,
				NextIndex:         nextIndex,
				Config:            *cfg,
				SenderGenerations: make(map[uint32]uint32),
			},
		}
		if err := g.save(); err != nil {
			return nil, err
		}
		e.log.Debugf("joined group %x at epoch %d via welcome, consumed bundle %x", w.GroupID, w.Epoch, bundle.HashRef)
		return &JoinResult{Group: g, ConsumedHashRef: bundle.HashRef}, nil
	}
	return nil, ErrNoMatchingKeyPackage
}
