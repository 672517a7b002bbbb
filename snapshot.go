package groupmls

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/exp/maps"
)

const snapshotVersion = 1

var cborEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEnc = em
}

type snapshotGroup struct {
	GroupID         []byte `cbor:"1,keyasint"`
	SignerPublicKey []byte `cbor:"2,keyasint"`
}

type snapshotContainer struct {
	Version    uint8             `cbor:"1,keyasint"`
	Storage    []byte            `cbor:"2,keyasint"`
	Groups     []snapshotGroup   `cbor:"3,keyasint"`
	Signers    map[string][]byte `cbor:"4,keyasint"`
	BundleRefs [][]byte          `cbor:"5,keyasint"`
}

// RestoreReport aggregates the outcome of a Restore. Missing bundles do not
// fail the restore; the host uses the counts to trigger key package
// regeneration.
type RestoreReport struct {
	GroupsRestored  int
	GroupsSkipped   int
	BundlesExpected int
	BundlesRestored int
	BundlesMissing  int
}

// Snapshot serializes the entire context to one versioned blob: the
// engine's storage dump, per-group signer metadata, the signer registry and
// the cached bundle references. A bundle that cannot be re-affirmed into
// engine storage fails the snapshot; a snapshot silently missing a bundle
// would make future welcome processing impossible.
func (c *Context) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}

	storage, err := c.engine.DumpStorage()
	if err != nil {
		return nil, wrapError(KindStorageFailed, err, "dumping engine storage")
	}

	container := snapshotContainer{
		Version: snapshotVersion,
		Storage: storage,
		Signers: c.signers,
	}
	for _, sess := range c.groups {
		container.Groups = append(container.Groups, snapshotGroup{
			GroupID:         sess.group.ID(),
			SignerPublicKey: sess.signerPublicKey,
		})
	}
	for _, b := range c.bundles {
		if err := c.engine.StoreKeyPackageBundle(b); err != nil {
			return nil, wrapError(KindStorageFailed, err, "re-affirming key package bundle")
		}
		container.BundleRefs = append(container.BundleRefs, b.HashRef)
	}

	data, err := cborEnc.Marshal(&container)
	if err != nil {
		return nil, wrapError(KindSerialization, err, "serializing snapshot")
	}
	c.log.Infof("snapshot taken: %d groups, %d signers, %d bundles", len(container.Groups), len(container.Signers), len(container.BundleRefs))
	return data, nil
}

// Restore wholesale-replaces the context's state from a snapshot. It must
// run once, before any other group operation in the process lifetime. Groups
// recorded in metadata but absent from the restored storage are skipped;
// unresolvable bundle references are counted but do not fail the restore.
func (c *Context) Restore(data []byte) (*RestoreReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}

	var container snapshotContainer
	if err := cbor.Unmarshal(data, &container); err != nil {
		return nil, wrapError(KindSerialization, err, "deserializing snapshot")
	}
	if container.Version != snapshotVersion {
		return nil, newError(KindSerialization, "unsupported snapshot version %d", container.Version)
	}
	if err := c.engine.LoadStorage(container.Storage); err != nil {
		return nil, wrapError(KindStorageFailed, err, "restoring engine storage")
	}

	report := &RestoreReport{BundlesExpected: len(container.BundleRefs)}

	maps.Clear(c.groups)
	for _, meta := range container.Groups {
		g, present, err := c.engine.LoadGroup(meta.GroupID)
		if err != nil || !present {
			c.log.Warnf("group %x recorded in snapshot but not loadable from storage, skipping: %v", meta.GroupID, err)
			report.GroupsSkipped++
			continue
		}
		c.groups[groupKey(meta.GroupID)] = &groupSession{
			group:           g,
			signerPublicKey: meta.SignerPublicKey,
		}
		report.GroupsRestored++
	}

	c.signers = maps.Clone(container.Signers)
	if c.signers == nil {
		c.signers = make(map[string][]byte)
	}

	maps.Clear(c.bundles)
	for _, ref := range container.BundleRefs {
		b, ok := c.engine.KeyPackageBundle(ref)
		if !ok {
			c.log.Warnf("key package bundle %x recorded in snapshot but missing from storage", ref)
			report.BundlesMissing++
			continue
		}
		c.bundles[hex.EncodeToString(ref)] = b
		report.BundlesRestored++
	}

	c.log.Infof("restore complete: %d groups restored, %d skipped, %d/%d bundles", report.GroupsRestored, report.GroupsSkipped, report.BundlesRestored, report.BundlesExpected)
	return report, nil
}

type groupStateHandle struct {
	Version         uint8  `cbor:"1,keyasint"`
	GroupID         []byte `cbor:"2,keyasint"`
	SignerPublicKey []byte `cbor:"3,keyasint"`
}

// ExportGroupState returns a lightweight handle for one tracked group. The
// group's state itself stays in engine storage; the handle only records
// which group and signer to reattach.
func (c *Context) ExportGroupState(groupID []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}
	sess, ok := c.groups[groupKey(groupID)]
	if !ok {
		return nil, newError(KindGroupNotFound, "no group with id %x", groupID)
	}
	data, err := cborEnc.Marshal(&groupStateHandle{
		Version:         snapshotVersion,
		GroupID:         sess.group.ID(),
		SignerPublicKey: sess.signerPublicKey,
	})
	if err != nil {
		return nil, wrapError(KindSerialization, err, "serializing group handle")
	}
	return data, nil
}

// ImportGroupState reattaches a group from a handle produced by
// ExportGroupState, loading its state from engine storage, and returns the
// group id.
func (c *Context) ImportGroupState(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(KindContextNotInitialized, "context is closed")
	}
	var handle groupStateHandle
	if err := cbor.Unmarshal(data, &handle); err != nil {
		return nil, wrapError(KindSerialization, err, "deserializing group handle")
	}
	if handle.Version != snapshotVersion {
		return nil, newError(KindSerialization, "unsupported group handle version %d", handle.Version)
	}
	g, present, err := c.engine.LoadGroup(handle.GroupID)
	if err != nil {
		return nil, wrapError(KindStorageFailed, err, "loading group state")
	}
	if !present {
		return nil, newError(KindGroupNotFound, "group %x not present in engine storage", handle.GroupID)
	}
	c.groups[groupKey(handle.GroupID)] = &groupSession{
		group:           g,
		signerPublicKey: handle.SignerPublicKey,
	}
	return g.ID(), nil
}
