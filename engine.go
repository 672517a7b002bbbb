package groupmls

import "github.com/mossline/go-groupmls/engine"

// Engine is the protocol engine the context drives. The shipped
// implementation is engine.New; the interface exists so hosts can substitute
// an engine with the same handle-level surface.
type Engine interface {
	CreateGroup(identity string, cfg *engine.GroupConfig) (*engine.CreatedGroup, error)
	GenerateKeyPackage(identity string) (*engine.GeneratedKeyPackage, error)
	ParseKeyPackage(data []byte) (*engine.KeyPackageInfo, error)
	ComputeKeyPackageHash(data []byte) ([]byte, error)
	JoinFromWelcome(welcomeData []byte, bundles []*engine.KeyPackageBundle, cfg *engine.GroupConfig) (*engine.JoinResult, error)
	LoadSigner(publicKey []byte) (*engine.Signer, bool)
	StoreKeyPackageBundle(b *engine.KeyPackageBundle) error
	KeyPackageBundle(hashRef []byte) (*engine.KeyPackageBundle, bool)
	LoadGroup(groupID []byte) (*engine.Group, bool, error)
	DeleteGroup(groupID []byte) bool
	DumpStorage() ([]byte, error)
	LoadStorage(data []byte) error
}

var _ Engine = (*engine.Engine)(nil)
