package registry

import (
	"time"

	"github.com/hotspotmesh/relay/pkg/types"
)

// Store is the persistence layer for tenants, routers, peers, and
// bindings.
type Store interface {
	// Tenants
	ListTenants() ([]*types.Tenant, error)
	GetTenantBySlug(slug string) (*types.Tenant, error)
	// GetDefaultTenant returns the default tenant, creating it if absent.
	GetDefaultTenant() (*types.Tenant, error)
	UpsertTenant(tenant *types.Tenant) error

	// Routers
	UpsertRouter(router *types.Router) error
	GetRouterByBusID(busID string) (*types.Router, error)
	ListRouters(tenantID string) ([]*types.Router, error)
	UpdateRouterMeshActual(busID string, state types.PeerActualState, rx, tx int64, handshakeAt time.Time) error

	// Peers. Reads join the Router association.
	UpsertPeer(peer *types.Peer) error
	FindPeerByPublicKey(publicKey string) (*types.Peer, error)
	ListPeersDesired(tenantID string) ([]*types.Peer, error)
	ListPeersWithRouter() ([]*types.Peer, error)
	UpdatePeerActual(publicKey string, state types.PeerActualState, rx, tx int64, handshakeAt time.Time) error

	// Bindings
	ListBindings() ([]*types.Binding, error)
	UpsertBinding(binding *types.Binding) error

	Close() error
}
