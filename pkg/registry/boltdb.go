package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/hotspotmesh/relay/pkg/security"
	"github.com/hotspotmesh/relay/pkg/types"
)

var (
	bucketTenants  = []byte("tenants")
	bucketRouters  = []byte("routers")
	bucketPeers    = []byte("peers")
	bucketBindings = []byte("bindings")
)

// BoltStore implements Store using BoltDB. Routers are keyed by their
// business id, peers by public key, bindings by public key, tenants by
// slug.
type BoltStore struct {
	db      *bolt.DB
	now     func() time.Time
	secrets *security.SecretsManager
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "relay.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTenants, bucketRouters, bucketPeers, bucketBindings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// WithSecrets enables at-rest sealing of router API credentials.
func (s *BoltStore) WithSecrets(sm *security.SecretsManager) *BoltStore {
	s.secrets = sm
	return s
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Healthy reports whether the database is reachable.
func (s *BoltStore) Healthy() bool {
	return s.db.View(func(tx *bolt.Tx) error { return nil }) == nil
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// Tenant operations

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) GetTenantBySlug(slug string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(slug))
		if data == nil {
			return fmt.Errorf("tenant not found: %s", slug)
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) GetDefaultTenant() (*types.Tenant, error) {
	tenant, err := s.GetTenantBySlug(types.DefaultTenantSlug)
	if err == nil {
		return tenant, nil
	}
	tenant = &types.Tenant{
		ID:        uuid.New().String(),
		Slug:      types.DefaultTenantSlug,
		Name:      "Default",
		CreatedAt: s.now(),
	}
	if err := s.UpsertTenant(tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

func (s *BoltStore) UpsertTenant(tenant *types.Tenant) error {
	if tenant.Slug == "" {
		return fmt.Errorf("tenant requires a slug")
	}
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = s.now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTenants, tenant.Slug, tenant)
	})
}

// Router operations

// UpsertRouter inserts or updates a router by business id. A router
// without a mesh identity gets the placeholder key and address so the
// public-key uniqueness invariant holds from creation.
func (s *BoltStore) UpsertRouter(router *types.Router) error {
	if router.BusID == "" {
		return fmt.Errorf("router requires a business id")
	}
	if router.ID == "" {
		router.ID = uuid.New().String()
	}
	if router.MeshPublicKey == "" {
		router.MeshPublicKey = types.PlaceholderPublicKey(router.BusID)
	}
	if router.MeshIP == "" {
		router.MeshIP = types.PlaceholderMeshIP
	}
	if router.DesiredState == "" {
		router.DesiredState = types.RouterDesiredPending
	}
	now := s.now()
	if router.CreatedAt.IsZero() {
		router.CreatedAt = now
	}
	router.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRouters, router.BusID, router)
	})
}

func (s *BoltStore) GetRouterByBusID(busID string) (*types.Router, error) {
	var router types.Router
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRouters).Get([]byte(busID))
		if data == nil {
			return fmt.Errorf("router not found: %s", busID)
		}
		return json.Unmarshal(data, &router)
	})
	if err != nil {
		return nil, err
	}
	return &router, nil
}

func (s *BoltStore) ListRouters(tenantID string) ([]*types.Router, error) {
	var routers []*types.Router
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRouters).ForEach(func(k, v []byte) error {
			var router types.Router
			if err := json.Unmarshal(v, &router); err != nil {
				return err
			}
			if tenantID == "" || router.TenantID == tenantID {
				routers = append(routers, &router)
			}
			return nil
		})
	})
	return routers, err
}

func (s *BoltStore) UpdateRouterMeshActual(busID string, state types.PeerActualState, rx, tx int64, handshakeAt time.Time) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketRouters)
		data := b.Get([]byte(busID))
		if data == nil {
			return fmt.Errorf("router not found: %s", busID)
		}
		var router types.Router
		if err := json.Unmarshal(data, &router); err != nil {
			return err
		}
		router.ActualState = state
		router.BytesRx = rx
		router.BytesTx = tx
		if !handshakeAt.IsZero() {
			router.LastHandshakeAt = handshakeAt
		}
		router.LastSeenAt = s.now()
		router.UpdatedAt = s.now()
		return put(btx, bucketRouters, busID, &router)
	})
}

// SetRouterCredentials seals and stores the device API credentials of a
// router. Requires a configured secrets manager.
func (s *BoltStore) SetRouterCredentials(busID, user, password string) error {
	if s.secrets == nil {
		return fmt.Errorf("credential sealing is not configured")
	}
	sealed, err := s.secrets.Seal([]byte(password))
	if err != nil {
		return fmt.Errorf("failed to seal credentials: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRouters).Get([]byte(busID))
		if data == nil {
			return fmt.Errorf("router not found: %s", busID)
		}
		var router types.Router
		if err := json.Unmarshal(data, &router); err != nil {
			return err
		}
		router.APIUser = user
		router.APIPasswordSealed = sealed
		router.UpdatedAt = s.now()
		return put(tx, bucketRouters, busID, &router)
	})
}

// RouterCredentials unseals the stored device API credentials.
func (s *BoltStore) RouterCredentials(busID string) (user, password string, err error) {
	if s.secrets == nil {
		return "", "", fmt.Errorf("credential sealing is not configured")
	}
	router, err := s.GetRouterByBusID(busID)
	if err != nil {
		return "", "", err
	}
	if len(router.APIPasswordSealed) == 0 {
		return "", "", fmt.Errorf("router %s has no stored credentials", busID)
	}
	plain, err := s.secrets.Unseal(router.APIPasswordSealed)
	if err != nil {
		return "", "", fmt.Errorf("failed to unseal credentials: %w", err)
	}
	return router.APIUser, string(plain), nil
}

// Peer operations

func (s *BoltStore) UpsertPeer(peer *types.Peer) error {
	if peer.PublicKey == "" {
		return fmt.Errorf("peer requires a public key")
	}
	if peer.ID == "" {
		peer.ID = uuid.New().String()
	}
	peer.AllowedIPs = types.NormalizeAllowedIPs(peer.AllowedIPs)
	if peer.DesiredState == "" {
		peer.DesiredState = types.PeerDesiredPending
	}
	now := s.now()
	if peer.CreatedAt.IsZero() {
		peer.CreatedAt = now
	}
	peer.UpdatedAt = now
	stored := *peer
	stored.Router = nil // association is joined on read, never stored
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPeers, stored.PublicKey, &stored)
	})
}

func (s *BoltStore) joinRouter(tx *bolt.Tx, peer *types.Peer) error {
	if peer.RouterID == "" {
		return nil
	}
	return tx.Bucket(bucketRouters).ForEach(func(k, v []byte) error {
		var router types.Router
		if err := json.Unmarshal(v, &router); err != nil {
			return err
		}
		if router.ID == peer.RouterID {
			peer.Router = &router
		}
		return nil
	})
}

func (s *BoltStore) FindPeerByPublicKey(publicKey string) (*types.Peer, error) {
	var peer *types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(publicKey))
		if data == nil {
			return nil
		}
		var p types.Peer
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := s.joinRouter(tx, &p); err != nil {
			return err
		}
		peer = &p
		return nil
	})
	return peer, err
}

// ListPeersDesired returns the tenant's peers that should exist on the
// mesh, excluding ones marked for removal.
func (s *BoltStore) ListPeersDesired(tenantID string) ([]*types.Peer, error) {
	var peers []*types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			if peer.DesiredState == types.PeerDesiredRemoved {
				return nil
			}
			if err := s.joinRouter(tx, &peer); err != nil {
				return err
			}
			if tenantID != "" {
				if peer.Router == nil || peer.Router.TenantID != tenantID {
					return nil
				}
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

// ListPeersWithRouter returns every peer that has a router association,
// used to build the device-to-tenant index.
func (s *BoltStore) ListPeersWithRouter() ([]*types.Peer, error) {
	var peers []*types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			if err := s.joinRouter(tx, &peer); err != nil {
				return err
			}
			if peer.Router != nil {
				peers = append(peers, &peer)
			}
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) UpdatePeerActual(publicKey string, state types.PeerActualState, rx, tx int64, handshakeAt time.Time) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketPeers)
		data := b.Get([]byte(publicKey))
		if data == nil {
			return fmt.Errorf("peer not found: %s", publicKey)
		}
		var peer types.Peer
		if err := json.Unmarshal(data, &peer); err != nil {
			return err
		}
		peer.ActualState = state
		peer.BytesRx = rx
		peer.BytesTx = tx
		if !handshakeAt.IsZero() {
			peer.LastHandshakeAt = handshakeAt
		}
		peer.UpdatedAt = s.now()
		return put(btx, bucketPeers, publicKey, &peer)
	})
}

// Binding operations

func (s *BoltStore) ListBindings() ([]*types.Binding, error) {
	var bindings []*types.Binding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).ForEach(func(k, v []byte) error {
			var binding types.Binding
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			bindings = append(bindings, &binding)
			return nil
		})
	})
	return bindings, err
}

func (s *BoltStore) UpsertBinding(binding *types.Binding) error {
	if binding.PublicKey == "" {
		return fmt.Errorf("binding requires a public key")
	}
	now := s.now()
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
	}
	binding.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketBindings, binding.PublicKey, binding)
	})
}
