package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotspotmesh/relay/pkg/config"
	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/fallback"
	"github.com/hotspotmesh/relay/pkg/mesh"
	"github.com/hotspotmesh/relay/pkg/types"
)

const (
	keyA = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	keyB = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB="
	keyC = "CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC="
)

type fakeMesh struct {
	peers   []mesh.Peer
	status  *types.StatusReport
	listErr error

	added   []mesh.AddPeerRequest
	removed []string
}

func (f *fakeMesh) AddPeer(_ context.Context, req mesh.AddPeerRequest) error {
	f.added = append(f.added, req)
	return nil
}

func (f *fakeMesh) RemovePeer(_ context.Context, publicKey string) error {
	f.removed = append(f.removed, publicKey)
	return nil
}

func (f *fakeMesh) ListPeers(_ context.Context) ([]mesh.Peer, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.peers, nil
}

func (f *fakeMesh) PeersStatus(_ context.Context) (*types.StatusReport, error) {
	if f.status == nil {
		return &types.StatusReport{OK: true}, nil
	}
	return f.status, nil
}

type fakeStore struct {
	tenants  []*types.Tenant
	routers  []*types.Router
	peers    []*types.Peer
	bindings []*types.Binding

	peersErr error

	upsertedRouters  []*types.Router
	upsertedPeers    []*types.Peer
	upsertedBindings []*types.Binding
	peerActual       map[string]types.PeerActualState
	routerActual     map[string]types.PeerActualState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		peerActual:   map[string]types.PeerActualState{},
		routerActual: map[string]types.PeerActualState{},
	}
}

func (f *fakeStore) ListTenants() ([]*types.Tenant, error) { return f.tenants, nil }

func (f *fakeStore) GetTenantBySlug(slug string) (*types.Tenant, error) {
	for _, t := range f.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, errors.New("tenant not found")
}

func (f *fakeStore) GetDefaultTenant() (*types.Tenant, error) {
	return f.GetTenantBySlug(types.DefaultTenantSlug)
}

func (f *fakeStore) UpsertTenant(*types.Tenant) error { return nil }

func (f *fakeStore) UpsertRouter(r *types.Router) error {
	r.ID = "router-" + r.BusID
	f.upsertedRouters = append(f.upsertedRouters, r)
	f.routers = append(f.routers, r)
	return nil
}

func (f *fakeStore) GetRouterByBusID(busID string) (*types.Router, error) {
	for _, r := range f.routers {
		if r.BusID == busID {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListRouters(tenantID string) ([]*types.Router, error) {
	var out []*types.Router
	for _, r := range f.routers {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRouterMeshActual(busID string, state types.PeerActualState, _, _ int64, _ time.Time) error {
	f.routerActual[busID] = state
	return nil
}

func (f *fakeStore) UpsertPeer(p *types.Peer) error {
	f.upsertedPeers = append(f.upsertedPeers, p)
	f.peers = append(f.peers, p)
	return nil
}

func (f *fakeStore) FindPeerByPublicKey(publicKey string) (*types.Peer, error) {
	for _, p := range f.peers {
		if p.PublicKey == publicKey {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListPeersDesired(tenantID string) ([]*types.Peer, error) {
	if f.peersErr != nil {
		return nil, f.peersErr
	}
	var out []*types.Peer
	for _, p := range f.peers {
		if p.DesiredState == types.PeerDesiredRemoved {
			continue
		}
		if p.Router != nil && p.Router.TenantID != tenantID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) ListPeersWithRouter() ([]*types.Peer, error) {
	var out []*types.Peer
	for _, p := range f.peers {
		if p.Router != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePeerActual(publicKey string, state types.PeerActualState, _, _ int64, _ time.Time) error {
	f.peerActual[publicKey] = state
	return nil
}

func (f *fakeStore) ListBindings() ([]*types.Binding, error) { return f.bindings, nil }

func (f *fakeStore) UpsertBinding(b *types.Binding) error {
	f.upsertedBindings = append(f.upsertedBindings, b)
	f.bindings = append(f.bindings, b)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func defaultTenant() *types.Tenant {
	return &types.Tenant{ID: "t-default", Slug: types.DefaultTenantSlug, Name: "Default"}
}

func desiredPeer(tenant *types.Tenant, busID, publicKey, allowed string) *types.Peer {
	router := &types.Router{
		ID:       "router-" + busID,
		TenantID: tenant.ID,
		BusID:    busID,
		LanIP:    "10.0.0.1",
	}
	return &types.Peer{
		RouterID:     router.ID,
		PublicKey:    publicKey,
		AllowedIPs:   types.NormalizeAllowedIPs(allowed),
		DesiredState: types.PeerDesiredActive,
		Router:       router,
	}
}

func newReconciler(cfg *config.Config, store *fakeStore, m *fakeMesh) *Reconciler {
	r := New(cfg, store, m, nil)
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestReconcileAddUpdateAndObserveExtra(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.10.0.1/32")
	pb := desiredPeer(tenant, "bus-b", keyB, "10.10.0.2/32,10.20.0.0/24")
	store.peers = []*types.Peer{pa, pb}
	store.routers = []*types.Router{pa.Router, pb.Router}
	store.bindings = []*types.Binding{
		{PublicKey: keyA, BusID: "bus-a", RouterIP: "10.0.0.1"},
		{PublicKey: keyB, BusID: "bus-b", RouterIP: "10.0.0.1"},
		{PublicKey: keyC, BusID: "bus-c", RouterIP: "10.0.0.9"},
	}

	m := &fakeMesh{
		peers: []mesh.Peer{
			// B exists with a stale allowed set, C is not desired at all.
			{PublicKey: keyB, AllowedIPs: []string{"10.10.0.2/32"}},
			{PublicKey: keyC, AllowedIPs: []string{"10.30.0.1/32"}, Endpoint: "203.0.113.9:51820"},
		},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	require.Len(t, m.added, 2)
	addedKeys := map[string]mesh.AddPeerRequest{}
	for _, req := range m.added {
		addedKeys[req.PublicKey] = req
	}
	assert.Contains(t, addedKeys, keyA)
	assert.Contains(t, addedKeys, keyB)
	assert.Equal(t, "10.10.0.2/32,10.20.0.0/24",
		types.NormalizeAllowedIPList(addedKeys[keyB].AllowedIPs))

	// removal disabled: C stays, observed only
	assert.Empty(t, m.removed)
}

func TestReconcileRemovesExtraWhenEnabled(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.10.0.1/32")
	store.peers = []*types.Peer{pa}
	store.routers = []*types.Router{pa.Router}
	store.bindings = []*types.Binding{
		{PublicKey: keyC, BusID: "bus-c", RouterIP: "10.0.0.9"},
	}

	m := &fakeMesh{
		peers: []mesh.Peer{
			{PublicKey: keyA, AllowedIPs: []string{"10.10.0.1/32"}},
			{PublicKey: keyC, AllowedIPs: []string{"10.30.0.1/32"}},
		},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant, RemoveExtraPeers: true}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, m.added, "peer A already matches")
	assert.Equal(t, []string{keyC}, m.removed)
}

func TestReconcileSkipsRemovalWithoutDevice(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.10.0.1/32")
	store.peers = []*types.Peer{pa}
	store.routers = []*types.Router{pa.Router}

	m := &fakeMesh{
		peers: []mesh.Peer{
			{PublicKey: keyA, AllowedIPs: []string{"10.10.0.1/32"}},
			{PublicKey: keyC, AllowedIPs: []string{"10.30.0.1/32"}},
		},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant, RemoveExtraPeers: true}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, m.removed, "no binding means no device id, removal must be skipped")
}

func TestNormalizedAllowedSetsCompareEqual(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.20.0.0/24, 10.10.0.1/32")
	store.peers = []*types.Peer{pa}
	store.routers = []*types.Router{pa.Router}
	store.bindings = []*types.Binding{{PublicKey: keyA, BusID: "bus-a", RouterIP: "10.0.0.1"}}

	m := &fakeMesh{
		peers: []mesh.Peer{
			// same set, different order
			{PublicKey: keyA, AllowedIPs: []string{"10.10.0.1/32", "10.20.0.0/24"}},
		},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, m.added)
	assert.Empty(t, m.removed)
}

func TestReconcileListFailureAbortsCycle(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.10.0.1/32")
	store.peers = []*types.Peer{pa}

	m := &fakeMesh{
		listErr: errclass.NewCoded(errclass.CodeWGInterfaceNotConfigured, "wg0 missing"),
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, m.added, "no convergence against an unreadable peer set")
}

func TestReconcileFallbackWhenStoreDesiredEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	content := fmt.Sprintf(`[
		{"deviceId":"dev-1","publicKey":"%s","allowedIps":"10.10.0.1/32",
		 "meta":{"router":{"publicIp":"10.0.0.5"}}}
	]`, keyA)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	m := &fakeMesh{}
	cfg := &config.Config{Mode: config.ModeMultiTenant, FallbackJSON: true, WriteStore: true}
	r := New(cfg, store, m, fallback.NewRegistry(path))
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, r.ReconcileOnce(context.Background()))

	require.Len(t, m.added, 1)
	assert.Equal(t, keyA, m.added[0].PublicKey)

	// fallback desired also repairs the missing binding from the file metadata
	require.Len(t, store.upsertedBindings, 1)
	assert.Equal(t, "dev-1", store.upsertedBindings[0].BusID)
	assert.Equal(t, "10.0.0.5", store.upsertedBindings[0].RouterIP)

	// fallback data never writes peer state back to the store
	assert.Empty(t, store.peerActual)
}

func TestReconcileTenantScoping(t *testing.T) {
	tenantA := &types.Tenant{ID: "t-a", Slug: types.DefaultTenantSlug}
	tenantB := &types.Tenant{ID: "t-b", Slug: "acme"}

	store := newFakeStore()
	store.tenants = []*types.Tenant{tenantA, tenantB}

	pa := desiredPeer(tenantA, "bus-a", keyA, "10.10.0.1/32")
	pb := desiredPeer(tenantB, "bus-b", keyB, "10.20.0.1/32")
	store.peers = []*types.Peer{pa, pb}
	store.routers = []*types.Router{pa.Router, pb.Router}

	m := &fakeMesh{
		peers: []mesh.Peer{
			// B is live and belongs to tenant B. From tenant A's point of
			// view it must not look like an extra peer.
			{PublicKey: keyB, AllowedIPs: []string{"10.20.0.1/32"}},
		},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant, RemoveExtraPeers: true}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, m.removed)
	require.Len(t, m.added, 1)
	assert.Equal(t, keyA, m.added[0].PublicKey)
}

func TestLegacyModeNeverRemoves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	content := fmt.Sprintf(`[{"deviceId":"dev-1","publicKey":"%s","allowedIps":"10.10.0.1/32","meta":{"router":{}}}]`, keyA)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store := newFakeStore()
	m := &fakeMesh{
		peers: []mesh.Peer{
			{PublicKey: keyC, AllowedIPs: []string{"10.30.0.1/32"}},
		},
	}

	// removal flag set on purpose: legacy mode ignores it
	cfg := &config.Config{Mode: config.ModeLegacy, RemoveExtraPeers: true}
	r := New(cfg, store, m, fallback.NewRegistry(path))
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, m.removed)
	require.Len(t, m.added, 1)
	assert.Equal(t, keyA, m.added[0].PublicKey)
}

func TestPersistActualWritesPeerAndRouterState(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.10.0.1/32")
	pb := desiredPeer(tenant, "bus-a", keyB, "10.10.0.2/32")
	pb.Router = pa.Router
	pb.RouterID = pa.Router.ID
	store.peers = []*types.Peer{pa, pb}
	store.routers = []*types.Router{pa.Router}

	m := &fakeMesh{
		peers: []mesh.Peer{
			{PublicKey: keyA, AllowedIPs: []string{"10.10.0.1/32"}},
			{PublicKey: keyB, AllowedIPs: []string{"10.10.0.2/32"}},
		},
		status: &types.StatusReport{OK: true, Peers: []types.PeerStatus{
			{PublicKey: keyA, Status: types.PeerActualOnline, HandshakeAge: 30 * time.Second},
			{PublicKey: keyB, Status: types.PeerActualOffline, HandshakeAge: time.Hour},
		}},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant, WriteStore: true}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Equal(t, types.PeerActualOnline, store.peerActual[keyA])
	assert.Equal(t, types.PeerActualOffline, store.peerActual[keyB])
	// one peer online wins the router aggregate
	assert.Equal(t, types.PeerActualOnline, store.routerActual["bus-a"])
}

func TestAutoDiscoveryAdoptsUnknownPeer(t *testing.T) {
	tenant := defaultTenant()
	store := newFakeStore()
	store.tenants = []*types.Tenant{tenant}

	pa := desiredPeer(tenant, "bus-a", keyA, "10.10.0.1/32")
	store.peers = []*types.Peer{pa}
	store.routers = []*types.Router{pa.Router}

	m := &fakeMesh{
		peers: []mesh.Peer{
			{PublicKey: keyA, AllowedIPs: []string{"10.10.0.1/32"}},
			{PublicKey: keyC, AllowedIPs: []string{"10.30.0.1/32"}, Endpoint: "203.0.113.9:51820"},
		},
		status: &types.StatusReport{OK: true, Peers: []types.PeerStatus{
			{PublicKey: keyC, Status: types.PeerActualOnline, Endpoint: "203.0.113.9:51820",
				AllowedIPs: "10.30.0.1/32", HandshakeAge: 10 * time.Second},
		}},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant, WriteStore: true, RemoveExtraPeers: true}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	// adopted, so never removed even with removal enabled
	assert.Empty(t, m.removed)

	require.Len(t, store.upsertedRouters, 1)
	adoptedRouter := store.upsertedRouters[0]
	assert.Equal(t, types.AutoBusID(keyC), adoptedRouter.BusID)
	assert.Equal(t, tenant.ID, adoptedRouter.TenantID)

	require.Len(t, store.upsertedPeers, 1)
	assert.Equal(t, keyC, store.upsertedPeers[0].PublicKey)
	assert.Equal(t, "10.30.0.1/32", store.upsertedPeers[0].AllowedIPs)

	assert.Equal(t, types.PeerActualOnline, store.routerActual[adoptedRouter.BusID])

	// binding derived from the observed endpoint host
	require.NotEmpty(t, store.upsertedBindings)
	last := store.upsertedBindings[len(store.upsertedBindings)-1]
	assert.Equal(t, keyC, last.PublicKey)
	assert.Equal(t, "203.0.113.9", last.RouterIP)
}

func TestAutoDiscoverySkipsPeerOwnedByAnotherTenant(t *testing.T) {
	tenantA := &types.Tenant{ID: "t-a", Slug: types.DefaultTenantSlug}
	tenantB := &types.Tenant{ID: "t-b", Slug: "acme"}

	store := newFakeStore()
	store.tenants = []*types.Tenant{tenantA, tenantB}

	pa := desiredPeer(tenantA, "bus-a", keyA, "10.10.0.1/32")
	// C is already a removed-state record of tenant B, so tenant A must
	// not adopt it.
	pc := desiredPeer(tenantB, "bus-c", keyC, "10.30.0.1/32")
	pc.DesiredState = types.PeerDesiredRemoved
	store.peers = []*types.Peer{pa, pc}
	store.routers = []*types.Router{pa.Router, pc.Router}

	m := &fakeMesh{
		peers: []mesh.Peer{
			{PublicKey: keyA, AllowedIPs: []string{"10.10.0.1/32"}},
			{PublicKey: keyC, AllowedIPs: []string{"10.30.0.1/32"}},
		},
	}

	cfg := &config.Config{Mode: config.ModeMultiTenant, WriteStore: true}
	r := newReconciler(cfg, store, m)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Empty(t, store.upsertedRouters, "no adoption of a peer owned elsewhere")
	assert.Empty(t, store.upsertedPeers)
}

func TestDeriveRouterStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []types.PeerActualState
		want     types.PeerActualState
	}{
		{"empty", nil, types.PeerActualNoPeers},
		{"online wins", []types.PeerActualState{types.PeerActualOffline, types.PeerActualOnline}, types.PeerActualOnline},
		{"offline over never", []types.PeerActualState{types.PeerActualNeverConnected, types.PeerActualOffline}, types.PeerActualOffline},
		{"never over missing", []types.PeerActualState{types.PeerActualMissing, types.PeerActualNeverConnected}, types.PeerActualNeverConnected},
		{"all missing", []types.PeerActualState{types.PeerActualMissing}, types.PeerActualMissing},
		{"unrecognized", []types.PeerActualState{types.PeerActualUnknown}, types.PeerActualUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRouterStatus(tt.statuses))
		})
	}
}
