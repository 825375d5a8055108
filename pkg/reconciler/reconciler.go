// Package reconciler converges the mesh peer set toward the desired
// state from the registry (or the static fallback file), repairs missing
// bindings, and persists observed liveness back to the store.
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hotspotmesh/relay/pkg/config"
	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/fallback"
	"github.com/hotspotmesh/relay/pkg/log"
	"github.com/hotspotmesh/relay/pkg/mesh"
	"github.com/hotspotmesh/relay/pkg/metrics"
	"github.com/hotspotmesh/relay/pkg/registry"
	"github.com/hotspotmesh/relay/pkg/types"
)

const setupLogCooldown = 60 * time.Second

// desiredEntry is one normalized desired peer.
type desiredEntry struct {
	DeviceID    string
	RouterID    string
	PublicKey   string
	Allowed     string
	RouterLanIP string
}

// actualEntry is one live mesh peer joined with its binding and status.
type actualEntry struct {
	DeviceID  string
	PublicKey string
	Allowed   string
	Endpoint  string
	Binding   *types.Binding
	Status    *types.PeerStatus
}

// Reconciler runs the periodic desired/actual convergence cycle.
type Reconciler struct {
	cfg      *config.Config
	store    registry.Store
	mesh     mesh.Manager
	fallback *fallback.Registry

	stopCh chan struct{}
	now    func() time.Time

	mu             sync.Mutex
	lastSetupLogAt time.Time
}

// New wires a reconciler. The fallback registry may be nil when the
// static file path is disabled.
func New(cfg *config.Config, store registry.Store, m mesh.Manager, fb *fallback.Registry) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		mesh:     m,
		fallback: fb,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the reconcile loop. An interval of zero disables it.
func (r *Reconciler) Start() {
	logger := log.WithComponent("reconciler")
	if r.cfg.ReconcileInterval <= 0 {
		logger.Info().Msg("Reconciler disabled")
		return
	}
	logger.Info().
		Dur("interval", r.cfg.ReconcileInterval).
		Bool("remove", r.cfg.RemoveExtraPeers).
		Str("mode", string(r.cfg.Mode)).
		Bool("fallback_json", r.cfg.FallbackJSON).
		Bool("write_store", r.cfg.WriteStore).
		Str("tenant_auto_discovery", string(r.cfg.AutoDiscovery)).
		Msg("Reconciler started")
	go r.loop()
}

// Stop stops the reconcile loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) loop() {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.ReconcileOnce(context.Background()); err != nil {
				logger := log.WithComponent("reconciler")
				logger.Error().Err(err).Msg("Unhandled reconcile failure")
			}
		case <-r.stopCh:
			return
		}
	}
}

// shouldLogSetup rate-limits non-retryable listing failures so a
// misconfigured interface does not flood the log every cycle.
func (r *Reconciler) shouldLogSetup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.lastSetupLogAt) >= setupLogCooldown {
		r.lastSetupLogAt = now
		return true
	}
	return false
}

// ReconcileOnce runs a single cycle. A peer-listing failure aborts the
// whole cycle; no partial convergence is attempted.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	logger := log.WithComponent("reconciler")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcileCyclesTotal.Inc()

	now := r.now()

	bindings, err := r.store.ListBindings()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list bindings")
		metrics.ReconcileErrors.WithLabelValues("bindings").Inc()
		bindings = nil
	}

	peers, err := r.mesh.ListPeers(ctx)
	if err != nil {
		cls := errclass.Classify(err)
		metrics.ReconcileErrors.WithLabelValues("list_peers").Inc()
		if cls.Retryable {
			logger.Warn().Str("code", cls.Code).Err(err).Msg("Peer listing failed, retrying next cycle")
		} else if r.shouldLogSetup() {
			logger.Error().Str("code", cls.Code).Err(err).Msg("Peer listing failed, mesh not configured")
		}
		return nil
	}

	statusMap := map[string]types.PeerStatus{}
	if st, err := r.mesh.PeersStatus(ctx); err != nil {
		logger.Error().Err(err).Msg("Status dump failed")
		metrics.ReconcileErrors.WithLabelValues("status").Inc()
	} else if !st.OK {
		logger.Error().Str("error", st.Error).Msg("Status dump reported failure")
	} else {
		for i := range st.Peers {
			statusMap[st.Peers[i].PublicKey] = st.Peers[i]
		}
	}

	actualList := buildActual(peers, bindings, statusMap)

	if r.cfg.Mode == config.ModeLegacy {
		r.reconcileLegacy(ctx, actualList, bindings)
		return nil
	}

	tenants := r.tenantsForCycle()
	if len(tenants) == 0 {
		logger.Warn().Msg("No tenants available")
		return nil
	}
	tenantsBySlug := map[string]*types.Tenant{}
	for _, t := range tenants {
		tenantsBySlug[t.Slug] = t
	}
	defaultTenant := tenantsBySlug[types.DefaultTenantSlug]
	if defaultTenant == nil {
		if dt, err := r.store.GetDefaultTenant(); err == nil {
			defaultTenant = dt
		}
	}

	knownPeerTenant := map[string]string{}
	if indexed, err := r.store.ListPeersWithRouter(); err != nil {
		logger.Error().Err(err).Msg("Failed to build peer tenant index")
	} else {
		for _, p := range indexed {
			if p.PublicKey != "" && p.Router != nil && p.Router.TenantID != "" {
				knownPeerTenant[p.PublicKey] = p.Router.TenantID
			}
		}
	}

	tenantIPMap := r.cfg.TenantIPMapping()
	for _, tenant := range tenants {
		r.reconcileTenant(ctx, tenantCycle{
			tenant:          tenant,
			now:             now,
			bindings:        bindings,
			statusMap:       statusMap,
			actualList:      actualList,
			knownPeerTenant: knownPeerTenant,
			tenantIPMap:     tenantIPMap,
			tenantsBySlug:   tenantsBySlug,
			defaultTenant:   defaultTenant,
		})
	}
	return nil
}

func buildActual(peers []mesh.Peer, bindings []*types.Binding, statusMap map[string]types.PeerStatus) []actualEntry {
	bindingMap := map[string]*types.Binding{}
	for _, b := range bindings {
		bindingMap[b.PublicKey] = b
	}

	entries := make([]actualEntry, 0, len(peers))
	for _, p := range peers {
		entry := actualEntry{
			PublicKey: p.PublicKey,
			Allowed:   types.NormalizeAllowedIPList(p.AllowedIPs),
			Endpoint:  p.Endpoint,
			Binding:   bindingMap[p.PublicKey],
		}
		if entry.Binding != nil {
			entry.DeviceID = entry.Binding.BusID
		}
		if st, ok := statusMap[p.PublicKey]; ok {
			stCopy := st
			entry.Status = &stCopy
			if entry.Endpoint == "" || entry.Endpoint == "(none)" {
				entry.Endpoint = st.Endpoint
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func (r *Reconciler) tenantsForCycle() []*types.Tenant {
	logger := log.WithComponent("reconciler")
	tenants, err := r.store.ListTenants()
	if err == nil && len(tenants) > 0 {
		return tenants
	}
	if err != nil {
		logger.Error().Err(err).Msg("Tenant listing failed")
	}
	dt, err := r.store.GetDefaultTenant()
	if err != nil {
		logger.Error().Err(err).Msg("Default tenant unavailable")
		return nil
	}
	return []*types.Tenant{dt}
}

func (r *Reconciler) desiredFromStore(tenantID string) ([]desiredEntry, []*types.Peer, []*types.Router, error) {
	peers, err := r.store.ListPeersDesired(tenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	routers, err := r.store.ListRouters(tenantID)
	if err != nil {
		return nil, nil, nil, err
	}

	var desired []desiredEntry
	for _, p := range peers {
		if p.PublicKey == "" || p.AllowedIPs == "" {
			continue
		}
		entry := desiredEntry{
			RouterID:  p.RouterID,
			DeviceID:  p.RouterID,
			PublicKey: p.PublicKey,
			Allowed:   types.NormalizeAllowedIPs(p.AllowedIPs),
		}
		if p.Router != nil {
			entry.DeviceID = p.Router.BusID
			entry.RouterLanIP = p.Router.LanIP
		}
		desired = append(desired, entry)
	}
	return desired, peers, routers, nil
}

func (r *Reconciler) desiredFromFallback() []desiredEntry {
	if r.fallback == nil {
		return nil
	}
	entries := r.fallback.Desired()
	desired := make([]desiredEntry, 0, len(entries))
	for _, e := range entries {
		desired = append(desired, desiredEntry{
			DeviceID:    e.DeviceID,
			PublicKey:   e.PublicKey,
			Allowed:     e.Allowed,
			RouterLanIP: e.RouterLanIP,
		})
	}
	return desired
}

type tenantCycle struct {
	tenant          *types.Tenant
	now             time.Time
	bindings        []*types.Binding
	statusMap       map[string]types.PeerStatus
	actualList      []actualEntry
	knownPeerTenant map[string]string
	tenantIPMap     map[string]string
	tenantsBySlug   map[string]*types.Tenant
	defaultTenant   *types.Tenant
}

// resolveTenantForEndpoint scopes an unindexed peer by its endpoint
// address when endpoint auto-discovery is enabled; otherwise everything
// unindexed belongs to the default tenant.
func (r *Reconciler) resolveTenantForEndpoint(c tenantCycle, endpoint string) *types.Tenant {
	if c.defaultTenant == nil {
		return nil
	}
	if r.cfg.AutoDiscovery != config.AutoDiscoveryByEndpoint {
		return c.defaultTenant
	}
	host := mesh.EndpointHost(endpoint)
	if host == "" {
		return c.defaultTenant
	}
	slug, ok := c.tenantIPMap[host]
	if !ok {
		return c.defaultTenant
	}
	mapped, ok := c.tenantsBySlug[slug]
	if !ok {
		logger := log.WithComponent("reconciler")
		logger.Warn().
			Str("endpoint_host", host).Str("mapped_slug", slug).
			Msg("Tenant mapping points at an unknown tenant")
		return c.defaultTenant
	}
	return mapped
}

func (r *Reconciler) reconcileTenant(ctx context.Context, c tenantCycle) {
	if c.tenant == nil || c.tenant.ID == "" {
		return
	}
	logger := log.WithTenant(c.tenant.Slug)
	logger.Info().Msg("Tenant cycle started")

	var (
		desired         []desiredEntry
		peersDesired    []*types.Peer
		routers         []*types.Router
		usingStore      bool
		usedFallback    bool
		isDefaultTenant = c.tenant.Slug == types.DefaultTenantSlug
	)

	d, pd, rts, err := r.desiredFromStore(c.tenant.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Store read failed")
		if !r.cfg.FallbackJSON || !isDefaultTenant {
			logger.Info().Str("reason", "store_read_fail").Msg("Tenant cycle skipped")
			return
		}
		desired = r.desiredFromFallback()
		usedFallback = true
		logger.Warn().Str("reason", "store_unavailable").Int("desired", len(desired)).
			Msg("Using fallback device registry")
	} else {
		desired, peersDesired, routers = d, pd, rts
		usingStore = true
		if isDefaultTenant && len(desired) == 0 && r.cfg.FallbackJSON {
			desired = r.desiredFromFallback()
			usedFallback = true
			logger.Warn().Str("reason", "store_desired_empty").Int("desired", len(desired)).
				Msg("Using fallback device registry")
		}
	}

	// tenant scoping of the actual view
	var actualScoped []actualEntry
	for _, a := range c.actualList {
		if knownTenantID, ok := c.knownPeerTenant[a.PublicKey]; ok {
			if knownTenantID == c.tenant.ID {
				actualScoped = append(actualScoped, a)
			}
			continue
		}
		endpoint := a.Endpoint
		if a.Status != nil && a.Status.Endpoint != "" {
			endpoint = a.Status.Endpoint
		}
		if resolved := r.resolveTenantForEndpoint(c, endpoint); resolved != nil && resolved.ID == c.tenant.ID {
			actualScoped = append(actualScoped, a)
		}
	}

	realDesired := usingStore && !usedFallback
	if r.cfg.WriteStore && realDesired {
		r.persistActual(peersDesired, routers, c.statusMap, c.now, c.tenant, logger)
	}

	actualMap := map[string]actualEntry{}
	for _, a := range actualScoped {
		actualMap[a.PublicKey] = a
	}
	desiredMap := map[string]desiredEntry{}
	for _, d := range desired {
		desiredMap[d.PublicKey] = d
	}

	var toAddOrUpdate []desiredEntry
	for _, d := range desired {
		a, ok := actualMap[d.PublicKey]
		if !ok || types.NormalizeAllowedIPs(a.Allowed) != d.Allowed {
			toAddOrUpdate = append(toAddOrUpdate, d)
		}
	}
	var toRemove []actualEntry
	for _, a := range actualScoped {
		if _, ok := desiredMap[a.PublicKey]; !ok {
			toRemove = append(toRemove, a)
		}
	}

	// auto-discovery adopts remove-candidates into this tenant
	adopted := map[string]bool{}
	if r.cfg.WriteStore && realDesired {
		for _, item := range toRemove {
			ok, err := r.adoptPeer(item, c)
			if err != nil {
				logger.Error().Err(err).Str("public_key", item.PublicKey).
					Msg("Auto-discovery failed")
				continue
			}
			if ok {
				adopted[item.PublicKey] = true
			}
		}
	}

	for _, a := range actualScoped {
		if a.Status != nil && a.Status.Status == types.PeerActualOffline {
			metrics.PeersOffline.Inc()
			logger.Warn().Str("public_key", a.PublicKey).Str("device_id", a.DeviceID).
				Str("endpoint", a.Endpoint).Msg("Peer offline")
		}
		if a.Binding == nil && !adopted[a.PublicKey] {
			metrics.MissingBindings.Inc()
			logger.Warn().Str("public_key", a.PublicKey).Str("device_id", a.DeviceID).
				Msg("Peer has no binding")
		}
	}

	bindingKeys := map[string]bool{}
	for _, b := range c.bindings {
		bindingKeys[b.PublicKey] = true
	}
	for _, d := range desired {
		if bindingKeys[d.PublicKey] {
			continue
		}
		metrics.MissingBindings.Inc()
		logger.Warn().Str("public_key", d.PublicKey).Str("device_id", d.DeviceID).
			Str("router_ip", d.RouterLanIP).Msg("Desired peer has no binding")
		if d.RouterLanIP != "" {
			r.createBinding(d.PublicKey, d.DeviceID, d.RouterLanIP, logger)
		}
	}

	for _, item := range toAddOrUpdate {
		err := r.mesh.AddPeer(ctx, mesh.AddPeerRequest{
			PublicKey:  item.PublicKey,
			AllowedIPs: strings.Split(item.Allowed, ","),
		})
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues("add_peer").Inc()
			logger.Error().Err(err).Str("public_key", item.PublicKey).
				Str("device_id", item.DeviceID).Msg("Peer sync failed")
			continue
		}
		metrics.PeersAdded.Inc()
		logger.Info().Str("public_key", item.PublicKey).Str("device_id", item.DeviceID).
			Str("allowed_ips", item.Allowed).Msg("Peer synced")
	}

	for _, item := range toRemove {
		if adopted[item.PublicKey] {
			continue
		}
		if !r.cfg.RemoveExtraPeers {
			metrics.ExtraPeers.Inc()
			logger.Warn().Str("public_key", item.PublicKey).Str("endpoint", item.Endpoint).
				Msg("Extra peer detected")
			continue
		}
		if item.DeviceID == "" {
			logger.Warn().Str("public_key", item.PublicKey).
				Msg("Skipping removal of peer with unknown device")
			continue
		}
		if err := r.mesh.RemovePeer(ctx, item.PublicKey); err != nil {
			metrics.ReconcileErrors.WithLabelValues("remove_peer").Inc()
			logger.Error().Err(err).Str("public_key", item.PublicKey).
				Str("device_id", item.DeviceID).Msg("Peer removal failed")
			continue
		}
		metrics.PeersRemoved.Inc()
		logger.Info().Str("public_key", item.PublicKey).Str("device_id", item.DeviceID).
			Msg("Peer removed")
	}

	logger.Info().
		Int("desired", len(desired)).
		Int("actual_scoped", len(actualScoped)).
		Int("to_add_or_update", len(toAddOrUpdate)).
		Int("to_remove", len(toRemove)).
		Int("adopted", len(adopted)).
		Bool("used_fallback", usedFallback).
		Msg("Tenant cycle done")
}

// reconcileLegacy is the single-tenant path: desired purely from the
// fallback file, no store writes, no auto-discovery, removal never.
func (r *Reconciler) reconcileLegacy(ctx context.Context, actualList []actualEntry, bindings []*types.Binding) {
	logger := log.WithComponent("reconciler")
	desired := r.desiredFromFallback()

	actualMap := map[string]actualEntry{}
	for _, a := range actualList {
		actualMap[a.PublicKey] = a
	}
	desiredMap := map[string]desiredEntry{}
	for _, d := range desired {
		desiredMap[d.PublicKey] = d
	}

	bindingKeys := map[string]bool{}
	for _, b := range bindings {
		bindingKeys[b.PublicKey] = true
	}
	for _, d := range desired {
		if !bindingKeys[d.PublicKey] && d.RouterLanIP != "" {
			r.createBinding(d.PublicKey, d.DeviceID, d.RouterLanIP, logger)
		}
	}

	for _, d := range desired {
		a, ok := actualMap[d.PublicKey]
		if ok && types.NormalizeAllowedIPs(a.Allowed) == d.Allowed {
			continue
		}
		err := r.mesh.AddPeer(ctx, mesh.AddPeerRequest{
			PublicKey:  d.PublicKey,
			AllowedIPs: strings.Split(d.Allowed, ","),
		})
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues("add_peer").Inc()
			logger.Error().Err(err).Str("public_key", d.PublicKey).Msg("Peer sync failed")
			continue
		}
		metrics.PeersAdded.Inc()
		logger.Info().Str("public_key", d.PublicKey).Str("device_id", d.DeviceID).
			Str("allowed_ips", d.Allowed).Msg("Peer synced")
	}

	for _, a := range actualList {
		if _, ok := desiredMap[a.PublicKey]; !ok {
			metrics.ExtraPeers.Inc()
			logger.Warn().Str("public_key", a.PublicKey).Str("endpoint", a.Endpoint).
				Msg("Extra peer detected")
		}
	}
}

func (r *Reconciler) createBinding(publicKey, busID, routerIP string, logger zerolog.Logger) {
	err := r.store.UpsertBinding(&types.Binding{
		PublicKey: publicKey,
		BusID:     busID,
		RouterIP:  routerIP,
	})
	if err != nil {
		metrics.BindingErrors.Inc()
		logger.Error().Err(err).Str("public_key", publicKey).Str("device_id", busID).
			Msg("Binding creation failed")
		return
	}
	metrics.BindingsCreated.Inc()
	logger.Info().Str("public_key", publicKey).Str("device_id", busID).
		Str("router_ip", routerIP).Msg("Binding created")
}

// adoptPeer turns an observed-but-unknown peer into a desired record of
// this tenant: placeholder router, peer record, observed status, and a
// binding derived from the endpoint address.
func (r *Reconciler) adoptPeer(item actualEntry, c tenantCycle) (bool, error) {
	if item.PublicKey == "" {
		return false, nil
	}
	logger := log.WithTenant(c.tenant.Slug)

	existing, err := r.store.FindPeerByPublicKey(item.PublicKey)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Router != nil {
		if existing.Router.TenantID != c.tenant.ID {
			metrics.TenantMismatchSkips.Inc()
			logger.Warn().Str("public_key", item.PublicKey).
				Str("existing_tenant_id", existing.Router.TenantID).
				Msg("Peer already belongs to another tenant, skipping adoption")
		}
		return false, nil
	}

	status := item.Status
	actualStatus := types.PeerActualOnline
	endpoint := item.Endpoint
	var rx, tx int64
	var handshakeAt time.Time
	if status != nil {
		actualStatus = status.Status
		if status.Endpoint != "" {
			endpoint = status.Endpoint
		}
		rx, tx = status.Rx, status.Tx
		if status.HandshakeAge >= 0 {
			handshakeAt = c.now.Add(-status.HandshakeAge)
		}
	}
	allowed := item.Allowed
	if status != nil && status.AllowedIPs != "" {
		allowed = status.AllowedIPs
	}
	if allowed == "" {
		allowed = types.PlaceholderMeshIP
	}

	busID := types.AutoBusID(item.PublicKey)
	router := &types.Router{
		TenantID:     c.tenant.ID,
		BusID:        busID,
		DesiredState: types.RouterDesiredActive,
	}
	if err := r.store.UpsertRouter(router); err != nil {
		return false, err
	}
	if err := r.store.UpsertPeer(&types.Peer{
		RouterID:     router.ID,
		PublicKey:    item.PublicKey,
		AllowedIPs:   allowed,
		Endpoint:     endpoint,
		DesiredState: types.PeerDesiredActive,
	}); err != nil {
		return false, err
	}
	if err := r.store.UpdatePeerActual(item.PublicKey, actualStatus, rx, tx, handshakeAt); err != nil {
		return false, err
	}
	if err := r.store.UpdateRouterMeshActual(busID, actualStatus, rx, tx, handshakeAt); err != nil {
		return false, err
	}

	if host := mesh.EndpointHost(endpoint); host != "" {
		r.createBinding(item.PublicKey, busID, host, logger)
	}

	logger.Info().Str("public_key", item.PublicKey).Str("bus_id", busID).
		Str("endpoint", endpoint).Str("actual_state", string(actualStatus)).
		Msg("Peer adopted by auto-discovery")
	metrics.PeersAdopted.Inc()
	c.knownPeerTenant[item.PublicKey] = c.tenant.ID
	return true, nil
}

// persistActual writes observed peer liveness and aggregated router
// status back to the store, guarding against cross-tenant records.
func (r *Reconciler) persistActual(peersDesired []*types.Peer, routers []*types.Router, statusMap map[string]types.PeerStatus, now time.Time, tenant *types.Tenant, logger zerolog.Logger) {
	routersByID := map[string]*types.Router{}
	for _, rt := range routers {
		routersByID[rt.ID] = rt
	}

	type agg struct {
		statuses    []types.PeerActualState
		rx, tx      int64
		handshakeAt time.Time
	}
	routerAgg := map[string]*agg{}

	for _, p := range peersDesired {
		if p.PublicKey == "" {
			continue
		}
		if p.Router != nil && p.Router.TenantID != "" && p.Router.TenantID != tenant.ID {
			metrics.TenantMismatchSkips.Inc()
			logger.Warn().Str("scope", "peer").Str("public_key", p.PublicKey).
				Str("peer_tenant_id", p.Router.TenantID).
				Msg("Cross-tenant record skipped")
			continue
		}

		actualStatus := types.PeerActualMissing
		var rx, tx int64
		var handshakeAt time.Time
		if st, ok := statusMap[p.PublicKey]; ok {
			actualStatus = st.Status
			rx, tx = st.Rx, st.Tx
			if st.HandshakeAge >= 0 {
				handshakeAt = now.Add(-st.HandshakeAge)
			}
		}

		if err := r.store.UpdatePeerActual(p.PublicKey, actualStatus, rx, tx, handshakeAt); err != nil {
			logger.Error().Err(err).Str("scope", "peer").Str("public_key", p.PublicKey).
				Msg("Store write failed")
		}

		if p.RouterID == "" {
			continue
		}
		a := routerAgg[p.RouterID]
		if a == nil {
			a = &agg{}
			routerAgg[p.RouterID] = a
		}
		a.statuses = append(a.statuses, actualStatus)
		a.rx += rx
		a.tx += tx
		if !handshakeAt.IsZero() && handshakeAt.After(a.handshakeAt) {
			a.handshakeAt = handshakeAt
		}
	}

	for routerID, a := range routerAgg {
		router := routersByID[routerID]
		if router == nil {
			continue
		}
		if router.TenantID != "" && router.TenantID != tenant.ID {
			metrics.TenantMismatchSkips.Inc()
			logger.Warn().Str("scope", "router").Str("bus_id", router.BusID).
				Str("router_tenant_id", router.TenantID).
				Msg("Cross-tenant record skipped")
			continue
		}
		status := DeriveRouterStatus(a.statuses)
		if err := r.store.UpdateRouterMeshActual(router.BusID, status, a.rx, a.tx, a.handshakeAt); err != nil {
			logger.Error().Err(err).Str("scope", "router").Str("bus_id", router.BusID).
				Msg("Store write failed")
		}
	}
}

// DeriveRouterStatus aggregates per-peer liveness into a router-level
// status by priority.
func DeriveRouterStatus(statuses []types.PeerActualState) types.PeerActualState {
	if len(statuses) == 0 {
		return types.PeerActualNoPeers
	}
	for _, want := range []types.PeerActualState{
		types.PeerActualOnline,
		types.PeerActualOffline,
		types.PeerActualNeverConnected,
		types.PeerActualMissing,
	} {
		for _, s := range statuses {
			if s == want {
				return want
			}
		}
	}
	return types.PeerActualUnknown
}
