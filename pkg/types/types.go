package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tenant is the isolation boundary for reconciliation. Every Router and
// Peer belongs to exactly one tenant. The "default" tenant always exists
// and is the fallback when tenant resolution is ambiguous.
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// DefaultTenantSlug identifies the tenant used when resolution is ambiguous.
const DefaultTenantSlug = "default"

// Router represents a remote RouterOS device bridged over the mesh.
type Router struct {
	ID       string
	TenantID string
	BusID    string // stable business identifier
	Name     string
	Identity string
	LanIP    string // address used for device API commands

	// Mesh identity. Exactly one router per mesh public key. A router
	// without a real key carries a placeholder derived from its BusID
	// until provisioned.
	MeshPublicKey string
	MeshIP        string
	Endpoint      string
	Keepalive     int

	APIUser           string
	APIPasswordSealed []byte // AES-256-GCM sealed, see pkg/security
	APIPort           int

	DesiredState    RouterDesiredState
	ActualState     PeerActualState // last known aggregate mesh status
	BytesRx         int64
	BytesTx         int64
	LastHandshakeAt time.Time
	LastSeenAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RouterDesiredState is the desired lifecycle state of a router.
type RouterDesiredState string

const (
	RouterDesiredPending RouterDesiredState = "PENDING"
	RouterDesiredActive  RouterDesiredState = "ACTIVE"
)

// PlaceholderPublicKey derives the mesh key placeholder for an
// unprovisioned router.
func PlaceholderPublicKey(busID string) string {
	return "pending:" + busID
}

// PlaceholderMeshIP is assigned until a real mesh address is provisioned.
const PlaceholderMeshIP = "0.0.0.0/32"

// AutoBusID derives the business id for a peer adopted by auto-discovery.
func AutoBusID(publicKey string) string {
	suffix := publicKey
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "auto-" + suffix
}

// Peer is a mesh network entry associated with exactly one Router.
type Peer struct {
	ID        string
	RouterID  string
	PublicKey string // unique across tenants
	// AllowedIPs is stored normalized: trimmed, empties dropped, sorted,
	// comma-joined. Two representations that normalize identically are
	// considered equal by the reconciler.
	AllowedIPs      string
	Endpoint        string
	Keepalive       int
	DesiredState    PeerDesiredState
	ActualState     PeerActualState
	BytesRx         int64
	BytesTx         int64
	LastHandshakeAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Router association, populated by store reads that join it in.
	Router *Router
}

// PeerDesiredState is the desired lifecycle state of a peer.
type PeerDesiredState string

const (
	PeerDesiredPending PeerDesiredState = "PENDING"
	PeerDesiredActive  PeerDesiredState = "ACTIVE"
	PeerDesiredRemoved PeerDesiredState = "REMOVED"
)

// PeerActualState mirrors the live mesh status of a peer or the
// aggregate status of a router.
type PeerActualState string

const (
	PeerActualOnline         PeerActualState = "ONLINE"
	PeerActualOffline        PeerActualState = "OFFLINE"
	PeerActualNeverConnected PeerActualState = "NEVER_CONNECTED"
	PeerActualMissing        PeerActualState = "MISSING"
	PeerActualNoPeers        PeerActualState = "NO_PEERS"
	PeerActualUnknown        PeerActualState = "UNKNOWN"
)

// Binding maps a mesh identity (public key) to the router it belongs to
// and the LAN address used to reach the device API. The authorization
// pipeline routes device commands through it.
type Binding struct {
	PublicKey string
	BusID     string
	RouterIP  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PeerStatus is one entry of the live mesh status dump.
type PeerStatus struct {
	PublicKey    string
	Status       PeerActualState
	Endpoint     string
	AllowedIPs   string
	Rx           int64
	Tx           int64
	HandshakeAge time.Duration // negative when no handshake ever happened
}

// StatusReport is the result of a mesh status dump.
type StatusReport struct {
	OK    bool
	Error string
	Peers []PeerStatus
}

// Job is a delayed-execution queue entry. It is consumed exactly once by
// the job runner.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RunAt     time.Time       `json:"runAt"`
	CreatedAt time.Time       `json:"createdAt"`
}

// JobTypeAuthorizePending schedules a retry of a pending authorization.
const JobTypeAuthorizePending = "AUTHORIZE_PENDING"

// NormalizeAllowedIPs canonicalizes an allowed-address set so that any
// two representations of the same set (any order, stray whitespace,
// empty elements) compare equal: trim, drop empties, sort, comma-join.
func NormalizeAllowedIPs(allowed string) string {
	if allowed == "" {
		return ""
	}
	parts := strings.Split(allowed, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// NormalizeAllowedIPList is the slice form of NormalizeAllowedIPs.
func NormalizeAllowedIPList(allowed []string) string {
	return NormalizeAllowedIPs(strings.Join(allowed, ","))
}

// NormalizeMAC uppercases and trims a MAC address.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// NormalizeIP trims an IP address.
func NormalizeIP(ip string) string {
	return strings.TrimSpace(ip)
}

// ActionKey builds the idempotency key guarding at-most-once application
// of a side-effecting device command per session.
func ActionKey(routerID, orderID, action string) string {
	return fmt.Sprintf("%s:%s:%s", routerID, orderID, action)
}

// ActionAuthorize is the paid-access grant action.
const ActionAuthorize = "AUTHORIZE"
