package mesh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/types"
)

// OnlineHandshakeAge is the freshness threshold separating ONLINE from
// OFFLINE in a status dump.
const OnlineHandshakeAge = 180 * time.Second

// AddPeerRequest configures a single peer upsert.
type AddPeerRequest struct {
	PublicKey  string
	AllowedIPs []string
	Endpoint   string
	Keepalive  int
}

// Peer is one entry of the live mesh peer list.
type Peer struct {
	PublicKey  string
	AllowedIPs []string
	Endpoint   string
}

// Manager abstracts the mesh interface the reconciler converges against.
type Manager interface {
	AddPeer(ctx context.Context, req AddPeerRequest) error
	RemovePeer(ctx context.Context, publicKey string) error
	ListPeers(ctx context.Context) ([]Peer, error)
	PeersStatus(ctx context.Context) (*types.StatusReport, error)
}

// WGCtrl manages peers of a kernel WireGuard interface. The interface
// itself is provisioned out of band; a missing interface is a setup
// error, not something the control plane repairs.
type WGCtrl struct {
	iface string
	now   func() time.Time
}

// NewWGCtrl returns a manager bound to the named interface.
func NewWGCtrl(iface string) *WGCtrl {
	return &WGCtrl{iface: iface, now: time.Now}
}

func (w *WGCtrl) device() (*wgctrl.Client, *wgtypes.Device, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, nil, errclass.NewCoded(errclass.CodeWGCommandFailed,
			fmt.Sprintf("create wireguard client: %v", err))
	}
	dev, err := client.Device(w.iface)
	if err != nil {
		client.Close()
		if os.IsNotExist(err) {
			return nil, nil, errclass.NewCoded(errclass.CodeWGInterfaceNotConfigured,
				fmt.Sprintf("wireguard interface %s does not exist", w.iface))
		}
		return nil, nil, errclass.NewCoded(errclass.CodeWGCommandFailed,
			fmt.Sprintf("inspect wireguard device %s: %v", w.iface, err))
	}
	return client, dev, nil
}

// AddPeer upserts the peer, replacing its allowed address set.
func (w *WGCtrl) AddPeer(_ context.Context, req AddPeerRequest) error {
	client, _, err := w.device()
	if err != nil {
		return err
	}
	defer client.Close()

	key, err := wgtypes.ParseKey(req.PublicKey)
	if err != nil {
		return errclass.NewCoded(errclass.CodeWGCommandFailed,
			fmt.Sprintf("invalid public key %q: %v", req.PublicKey, err))
	}

	var allowed []net.IPNet
	for _, cidr := range req.AllowedIPs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return errclass.NewCoded(errclass.CodeWGCommandFailed,
				fmt.Sprintf("invalid allowed address %q: %v", cidr, err))
		}
		allowed = append(allowed, *ipNet)
	}

	pc := wgtypes.PeerConfig{
		PublicKey:         key,
		ReplaceAllowedIPs: true,
		AllowedIPs:        allowed,
	}
	if req.Endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", req.Endpoint)
		if err == nil {
			pc.Endpoint = addr
		}
	}
	if req.Keepalive > 0 {
		d := time.Duration(req.Keepalive) * time.Second
		pc.PersistentKeepaliveInterval = &d
	}

	err = client.ConfigureDevice(w.iface, wgtypes.Config{Peers: []wgtypes.PeerConfig{pc}})
	if err != nil {
		return errclass.NewCoded(errclass.CodeWGCommandFailed,
			fmt.Sprintf("configure peer on %s: %v", w.iface, err))
	}
	return nil
}

// RemovePeer deletes the peer from the interface.
func (w *WGCtrl) RemovePeer(_ context.Context, publicKey string) error {
	client, _, err := w.device()
	if err != nil {
		return err
	}
	defer client.Close()

	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return errclass.NewCoded(errclass.CodeWGCommandFailed,
			fmt.Sprintf("invalid public key %q: %v", publicKey, err))
	}
	err = client.ConfigureDevice(w.iface, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	})
	if err != nil {
		return errclass.NewCoded(errclass.CodeWGCommandFailed,
			fmt.Sprintf("remove peer on %s: %v", w.iface, err))
	}
	return nil
}

// ListPeers returns the current peer set.
func (w *WGCtrl) ListPeers(_ context.Context) ([]Peer, error) {
	client, dev, err := w.device()
	if err != nil {
		if errclass.CodeOf(err) == errclass.CodeWGCommandFailed {
			return nil, errclass.NewCoded(errclass.CodeWGListPeersFailed, err.Error())
		}
		return nil, err
	}
	defer client.Close()

	peers := make([]Peer, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		peers = append(peers, Peer{
			PublicKey:  p.PublicKey.String(),
			AllowedIPs: formatAllowedIPs(p.AllowedIPs),
			Endpoint:   formatEndpoint(p.Endpoint),
		})
	}
	return peers, nil
}

// PeersStatus returns the live status dump used for liveness and byte
// accounting.
func (w *WGCtrl) PeersStatus(_ context.Context) (*types.StatusReport, error) {
	client, dev, err := w.device()
	if err != nil {
		if errclass.CodeOf(err) == errclass.CodeWGCommandFailed {
			return nil, errclass.NewCoded(errclass.CodeWGListPeersFailed, err.Error())
		}
		return nil, err
	}
	defer client.Close()

	report := &types.StatusReport{OK: true}
	now := w.now()
	for _, p := range dev.Peers {
		report.Peers = append(report.Peers, types.PeerStatus{
			PublicKey:    p.PublicKey.String(),
			Status:       ClassifyHandshake(now, p.LastHandshakeTime),
			Endpoint:     formatEndpoint(p.Endpoint),
			AllowedIPs:   types.NormalizeAllowedIPList(formatAllowedIPs(p.AllowedIPs)),
			Rx:           p.ReceiveBytes,
			Tx:           p.TransmitBytes,
			HandshakeAge: handshakeAge(now, p.LastHandshakeTime),
		})
	}
	return report, nil
}

// ClassifyHandshake maps a last-handshake time to a liveness state. A
// zero time means the peer never completed a handshake.
func ClassifyHandshake(now, lastHandshake time.Time) types.PeerActualState {
	if lastHandshake.IsZero() {
		return types.PeerActualNeverConnected
	}
	if now.Sub(lastHandshake) < OnlineHandshakeAge {
		return types.PeerActualOnline
	}
	return types.PeerActualOffline
}

func handshakeAge(now, lastHandshake time.Time) time.Duration {
	if lastHandshake.IsZero() {
		return -1
	}
	return now.Sub(lastHandshake)
}

func formatAllowedIPs(nets []net.IPNet) []string {
	out := make([]string, 0, len(nets))
	for _, n := range nets {
		out = append(out, n.String())
	}
	return out
}

func formatEndpoint(addr *net.UDPAddr) string {
	if addr == nil {
		return "(none)"
	}
	return addr.String()
}

// EndpointHost extracts the host part of a mesh endpoint. Handles
// "[v6]:port", "host:port", and the "(none)" placeholder.
func EndpointHost(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || endpoint == "(none)" {
		return ""
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
