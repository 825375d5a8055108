// Package fallback provides the static JSON device registry used when
// the store has no desired state for the default tenant, and as the sole
// desired-state source in legacy mode.
package fallback

import (
	"encoding/json"
	"os"

	"github.com/hotspotmesh/relay/pkg/log"
	"github.com/hotspotmesh/relay/pkg/types"
)

// Device is one entry of the static registry file.
type Device struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	AllowedIPs string `json:"allowedIps"`
	Meta       struct {
		Router struct {
			PublicIP string `json:"publicIp"`
		} `json:"router"`
	} `json:"meta"`
}

// Entry is a normalized desired-state record.
type Entry struct {
	DeviceID    string
	PublicKey   string
	Allowed     string // normalized allowed set
	RouterLanIP string
}

// Registry reads desired entries from a JSON file on every call, so
// edits take effect on the next reconcile cycle without a restart.
type Registry struct {
	path string
}

// NewRegistry points at the device registry file.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Desired returns the normalized desired entries. Read or parse errors
// are logged and yield an empty set; a broken fallback file must not
// abort reconciliation.
func (r *Registry) Desired() []Entry {
	logger := log.WithComponent("fallback")

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", r.path).Msg("Failed to read device registry")
		}
		return nil
	}

	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		logger.Warn().Err(err).Str("path", r.path).Msg("Device registry is not valid JSON")
		return nil
	}

	var entries []Entry
	for _, d := range devices {
		if d.PublicKey == "" || d.AllowedIPs == "" {
			continue
		}
		entries = append(entries, Entry{
			DeviceID:    d.DeviceID,
			PublicKey:   d.PublicKey,
			Allowed:     types.NormalizeAllowedIPs(d.AllowedIPs),
			RouterLanIP: d.Meta.Router.PublicIP,
		})
	}
	return entries
}
