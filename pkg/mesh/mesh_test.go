package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hotspotmesh/relay/pkg/types"
)

func TestClassifyHandshake(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		last     time.Time
		expected types.PeerActualState
	}{
		{"never connected", time.Time{}, types.PeerActualNeverConnected},
		{"fresh handshake", now.Add(-30 * time.Second), types.PeerActualOnline},
		{"just under threshold", now.Add(-OnlineHandshakeAge + time.Second), types.PeerActualOnline},
		{"stale handshake", now.Add(-OnlineHandshakeAge), types.PeerActualOffline},
		{"very old handshake", now.Add(-24 * time.Hour), types.PeerActualOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyHandshake(now, tt.last))
		})
	}
}

func TestHandshakeAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(-1), handshakeAge(now, time.Time{}))
	assert.Equal(t, time.Minute, handshakeAge(now, now.Add(-time.Minute)))
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		endpoint string
		expected string
	}{
		{"203.0.113.7:51820", "203.0.113.7"},
		{"[2001:db8::1]:51820", "2001:db8::1"},
		{"(none)", ""},
		{"", ""},
		{"203.0.113.7", "203.0.113.7"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, EndpointHost(tt.endpoint), "endpoint %q", tt.endpoint)
	}
}
