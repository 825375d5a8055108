package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hotspotmesh/relay/pkg/errclass"
)

// Mode selects the reconciliation operating mode.
type Mode string

const (
	// ModeLegacy sources desired state purely from the static fallback
	// file and reconciles a single tenant.
	ModeLegacy Mode = "legacy"
	// ModeMultiTenant is the primary, store-backed path.
	ModeMultiTenant Mode = "multitenant"
)

// AutoDiscoveryMode controls how unindexed peers are scoped to tenants.
type AutoDiscoveryMode string

const (
	AutoDiscoveryDefault    AutoDiscoveryMode = "default"
	AutoDiscoveryByEndpoint AutoDiscoveryMode = "by-endpoint-ip"
)

// RouterNode is one entry of the configured device fleet.
type RouterNode struct {
	ID       string        `yaml:"id" json:"id"`
	Host     string        `yaml:"host" json:"host"`
	User     string        `yaml:"user" json:"user"`
	Password string        `yaml:"pass" json:"pass"`
	Port     int           `yaml:"port" json:"port"`
	Timeout  time.Duration `yaml:"timeout" json:"-"`
}

// Config is the process configuration, loaded from a YAML file with
// environment overrides for secrets and deploy-time toggles.
type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	DataDir     string `yaml:"dataDir"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`

	// Request authentication
	HMACSecret string        `yaml:"hmacSecret"`
	TSSkew     time.Duration `yaml:"tsSkew"`
	NonceTTL   time.Duration `yaml:"nonceTTL"`

	// Credential sealing passphrase for router API passwords at rest.
	SealPassphrase string `yaml:"sealPassphrase"`

	// Reconciliation
	Mode              Mode              `yaml:"mode"`
	ReconcileInterval time.Duration     `yaml:"reconcileInterval"`
	RemoveExtraPeers  bool              `yaml:"removeExtraPeers"`
	FallbackJSON      bool              `yaml:"fallbackJSON"`
	FallbackFile      string            `yaml:"fallbackFile"`
	WriteStore        bool              `yaml:"writeStore"`
	WGInterface       string            `yaml:"wgInterface"`
	AutoDiscovery     AutoDiscoveryMode `yaml:"autoDiscovery"`
	TenantIPMap       string            `yaml:"tenantIPMap"` // "ip=slug;ip=slug"

	// Paid access
	PaidListName string `yaml:"paidListName"`
	BindingType  string `yaml:"bindingType"`
	DryRun       bool   `yaml:"dryRun"`

	// Job runner
	JobRunnerEnabled bool          `yaml:"jobRunnerEnabled"`
	JobPollInterval  time.Duration `yaml:"jobPollInterval"`

	Routers []RouterNode `yaml:"routers"`

	// set when RELAY_ROUTER_NODES is present but unparseable; surfaced
	// lazily from RouterByID so boot never fails on it
	routersEnvInvalid bool
}

// Defaults mirror production behavior: multi-tenant mode, fallback and
// store writes enabled, peer removal observe-only.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		DataDir:           "data",
		LogLevel:          "info",
		LogJSON:           true,
		TSSkew:            120 * time.Second,
		NonceTTL:          5 * time.Minute,
		Mode:              ModeMultiTenant,
		ReconcileInterval: 60 * time.Second,
		RemoveExtraPeers:  false,
		FallbackJSON:      true,
		FallbackFile:      "devices.json",
		WriteStore:        true,
		WGInterface:       "wg0",
		AutoDiscovery:     AutoDiscoveryDefault,
		PaidListName:      "paid_clients",
		BindingType:       "bypassed",
		JobRunnerEnabled:  true,
		JobPollInterval:   time.Second,
	}
}

// Load reads a YAML config file and applies environment overrides. A
// missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_API_SECRET"); v != "" {
		c.HMACSecret = v
	}
	if v := os.Getenv("RELAY_SEAL_PASSPHRASE"); v != "" {
		c.SealPassphrase = v
	}
	if v := os.Getenv("RELAY_DRY_RUN"); v != "" {
		c.DryRun = isTruthy(v)
	}
	if v := os.Getenv("RELAY_RECONCILE_REMOVE"); v != "" {
		c.RemoveExtraPeers = isTruthy(v)
	}
	if v := os.Getenv("RELAY_ROUTER_NODES"); v != "" {
		// JSON array, same shape as the routers YAML section
		var nodes []RouterNode
		if err := json.Unmarshal([]byte(v), &nodes); err == nil {
			c.Routers = nodes
		} else {
			c.routersEnvInvalid = true
		}
	}
	if v := os.Getenv("RELAY_TENANT_IP_MAP"); v != "" {
		c.TenantIPMap = v
	}
}

func (c *Config) normalize() {
	switch strings.ToLower(string(c.Mode)) {
	case string(ModeLegacy):
		c.Mode = ModeLegacy
	default:
		c.Mode = ModeMultiTenant
	}
	switch strings.ToLower(string(c.AutoDiscovery)) {
	case string(AutoDiscoveryByEndpoint):
		c.AutoDiscovery = AutoDiscoveryByEndpoint
	default:
		c.AutoDiscovery = AutoDiscoveryDefault
	}
	if c.PaidListName == "" {
		c.PaidListName = "paid_clients"
	}
	if c.BindingType == "" {
		c.BindingType = "bypassed"
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// RouterByID resolves a router node from the configured fleet. Errors
// carry setup-class codes so the classifier opens the circuit.
func (c *Config) RouterByID(id string) (*RouterNode, error) {
	if c.routersEnvInvalid {
		return nil, errclass.NewCoded(errclass.CodeRouterNodesInvalidJSON,
			"RELAY_ROUTER_NODES is not a valid JSON array")
	}
	if len(c.Routers) == 0 {
		return nil, errclass.NewCoded(errclass.CodeRouterNodesNotConfigured,
			"no router nodes configured (routers section or RELAY_ROUTER_NODES)")
	}
	for i := range c.Routers {
		if c.Routers[i].ID == id {
			node := c.Routers[i]
			if node.Port == 0 {
				node.Port = 8728
			}
			if node.Timeout == 0 {
				node.Timeout = 8 * time.Second
			}
			return &node, nil
		}
	}
	return nil, errclass.NewCoded(errclass.CodeRouterNodeNotFound,
		fmt.Sprintf("router %s not found in configured nodes", id))
}

// TenantIPMapping parses the "ip=slug;ip=slug" map used by endpoint
// based tenant auto-discovery.
func (c *Config) TenantIPMapping() map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.TenantIPMap, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ip, slug, ok := strings.Cut(pair, "=")
		ip, slug = strings.TrimSpace(ip), strings.TrimSpace(slug)
		if !ok || ip == "" || slug == "" {
			continue
		}
		out[ip] = slug
	}
	return out
}
