package routeros

import (
	"context"
	"fmt"

	"github.com/hotspotmesh/relay/pkg/config"
	"github.com/hotspotmesh/relay/pkg/log"
)

// MaxCommands bounds a single batch; an oversized batch fails validation
// before any device contact.
const MaxCommands = 1000

// CommandError describes one failed command within a batch.
type CommandError struct {
	Cmd     string `json:"cmd"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Result is the outcome of a command batch against one device.
type Result struct {
	OK       bool           `json:"ok"`
	Host     string         `json:"host"`
	Commands []string       `json:"commands"`
	DryRun   bool           `json:"dryRun"`
	Errors   []CommandError `json:"errors,omitempty"`
}

// Executor runs a batch of CLI-style commands against a device. The
// implementation is chosen once at startup, not per call.
type Executor interface {
	Run(ctx context.Context, node *config.RouterNode, commands []string) (*Result, error)
}

func validate(host string, commands []string) *Result {
	if len(commands) > MaxCommands {
		return &Result{
			OK:       false,
			Host:     host,
			Commands: commands,
			Errors: []CommandError{{
				Cmd:     "VALIDATION",
				Message: fmt.Sprintf("too many commands: received %d, maximum allowed is %d", len(commands), MaxCommands),
			}},
		}
	}
	return nil
}

// DryRunExecutor logs batches without touching any device.
type DryRunExecutor struct{}

func (DryRunExecutor) Run(_ context.Context, node *config.RouterNode, commands []string) (*Result, error) {
	if res := validate(node.Host, commands); res != nil {
		res.DryRun = true
		return res, nil
	}
	logger := log.WithComponent("routeros")
	logger.Debug().
		Str("host", node.Host).Int("commands", len(commands)).
		Msg("Dry run, skipping device execution")
	return &Result{OK: true, Host: node.Host, Commands: commands, DryRun: true}, nil
}
