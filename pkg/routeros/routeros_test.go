package routeros

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotspotmesh/relay/pkg/config"
)

func TestBuildAuthorizeCommands(t *testing.T) {
	cmds := BuildAuthorizeCommands(PaidAccessConfig{}, `ord-"42"`, "10.5.50.10", "AA:BB:CC:DD:EE:FF")

	require.Len(t, cmds, 4)
	assert.Equal(t, `/ip firewall address-list add list=paid_clients address=10.5.50.10 comment="order:ord-42"`, cmds[0])
	assert.Equal(t, `/ip hotspot ip-binding add mac-address=AA:BB:CC:DD:EE:FF address=10.5.50.10 type=bypassed comment="order:ord-42"`, cmds[1])
	assert.Contains(t, cmds[2], "/ip hotspot host remove [find mac-address=AA:BB:CC:DD:EE:FF]")
	assert.Contains(t, cmds[3], "/ip hotspot active remove")
}

func TestBuildAuthorizeCommandsCustomConfig(t *testing.T) {
	cfg := PaidAccessConfig{ListName: "vip", BindingType: "regular"}
	cmds := BuildAuthorizeCommands(cfg, "", "10.5.50.10", "AA:BB:CC:DD:EE:FF")

	assert.Contains(t, cmds[0], "list=vip")
	assert.Contains(t, cmds[1], "type=regular")
	assert.Contains(t, cmds[0], `comment="order:unknown"`)
}

func TestBuildRevokeCommands(t *testing.T) {
	cmds := BuildRevokeCommands(PaidAccessConfig{}, "10.5.50.10", "AA:BB:CC:DD:EE:FF")
	require.Len(t, cmds, 4)
	assert.Contains(t, cmds[0], "address-list remove")

	cmds = BuildRevokeCommands(PaidAccessConfig{}, "", "AA:BB:CC:DD:EE:FF")
	assert.Len(t, cmds, 3)

	cmds = BuildRevokeCommands(PaidAccessConfig{}, "10.5.50.10", "")
	assert.Len(t, cmds, 1)

	assert.Empty(t, BuildRevokeCommands(PaidAccessConfig{}, "", ""))
}

func TestParseCommandAdd(t *testing.T) {
	path, args, find, err := parseCommand(`/ip firewall address-list add list=paid_clients address=10.5.50.10 comment="order:o1"`)
	require.NoError(t, err)
	assert.Nil(t, find)
	assert.Equal(t, "/ip/firewall/address-list/add", path)
	assert.Equal(t, map[string]string{
		"list":    "paid_clients",
		"address": "10.5.50.10",
		"comment": "order:o1",
	}, args)
}

func TestParseCommandQuotedValueWithSpaces(t *testing.T) {
	_, args, _, err := parseCommand(`/ip firewall address-list add list=l comment="two words"`)
	require.NoError(t, err)
	assert.Equal(t, "two words", args["comment"])
}

func TestParseCommandFind(t *testing.T) {
	path, args, find, err := parseCommand(`/ip hotspot host remove [find mac-address=AA:BB:CC:DD:EE:FF]`)
	require.NoError(t, err)
	assert.Equal(t, "/ip/hotspot/host/remove", path)
	assert.Empty(t, args)
	assert.Equal(t, map[string]string{"mac-address": "AA:BB:CC:DD:EE:FF"}, find)
}

func TestParseCommandMalformed(t *testing.T) {
	_, _, _, err := parseCommand("print everything")
	assert.Error(t, err)

	_, _, _, err = parseCommand("/ip hotspot host remove [find mac=AA")
	assert.Error(t, err)
}

func TestDryRunExecutor(t *testing.T) {
	node := &config.RouterNode{ID: "site-a", Host: "192.0.2.1"}
	res, err := DryRunExecutor{}.Run(context.Background(), node, []string{"/ip hotspot active print"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.DryRun)
	assert.Equal(t, "192.0.2.1", res.Host)
}

func TestValidateCommandCap(t *testing.T) {
	node := &config.RouterNode{ID: "site-a", Host: "192.0.2.1"}
	batch := make([]string, MaxCommands+1)
	for i := range batch {
		batch[i] = "/ip hotspot active print"
	}

	res, err := DryRunExecutor{}.Run(context.Background(), node, batch)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "VALIDATION", res.Errors[0].Cmd)
	assert.True(t, strings.Contains(res.Errors[0].Message, "maximum allowed"))
}
