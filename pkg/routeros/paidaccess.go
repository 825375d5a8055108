package routeros

import (
	"fmt"
	"strings"
)

// PaidAccessConfig names the firewall list and hotspot binding type used
// for paying clients.
type PaidAccessConfig struct {
	ListName    string
	BindingType string
}

func (c PaidAccessConfig) listName() string {
	if c.ListName == "" {
		return "paid_clients"
	}
	return c.ListName
}

func (c PaidAccessConfig) bindingType() string {
	if c.BindingType == "" {
		return "bypassed"
	}
	return c.BindingType
}

func safeOrderID(orderID string) string {
	id := strings.TrimSpace(strings.ReplaceAll(orderID, `"`, ""))
	if id == "" {
		return "unknown"
	}
	return id
}

// BuildAuthorizeCommands produces the batch that grants a client paid
// access: address-list entry, bypass binding, and a kick of any stale
// hotspot host/active sessions so the binding takes effect immediately.
func BuildAuthorizeCommands(cfg PaidAccessConfig, orderID, ip, mac string) []string {
	comment := "order:" + safeOrderID(orderID)
	return []string{
		fmt.Sprintf(`/ip firewall address-list add list=%s address=%s comment="%s"`, cfg.listName(), ip, comment),
		fmt.Sprintf(`/ip hotspot ip-binding add mac-address=%s address=%s type=%s comment="%s"`, mac, ip, cfg.bindingType(), comment),
		fmt.Sprintf(`/ip hotspot host remove [find mac-address=%s]`, mac),
		fmt.Sprintf(`/ip hotspot active remove [find mac-address=%s]`, mac),
	}
}

// BuildRevokeCommands is the inverse of BuildAuthorizeCommands. Either
// identifier may be absent; only the matching cleanup is issued.
func BuildRevokeCommands(cfg PaidAccessConfig, ip, mac string) []string {
	var commands []string
	if ip != "" {
		commands = append(commands,
			fmt.Sprintf(`/ip firewall address-list remove [find list=%s address=%s]`, cfg.listName(), ip))
	}
	if mac != "" {
		commands = append(commands,
			fmt.Sprintf(`/ip hotspot ip-binding remove [find mac-address=%s]`, mac),
			fmt.Sprintf(`/ip hotspot active remove [find mac-address=%s]`, mac),
			fmt.Sprintf(`/ip hotspot host remove [find mac-address=%s]`, mac),
		)
	}
	return commands
}
