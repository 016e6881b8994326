package clientconf

import (
	"fmt"
	"strings"

	"wgpanel/internal/models"
)

// Render собирает wg-quick конфиг клиента из пира и его интерфейса.
// Для single-пиров приватный ключ остаётся у клиента, тогда строка
// PrivateKey в вывод не попадает.
func Render(peer *models.Peer, iface *models.Interface) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Interface]\n")
	if peer.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", peer.PrivateKey)
	}
	fmt.Fprintf(&b, "Address = %s\n", strings.Join([]string(peer.AllowedIPs), ", "))
	if peer.Mtu > 0 {
		fmt.Fprintf(&b, "MTU = %d\n", peer.Mtu)
	}
	if peer.Dns != "" {
		fmt.Fprintf(&b, "DNS = %s\n", peer.Dns)
	}

	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", iface.PublicKey)
	if peer.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
	}
	if peer.EndpointAllowedIPs != "" {
		fmt.Fprintf(&b, "AllowedIPs = %s\n", peer.EndpointAllowedIPs)
	}
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", iface.Endpoint, iface.ListenPort)
	if peer.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.PersistentKeepalive)
	}
	return b.String()
}
