package wireguard

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgpanel/internal/models"
)

// Gateway ставит пиров на ядерный WireGuard-девайс через wgctrl.
// ConfigureDevice без ReplacePeers идемпотентен: повторная установка того же
// пира просто перезапишет его атрибуты.
type Gateway struct {
	client *wgctrl.Client
}

func NewGateway() (*Gateway, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl: %w", err)
	}
	return &Gateway{client: c}, nil
}

func (g *Gateway) Close() error { return g.client.Close() }

func (g *Gateway) ApplyPeer(_ context.Context, peer *models.Peer, iface *models.Interface) error {
	pub, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("peer %s: bad public key: %w", peer.Name, err)
	}
	cfg := wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
	}
	if peer.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(peer.PresharedKey)
		if err != nil {
			return fmt.Errorf("peer %s: bad preshared key: %w", peer.Name, err)
		}
		cfg.PresharedKey = &psk
	}
	for _, ip := range peer.AllowedIPs {
		ipnet, err := parseAddress(ip)
		if err != nil {
			return fmt.Errorf("peer %s: %w", peer.Name, err)
		}
		cfg.AllowedIPs = append(cfg.AllowedIPs, *ipnet)
	}
	if peer.PersistentKeepalive > 0 {
		ka := time.Duration(peer.PersistentKeepalive) * time.Second
		cfg.PersistentKeepaliveInterval = &ka
	}

	err = g.client.ConfigureDevice(iface.Name, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{cfg},
	})
	if err != nil {
		return fmt.Errorf("configure device %s: %w", iface.Name, err)
	}
	return nil
}

// parseAddress принимает и CIDR ("10.0.0.5/32"), и голый IP.
func parseAddress(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		s += "/32"
	}
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("bad address %q: %w", s, err)
	}
	ipnet.IP = ip
	return ipnet, nil
}

// NopGateway — заглушка для запуска без прав на netlink (wireguard.apply=false).
type NopGateway struct{}

func (NopGateway) ApplyPeer(context.Context, *models.Peer, *models.Interface) error { return nil }
