package clientconf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wgpanel/internal/models"
)

func TestRender_AllFieldsSurvive(t *testing.T) {
	peer := &models.Peer{
		Name:                "alice",
		PrivateKey:          "PRIVKEY",
		PresharedKey:        "PSK",
		AllowedIPs:          []string{"10.10.0.2/32"},
		Mtu:                 1380,
		Dns:                 "1.1.1.1",
		PersistentKeepalive: 25,
		EndpointAllowedIPs:  "0.0.0.0/0",
	}
	iface := &models.Interface{
		Name:       "wg0",
		PublicKey:  "SRVPUB",
		Endpoint:   "vpn.example.com",
		ListenPort: 51820,
	}

	want := `[Interface]
PrivateKey = PRIVKEY
Address = 10.10.0.2/32
MTU = 1380
DNS = 1.1.1.1

[Peer]
PublicKey = SRVPUB
PresharedKey = PSK
AllowedIPs = 0.0.0.0/0
Endpoint = vpn.example.com:51820
PersistentKeepalive = 25
`
	assert.Equal(t, want, Render(peer, iface))
}

func TestRender_SinglePeerWithoutPrivateKey(t *testing.T) {
	// single-режим: приватный ключ у клиента, в конфиге его нет
	peer := &models.Peer{
		Name:       "bob",
		AllowedIPs: []string{"10.10.0.3/32", "fd00::3/128"},
	}
	iface := &models.Interface{PublicKey: "SRVPUB", Endpoint: "gw", ListenPort: 51820}

	got := Render(peer, iface)
	assert.NotContains(t, got, "PrivateKey")
	assert.Contains(t, got, "Address = 10.10.0.3/32, fd00::3/128")
	assert.NotContains(t, got, "MTU", "zero MTU is omitted")
	assert.NotContains(t, got, "DNS")
}
